package download

import (
	"log/slog"
	"sort"

	"github.com/Charana123/peerwire/wire"
	mapset "github.com/deckarep/golang-set"
)

// choke runs one round of the choke algorithm. Every OptimisticEvery-th round also
// unchokes one random interested peer past the regular slots.
func (d *download) choke() {
	d.refreshRates()

	d.chokeRound++
	optimistic := d.chokeRound >= d.config.OptimisticEvery
	if optimistic {
		d.chokeRound = 0
	}

	toUnchoke, toChoke := decideChokes(d.sortedPeers(), d.config.UnchokeSlots, optimistic, d.intn)

	for _, p := range toUnchoke.ToSlice() {
		d.setChoking(p.(*remotePeer), false)
	}
	for _, p := range toChoke.ToSlice() {
		d.setChoking(p.(*remotePeer), true)
	}
	d.logger.Debug("choke round",
		slog.Bool("optimistic", optimistic),
		slog.Int("unchoked", toUnchoke.Cardinality()),
		slog.Int("choked", toChoke.Cardinality()))
}

func (d *download) refreshRates() {
	for id, stat := range d.stats.GetPeerStats() {
		p, ok := d.peers[id]
		if !ok {
			continue
		}
		p.state.UploadRateToUs = stat.UploadRateToUs
		p.state.DownloadRateFromUs = stat.DownloadRateFromUs
	}
}

// sortedPeers orders peers by the rate they upload to us, slowest first. Equal rates
// keep connection order.
func (d *download) sortedPeers() []*remotePeer {
	peers := make([]*remotePeer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].id < peers[j].id
	})
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].state.UploadRateToUs < peers[j].state.UploadRateToUs
	})
	return peers
}

// decideChokes walks peers in order until slots interested peers have been seen,
// unchoking every choked peer on the way and choking every unchoked peer after. On an
// optimistic round one peer past the last counted interested peer is drawn with intn;
// if it is interested it stays or becomes unchoked.
func decideChokes(
	peers []*remotePeer,
	slots int,
	optimistic bool,
	intn func(n int) int) (toUnchoke mapset.Set, toChoke mapset.Set) {

	toUnchoke = mapset.NewSet()
	toChoke = mapset.NewSet()

	interested := 0
	worst := 0
	for i, p := range peers {
		if interested < slots {
			if p.state.PeerInterested {
				interested++
				worst = i
			}
			if p.state.ClientChoking {
				toUnchoke.Add(p)
			}
		} else if !p.state.ClientChoking {
			toChoke.Add(p)
		}
	}

	if optimistic && worst+1 < len(peers) {
		lucky := peers[worst+1+intn(len(peers)-worst-1)]
		if lucky.state.PeerInterested {
			toChoke.Remove(lucky)
			if lucky.state.ClientChoking {
				toUnchoke.Add(lucky)
			}
		}
	}
	return toUnchoke, toChoke
}

func (d *download) setChoking(p *remotePeer, choking bool) {
	p.state.ClientChoking = choking
	var m wire.Message = wire.Unchoke{}
	if choking {
		m = wire.Choke{}
	}
	err := p.conn.Send(m)
	if err != nil {
		p.logger.Warn("failed to send choke state", slog.String("message", m.String()), slog.Any("error", err))
	}
}
