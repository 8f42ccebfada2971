package peer

// State is everything the coordinator knows about one live peer. It is only ever
// touched from the coordinator's goroutine; the connection's workers never see it.
type State struct {
	// we are not serving the peer's requests
	ClientChoking bool
	// we want pieces from the peer
	ClientInterested bool
	// the peer is not serving our requests
	PeerChoking bool
	// the peer wants pieces from us
	PeerInterested bool

	Pieces *Pieces
	// requests sent and not yet answered with a piece
	Inflight int

	// bytes/sec, written from the rate measurement collaborator
	UploadRateToUs     int
	DownloadRateFromUs int
}

func NewState(numPieces int) *State {
	return &State{
		ClientChoking:    true,
		ClientInterested: false,
		PeerChoking:      true,
		PeerInterested:   false,
		Pieces:           NewPieces(numPieces),
	}
}

func (s *State) RequestSent() {
	s.Inflight++
}

// BlockReceived decrements the in-flight counter without going below zero; a peer may
// send pieces we never asked for.
func (s *State) BlockReceived() {
	if s.Inflight > 0 {
		s.Inflight--
	}
}
