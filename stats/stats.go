package stats

import (
	"sync"
	"time"
)

type Stats interface {
	GetTotals() (downloaded int, uploaded int)
	GetPeerStats() (peerStats map[uint32]PeerStat)
	UpdatePeer(id uint32, downloaded int, uploaded int)
	RemovePeer(id uint32)
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	samplePeriod    time.Duration
	totalDownloaded int
	totalUploaded   int
	peerStats       map[uint32]*peerActivity
}

// PeerStat holds rates in bytes/sec averaged over the last PONDERATION_TIME samples.
type PeerStat struct {
	// bytes/sec the peer sends us
	UploadRateToUs int
	// bytes/sec we send the peer
	DownloadRateFromUs int
}

type peerActivity struct {
	currentDownload  int
	currentUpload    int
	downloadActivity [PONDERATION_TIME]int
	uploadActivity   [PONDERATION_TIME]int
	i                int
}

// NewStats measures per-peer transfer rates. GetPeerStats closes one sample, so it is
// expected to be called once per samplePeriod.
func NewStats(samplePeriod time.Duration) Stats {
	if samplePeriod <= 0 {
		samplePeriod = time.Second
	}
	return &stats{
		samplePeriod: samplePeriod,
		peerStats:    make(map[uint32]*peerActivity),
	}
}

func (s *stats) GetTotals() (int, int) {
	s.Lock()
	defer s.Unlock()

	return s.totalDownloaded, s.totalUploaded
}

func (s *stats) UpdatePeer(id uint32, downloaded int, uploaded int) {
	s.Lock()
	defer s.Unlock()

	activity, ok := s.peerStats[id]
	if !ok {
		activity = &peerActivity{}
		s.peerStats[id] = activity
	}
	activity.currentDownload += downloaded
	activity.currentUpload += uploaded
	s.totalDownloaded += downloaded
	s.totalUploaded += uploaded
}

func (s *stats) RemovePeer(id uint32) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func sum(activity [PONDERATION_TIME]int) int {
	total := 0
	for _, bytes := range activity {
		total += bytes
	}
	return total
}

func (s *stats) GetPeerStats() map[uint32]PeerStat {
	s.Lock()
	defer s.Unlock()

	window := PONDERATION_TIME * s.samplePeriod.Seconds()
	peerStats := make(map[uint32]PeerStat, len(s.peerStats))
	for id, activity := range s.peerStats {
		activity.downloadActivity[activity.i] = activity.currentDownload
		activity.uploadActivity[activity.i] = activity.currentUpload
		activity.i = (activity.i + 1) % PONDERATION_TIME
		activity.currentDownload = 0
		activity.currentUpload = 0

		peerStats[id] = PeerStat{
			UploadRateToUs:     int(float64(sum(activity.downloadActivity)) / window),
			DownloadRateFromUs: int(float64(sum(activity.uploadActivity)) / window),
		}
	}
	return peerStats
}
