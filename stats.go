package torrent

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of one torrent's counters, the
// supplemented feature SPEC_FULL.md carries over from original_source's
// tr_stat (see DESIGN.md). It is a plain struct rather than a live object so
// callers may retain it past the next mutation without holding the lock.
type Stats struct {
	Downloaded int64
	Uploaded   int64
	Corrupt    int64

	PeersKnown      int // atoms, whether or not currently connected
	PeersConnected  int
	PeersInterested int
	PeersChoked     int
	SeedPeers       int

	PeersSendingToUs    int
	PeersWeAreSendingTo int
	PeersByProvenance   map[Provenance]int

	WebseedsActive int

	PiecesHave    int
	PiecesWanted  int
	PiecesPending int
}

// Stats computes a snapshot of t's counters, per spec.md §6.
func (m *Manager) Stats(t *Torrent) Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return t.statsLocked()
}

func (t *Torrent) statsLocked() Stats {
	s := Stats{
		Downloaded:        t.downloadedEver.Int64(),
		Uploaded:          t.uploadedEver.Int64(),
		Corrupt:           t.corruptEver.Int64(),
		PeersKnown:        len(t.atoms),
		PeersByProvenance: make(map[Provenance]int),
	}
	t.iterPeers(func(p *Peer) {
		s.PeersConnected++
		s.PeersByProvenance[p.discovery]++
		if p.theyInterestedInUs {
			s.PeersInterested++
		}
		if p.weChokeThem {
			s.PeersChoked++
		}
		if p.isSeed() {
			s.SeedPeers++
		}
		if p.downloadRate > 0 {
			s.PeersSendingToUs++
		}
		if !p.weChokeThem && p.uploadRate > 0 {
			s.PeersWeAreSendingTo++
		}
	})
	for _, w := range t.webseeds {
		if w.ws.IsActive() {
			s.WebseedsActive++
		}
	}
	for i := 0; i < t.numPieces; i++ {
		if !t.wants(i) {
			if t.priorities[i] != PriorityNone {
				s.PiecesHave++
			}
			continue
		}
		s.PiecesWanted++
		if t.pending[i] > 0 {
			s.PiecesPending++
		}
	}
	return s
}

// String renders a one-line summary of the snapshot's counters (bytes,
// pieces, peers, webseeds), using go-humanize for byte counts the way the
// teacher's own CLI output does. The per-peer flag strings are
// PeerStatuses' job, not this line's.
func (s Stats) String() string {
	return fmt.Sprintf(
		"%s down, %s up (%s corrupt), %d/%d pieces, %d peers (%d interested, %d choked), %d webseeds active",
		humanize.Bytes(uint64(s.Downloaded)), humanize.Bytes(uint64(s.Uploaded)), humanize.Bytes(uint64(s.Corrupt)),
		s.PiecesHave, s.PiecesHave+s.PiecesWanted,
		s.PeersConnected, s.PeersInterested, s.PeersChoked,
		s.WebseedsActive,
	)
}

// PeerStatus is one line of the per-peer status table of spec.md §6.
type PeerStatus struct {
	Addr         string
	ClientName   string
	Flags        string
	UploadRate   float64
	DownloadRate float64
}

// PeerStatuses lists every live peer of t in the per-peer status format of
// spec.md §6.
func (m *Manager) PeerStatuses(t *Torrent) []PeerStatus {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]PeerStatus, 0, t.peerCount())
	t.iterPeers(func(p *Peer) {
		out = append(out, PeerStatus{
			Addr:         p.addr.String(),
			ClientName:   p.clientID,
			Flags:        p.statusFlags(t.optimistic == p),
			UploadRate:   p.uploadRate,
			DownloadRate: p.downloadRate,
		})
	})
	return out
}

// metricsExporter publishes the same counters through prometheus, following
// the teacher's convention of a small struct of pre-registered collectors
// updated on a Collect pass rather than on every mutation. Each Manager owns
// a private prometheus.Registry rather than registering into the package
// default: the default registry is process-global, and a program (or test
// binary) that constructs more than one Manager would otherwise panic on the
// second registration of the same metric names.
type metricsExporter struct {
	m *Manager

	registry *prometheus.Registry

	downloaded *prometheus.Desc
	uploaded   *prometheus.Desc
	corrupt    *prometheus.Desc
	peers      *prometheus.Desc
}

func newMetricsExporter(m *Manager) *metricsExporter {
	e := &metricsExporter{
		m:        m,
		registry: prometheus.NewRegistry(),
		downloaded: prometheus.NewDesc(
			"peercore_downloaded_bytes_total", "Bytes downloaded and verified.", []string{"infohash"}, nil),
		uploaded: prometheus.NewDesc(
			"peercore_uploaded_bytes_total", "Bytes uploaded.", []string{"infohash"}, nil),
		corrupt: prometheus.NewDesc(
			"peercore_corrupt_bytes_total", "Bytes downloaded but failing their piece hash.", []string{"infohash"}, nil),
		peers: prometheus.NewDesc(
			"peercore_peers_connected", "Live peer connections.", []string{"infohash"}, nil),
	}
	e.registry.MustRegister(e)
	return e
}

// MetricsRegistry returns the prometheus registry this Manager's statistics
// are published to, for a caller to expose via an HTTP handler or scrape.
func (m *Manager) MetricsRegistry() *prometheus.Registry {
	return m.metrics.registry
}

func (e *metricsExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.downloaded
	ch <- e.uploaded
	ch <- e.corrupt
	ch <- e.peers
}

func (e *metricsExporter) Collect(ch chan<- prometheus.Metric) {
	e.m.lock.Lock()
	defer e.m.lock.Unlock()
	for infoHash, t := range e.m.torrents {
		label := fmt.Sprintf("%x", infoHash)
		s := t.statsLocked()
		ch <- prometheus.MustNewConstMetric(e.downloaded, prometheus.CounterValue, float64(s.Downloaded), label)
		ch <- prometheus.MustNewConstMetric(e.uploaded, prometheus.CounterValue, float64(s.Uploaded), label)
		ch <- prometheus.MustNewConstMetric(e.corrupt, prometheus.CounterValue, float64(s.Corrupt), label)
		ch <- prometheus.MustNewConstMetric(e.peers, prometheus.GaugeValue, float64(s.PeersConnected), label)
	}
}
