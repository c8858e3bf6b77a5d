package torrent

import "time"

// Tunable periods and thresholds governing the periodic controllers. Names
// and values follow the teacher's convention of exported, documented
// constants rather than configuration-file entries, since the core carries
// no persistence of its own.
const (
	// RefillPeriod is how long a one-shot refill timer waits after being
	// armed by NeedRequests before the Request Scheduler actually runs.
	RefillPeriod = 333 * time.Millisecond

	// RechokePeriod is the interval of the Choking Controller.
	RechokePeriod = 10 * time.Second

	// ReconnectPeriod is the interval of the Reconnect/Eviction Controller.
	ReconnectPeriod = 2 * time.Second

	// BandwidthPeriod is the interval of the process-global Bandwidth Pulse.
	BandwidthPeriod = 500 * time.Millisecond

	// MinUploadIdle and MaxUploadIdle bound the idle-time eviction test.
	MinUploadIdle = 30 * time.Second
	MaxUploadIdle = 300 * time.Second

	// MaxReconnectionsPerPulse caps outgoing dials started by a single
	// Reconnect Controller pass, process-global.
	MaxReconnectionsPerPulse = 4

	// MaxConnectionsPerSecond caps outgoing dials across all torrents within
	// any given wall-clock second.
	MaxConnectionsPerSecond = 8

	// MaxUnchokedPeers is the size of the regular (non-optimistic) unchoke
	// set chosen by the Choking Controller.
	MaxUnchokedPeers = 14

	// MaxBadPiecesPerPeer is the strike count at which a peer is banned and
	// purged for repeated piece corruption.
	MaxBadPiecesPerPeer = 5

	// MinimumReconnectInterval is both the floor of the backoff schedule and
	// the window used by the "recently productive" fast-recovery case.
	MinimumReconnectInterval = 5 * time.Second

	// optimisticNewPeerAge is how young a peer's handshake must be to count
	// as "new" for the optimistic-unchoke weighting in §4.4 step 5.
	optimisticNewPeerAge = 45 * time.Second

	// seedSeedGracePeriod is how long a seed pair is tolerated before being
	// disconnected (§4.5), timed from when the pair was first observed.
	// Whether PEX is allowed is not considered.
	seedSeedGracePeriod = 30 * time.Second
)

// reconnectBackoff maps atom.NumFails to the minimum elapsed time since the
// last connection attempt before that atom is eligible again (§4.5).
func reconnectBackoff(numFails int) time.Duration {
	switch {
	case numFails <= 0:
		return 0
	case numFails == 1:
		return 5 * time.Second
	case numFails == 2:
		return 120 * time.Second
	case numFails == 3:
		return 900 * time.Second
	case numFails == 4:
		return 1800 * time.Second
	case numFails == 5:
		return 3600 * time.Second
	default:
		return 7200 * time.Second
	}
}
