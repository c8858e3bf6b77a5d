package torrent

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/peercore/clientid"
)

// ManagerConfig carries the process-global tunables, following the
// teacher's ClientConfig convention of one flat struct.
type ManagerConfig struct {
	// UploadDisallowed, if true, forces every peer of every torrent to be
	// choked (spec.md §4.4 step 1).
	UploadDisallowed bool

	// Blocklist, if non-nil, is consulted by AddIncoming and AddPEX and by
	// Reconnect candidate selection (spec.md §4.5, §7 "Blocked address").
	Blocklist func(net.IP) bool

	// UploadRateLimit and DownloadRateLimit are the process-global token
	// budgets the Bandwidth Pulse divides among peers every
	// BandwidthPeriod (spec.md §4.6, §6).
	UploadRateLimit   float64 // bytes/sec, 0 means unlimited.
	DownloadRateLimit float64

	// AtomCachePath, if non-empty, persists peer atoms across restarts
	// (SPEC_FULL.md domain stack: go.etcd.io/bbolt).
	AtomCachePath string

	Logger log.Logger
}

func defaultManagerConfig() ManagerConfig {
	return ManagerConfig{Logger: log.Default}
}

// Manager is the top-level object of the peer-manager core: it exclusively
// owns every Torrent Context (spec.md §3 "Ownership summary") and the
// single global lock all entry points acquire (spec.md §5).
type Manager struct {
	config ManagerConfig
	logger log.Logger
	lock   globalLock

	IO IO

	torrents map[[20]byte]*Torrent

	pendingIncoming    map[uint32]*Handshake
	finishedHandshakes []*Handshake

	// Process-global reconnect throttle (spec.md §4.5).
	reconnectsThisSecond int
	reconnectSecondStart time.Time

	bandwidthTimer *time.Timer
	bandwidth      *bandwidthAllocator

	atomCache *atomCache
	metrics   *metricsExporter

	// selfClientFamily is this client's own client-family token, compared
	// against clientid.Family(peer.clientID) by the Choking Controller's
	// optimistic-unchoke cooperation bias (spec.md §4.4 step 5).
	selfClientFamily string
}

// NewManager constructs a Manager and starts its process-global Bandwidth
// Pulse (spec.md §4.6c). IO is the consumed transport layer; it may be nil
// in tests that never dial or accept.
func NewManager(cfg ManagerConfig, ioImpl IO) *Manager {
	if cfg.Logger.IsZero() {
		cfg.Logger = log.Default
	}
	m := &Manager{
		config:          cfg,
		logger:          cfg.Logger,
		IO:              ioImpl,
		torrents:        make(map[[20]byte]*Torrent),
		pendingIncoming: make(map[uint32]*Handshake),
		bandwidth:       newBandwidthAllocator(cfg.UploadRateLimit, cfg.DownloadRateLimit),
	}
	m.selfClientFamily = clientid.Family(clientid.PrettyName(clientid.SelfPeerID()))
	if cfg.AtomCachePath != "" {
		ac, err := openAtomCache(cfg.AtomCachePath)
		if err != nil {
			m.logger.Levelf(log.Warning, "opening atom cache %q: %v", cfg.AtomCachePath, err)
		} else {
			m.atomCache = ac
		}
	}
	m.metrics = newMetricsExporter(m)
	m.scheduleBandwidthPulse()
	return m
}

func (m *Manager) clientName(peerID [20]byte) string {
	return clientid.PrettyName(peerID)
}

var (
	ErrUnknownTorrent = errors.New("peercore: unknown torrent")
	ErrAlreadyExists  = errors.New("peercore: torrent already exists")
	ErrAlreadyRunning = errors.New("peercore: torrent already running")
	ErrNotRunning     = errors.New("peercore: torrent not running")
	ErrAddressBlocked = errors.New("peercore: address blocked")
)

// AddTorrent creates a stopped Torrent Context, per spec.md §3 "Created
// when a torrent is added". numPieces and pieceHashes describe the content;
// storage is the consumed disk layer for this torrent.
func (m *Manager) AddTorrent(infoHash [20]byte, numPieces int, pieceHashes [][20]byte, storage Storage, config TorrentConfig) (*Torrent, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, exists := m.torrents[infoHash]; exists {
		return nil, ErrAlreadyExists
	}
	t := newTorrent(m, infoHash, numPieces, pieceHashes, config, m.logger)
	t.storage = storage
	m.torrents[infoHash] = t
	if m.atomCache != nil {
		for _, a := range m.atomCache.load(infoHash) {
			t.atoms[a.addr.Key()] = a
		}
	}
	return t, nil
}

// RemoveTorrent destroys a Torrent Context. Per spec.md §3, a torrent may
// only be destroyed after it has been stopped and all outgoing handshakes
// aborted; RemoveTorrent enforces this by stopping it first.
func (m *Manager) RemoveTorrent(infoHash [20]byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, ok := m.torrents[infoHash]
	if !ok {
		return ErrUnknownTorrent
	}
	if t.running() {
		m.stopTorrentLocked(t)
	}
	if m.atomCache != nil {
		m.atomCache.save(infoHash, t.atoms)
	}
	for _, w := range t.webseeds {
		w.ws.Free()
	}
	t.webseeds = nil
	delete(m.torrents, infoHash)
	return nil
}

// StartTorrent arms all three periodic timers, per spec.md §3's running
// invariant.
func (m *Manager) StartTorrent(infoHash [20]byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, ok := m.torrents[infoHash]
	if !ok {
		return ErrUnknownTorrent
	}
	if t.running() {
		return ErrAlreadyRunning
	}
	t.reconnectTimer = time.AfterFunc(ReconnectPeriod, func() { m.reconnectPulse(t) })
	t.rechokeTimer = time.AfterFunc(RechokePeriod, func() { m.rechokePulse(t) })
	t.refillTimer = time.AfterFunc(RefillPeriod, func() { m.refillPulse(t) })
	t.refillArmed = true
	return nil
}

// StopTorrent stops all periodic work, drains outgoing handshakes by
// repeatedly aborting the first element until empty (spec.md §5), and
// clears the peer list and timers (spec.md §3 invariant 6 / §8 invariant 6).
func (m *Manager) StopTorrent(infoHash [20]byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, ok := m.torrents[infoHash]
	if !ok {
		return ErrUnknownTorrent
	}
	if !t.running() {
		return ErrNotRunning
	}
	m.stopTorrentLocked(t)
	return nil
}

func (m *Manager) stopTorrentLocked(t *Torrent) {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.rechokeTimer != nil {
		t.rechokeTimer.Stop()
		t.rechokeTimer = nil
	}
	if t.refillTimer != nil {
		t.refillTimer.Stop()
		t.refillTimer = nil
	}
	t.refillArmed = false

	for _, h := range t.outgoing {
		m.OnHandshakeDone(h, false, nil, nil)
	}
	for _, p := range t.peers {
		p.close()
	}
	t.peers = make(map[uint32]*Peer)
	t.optimistic = nil
}

// AddIncoming registers a new incoming I/O connection as a pending
// handshake, rejecting it silently if blocked (spec.md §7 "Blocked
// address"). This is the "incoming-connection hook" of spec.md §2.
func (m *Manager) AddIncoming(addr Addr, channel Channel) (*Handshake, error) {
	if m.addressBlocked(addr) {
		return nil, ErrAddressBlocked
	}
	return m.addIncoming(addr, channel), nil
}

func (m *Manager) addressBlocked(addr Addr) bool {
	if m.config.Blocklist == nil {
		return false
	}
	return m.config.Blocklist(net.IPv4(addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3]))
}

// AddPEX feeds one compact-decoded PEX entry into the registry as an atom,
// rejecting blocked addresses silently (spec.md §7).
func (m *Manager) AddPEX(t *Torrent, addr Addr, flags byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.addressBlocked(addr) {
		return ErrAddressBlocked
	}
	a := t.ensureAtom(addr, ProvenancePEX, time.Now())
	a.encryptionCapable = a.encryptionCapable || flags&pexFlagEncryption != 0
	a.seed = a.seed || flags&pexFlagSeed != 0
	return nil
}

// AddTrackerPeer feeds one tracker-announced address into the registry.
func (m *Manager) AddTrackerPeer(t *Torrent, addr Addr) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t.ensureAtom(addr, ProvenanceTracker, time.Now())
}

// SetPeerInterested records the remote peer's declared interest in us, as
// decoded by the messages layer. Interest changes have no dedicated Event
// (the messages layer owns the wire state machine); this entry point is how
// they reach the Choking Controller's interested-peer cap (spec.md §4.4).
func (m *Manager) SetPeerInterested(t *Torrent, addr Addr, interested bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if p := t.findPeer(addr); p != nil {
		p.theyInterestedInUs = interested
	}
}

// Close releases the Manager's process-global resources: the Bandwidth
// Pulse timer and the atom cache, if one is open. Torrents should be
// removed first (which persists their atoms); Close does not stop them.
func (m *Manager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.bandwidthTimer != nil {
		m.bandwidthTimer.Stop()
	}
	if m.atomCache != nil {
		return m.atomCache.db.Close()
	}
	return nil
}

func (m *Manager) String() string {
	return fmt.Sprintf("peercore manager, %d torrents", len(m.torrents))
}
