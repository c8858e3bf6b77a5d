package torrent

import (
	"context"
	"time"
)

// fakeMessages is a minimal in-memory stand-in for the wire-messages layer
// (spec.md §6's Messages interface), recording every call a test needs to
// assert on rather than speaking any real protocol.
type fakeMessages struct {
	choked    []bool
	canceled  [][3]int
	haves     []int
	requested [][3]int
	flushes   int
	sub       func(Event)
	subTag    int
	unsubbed  []int

	// nextReq is the result AddRequest returns. When it is ReqOk and
	// acceptLimit is positive, the queue "fills": after acceptLimit accepted
	// requests, further AddRequests return ReqFull.
	nextReq     AddRequestResult
	acceptLimit int
	accepted    int
}

func (f *fakeMessages) SetChoke(choke bool) { f.choked = append(f.choked, choke) }

func (f *fakeMessages) Cancel(piece, offset, length int) {
	f.canceled = append(f.canceled, [3]int{piece, offset, length})
}

func (f *fakeMessages) Have(piece int) { f.haves = append(f.haves, piece) }

func (f *fakeMessages) AddRequest(piece, offset, length int) AddRequestResult {
	f.requested = append(f.requested, [3]int{piece, offset, length})
	if f.nextReq == ReqOk {
		if f.acceptLimit > 0 && f.accepted >= f.acceptLimit {
			return ReqFull
		}
		f.accepted++
	}
	return f.nextReq
}

func (f *fakeMessages) Flush() { f.flushes++ }

func (f *fakeMessages) Unsubscribe(tag int) { f.unsubbed = append(f.unsubbed, tag) }

func (f *fakeMessages) Subscribe(cb func(Event)) int {
	f.sub = cb
	f.subTag++
	return f.subTag
}

// fakeChannel pairs a fakeMessages with the identity the fakeIO needs to
// answer GetAddress/IsIncoming/... for it.
type fakeChannel struct {
	*fakeMessages
	addr        Addr
	incoming    bool
	encrypted   bool
	hasHash     bool
	torrentHash [20]byte
	age         int64
}

// fakeIO is a minimal stand-in for the consumed transport layer (spec.md
// §6's IO interface).
type fakeIO struct {
	dialOk    bool
	dialed    []Addr
	stolen    []*Handshake
	bandwidth map[Channel]BandwidthAccounting
}

func newFakeIO() *fakeIO {
	return &fakeIO{dialOk: true, bandwidth: make(map[Channel]BandwidthAccounting)}
}

func (f *fakeIO) NewOutgoing(ctx context.Context, addr Addr, infoHash [20]byte) (Channel, bool) {
	f.dialed = append(f.dialed, addr)
	if !f.dialOk {
		return nil, false
	}
	return &fakeChannel{fakeMessages: &fakeMessages{}, addr: addr}, true
}

func (f *fakeIO) GetAddress(c Channel) Addr { return c.(*fakeChannel).addr }

func (f *fakeIO) IsIncoming(c Channel) bool { return c.(*fakeChannel).incoming }

func (f *fakeIO) IsEncrypted(c Channel) bool { return c.(*fakeChannel).encrypted }

func (f *fakeIO) HasTorrentHash(c Channel) bool { return c.(*fakeChannel).hasHash }

func (f *fakeIO) GetTorrentHash(c Channel) [20]byte { return c.(*fakeChannel).torrentHash }

func (f *fakeIO) Age(c Channel) int64 { return c.(*fakeChannel).age }

func (f *fakeIO) Steal(h *Handshake) Channel {
	f.stolen = append(f.stolen, h)
	return h.channel
}

func (f *fakeIO) SetBandwidth(c Channel, acct BandwidthAccounting) {
	f.bandwidth[c] = acct
}

// fakeStorage is a minimal stand-in for the consumed disk layer (spec.md §6's
// Storage interface), hashing nothing: TestPiece's result is whatever the
// test configures.
type fakeStorage struct {
	testResult bool
	testErr    error
	written    [][3]int
}

func (f *fakeStorage) ReadPiece(piece, begin, length int, buf []byte) error { return nil }

func (f *fakeStorage) WritePiece(piece, begin, length int, buf []byte) error {
	f.written = append(f.written, [3]int{piece, begin, length})
	return nil
}

func (f *fakeStorage) TestPiece(piece int) (bool, error) { return f.testResult, f.testErr }

// fakeWebseed is a minimal stand-in for the HTTP pseudo-peer interface
// (spec.md §6's Webseed interface).
type fakeWebseed struct {
	active    bool
	speed     float64
	speedOk   bool
	nextReq   WebseedRequestResult
	requested [][3]int
	freed     bool
}

func (f *fakeWebseed) AddRequest(piece, offset, length int) WebseedRequestResult {
	f.requested = append(f.requested, [3]int{piece, offset, length})
	return f.nextReq
}

func (f *fakeWebseed) GetSpeed() (float64, bool) { return f.speed, f.speedOk }

func (f *fakeWebseed) IsActive() bool { return f.active }

func (f *fakeWebseed) Free() { f.freed = true }

// newTestManager builds a Manager with io (possibly nil) wired in, and with
// the background Bandwidth Pulse disarmed so it cannot race a test's own
// direct pulse calls. Tests that exercise the pulse call it explicitly.
func newTestManager(io IO) *Manager {
	m := NewManager(ManagerConfig{}, io)
	m.bandwidthTimer.Stop()
	return m
}

// addRunningTorrent is the common setup for controller tests: a torrent with
// numPieces pieces of blocksPerPiece blocks each, in the running state. The
// three timers are armed far in the future rather than at their real periods
// so the test's own direct pulse calls are the only controller activity.
func addRunningTorrent(m *Manager, infoHash [20]byte, numPieces, blocksPerPiece int, storage Storage) *Torrent {
	cfg := defaultTorrentConfig()
	cfg.BlockSize = 1 << 14
	cfg.PieceLength = int64(blocksPerPiece) * int64(cfg.BlockSize)
	cfg.MaxPeersPerTorrent = 55
	t, err := m.AddTorrent(infoHash, numPieces, nil, storage, cfg)
	if err != nil {
		panic(err)
	}
	armInertTimers(t)
	return t
}

func armInertTimers(t *Torrent) {
	inert := func() *time.Timer { return time.AfterFunc(time.Hour, func() {}) }
	t.refillTimer = inert()
	t.rechokeTimer = inert()
	t.reconnectTimer = inert()
	t.refillArmed = false
}

// admitPeer synthesizes a live peer at addr without going through a full
// handshake round trip, for controller tests that only care about
// already-connected peers.
func admitPeer(t *Torrent, addr Addr, outgoing bool) (*Peer, *fakeMessages) {
	now := time.Now()
	a := t.ensureAtom(addr, ProvenanceTracker, now)
	fm := &fakeMessages{}
	p := newPeer(t, addr, fm, outgoing, a.provenance, "", now)
	p.msgs = fm
	p.subTag = fm.Subscribe(func(ev Event) { t.mgr.dispatchEvent(t, p, ev) })
	t.addPeer(p)
	return p, fm
}
