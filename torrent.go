package torrent

import (
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/dannyzb/peercore/internal/pieceorder"
)

// PiecePriority is the user-assigned priority of spec.md §4.3's piece
// ordering key 1. PriorityNone marks a piece the client does not want
// ("!dnd[p]" in spec.md wording is the negation of this).
type PiecePriority int

const (
	PriorityNone PiecePriority = iota
	PriorityNormal
	PriorityHigh
	PriorityNow
)

// TorrentConfig carries the tunables of one torrent that aren't protocol
// constants, following the teacher's flat ClientConfig convention.
type TorrentConfig struct {
	PieceLength int64
	// LastPieceLength is the final piece's length when the content doesn't
	// divide evenly; 0 means the last piece is full-sized.
	LastPieceLength    int64
	BlockSize          int
	MaxPeersPerTorrent int
}

func defaultTorrentConfig() TorrentConfig {
	return TorrentConfig{
		PieceLength:        1 << 18, // 256 KiB
		BlockSize:          1 << 14, // 16 KiB
		MaxPeersPerTorrent: 55,
	}
}

// Torrent is the Torrent Context of spec.md §3: one instance per active
// download, created when a torrent is added and destroyed only after it has
// been stopped and all outgoing handshakes aborted.
type Torrent struct {
	mgr    *Manager
	config TorrentConfig
	logger log.Logger

	infoHash  [20]byte
	numPieces int
	storage   Storage

	pieceHashes     [][20]byte // expected SHA-1 per piece, as passed to AddTorrent; verification itself is Storage.TestPiece's.
	lastPieceLength int64      // 0 means "same as PieceLength".
	priorities      []PiecePriority

	havePiece bitmap.Bitmap          // piece-level completion.
	blockHave map[int]*bitmap.Bitmap // piece -> completed blocks within it, while partial.
	blocksIn  map[int]int            // piece -> number of blocks it contains.
	pending   []int                  // per-piece outstanding request count.

	// blockRequests tracks, per piece and block index, which peers currently
	// have that exact block outstanding. Endgame duplicate-request
	// cancellation (spec.md §4.3, §8 scenario 6) consults this when a block
	// arrives to cancel the same request on every other peer.
	blockRequests map[int]map[int][]*Peer

	webseeds []*webseedSlot

	peers    map[uint32]*Peer
	atoms    map[uint32]*atom
	outgoing map[uint32]*Handshake

	optimistic *Peer

	pieceOrder *pieceorder.Order

	refillTimer    *time.Timer
	rechokeTimer   *time.Timer
	reconnectTimer *time.Timer
	refillArmed    bool

	downloadedEver Count
	uploadedEver   Count
	corruptEver    Count

	err         error
	errorString string

	pendingHash map[int]bool // pieces currently being hashed; see waitNoPendingHash.
	hashDone    Broadcaster

	swarmAllSeeds bool // supplemented feature: fast-path cache, see SPEC_FULL.md.
}

// newTorrent constructs a Torrent Context. It does not start the torrent;
// callers use Manager.StartTorrent for that (spec.md §3 invariant: running
// iff all three timers are live).
func newTorrent(mgr *Manager, infoHash [20]byte, numPieces int, pieceHashes [][20]byte, config TorrentConfig, logger log.Logger) *Torrent {
	t := &Torrent{
		mgr:             mgr,
		config:          config,
		logger:          logger,
		infoHash:        infoHash,
		numPieces:       numPieces,
		lastPieceLength: config.LastPieceLength,
		pieceHashes:     pieceHashes,
		priorities:      make([]PiecePriority, numPieces),
		pending:         make([]int, numPieces),
		blockHave:       make(map[int]*bitmap.Bitmap),
		blocksIn:        make(map[int]int),
		blockRequests:   make(map[int]map[int][]*Peer),
		peers:           make(map[uint32]*Peer),
		atoms:           make(map[uint32]*atom),
		outgoing:        make(map[uint32]*Handshake),
		pieceOrder:      pieceorder.New(),
		pendingHash:     make(map[int]bool),
	}
	for i := range t.priorities {
		t.priorities[i] = PriorityNormal
	}
	return t
}

// running reports whether the torrent's three periodic timers are all
// live, which spec.md §3 defines as the torrent's running state.
func (t *Torrent) running() bool {
	return t.refillTimer != nil && t.rechokeTimer != nil && t.reconnectTimer != nil
}

// SetPriority sets piece p's user priority (spec.md §4.3 ordering key 1);
// PriorityNone marks the piece as not-wanted ("!dnd[p]" in spec.md's
// wording is this flag's negation). Out-of-range p is a no-op.
func (m *Manager) SetPriority(t *Torrent, p int, priority PiecePriority) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if p < 0 || p >= t.numPieces {
		return
	}
	t.priorities[p] = priority
}

// SetBlame directly sets or clears a live peer's blame bit for piece, the
// externally-visible "set_blame" entry point named alongside AddTorrent and
// the statistics accessors in spec.md §5. The Request Scheduler sets this
// bit itself on every accepted block request (spec.md §4.6); this accessor
// exists for callers that attribute or clear responsibility without going
// through a request, e.g. replaying a block arrival recorded upstream.
func (m *Manager) SetBlame(t *Torrent, addr Addr, piece int, blame bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := t.findPeer(addr)
	if p == nil {
		return
	}
	if blame {
		p.blame.Add(uint32(piece))
	} else {
		p.blame.Remove(uint32(piece))
	}
}

// TorrentError returns the local failure recorded on t, if any, and its
// human-readable message. Local I/O errors stop the torrent and surface
// here rather than propagating past the public API (spec.md §7).
func (m *Manager) TorrentError(t *Torrent) (error, string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return t.err, t.errorString
}

// wants reports whether the client wants piece p: non-None priority and not
// yet acquired (spec.md §4.3 "pieces p that the client wants (!dnd[p]) and
// does not yet have").
func (t *Torrent) wants(p int) bool {
	return t.priorities[p] != PriorityNone && !t.havePiece.Contains(bitmap.BitIndex(p))
}

// complete reports whether every wanted piece has been acquired.
func (t *Torrent) complete() bool {
	for i := 0; i < t.numPieces; i++ {
		if t.wants(i) {
			return false
		}
	}
	return true
}

func (t *Torrent) blockCount(piece int) int {
	if n, ok := t.blocksIn[piece]; ok {
		return n
	}
	length := t.config.PieceLength
	if piece == t.numPieces-1 && t.lastPieceLength > 0 {
		length = t.lastPieceLength
	}
	n := int((length + int64(t.config.BlockSize) - 1) / int64(t.config.BlockSize))
	t.blocksIn[piece] = n
	return n
}

// missingBlocks returns how many blocks of piece p are still outstanding,
// piece ordering key 3 (spec.md §4.3).
func (t *Torrent) missingBlocks(p int) int {
	total := t.blockCount(p)
	bh, ok := t.blockHave[p]
	if !ok {
		return total
	}
	return total - int(bh.Len())
}

// waitNoPendingHash blocks the caller (with the manager lock released, per
// Broadcaster.Wait's contract) until piece p is not in the middle of an asynchronous
// hash verification. Synchronous hashing (this module's default, matching
// spec.md §5's allowance) means this returns immediately; the mechanism
// exists so a worker-based hashing strategy can be substituted without
// touching callers, per spec.md §5's "an implementation may hash in a
// worker provided it preserves the ordering invariants of §4.6".
func (t *Torrent) waitNoPendingHash(p int, locker sync.Locker) {
	for t.pendingHash[p] {
		t.hashDone.Wait(locker)
	}
}
