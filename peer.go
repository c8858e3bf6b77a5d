package torrent

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
)

// Peer is a live, handshake-completed session, per spec.md §3 "Peer". It
// points to exactly one atom by address lookup rather than by pointer (see
// SPEC_FULL.md / spec.md §9 "Atom ↔ Peer back-pointer"): the atom outlives
// the peer, and the registry's backing map may be resized after the peer is
// constructed.
type Peer struct {
	t *Torrent

	addr      Addr
	channel   Channel
	outgoing  bool
	discovery Provenance

	// have is the set of pieces the peer claims to hold. blame is the
	// subset of have the peer held when blocks for a piece were
	// outstanding to it, consulted when a piece fails its hash check
	// (spec.md §4.6).
	have  roaring.Bitmap
	blame roaring.Bitmap

	progress float64 // 0..1, from PeerProgress events.

	// The four choke/interest flags, per spec.md §3.
	weChokeThem        bool
	theyChokeUs        bool
	weInterestedInThem bool
	theyInterestedInUs bool

	strikes int
	purge   bool

	// seedPairSince is when both ends of this connection were first
	// observed to be seeds, zero while that isn't the case. The Reconnect
	// Controller's seed-pair disconnect rule (spec.md §4.5) evicts the
	// connection once this has held for longer than seedSeedGracePeriod.
	seedPairSince time.Time

	// uploadRate and downloadRate are exponential moving averages in
	// bytes/sec, updated from DataSentToPeer/DataReceivedFromPeer events
	// (spec.md §4.4's upload-rate scoring, §4.6's bandwidth accounting).
	uploadRate   float64
	downloadRate float64

	lastChokeChange time.Time

	clientID             string
	encryptionPreference bool

	bandwidth BandwidthAccounting

	msgs   Messages
	subTag int

	closed chansync.SetOnce
}

func newPeer(t *Torrent, addr Addr, channel Channel, outgoing bool, discovery Provenance, clientID string, now time.Time) *Peer {
	return &Peer{
		t:               t,
		addr:            addr,
		channel:         channel,
		outgoing:        outgoing,
		discovery:       discovery,
		weChokeThem:     true,
		theyChokeUs:     true,
		clientID:        clientID,
		lastChokeChange: now,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %v (%s)", p.addr, p.clientID)
}

// atom resolves the peer's backing atom in its torrent's registry. Atoms
// are never removed while the torrent lives, so this is non-nil for every
// peer admitted through OnHandshakeDone; callers nil-check regardless.
func (p *Peer) atom() *atom {
	return p.t.findAtom(p.addr)
}

// isSeed reports whether the peer's atom is flagged as a seed, or its
// reported progress is complete.
func (p *Peer) isSeed() bool {
	if p.progress >= 1.0 {
		return true
	}
	if a := p.atom(); a != nil {
		return a.seed
	}
	return false
}

// hasEverything reports whether the peer's have bitfield covers every piece
// of the torrent, used by the Reconnect Controller's seed-pair disconnect
// rule (spec.md §4.5).
func (p *Peer) hasEverything() bool {
	if p.isSeed() {
		return true
	}
	if p.t.numPieces == 0 {
		return false
	}
	return int(p.have.GetCardinality()) >= p.t.numPieces
}

// setChoke applies a choke/unchoke decision, recording the timestamp if it
// actually changed (spec.md §3 "timestamp of last choke change").
func (p *Peer) setChoke(choke bool, now time.Time) {
	if p.weChokeThem == choke {
		return
	}
	p.weChokeThem = choke
	p.lastChokeChange = now
	if p.msgs != nil {
		p.msgs.SetChoke(choke)
	}
}

// close tears the peer down: unsubscribes from the messages layer and marks
// it closed. It does not remove the peer from the registry; callers (the
// Reconnect/Eviction Controller's evictPeer, and stopTorrentLocked) do that
// explicitly. Piece Integrity and protocol-error handling only set the
// purge flag, and the next eviction pass closes the peer.
func (p *Peer) close() {
	if p.closed.IsSet() {
		return
	}
	p.closed.Set()
	if p.msgs != nil {
		p.msgs.Unsubscribe(p.subTag)
	}
}

// statusFlags renders the short per-peer flag string of spec.md §6.
func (p *Peer) statusFlags(optimistic bool) string {
	var s []byte
	if optimistic {
		s = append(s, 'O')
	}
	switch {
	case !p.weChokeThem && p.theyInterestedInUs:
		s = append(s, 'D')
	case p.theyInterestedInUs:
		s = append(s, 'd')
	}
	switch {
	case !p.theyChokeUs && p.weInterestedInThem:
		s = append(s, 'U')
	case p.weInterestedInThem:
		s = append(s, 'u')
	}
	if !p.weChokeThem && !p.weInterestedInThem {
		s = append(s, 'K')
	}
	if !p.theyChokeUs && !p.theyInterestedInUs {
		s = append(s, '?')
	}
	if a := p.atom(); a != nil && a.encryptionCapable {
		s = append(s, 'E')
	}
	if p.discovery == ProvenancePEX {
		s = append(s, 'X')
	}
	if !p.outgoing {
		s = append(s, 'I')
	}
	return string(s)
}
