package torrent

import (
	"time"

	"github.com/anacrolix/generics"
)

// Provenance records how a Peer Atom's address was first discovered, per
// spec.md §2/§3.
type Provenance int

const (
	ProvenanceIncoming Provenance = iota
	ProvenanceTracker
	ProvenanceCache
	ProvenancePEX
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceIncoming:
		return "incoming"
	case ProvenanceTracker:
		return "tracker"
	case ProvenanceCache:
		return "cache"
	case ProvenancePEX:
		return "pex"
	default:
		return "unknown"
	}
}

// atom is the persistent record of a remote address, per spec.md §3 "Peer
// Atom". It is created on first discovery of an address and never destroyed
// while the torrent lives, so that bans and failure counts outlive
// disconnects.
type atom struct {
	addr       Addr
	provenance Provenance

	// External flags, as observed from the peer (bitfield/handshake/PEX).
	seed              bool
	encryptionCapable bool
	uploadOnly        bool

	// Internal flags. banned is sticky for the life of the torrent.
	// unreachable is sticky in the outgoing direction only; it never
	// prevents accepting an incoming connection from the same address.
	banned      bool
	unreachable bool
	// banReason records why banned was set, when known; a ban restored
	// from the atom cache (decodeAtom) carries no reason and leaves this
	// unset.
	banReason generics.Option[string]

	numFails int

	// time is the timestamp of the atom's last state change (ban, dial,
	// disconnect...). pieceDataTime is the timestamp the atom was last seen
	// transferring piece data, or the zero Time if it never has.
	time          time.Time
	pieceDataTime time.Time
}

// newAtom constructs an atom discovered via provenance. numFails, banned,
// and unreachable all start zero/false: a freshly discovered address is
// assumed innocent until it misbehaves.
func newAtom(addr Addr, provenance Provenance, now time.Time) *atom {
	return &atom{
		addr:       addr,
		provenance: provenance,
		time:       now,
	}
}

// lastActivity is max(atom.time, atom.piece_data_time), used by the
// Reconnect Controller's idle-time test (spec.md §4.5).
func (a *atom) lastActivity() time.Time {
	if a.pieceDataTime.After(a.time) {
		return a.pieceDataTime
	}
	return a.time
}

// hasEverSentPieceData reports whether atom.piece_data_time is non-zero,
// used to decide whether an evicted peer's numFails resets or increments
// (spec.md §4.5 "On eviction").
func (a *atom) hasEverSentPieceData() bool {
	return !a.pieceDataTime.IsZero()
}

// ban sets the sticky banned flag and records why, per spec.md §3's "an
// atom's banned flag is sticky" invariant.
func (a *atom) ban(reason string) {
	a.banned = true
	a.banReason = generics.Option[string]{Value: reason, Ok: true}
}
