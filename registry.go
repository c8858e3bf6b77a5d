package torrent

import (
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
)

// This file implements the Peer Registry (spec.md §4.1): the per-torrent
// address book of known, banned, failing, and currently connected peers.
// Following the "Sorted pointer arrays" design note (spec.md §9), the
// teacher's sorted-slice-of-pointers collections are replaced with plain Go
// maps keyed by Addr.Key(), the 32-bit integer form of the address with the
// port ignored — lookup, insert, and delete are all O(1) amortized instead
// of the teacher's O(log n) sorted-insert, which is a strict improvement
// available because Go maps are a language primitive the original C source
// didn't have.

// ensureAtom returns the atom for addr, creating one with the given
// provenance if none exists yet. Per spec.md §4.1, inserting a duplicate
// atom is a no-op: an existing atom's provenance, flags, and failure
// history are left untouched.
func (t *Torrent) ensureAtom(addr Addr, provenance Provenance, now time.Time) *atom {
	key := addr.Key()
	if a, ok := t.atoms[key]; ok {
		return a
	}
	a := newAtom(addr, provenance, now)
	t.atoms[key] = a
	return a
}

// findAtom looks up an existing atom by address, or nil.
func (t *Torrent) findAtom(addr Addr) *atom {
	return t.atoms[addr.Key()]
}

// findPeer looks up a live peer by address, or nil.
func (t *Torrent) findPeer(addr Addr) *Peer {
	return t.peers[addr.Key()]
}

// isInUse reports whether addr currently has a live peer, an outgoing
// handshake on this torrent, or a pending incoming handshake on the
// manager, per spec.md §4.1. Incoming handshakes are manager-wide because
// the torrent they belong to isn't known until they complete.
func (t *Torrent) isInUse(addr Addr) bool {
	key := addr.Key()
	if _, ok := t.peers[key]; ok {
		return true
	}
	if _, ok := t.outgoing[key]; ok {
		return true
	}
	if t.mgr.hasPendingIncoming(addr) {
		return true
	}
	return false
}

// addPeer installs a live peer into the registry. Panics if a peer already
// exists for that address — callers (Handshake Admission) must check
// findPeer first, and invariant 2 of spec.md §8 forbids two live peers of
// the same torrent sharing an address.
func (t *Torrent) addPeer(p *Peer) {
	key := p.addr.Key()
	_, exists := t.peers[key]
	panicif.True(exists)
	t.peers[key] = p
}

// removePeer removes a live peer from the registry. If it was the current
// optimistic peer, that pointer is cleared too (spec.md §8 invariant 7).
func (t *Torrent) removePeer(addr Addr) {
	key := addr.Key()
	delete(t.peers, key)
	if t.optimistic != nil && t.optimistic.addr == addr {
		t.optimistic = nil
	}
}

// iterPeers calls f for every live peer. f must not add or remove peers.
func (t *Torrent) iterPeers(f func(*Peer)) {
	for _, p := range t.peers {
		f(p)
	}
}

// iterAtoms calls f for every known atom. f must not add or remove atoms.
func (t *Torrent) iterAtoms(f func(*atom)) {
	for _, a := range t.atoms {
		f(a)
	}
}

// peerCount returns the number of live peers.
func (t *Torrent) peerCount() int {
	return len(t.peers)
}
