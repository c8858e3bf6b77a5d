package torrent

import "time"

// Handshake is an in-progress cryptographic handshake identified by remote
// address, per spec.md §3 "Handshake". It is held in exactly one of three
// collections at a time: pending-incoming on the Manager, per-torrent
// outgoing, or the Manager-wide finished collection that defers destruction
// to the next Bandwidth Pulse (spec.md §3, §9).
type Handshake struct {
	addr     Addr
	channel  Channel
	incoming bool
	// t is nil until the BT handshake identifies an infohash; an incoming
	// handshake that never identifies one is rejected at OnHandshakeDone.
	t *Torrent
}

// addIncoming registers a freshly accepted incoming connection as a pending
// handshake, per the "incoming-connection hook" of spec.md §2. The
// blocklist check is done by its caller, AddIncoming; addIncoming itself
// only tracks the handshake.
func (m *Manager) addIncoming(addr Addr, channel Channel) *Handshake {
	m.lock.Lock()
	defer m.lock.Unlock()
	h := &Handshake{addr: addr, channel: channel, incoming: true}
	m.pendingIncoming[addr.Key()] = h
	return h
}

func (m *Manager) hasPendingIncoming(addr Addr) bool {
	_, ok := m.pendingIncoming[addr.Key()]
	return ok
}

// addOutgoing registers a handshake this torrent is initiating, per the
// Reconnect Controller's dialing step (spec.md §4.5).
func (t *Torrent) addOutgoing(addr Addr, channel Channel) *Handshake {
	h := &Handshake{addr: addr, channel: channel, incoming: false, t: t}
	t.outgoing[addr.Key()] = h
	return h
}

// OnHandshakeDone implements Handshake Admission (spec.md §4.2). peerID is
// present only when connected is true and the remote peer_id was read.
// infoHash identifies the torrent for an incoming handshake once its wire
// handshake has revealed one (outgoing handshakes are already bound to a
// torrent by addOutgoing); an incoming handshake naming an unrecognized
// infoHash is rejected per spec.md §7 "Unknown torrent hash ... reject
// silently". Returns whether the handshake resulted in a live peer.
func (m *Manager) OnHandshakeDone(h *Handshake, connected bool, infoHash *[20]byte, peerID *[20]byte) (success bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := time.Now()

	// Step 1: remove from owning collection.
	if h.incoming {
		delete(m.pendingIncoming, h.addr.Key())
		if h.t == nil && connected && infoHash != nil {
			h.t = m.torrents[*infoHash] // nil (unrecognized) falls through to step 2's reject.
		}
	} else if h.t != nil {
		delete(h.t.outgoing, h.addr.Key())
	}
	// If h.t is nil and h is not in the incoming set, it's consumed as-is:
	// nothing further to remove.

	deferDestroy := func() {
		m.lock.Defer(func() {
			m.finishedHandshakes = append(m.finishedHandshakes, h)
		})
	}

	// Step 2: connection failed, or no torrent identified / not running.
	if !connected || h.t == nil || !h.t.running() {
		if h.t != nil {
			if a := h.t.findAtom(h.addr); a != nil {
				a.numFails++
			}
		}
		deferDestroy()
		return false
	}

	t := h.t

	// Step 3: ensure an atom exists, mark it fresh.
	a := t.ensureAtom(h.addr, handshakeProvenance(h), now)
	a.time = now
	a.pieceDataTime = time.Time{}

	// Step 4: reject a banned atom, or an incoming peer once at the cap.
	if a.banned {
		deferDestroy()
		return false
	}
	if h.incoming && t.peerCount() >= t.config.MaxPeersPerTorrent {
		deferDestroy()
		return false
	}

	// Step 5: construct the peer if one doesn't already exist.
	if t.findPeer(h.addr) == nil {
		clientID := ""
		if peerID != nil {
			clientID = t.mgr.clientName(*peerID)
		}
		channel := h.channel
		if t.mgr.IO != nil {
			channel = t.mgr.IO.Steal(h)
		}
		p := newPeer(t, h.addr, channel, !h.incoming, a.provenance, clientID, now)
		p.bandwidth = newBandwidthAccounting()
		if t.mgr.IO != nil {
			t.mgr.IO.SetBandwidth(channel, p.bandwidth)
			p.encryptionPreference = t.mgr.IO.IsEncrypted(channel)
			a.encryptionCapable = a.encryptionCapable || p.encryptionPreference
		}
		// A Channel is opaque to the core except via the IO interface, but
		// the concrete connection the I/O layer hands in is expected to
		// also implement Messages directly; this is how the core gets a
		// handle to the wire-messages layer for this peer (spec.md §6).
		if msgs, ok := channel.(Messages); ok {
			p.msgs = msgs
		}
		if p.msgs != nil {
			p.subTag = p.msgs.Subscribe(func(ev Event) { t.mgr.dispatchEvent(t, p, ev) })
		}
		t.addPeer(p)
	}

	return true
}

func handshakeProvenance(h *Handshake) Provenance {
	if h.incoming {
		return ProvenanceIncoming
	}
	return ProvenanceTracker
}

// drainFinishedHandshakes is called by the Bandwidth Pulse (spec.md §4.6c)
// as the safe point to actually free handshakes that OnHandshakeDone
// deferred, rather than destroying them from within their own completion
// callback (spec.md §9).
func (m *Manager) drainFinishedHandshakes() {
	m.finishedHandshakes = m.finishedHandshakes[:0]
}
