package torrent

import (
	"context"
	"sort"
	"time"
)

// reconnectPulse implements the Reconnect/Eviction Controller (spec.md
// §4.5): it first evicts peers that have fallen foul of the purge flag, the
// seed-pair rule, or the idle-time test, then dials new outgoing connections
// to fill the freed and any other available slots, subject to the
// process-global per-pulse and per-second throttles.
func (m *Manager) reconnectPulse(t *Torrent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !t.running() {
		return
	}
	defer func() {
		t.reconnectTimer = time.AfterFunc(ReconnectPeriod, func() { m.reconnectPulse(t) })
	}()

	now := time.Now()
	t.updateSwarmAllSeeds(now)
	m.evictPeers(t, now)
	m.dialNewPeers(t, now)
}

// updateSwarmAllSeeds recomputes the supplemented swarmIsAllSeeds fast-path
// cache (SPEC_FULL.md "SUPPLEMENTED FEATURES" #4): true once every live peer
// is a seed and no atom has shown piece-data activity recently enough to
// suggest an unseen leecher is still around, letting the dial phase below
// and the Choking Controller's step 1 short-circuit skip work that would
// otherwise choke/ignore every peer anyway.
func (t *Torrent) updateSwarmAllSeeds(now time.Time) {
	if !t.complete() {
		t.swarmAllSeeds = false
		return
	}
	allSeeds := true
	t.iterPeers(func(p *Peer) {
		if !p.isSeed() {
			allSeeds = false
		}
	})
	if allSeeds {
		t.iterAtoms(func(a *atom) {
			if !a.seed && now.Sub(a.lastActivity()) < seedSeedGracePeriod {
				allSeeds = false
			}
		})
	}
	t.swarmAllSeeds = allSeeds
}

// evictPeers applies the three disconnect rules of spec.md §4.5 to every
// live peer of t.
func (m *Manager) evictPeers(t *Torrent, now time.Time) {
	idleLimit := idleTimeLimit(t.peerCount(), t.config.MaxPeersPerTorrent)

	var toEvict []*Peer
	t.iterPeers(func(p *Peer) {
		if p.purge {
			toEvict = append(toEvict, p)
			return
		}
		if p.isSeed() && t.complete() && p.hasEverything() {
			if p.seedPairSince.IsZero() {
				p.seedPairSince = now
			} else if now.Sub(p.seedPairSince) > seedSeedGracePeriod {
				toEvict = append(toEvict, p)
				return
			}
		} else {
			p.seedPairSince = time.Time{}
		}
		if a := p.atom(); a != nil {
			if now.Sub(a.lastActivity()) > idleLimit {
				toEvict = append(toEvict, p)
			}
		}
	})

	for _, p := range toEvict {
		m.evictPeer(t, p, now)
	}
}

// idleTimeLimit implements the eviction controller's strictness formula:
// the more of the torrent's peer slots are occupied, the less idle time is
// tolerated, linearly interpolating between MaxUploadIdle (an empty swarm,
// no pressure to free slots) and MinUploadIdle (a full swarm).
func idleTimeLimit(peerCount, maxPeers int) time.Duration {
	if maxPeers <= 0 {
		return MaxUploadIdle
	}
	strictness := float64(peerCount) / (0.9 * float64(maxPeers))
	if strictness > 1 {
		strictness = 1
	}
	span := MaxUploadIdle - MinUploadIdle
	return MaxUploadIdle - time.Duration(float64(span)*strictness)
}

// evictPeer disconnects p and records the eviction on its atom. A peer that
// was never seen sending piece data has its numFails incremented, the same
// penalty as a failed handshake; one that had sent data is treated as a
// normal, blameless disconnect (spec.md §4.5 "On eviction").
func (m *Manager) evictPeer(t *Torrent, p *Peer, now time.Time) {
	if a := p.atom(); a != nil {
		a.time = now
		if a.hasEverSentPieceData() {
			a.numFails = 0
		} else {
			a.numFails++
		}
	}
	p.close()
	t.removePeer(p.addr)
}

// dialNewPeers fills available slots by dialing outgoing connections to
// eligible atoms, respecting MaxReconnectionsPerPulse and
// MaxConnectionsPerSecond (spec.md §4.5).
func (m *Manager) dialNewPeers(t *Torrent, now time.Time) {
	if m.IO == nil {
		return
	}
	// Supplemented fast-path (SPEC_FULL.md #4): a fully-seeded swarm has no
	// one left worth dialing.
	if t.swarmAllSeeds {
		return
	}
	free := t.config.MaxPeersPerTorrent - t.peerCount() - len(t.outgoing)
	if free <= 0 {
		return
	}

	if now.Sub(m.reconnectSecondStart) >= time.Second {
		m.reconnectSecondStart = now
		m.reconnectsThisSecond = 0
	}

	budget := MaxReconnectionsPerPulse
	if free < budget {
		budget = free
	}
	if remaining := MaxConnectionsPerSecond - m.reconnectsThisSecond; remaining < budget {
		budget = remaining
	}
	if budget <= 0 {
		return
	}

	candidates := t.reconnectCandidates(now, m.addressBlocked)
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}
	for _, a := range candidates {
		a.time = now
		ch, ok := m.IO.NewOutgoing(context.Background(), a.addr, t.infoHash)
		if !ok {
			a.unreachable = true
			continue
		}
		t.addOutgoing(a.addr, ch)
		m.reconnectsThisSecond++
	}
}

// reconnectCandidates returns atoms eligible for an outgoing dial (spec.md
// §4.5 "Candidate selection"): never banned or unreachable, not already in
// use, not both-seeds with a complete swarm, not blocked, and past their
// backoff window.
func (t *Torrent) reconnectCandidates(now time.Time, blocked func(Addr) bool) []*atom {
	complete := t.complete()
	var out []*atom
	t.iterAtoms(func(a *atom) {
		if a.banned || a.unreachable {
			return
		}
		if t.isInUse(a.addr) {
			return
		}
		if complete && a.seed {
			return
		}
		if blocked != nil && blocked(a.addr) {
			return
		}
		if now.Sub(a.time) < effectiveReconnectBackoff(a, now) {
			return
		}
		out = append(out, a)
	})
	// Sort by piece_data_time descending (most recently productive first),
	// numFails ascending, atom.time ascending (oldest attempt first),
	// provenance ascending (lower == more trustworthy), per spec.md §4.5.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.pieceDataTime.Equal(b.pieceDataTime) {
			return a.pieceDataTime.After(b.pieceDataTime)
		}
		if a.numFails != b.numFails {
			return a.numFails < b.numFails
		}
		if !a.time.Equal(b.time) {
			return a.time.Before(b.time)
		}
		return a.provenance < b.provenance
	})
	return out
}

// effectiveReconnectBackoff applies the "recover fast from a blip" special
// case of spec.md §4.5: an atom seen transferring piece data within
// 2×MinimumReconnectInterval of now uses the floor backoff directly,
// regardless of its failure-count-derived backoff.
func effectiveReconnectBackoff(a *atom, now time.Time) time.Duration {
	if !a.pieceDataTime.IsZero() && now.Sub(a.pieceDataTime) <= 2*MinimumReconnectInterval {
		return MinimumReconnectInterval
	}
	return reconnectBackoff(a.numFails)
}
