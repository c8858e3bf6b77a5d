package torrent

import (
	"math/rand"
	"sort"
	"time"

	"github.com/dannyzb/peercore/clientid"
)

// rechokePulse implements the Choking Controller (spec.md §4.4), re-arming
// its own timer on every run the way the teacher's periodic goroutines do.
func (m *Manager) rechokePulse(t *Torrent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !t.running() {
		return
	}
	defer func() {
		t.rechokeTimer = time.AfterFunc(RechokePeriod, func() { m.rechokePulse(t) })
	}()

	now := time.Now()

	// Step 1 (global): an upload ban, or an all-seed swarm with nothing
	// left to trade (SPEC_FULL.md supplemented swarmIsAllSeeds fast-path),
	// chokes every peer and ends the pass. This is the optimization the
	// teacher's own rechokePulse/reconnectPulse early-return mirrors: it
	// produces the same result the per-peer seed rule below would anyway.
	if m.config.UploadDisallowed || (t.complete() && t.swarmAllSeeds) {
		t.iterPeers(func(p *Peer) { p.setChoke(true, now) })
		t.optimistic = nil
		return
	}

	// Step 1 (per-peer): a peer that is itself a seed, or whose atom flags
	// it upload-only, has nothing to trade and is always choked regardless
	// of interest.
	var eligible []*Peer
	t.iterPeers(func(p *Peer) {
		if p.isSeed() {
			p.setChoke(true, now)
			return
		}
		if a := p.atom(); a != nil && a.uploadOnly {
			p.setChoke(true, now)
			return
		}
		eligible = append(eligible, p)
	})

	// Step 2: an uninterested peer costs nothing to unchoke (it never
	// requests data) and is always unchoked so it can signal interest
	// later; only interested peers compete for the MaxUnchokedPeers cap
	// (spec.md §4.4 step 4's "a better-rate but uninterested peer still
	// gets unchoked... without counting against the interested cap").
	var candidates []*Peer
	for _, p := range eligible {
		if p.theyInterestedInUs {
			candidates = append(candidates, p)
		} else {
			p.setChoke(false, now)
		}
	}

	// Step 3: rank candidates by the rate we upload to them, measured over
	// a short window; within a rate tie a currently-unchoked peer keeps
	// its slot.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.uploadRate != b.uploadRate {
			return a.uploadRate > b.uploadRate
		}
		return !a.weChokeThem && b.weChokeThem
	})

	unchoked := make(map[*Peer]bool, MaxUnchokedPeers)
	limit := MaxUnchokedPeers
	if limit > len(candidates) {
		limit = len(candidates)
	}
	for i := 0; i < limit; i++ {
		candidates[i].setChoke(false, now)
		unchoked[candidates[i]] = true
	}
	for i := limit; i < len(candidates); i++ {
		candidates[i].setChoke(true, now)
	}

	// Step 4/5: optimistic unchoke, a single additional slot chosen by
	// weighted random draw among the remaining choked, interested peers
	// (spec.md §4.4 step 5): newly connected peers (< optimisticNewPeerAge)
	// and peers sharing our own client family are favored, matching the
	// teacher's cooperation bias toward peers of the same lineage.
	t.optimistic = m.chooseOptimistic(t, candidates, unchoked, now)
	if t.optimistic != nil {
		t.optimistic.setChoke(false, now)
	}
}

func (m *Manager) chooseOptimistic(t *Torrent, candidates []*Peer, unchoked map[*Peer]bool, now time.Time) *Peer {
	type weighted struct {
		p *Peer
		w float64
	}
	var pool []weighted
	var total float64
	for _, p := range candidates {
		if unchoked[p] {
			continue
		}
		w := 1.0
		if a := p.atom(); a != nil && now.Sub(a.time) < optimisticNewPeerAge {
			w *= 3
		}
		if clientid.SameFamily(p.clientID, m.selfClientFamily) {
			w *= 3
		}
		pool = append(pool, weighted{p, w})
		total += w
	}
	if len(pool) == 0 {
		return nil
	}
	r := rand.Float64() * total
	for _, w := range pool {
		r -= w.w
		if r <= 0 {
			return w.p
		}
	}
	return pool[len(pool)-1].p
}
