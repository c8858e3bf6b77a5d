package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackoffFiltersRecentFailure(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	now := time.Now()

	a := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 1}, Port: 6881}, ProvenanceTracker, now)
	a.numFails = 2
	a.time = now.Add(-60 * time.Second)

	// numFails=2 demands 120s since the last attempt; only 60s have passed.
	assert.Empty(t, tt.reconnectCandidates(now, nil))

	// Another 90s later the window has elapsed.
	cands := tt.reconnectCandidates(now.Add(90*time.Second), nil)
	require.Len(t, cands, 1)
	assert.Same(t, a, cands[0])
}

func TestReconnectBackoffFastRecoveryForProductivePeer(t *testing.T) {
	now := time.Now()
	a := newAtom(Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, ProvenanceTracker, now)
	a.numFails = 5
	a.time = now.Add(-6 * time.Second)

	// Five failures would normally demand an hour of backoff.
	assert.Equal(t, time.Hour, effectiveReconnectBackoff(a, now))

	// But a peer seen sending piece data within 2×MinimumReconnectInterval
	// gets the floor interval instead.
	a.pieceDataTime = now.Add(-8 * time.Second)
	assert.Equal(t, MinimumReconnectInterval, effectiveReconnectBackoff(a, now))
}

func TestReconnectCandidatesExcludeBannedUnreachableInUseAndBlocked(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	now := time.Now()
	old := now.Add(-time.Hour)

	mk := func(last byte) *atom {
		a := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, last}, Port: 1}, ProvenanceTracker, now)
		a.time = old
		return a
	}

	banned := mk(1)
	banned.ban("test")
	unreachable := mk(2)
	unreachable.unreachable = true
	inUse := mk(3)
	admitPeer(tt, inUse.addr, true)
	blockedAtom := mk(4)
	eligible := mk(5)

	blocked := func(addr Addr) bool { return addr == blockedAtom.addr }
	cands := tt.reconnectCandidates(now, blocked)
	// Invariant 5: a banned atom never appears in the candidate list.
	require.Len(t, cands, 1)
	assert.Same(t, eligible, cands[0])
}

func TestReconnectCandidateOrdering(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	now := time.Now()
	old := now.Add(-time.Hour)

	plain := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, ProvenancePEX, now)
	plain.time = old

	failing := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 2}, Port: 1}, ProvenanceTracker, now)
	failing.time = old.Add(-reconnectBackoff(1))
	failing.numFails = 1

	productive := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 3}, Port: 1}, ProvenanceTracker, now)
	productive.time = old
	productive.pieceDataTime = now.Add(-time.Minute)

	trusted := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 4}, Port: 1}, ProvenanceTracker, now)
	trusted.time = old

	cands := tt.reconnectCandidates(now, nil)
	require.Len(t, cands, 4)
	// Most recently productive first, then fewest failures; among equals,
	// lower provenance is more trustworthy (tracker before PEX).
	assert.Same(t, productive, cands[0])
	assert.Same(t, trusted, cands[1])
	assert.Same(t, plain, cands[2])
	assert.Same(t, failing, cands[3])
}

func TestDialThrottlesPerPulseAndPerSecond(t *testing.T) {
	io := newFakeIO()
	m := newTestManager(io)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		a := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 1, byte(i)}, Port: 1}, ProvenanceTracker, now)
		a.time = now.Add(-time.Hour)
	}

	m.reconnectPulse(tt)
	tt.reconnectTimer.Stop()
	assert.Len(t, io.dialed, MaxReconnectionsPerPulse)
	assert.Len(t, tt.outgoing, MaxReconnectionsPerPulse)

	m.reconnectPulse(tt)
	tt.reconnectTimer.Stop()
	assert.Len(t, io.dialed, MaxConnectionsPerSecond, "second pulse tops out the per-second budget")

	m.reconnectPulse(tt)
	tt.reconnectTimer.Stop()
	assert.Len(t, io.dialed, MaxConnectionsPerSecond, "third pulse in the same second dials nothing")
}

func TestDialRefusalMarksAtomUnreachable(t *testing.T) {
	io := newFakeIO()
	io.dialOk = false
	m := newTestManager(io)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	now := time.Now()
	a := tt.ensureAtom(Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, ProvenanceTracker, now)
	a.time = now.Add(-time.Hour)

	m.reconnectPulse(tt)
	tt.reconnectTimer.Stop()

	assert.True(t, a.unreachable)
	assert.Empty(t, tt.outgoing)
	assert.Empty(t, tt.reconnectCandidates(time.Now(), nil), "an unreachable atom never becomes a candidate again")
}

func TestEvictionPurgeFlag(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	p, fm := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	p.purge = true
	a := p.atom()

	m.evictPeers(tt, time.Now())

	assert.Nil(t, tt.findPeer(p.addr))
	assert.True(t, p.closed.IsSet())
	assert.Equal(t, []int{1}, fm.unsubbed)
	assert.Equal(t, 1, a.numFails, "a peer that never sent piece data counts as a failure")
}

func TestEvictionResetsFailsForProductivePeer(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	p.purge = true
	a := p.atom()
	a.numFails = 3
	a.pieceDataTime = time.Now().Add(-time.Minute)

	now := time.Now()
	m.evictPeers(tt, now)

	assert.Zero(t, a.numFails, "losing a productive peer is the network's fault, not the peer's")
	assert.Equal(t, now, a.time)
}

func TestEvictionIdleTime(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	idle, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	busy, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 2}, Port: 1}, true)

	now := time.Now()
	idle.atom().time = now.Add(-MaxUploadIdle - time.Minute)
	busy.atom().time = now.Add(-time.Minute)

	m.evictPeers(tt, now)

	assert.Nil(t, tt.findPeer(idle.addr))
	assert.NotNil(t, tt.findPeer(busy.addr))
}

// The idle-time limit is monotone nonincreasing in the live peer count.
func TestIdleTimeLimitMonotone(t *testing.T) {
	const maxPeers = 55
	prev := idleTimeLimit(0, maxPeers)
	assert.Equal(t, MaxUploadIdle, prev)
	for n := 1; n <= maxPeers; n++ {
		limit := idleTimeLimit(n, maxPeers)
		assert.LessOrEqual(t, limit, prev, "peerCount %d", n)
		assert.GreaterOrEqual(t, limit, MinUploadIdle)
		prev = limit
	}
	assert.Equal(t, MinUploadIdle, idleTimeLimit(maxPeers, maxPeers))
}

func TestSeedPairDisconnectAfterGracePeriod(t *testing.T) {
	m := newTestManager(newFakeIO())
	tt := addRunningTorrent(m, testInfoHash(1), 2, 2, nil)
	tt.havePiece.Add(0)
	tt.havePiece.Add(1) // the torrent is complete

	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	p.progress = 1.0

	now := time.Now()
	m.evictPeers(tt, now)
	assert.NotNil(t, tt.findPeer(p.addr), "a fresh seed pair gets a grace period")
	assert.False(t, p.seedPairSince.IsZero())

	m.evictPeers(tt, now.Add(seedSeedGracePeriod+time.Second))
	assert.Nil(t, tt.findPeer(p.addr), "two seeds have nothing left to exchange")
}
