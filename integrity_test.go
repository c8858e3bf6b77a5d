package torrent

import (
	"errors"
	"testing"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 1 << 14

func deliverPiece(m *Manager, tt *Torrent, p *Peer, piece, blocks int) {
	for b := 0; b < blocks; b++ {
		m.onPeerGotBlock(tt, p, piece, b*testBlockSize, testBlockSize)
	}
}

func TestPieceCompletionSuccess(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, &fakeStorage{testResult: true})
	p, fm := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	p.blame.Add(0)
	other, fmOther := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 2}, Port: 1}, true)

	deliverPiece(m, tt, p, 0, 16)

	assert.True(t, tt.havePiece.Contains(0))
	assert.Zero(t, tt.pending[0])
	assert.Equal(t, []int{0}, fm.haves, "have(0) broadcast to every live peer")
	assert.Equal(t, []int{0}, fmOther.haves)
	assert.Zero(t, tt.corruptEver.Int64())
	assert.Equal(t, int64(16*testBlockSize), tt.downloadedEver.Int64())
	assert.False(t, p.blame.Contains(0), "a verified piece is no longer anyone's liability")
	_ = other
}

func TestPieceCompletionFailureBlamesStrikesAndBans(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, &fakeStorage{testResult: false})
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	innocent, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 2}, Port: 1}, true)
	a := p.atom()

	pieceBytes := int64(16 * testBlockSize)

	p.blame.Add(0)
	deliverPiece(m, tt, p, 0, 16)

	assert.Equal(t, 1, p.strikes)
	assert.Zero(t, innocent.strikes)
	assert.Equal(t, pieceBytes, tt.corruptEver.Int64())
	assert.Zero(t, tt.downloadedEver.Int64(), "the corrupt piece's bytes are taken back, clamped at zero")
	assert.False(t, tt.havePiece.Contains(0), "the failed piece is cleared for re-download")
	assert.Nil(t, tt.blockHave[0])
	assert.False(t, a.banned)

	// Four more corrupt deliveries of the same piece reach the strike cap.
	for i := 0; i < 4; i++ {
		p.blame.Add(0)
		deliverPiece(m, tt, p, 0, 16)
	}
	assert.Equal(t, MaxBadPiecesPerPeer, p.strikes)
	assert.True(t, a.banned)
	assert.True(t, p.purge)
	assert.Equal(t, 5*pieceBytes, tt.corruptEver.Int64())
}

func TestHashErrorResetsPieceWithoutBlame(t *testing.T) {
	m := newTestManager(nil)
	storage := &fakeStorage{testErr: errors.New("read failed")}
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, storage)
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	p.blame.Add(0)

	deliverPiece(m, tt, p, 0, 16)

	assert.False(t, tt.havePiece.Contains(0))
	assert.Nil(t, tt.blockHave[0], "the piece is reset so its blocks are re-requested")
	assert.Zero(t, p.strikes, "a local hashing error is not the peer's fault")
	assert.Zero(t, tt.corruptEver.Int64())
}

// Endgame: two peers hold the same outstanding block; the first delivery
// cancels the other's request, and the loser's late delivery is a no-op.
func TestEndgameDuplicateCancellation(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, &fakeStorage{testResult: true})
	pa, fmA := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)
	pb, fmB := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 2}, Port: 1}, true)

	tt.pending[3] = 2
	tt.blockRequests[3] = map[int][]*Peer{0: {pa, pb}}

	m.onPeerGotBlock(tt, pa, 3, 0, testBlockSize)

	assert.Equal(t, 1, tt.pending[3], "exactly one decrement for peer A's delivery")
	assert.Equal(t, [][3]int{{3, 0, testBlockSize}}, fmB.canceled)
	assert.Empty(t, fmA.canceled)

	m.onPeerGotBlock(tt, pb, 3, 0, testBlockSize)
	assert.Equal(t, 1, tt.pending[3], "the duplicate delivery must not decrement again")
	assert.Len(t, fmB.canceled, 1)
	bh := tt.blockHave[3]
	require.NotNil(t, bh)
	assert.Equal(t, 1, int(bh.Len()))
}

func TestPeerGotBlockIgnoresCompletedAndBogusPieces(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, &fakeStorage{testResult: true})
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)

	tt.havePiece.Add(2)
	tt.pending[2] = 1
	m.onPeerGotBlock(tt, p, 2, 0, testBlockSize)
	assert.Equal(t, 1, tt.pending[2], "a block for an already-acquired piece changes nothing")

	m.onPeerGotBlock(tt, p, -1, 0, testBlockSize)
	m.onPeerGotBlock(tt, p, 99, 0, testBlockSize)
	assert.False(t, tt.havePiece.Contains(bitmap.BitIndex(99)))
}

func TestPeerErrorInvalidArgumentStrikesAndPurges(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)

	m.onPeerError(tt, p, ErrInvalidArgument, errors.New("bad request"))
	assert.Equal(t, 1, p.strikes)
	assert.True(t, p.purge)
	assert.True(t, tt.running(), "a protocol violation only costs the peer, not the torrent")
}

func TestPeerErrorNonfatalKindsPurgeOnly(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	for i, kind := range []PeerErrorKind{ErrOutOfRange, ErrMessageTooLarge, ErrNotConnected} {
		p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, byte(i + 1)}, Port: 1}, true)
		m.onPeerError(tt, p, kind, errors.New("x"))
		assert.True(t, p.purge)
		assert.Zero(t, p.strikes)
	}
	assert.True(t, tt.running())
}

func TestPeerErrorLocalIOStopsTorrent(t *testing.T) {
	m := newTestManager(nil)
	tt := addRunningTorrent(m, testInfoHash(1), 4, 16, nil)
	p, _ := admitPeer(tt, Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, true)

	m.onPeerError(tt, p, ErrLocalIO, errors.New("disk full"))

	assert.False(t, tt.running())
	assert.Equal(t, "disk full", tt.errorString)
	err, msg := m.TorrentError(tt)
	assert.Error(t, err)
	assert.Equal(t, "disk full", msg)
	// Invariant 6: a stopped torrent has no peers, no outgoing handshakes,
	// and no timers.
	assert.Zero(t, tt.peerCount())
	assert.Empty(t, tt.outgoing)
	assert.Nil(t, tt.refillTimer)
	assert.Nil(t, tt.rechokeTimer)
	assert.Nil(t, tt.reconnectTimer)
}
