package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/pkg/errors"
)

// onPeerGotBlock implements the downloading half of Piece Integrity (spec.md
// §4.6): it records the block, and once every block of the piece has
// arrived, hashes it and resolves success or failure for every peer that
// contributed to it.
func (m *Manager) onPeerGotBlock(t *Torrent, p *Peer, piece, offset, length int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if piece < 0 || piece >= t.numPieces || t.havePiece.Contains(bitmap.BitIndex(piece)) {
		return
	}

	bh, ok := t.blockHave[piece]
	if !ok {
		bh = &bitmap.Bitmap{}
		t.blockHave[piece] = bh
	}
	blockIndex := offset / t.config.BlockSize

	// Endgame duplicate delivery: this exact block already arrived from
	// another peer. Cancel bookkeeping already ran when it first arrived, so
	// there is nothing further to decrement or cancel (spec.md §8 scenario 6
	// "peer B's later attempt ... produces no further decrement").
	if bh.Contains(bitmap.BitIndex(blockIndex)) {
		return
	}
	bh.Add(bitmap.BitIndex(blockIndex))

	if t.pending[piece] > 0 {
		t.pending[piece]--
	}
	t.downloadedEver.Add(int64(length))

	// Cancel the same outstanding request on every other peer it was also
	// sent to (spec.md §4.3 endgame, §8 scenario 6).
	if reqs, ok := t.blockRequests[piece]; ok {
		for _, other := range reqs[blockIndex] {
			if other == p {
				continue
			}
			if other.msgs != nil {
				other.msgs.Cancel(piece, offset, length)
			}
		}
		delete(reqs, blockIndex)
	}

	if int(bh.Len()) < t.blockCount(piece) {
		return
	}

	t.pendingHash[piece] = true
	ok, err := t.testPiece(piece)
	delete(t.pendingHash, piece)
	t.hashDone.Broadcast()

	if err != nil {
		t.logger.Levelf(log.Warning, "hashing piece %d: %v", piece, err)
		delete(t.blockHave, piece)
		delete(t.blockRequests, piece)
		return
	}

	if ok {
		t.resolvePieceSuccess(piece)
	} else {
		m.resolvePieceFailure(t, piece)
	}
}

// testPiece delegates to the consumed Storage layer, tolerating a nil
// Storage (unit tests that never exercise disk I/O) by treating it as an
// always-failing hash check.
func (t *Torrent) testPiece(piece int) (bool, error) {
	if t.storage == nil {
		return false, nil
	}
	return t.storage.TestPiece(piece)
}

// resolvePieceSuccess marks the piece acquired and clears every peer's blame
// bit for it: the piece is no longer anyone's liability once it is known
// good (spec.md §4.6).
func (t *Torrent) resolvePieceSuccess(piece int) {
	t.havePiece.Add(bitmap.BitIndex(piece))
	delete(t.blockHave, piece)
	delete(t.blockRequests, piece)
	t.pieceOrder.Delete(piece)
	t.iterPeers(func(p *Peer) {
		p.blame.Remove(uint32(piece))
		if p.msgs != nil {
			p.msgs.Have(piece)
		}
	})
}

// resolvePieceFailure implements the blame-bitfield strike/ban logic of
// spec.md §4.6: every peer whose blame bitmap claims the failed piece takes
// a strike, and is banned and purged once MaxBadPiecesPerPeer is reached.
// The piece itself is reset for re-download.
func (m *Manager) resolvePieceFailure(t *Torrent, piece int) {
	pieceBytes := int64(t.blockCount(piece)) * int64(t.config.BlockSize)
	t.corruptEver.Add(pieceBytes)
	t.downloadedEver.Sub(pieceBytes)
	delete(t.blockHave, piece)
	delete(t.blockRequests, piece)

	now := time.Now()
	t.iterPeers(func(p *Peer) {
		if !p.blame.Contains(uint32(piece)) {
			return
		}
		p.blame.Remove(uint32(piece))
		p.strikes++
		if p.strikes >= MaxBadPiecesPerPeer {
			if a := p.atom(); a != nil {
				a.ban("exceeded max bad pieces per peer")
				a.time = now
			}
			p.purge = true
		}
	})
}

// onPeerError implements the PeerError classification of spec.md §7: every
// kind purges the peer, ErrInvalidArgument additionally strikes it as a
// protocol violation, and ErrLocalIO additionally records the failure on
// the torrent and stops it, since a local disk/fd error isn't the peer's
// fault and won't be fixed by trying other peers.
func (m *Manager) onPeerError(t *Torrent, p *Peer, kind PeerErrorKind, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch kind {
	case ErrInvalidArgument:
		p.strikes++
		p.purge = true
	case ErrOutOfRange, ErrMessageTooLarge, ErrNotConnected:
		p.purge = true
	case ErrLocalIO:
		p.purge = true
		t.err = errors.Wrap(err, "local i/o")
		t.errorString = err.Error()
		m.stopTorrentLocked(t)
	}
}
