package torrent

import (
	"math/rand"

	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/dannyzb/peercore/internal/pieceorder"
)

// refillPulse implements the Request Scheduler (spec.md §4.3): it
// recomputes the piece ordering, then walks pieces in that order assigning
// block requests, peers first (round-robin) and webseeds last, until no
// unassigned blocks remain or every peer and webseed has reported Full.
// Unlike the other three controllers it runs as a coalesced one-shot timer:
// NeedRequests events arm it, and repeated arms before it fires are free
// (spec.md §4.3 "coalescing").
func (m *Manager) refillPulse(t *Torrent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !t.running() {
		return
	}
	t.refillArmed = false

	m.recomputePieceOrder(t)
	m.assignRequests(t)
}

// recomputePieceOrder rebuilds every wanted piece's five-key sort state
// (spec.md §4.3): priority, pending-request count, missing-block count,
// rarity (how many connected, unchoked, interested peers have the piece),
// and a fresh per-pass random tiebreak.
func (m *Manager) recomputePieceOrder(t *Torrent) {
	rarity := make([]int, t.numPieces)
	t.iterPeers(func(p *Peer) {
		if p.theyChokeUs || !p.weInterestedInThem {
			return
		}
		for i := 0; i < t.numPieces; i++ {
			if peerHasPiece(p, i) {
				rarity[i]++
			}
		}
	})

	for i := 0; i < t.numPieces; i++ {
		if !t.wants(i) {
			t.pieceOrder.Delete(i)
			continue
		}
		t.pieceOrder.Update(i, pieceorder.State{
			Priority: int(t.priorities[i]),
			Pending:  t.pending[i],
			Missing:  t.missingBlocks(i),
			Rarity:   rarity[i],
			Tiebreak: rand.Uint32(),
		})
	}
}

// peerHasPiece reports whether p can serve piece: its have bitfield claims
// it, or the peer is a known seed. A seed's bitfield may never arrive when
// the messages layer collapses it into a progress report, so the bitfield
// alone is not authoritative.
func peerHasPiece(p *Peer, piece int) bool {
	return p.have.Contains(uint32(piece)) || p.isSeed()
}

// assignRequests walks the piece order assigning each missing block to the
// first source that accepts it, peers before webseeds (spec.md §4.3). The
// round-robin over peers starts from a randomized index; the pass ends once
// every peer and webseed has dropped out as Full (or choked, for peers).
func (m *Manager) assignRequests(t *Torrent) {
	peers := make([]*Peer, 0, t.peerCount())
	t.iterPeers(func(p *Peer) {
		if p.msgs != nil {
			peers = append(peers, p)
		}
	})
	seeds := make([]*webseedSlot, 0, len(t.webseeds))
	for _, w := range t.webseeds {
		if w.sendingToUs() {
			seeds = append(seeds, w)
		}
	}
	if len(peers) == 0 && len(seeds) == 0 {
		return
	}
	if len(peers) > 1 {
		k := rand.Intn(len(peers))
		rotated := make([]*Peer, 0, len(peers))
		rotated = append(rotated, peers[k:]...)
		rotated = append(rotated, peers[:k]...)
		peers = rotated
	}

	t.pieceOrder.Iter(func(item pieceorder.Item) bool {
		piece := item.Index
		bh := t.blockHave[piece]
		total := t.blockCount(piece)

		for block := 0; block < total; block++ {
			if len(peers) == 0 && len(seeds) == 0 {
				return false
			}
			if bh != nil && bh.Contains(bitmap.BitIndex(block)) {
				continue
			}
			offset := block * t.config.BlockSize
			length := blockLength(t, piece, block, total)

			var ok bool
			ok, peers = assignToPeers(t, peers, piece, offset, length)
			if ok {
				continue
			}
			seeds = assignToWebseeds(t, seeds, piece, offset, length)
		}
		return true
	})
}

// assignToPeers offers one block to each round-robin peer in turn until one
// accepts it (ReqOk). A peer reporting ReqMissing/ReqDuplicate is rotated to
// the back and tried again for a later block; a peer reporting ReqFull or
// ReqClientChoked is dropped from the candidate set for the rest of this
// pass (spec.md §4.3/§6) and the next peer is tried for the *same* block —
// only once every remaining peer has been tried without success does the
// block fall through to webseeds. The possibly-shrunk peers slice is
// returned so later blocks in the same pass see the same exclusions.
//
// AddRequest results double as the core's view of the remote choke state:
// an accepted request proves the peer has unchoked us, ClientChoked proves
// the opposite. There is no choke-change Event, so this is where the
// theyChokeUs flag is maintained.
func assignToPeers(t *Torrent, peers []*Peer, piece, offset, length int) (bool, []*Peer) {
	attempts := 0
	for len(peers) > 0 && attempts < len(peers) {
		p := peers[0]
		if !peerHasPiece(p, piece) {
			rotate(peers)
			attempts++
			continue
		}
		switch p.msgs.AddRequest(piece, offset, length) {
		case ReqOk:
			p.theyChokeUs = false
			p.weInterestedInThem = true
			t.pending[piece]++
			p.blame.Add(uint32(piece))
			block := offset / t.config.BlockSize
			if t.blockRequests[piece] == nil {
				t.blockRequests[piece] = make(map[int][]*Peer)
			}
			t.blockRequests[piece][block] = append(t.blockRequests[piece][block], p)
			rotate(peers)
			return true, peers
		case ReqMissing, ReqDuplicate:
			rotate(peers)
			attempts++
		case ReqClientChoked:
			p.theyChokeUs = true
			peers = peers[1:]
		case ReqFull:
			peers = peers[1:]
		}
	}
	return false, peers
}

func rotate(peers []*Peer) {
	if len(peers) < 2 {
		return
	}
	first := peers[0]
	copy(peers, peers[1:])
	peers[len(peers)-1] = first
}

// assignToWebseeds offers one block to each webseed in turn until one
// accepts it. A webseed reporting Full is dropped from the pass's candidate
// set, mirroring the peer rule. The possibly-shrunk slice is returned.
func assignToWebseeds(t *Torrent, seeds []*webseedSlot, piece, offset, length int) []*webseedSlot {
	for len(seeds) > 0 {
		switch seeds[0].ws.AddRequest(piece, offset, length) {
		case WebseedReqOk:
			t.pending[piece]++
			return seeds
		case WebseedReqFull:
			seeds = seeds[1:]
		}
	}
	return seeds
}

func blockLength(t *Torrent, piece, block, total int) int {
	length := t.config.BlockSize
	if block == total-1 {
		pieceLen := t.config.PieceLength
		if piece == t.numPieces-1 && t.lastPieceLength > 0 {
			pieceLen = t.lastPieceLength
		}
		if rem := int(pieceLen) - block*t.config.BlockSize; rem < length {
			length = rem
		}
	}
	return length
}
