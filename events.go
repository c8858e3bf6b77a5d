package torrent

import "time"

// dispatchEvent routes one Messages-layer Event (spec.md §3/§6) to the
// controller that owns its handling. It is installed as the subscription
// callback for every live peer at construction time (see OnHandshakeDone).
func (m *Manager) dispatchEvent(t *Torrent, p *Peer, ev Event) {
	switch ev.Kind {
	case EventNeedRequests:
		m.onNeedRequests(t)
	case EventCanceledRequest:
		m.lock.Lock()
		if t.pending[ev.Piece] > 0 {
			t.pending[ev.Piece]--
		}
		m.lock.Unlock()
	case EventDataSentToPeer:
		m.onTransfer(p, ev.TransferLength, true, ev.WasPieceData)
	case EventDataReceivedFromPeer:
		m.onTransfer(p, ev.TransferLength, false, ev.WasPieceData)
	case EventPeerProgress:
		m.lock.Lock()
		p.progress = ev.Progress
		m.lock.Unlock()
	case EventPeerGotBlock:
		m.onPeerGotBlock(t, p, ev.Piece, ev.Offset, ev.Length)
	case EventPeerSuggestsPiece:
		// Advisory only; the Request Scheduler already favors rare pieces
		// via the rarity key, so a fast-allowed suggestion needs no
		// separate bookkeeping beyond arming a refill pass.
		m.onNeedRequests(t)
	case EventPeerDeclaresUploadOnly:
		m.lock.Lock()
		if a := p.atom(); a != nil {
			a.uploadOnly = ev.UploadOnly
		}
		m.lock.Unlock()
	case EventPeerError:
		m.onPeerError(t, p, ev.ErrKind, ev.Err)
	}
}

// onNeedRequests arms the Request Scheduler's coalesced one-shot timer if it
// isn't already armed (spec.md §4.3 "coalescing"): repeated NeedRequests
// events before the timer fires are free.
func (m *Manager) onNeedRequests(t *Torrent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !t.running() || t.refillArmed {
		return
	}
	t.refillArmed = true
	t.refillTimer = time.AfterFunc(RefillPeriod, func() { m.refillPulse(t) })
}

// onTransfer updates a peer's upload/download rate EWMA from one
// DataSentToPeer/DataReceivedFromPeer event, feeding the Choking
// Controller's upload-rate scoring (spec.md §4.4) and the torrent's
// uploadedEver counter. wasPieceData gates atom.piece_data_time: only actual
// piece bytes (not protocol overhead) count as "productive" for the
// Reconnect Controller's idle-time and backoff tests (spec.md §4.5).
func (m *Manager) onTransfer(p *Peer, length int, upload bool, wasPieceData bool) {
	const alpha = 0.2 // smoothing factor, same order as the teacher's rate estimators.
	m.lock.Lock()
	defer m.lock.Unlock()
	sample := float64(length) / BandwidthPeriod.Seconds()
	if upload {
		p.uploadRate = alpha*sample + (1-alpha)*p.uploadRate
		p.t.uploadedEver.Add(int64(length))
		return
	}
	p.downloadRate = alpha*sample + (1-alpha)*p.downloadRate
	if wasPieceData {
		if a := p.atom(); a != nil {
			a.pieceDataTime = time.Now()
		}
	}
}
