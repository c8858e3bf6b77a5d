package torrent

import "context"

// EventKind tags the variant of an Event delivered by the Messages layer
// (spec.md §3 "Event").
type EventKind int

const (
	EventNeedRequests EventKind = iota
	EventCanceledRequest
	EventDataSentToPeer
	EventDataReceivedFromPeer
	EventPeerProgress
	EventPeerGotBlock
	EventPeerSuggestsPiece
	EventPeerDeclaresUploadOnly
	EventPeerError
)

// PeerErrorKind classifies the PeerError event per spec.md §7.
type PeerErrorKind int

const (
	// ErrInvalidArgument is a protocol-invalid request from the peer: strike
	// and purge (§4.6, §7).
	ErrInvalidArgument PeerErrorKind = iota
	// ErrOutOfRange, ErrMessageTooLarge, ErrNotConnected purge only.
	ErrOutOfRange
	ErrMessageTooLarge
	ErrNotConnected
	// ErrLocalIO is any other (local disk/fd) error: recorded on the
	// torrent, which is then stopped.
	ErrLocalIO
)

// Event is the tagged value emitted by the Messages layer, per spec.md §3.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	// CanceledRequest, PeerGotBlock
	Piece  int
	Offset int
	Length int

	// DataSentToPeer, DataReceivedFromPeer
	TransferLength int
	WasPieceData   bool

	// PeerProgress
	Progress float64

	// PeerSuggestsPiece
	FastAllowed bool

	// PeerDeclaresUploadOnly
	UploadOnly bool

	// PeerError
	ErrKind PeerErrorKind
	Err     error
}

// AddRequestResult is returned by Messages.AddRequest, per spec.md §6.
type AddRequestResult int

const (
	// ReqOk: the request was accepted and counts as one pending request.
	ReqOk AddRequestResult = iota
	// ReqMissing: the peer doesn't have the piece; try the next peer.
	ReqMissing
	// ReqDuplicate: already requested from this peer; try the next peer.
	ReqDuplicate
	// ReqFull: the peer's queue is full; remove it from this pass's candidates.
	ReqFull
	// ReqClientChoked: we are choked by the peer; remove it from this pass's candidates.
	ReqClientChoked
)

// Messages is the wire-messages layer consumed by the core, per spec.md §6.
// It is implemented by the out-of-scope protocol encoder/decoder; the core
// only calls it.
type Messages interface {
	SetChoke(choke bool)
	Cancel(piece, offset, length int)
	Have(piece int)
	AddRequest(piece, offset, length int) AddRequestResult
	Flush()
	// Unsubscribe detaches the event subscription installed at peer
	// construction, identified by the tag returned from Subscribe.
	Unsubscribe(tag int)
	// Subscribe installs a callback invoked for every Event the messages
	// layer produces for this peer, returning an unsubscribe tag.
	Subscribe(func(Event)) int
}

// Webseed is the HTTP pseudo-peer interface consumed by the Request
// Scheduler, per spec.md §6.
type Webseed interface {
	AddRequest(piece, offset, length int) WebseedRequestResult
	GetSpeed() (float64, bool)
	IsActive() bool
	Free()
}

// WebseedRequestResult is the narrower two-valued result a webseed can give
// a request, per spec.md §6.
type WebseedRequestResult int

const (
	WebseedReqOk WebseedRequestResult = iota
	WebseedReqFull
)

// Channel is an opaque handle to an established I/O connection, opaque to
// the core beyond the accessors below.
type Channel interface{}

// IO is the network transport layer consumed by the core, per spec.md §6.
type IO interface {
	NewOutgoing(ctx context.Context, addr Addr, infoHash [20]byte) (Channel, bool)
	GetAddress(c Channel) Addr
	IsIncoming(c Channel) bool
	IsEncrypted(c Channel) bool
	HasTorrentHash(c Channel) bool
	GetTorrentHash(c Channel) [20]byte
	Age(c Channel) int64
	// Steal hands over ownership of h's underlying connection from the
	// short-lived handshake bookkeeping to the long-lived peer connection,
	// returning the channel the peer should use from here on (spec.md §6).
	// Most I/O layers return h's own channel unchanged; Steal exists as a
	// seam for layers that wrap the handshake connection in something else
	// once a peer is actually admitted.
	Steal(h *Handshake) Channel
	SetBandwidth(c Channel, acct BandwidthAccounting)
}

// Storage is the disk layer consumed by the core, per spec.md §6.
type Storage interface {
	ReadPiece(piece, begin, length int, buf []byte) error
	WritePiece(piece, begin, length int, buf []byte) error
	// TestPiece hashes the piece's bytes and compares against the expected
	// SHA-1 for that piece, per spec.md §6.
	TestPiece(piece int) (bool, error)
}
