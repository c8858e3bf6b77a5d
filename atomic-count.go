package torrent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Count is a lock-free monotonic-ish counter used for the byte and event
// tallies in Stats (downloaded, uploaded, corrupt). It is read far more
// often than it is written, from goroutines other than the one holding the
// manager lock (the Prometheus exporter in particular), so it carries its
// own atomic rather than relying on the global lock.
type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (me *Count) Add(n int64) {
	atomic.AddInt64(&me.n, n)
}

// Sub decrements the counter, clamped at zero. Used by the Piece Integrity
// component when subtracting a corrupt piece's bytes from downloadedEver
// (spec.md §4.6, scenario 3: "downloadedEver -= pieceBytes(0) clamped at
// zero").
func (me *Count) Sub(n int64) {
	for {
		old := atomic.LoadInt64(&me.n)
		next := old - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&me.n, old, next) {
			return
		}
	}
}

func (me *Count) Int64() int64 {
	return atomic.LoadInt64(&me.n)
}

func (me *Count) String() string {
	return strconv.FormatInt(me.Int64(), 10)
}

func (me *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(me.n)
}
