package torrent

import "fmt"

// webseedSlot pairs a consumed Webseed implementation with the bookkeeping
// the Request Scheduler and statistics accessor need, per spec.md §4.3
// "Webseed parallelism" and §6. Unlike a Peer, a webseed is always
// unchoked and never appears in the Peer Registry: it has no atom, no
// handshake, and the Choking/Reconnect controllers never touch it.
type webseedSlot struct {
	t   *Torrent
	url string
	ws  Webseed
}

func newWebseedSlot(t *Torrent, url string, ws Webseed) *webseedSlot {
	return &webseedSlot{t: t, url: url, ws: ws}
}

func (w *webseedSlot) String() string {
	return fmt.Sprintf("webseed peer for %q", w.url)
}

// sendingToUs reports whether this webseed is currently active, used by the
// Request Scheduler to pick the webseeds offered blocks in a refill pass.
// The "webseeds sending to us" statistic (spec.md §6) calls IsActive
// directly.
func (w *webseedSlot) sendingToUs() bool {
	return w.ws.IsActive()
}

// AddWebseed registers an HTTP pseudo-peer as a Request Scheduler candidate
// for t (spec.md §3 "the webseed list", §4.3's peers-then-webseeds order).
func (m *Manager) AddWebseed(t *Torrent, url string, ws Webseed) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t.webseeds = append(t.webseeds, newWebseedSlot(t, url, ws))
}

// RemoveWebseed frees and drops the webseed registered under url, if any.
func (m *Manager) RemoveWebseed(t *Torrent, url string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, w := range t.webseeds {
		if w.url == url {
			w.ws.Free()
			t.webseeds = append(t.webseeds[:i], t.webseeds[i+1:]...)
			return
		}
	}
}
