package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGlobalLockIsReentrant(t *testing.T) {
	var l globalLock
	l.Lock()
	l.Lock()
	assert.True(t, l.Locked())
	l.Unlock()
	assert.True(t, l.Locked(), "inner unlock must not release the lock")
	l.Unlock()
	assert.False(t, l.Locked())
}

func TestGlobalLockDeferRunsAtOutermostUnlock(t *testing.T) {
	var l globalLock
	var ran []int
	l.Lock()
	l.Lock()
	l.Defer(func() { ran = append(ran, 1) })
	l.Unlock()
	assert.Empty(t, ran, "deferred actions wait for the outermost unlock")
	l.Defer(func() { ran = append(ran, 2) })
	l.Unlock()
	assert.Equal(t, []int{1, 2}, ran)
}

func TestGlobalLockFlushDeferredRunsEarly(t *testing.T) {
	var l globalLock
	l.Lock()
	var ran bool
	l.Defer(func() { ran = true })
	l.FlushDeferred()
	assert.True(t, ran)
	l.Unlock()
	assert.True(t, ran)
}

func TestGlobalLockExcludesOtherGoroutines(t *testing.T) {
	var l globalLock
	l.Lock()
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
		l.Unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held by another goroutine")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over")
	}
}
