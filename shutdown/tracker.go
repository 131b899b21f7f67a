// Package shutdown coordinates graceful shutdown of the restoration
// process: it listens for signals, keeps the process alive while
// restorations hold it, and runs cleanup handlers in priority order.
package shutdown

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTrackerClosed is returned when a hold is requested after shutdown began.
var ErrTrackerClosed = errors.New("shutdown: no new holds accepted, shutting down")

// ErrWaitTimeout is returned when holds are not released before the deadline.
var ErrWaitTimeout = errors.New("shutdown: holds not released in time")

// HoldTracker tracks named keep-alive holds. A hold marks work that must
// finish before the process exits, such as a restoration run that can take
// tens of minutes.
//
//	tracker := NewHoldTracker()
//	release, err := tracker.Acquire("restore/8f1c")
//	if err != nil {
//	    return err // shutting down
//	}
//	defer release()
type HoldTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	holds  map[uint64]hold
	nextID uint64
	closed bool
}

type hold struct {
	name  string
	since time.Time
}

// HoldInfo describes an active hold.
type HoldInfo struct {
	Name  string
	Since time.Time
}

// NewHoldTracker creates an open tracker with no holds.
func NewHoldTracker() *HoldTracker {
	return &HoldTracker{holds: make(map[uint64]hold)}
}

// Acquire registers a hold. The returned release func is idempotent and must
// be called on every exit path of the held work.
func (t *HoldTracker) Acquire(name string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}
	t.nextID++
	id := t.nextID
	t.holds[id] = hold{name: name, since: time.Now()}
	t.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.holds, id)
			t.mu.Unlock()
			t.wg.Done()
		})
	}, nil
}

// Wait blocks until all holds are released or the timeout elapses.
func (t *HoldTracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

// Close rejects new holds. Existing holds are unaffected.
func (t *HoldTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (t *HoldTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Count returns the number of active holds.
func (t *HoldTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holds)
}

// Active returns the active holds, oldest first.
func (t *HoldTracker) Active() []HoldInfo {
	t.mu.Lock()
	out := make([]HoldInfo, 0, len(t.holds))
	for _, h := range t.holds {
		out = append(out, HoldInfo{Name: h.name, Since: h.since})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
