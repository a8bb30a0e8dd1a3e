package runtime

import (
	stderrors "errors"
	"sync"

	"weaver/internal/store"
)

// ErrOverloaded rejects a trigger when the submission queue is full.
var ErrOverloaded = stderrors.New("submission queue is full")

// errQueueClosed stops workers during shutdown.
var errQueueClosed = stderrors.New("submission queue closed")

// bandOrder is the drain order of the submission queue. FIFO within a
// band, strict priority across bands.
var bandOrder = []store.Priority{
	store.PriorityUrgent,
	store.PriorityHigh,
	store.PriorityMedium,
	store.PriorityLow,
}

// submitQueue is the bounded four-band queue fronting the runtime pool.
// Capacity counts items across all bands, so a flood of low-priority
// work exerts backpressure on everything.
type submitQueue struct {
	mu       sync.Mutex
	bands    map[store.Priority][]string // executionIDs, FIFO per band
	reserved int
	size     int
	capacity int
	closed   bool
	signal   chan struct{}
}

func newSubmitQueue(capacity int) *submitQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &submitQueue{
		bands:    make(map[store.Priority][]string, len(bandOrder)),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// reserve claims one slot ahead of the execution record write, so a
// full queue rejects the trigger before anything is persisted. The
// caller either commits an item into the slot or releases it.
func (q *submitQueue) reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.size+q.reserved >= q.capacity {
		return ErrOverloaded
	}
	q.reserved++
	return nil
}

func (q *submitQueue) release() {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.mu.Unlock()
}

// commit fills a previously reserved slot with an execution.
func (q *submitQueue) commit(executionID string, priority store.Priority) {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.bands[priority] = append(q.bands[priority], executionID)
	q.size++
	q.mu.Unlock()
	q.wake()
}

// pop returns the next execution in priority order, blocking until one
// is available, done is closed, or the queue closes. Items still queued
// at close stay pending in the store and resume on the next start.
func (q *submitQueue) pop(done <-chan struct{}) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", errQueueClosed
		}
		for _, band := range bandOrder {
			items := q.bands[band]
			if len(items) == 0 {
				continue
			}
			id := items[0]
			q.bands[band] = items[1:]
			q.size--
			remaining := q.size
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-done:
			return "", errQueueClosed
		}
	}
}

// close stops intake and wakes blocked workers.
func (q *submitQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *submitQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// depths reports the queued count per band, for stats and gauges.
func (q *submitQueue) depths() map[store.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[store.Priority]int, len(bandOrder))
	for _, band := range bandOrder {
		out[band] = len(q.bands[band])
	}
	return out
}

func (q *submitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
