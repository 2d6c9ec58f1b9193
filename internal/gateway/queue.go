package gateway

import (
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// keyedQueue runs functions in submission order per key and
// concurrently across keys. The bridge read loop uses it so a slow
// channel never stalls the others while each channel's frames keep
// their order.
type keyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    conc.WaitGroup
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tails: make(map[string]chan struct{})}
}

// Do schedules fn after every earlier fn of the same key. It never
// blocks.
func (q *keyedQueue) Do(key string, fn func()) {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	q.wg.Go(func() {
		defer func() {
			q.mu.Lock()
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		fn()
	})
}

// wait blocks until every scheduled function has returned. A panic in
// any of them is returned rather than re-raised.
func (q *keyedQueue) wait() *panics.Recovered {
	return q.wg.WaitAndRecover()
}

// pending reports how many keys have work queued or running.
func (q *keyedQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
