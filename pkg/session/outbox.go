package session

import (
	"context"
	"sync"

	"p2p-call/pkg/signal"
)

// outbox buffers local candidates between the transport callback, which must
// not block, and the goroutine writing them to the store.
type outbox struct {
	mu    sync.Mutex
	items []signal.Candidate
	wake  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
	}
}

func (o *outbox) push(c signal.Candidate) {
	o.mu.Lock()
	o.items = append(o.items, c)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next blocks until a candidate is available or ctx is done.
func (o *outbox) next(ctx context.Context) (signal.Candidate, bool) {
	for {
		o.mu.Lock()

		if len(o.items) > 0 {
			c := o.items[0]
			o.items = o.items[1:]
			o.mu.Unlock()

			return c, true
		}

		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return signal.Candidate{}, false
		case <-o.wake:
		}
	}
}
