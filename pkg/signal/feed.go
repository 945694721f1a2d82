package signal

import (
	"context"
	"sync"
)

// feed decouples a producer that must not block (it holds the store lock)
// from a subscriber that reads at its own pace. Items are delivered in push
// order; nothing is dropped while the context is alive.
type feed[T any] struct {
	mu    sync.Mutex
	items []T

	wake chan struct{}
	out  chan T
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
}

func (f *feed[T]) push(item T) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// run pumps items to out until ctx is done, then closes out.
func (f *feed[T]) run(ctx context.Context) {
	defer close(f.out)

	for {
		f.mu.Lock()

		if len(f.items) == 0 {
			f.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-f.wake:
			}

			continue
		}

		item := f.items[0]
		f.items = f.items[1:]
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case f.out <- item:
		}
	}
}
