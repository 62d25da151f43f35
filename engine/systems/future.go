package systems

import (
	"context"
	"sync"
)

// Future is the result of a texture submission: true once the texture is in the
// cache, false when it failed for good or was dropped at shutdown.
type Future struct {
	done chan struct{}
	once sync.Once
	ok   bool
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(ok bool, err error) {
	f.once.Do(func() {
		f.ok = ok
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the result is available without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
