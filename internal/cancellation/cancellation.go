// Package cancellation provides the cooperative cancellation flag shared
// top-down by a processing session.
//
// A [Flag] is checked between recognition chunks by the pipeline driver and
// before each new backend request by the translation dispatcher. Setting it
// never interrupts work already in flight; it only prevents new work from
// starting. Operations that observe the flag return [ErrCancelled], which
// callers treat as a quiet stop rather than a failure.
package cancellation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by operations that stopped because the shared flag
// was set.
var ErrCancelled = errors.New("cancellation: cancelled")

// Flag is a one-way cooperative cancellation signal. The zero value is an
// unset flag ready for use. A Flag must not be copied after first use.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
}

// New returns an unset Flag.
func New() *Flag { return &Flag{} }

// Cancel sets the flag. Subsequent calls are no-ops.
func (f *Flag) Cancel() {
	f.set.Store(true)
	f.once.Do(func() {
		close(f.doneChan())
	})
}

// Cancelled reports whether the flag has been set. A nil Flag is never
// cancelled.
func (f *Flag) Cancelled() bool {
	return f != nil && f.set.Load()
}

// Err returns [ErrCancelled] when the flag is set and nil otherwise.
func (f *Flag) Err() error {
	if f.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel that is closed when the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.doneChan()
}

// Context returns a child of parent that is cancelled when the flag is set.
// The returned cancel function releases the watcher goroutine and must be
// called once the context is no longer needed.
func (f *Flag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := f.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (f *Flag) doneChan() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// Is reports whether err is, or wraps, [ErrCancelled] or a context
// cancellation.
func Is(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
