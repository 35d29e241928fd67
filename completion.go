package mqtt

import (
	"context"
	"sync"
)

// Completion is a one-shot handle for an operation whose result arrives
// later, off of whatever goroutine called Await. It resolves exactly
// once, either successfully or with an error, and every later attempt
// to resolve it again is a silent no-op. The zero value is not usable;
// construct one with NewCompletion.
//
// This mirrors the buffered-channel rendezvous the client façade used
// to signal a single reply (a pong, a close), generalized so every
// ackable packet and the connect handshake itself can share it.
type Completion struct {
	done   chan struct{}
	mu     sync.Mutex
	result interface{}
	err    error
	fired  bool
}

// NewCompletion returns a fresh, unresolved Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// CompleteSuccess resolves the Completion with result. Only the first
// call among CompleteSuccess, CompleteFailure and Cancel has any
// effect.
func (c *Completion) CompleteSuccess(result interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return
	}
	c.fired = true
	c.result = result
	close(c.done)
}

// CompleteFailure resolves the Completion with err. err should not be
// nil; use CompleteSuccess for the non-error path.
func (c *Completion) CompleteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return
	}
	c.fired = true
	c.err = err
	close(c.done)
}

// Cancel resolves the Completion with ErrCanceled.
func (c *Completion) Cancel() {
	c.CompleteFailure(ErrCanceled)
}

// Done returns a channel that is closed once the Completion resolves.
// It is safe to select on from multiple goroutines.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Await blocks until the Completion resolves or ctx is done, whichever
// happens first. A context deadline does not cancel the underlying
// operation; the Completion may still resolve later and any result is
// then discarded by the caller.
func (c *Completion) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		return nil, ErrAbandoned
	}
}

// Resolved reports whether the Completion has already fired, without
// blocking.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
