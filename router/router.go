// package router assigns request identifiers, tracks the one
// continuation waiting on each, and enforces the at-most-one-request-
// in-flight rule the serial transport depends on. It is not safe for
// concurrent use: the reactor's single-goroutine discipline (writer
// inserts, reader removes, both on the same goroutine) is what makes a
// mutex unnecessary, per the core's concurrency design.
package router

import (
	"time"

	"github.com/xiami1988/ace-core/frame"
)

// Continuation consumes the response to a previously sent request.
type Continuation func(frame.Response)

// Router owns the monotonic id counter, the pending-continuation map,
// and the single in-flight lock.
type Router struct {
	nextID  uint32
	pending map[uint32]Continuation

	locked     bool
	sentAt     time.Time
	inflightID uint32
}

// New creates an empty Router.
func New() *Router {
	return &Router{pending: make(map[uint32]Continuation)}
}

// NextID allocates the next monotonically increasing request id.
func (r *Router) NextID() uint32 {
	id := r.nextID
	r.nextID++
	return id
}

// TryAcquire attempts to take the in-flight lock. It reports whether
// the lock was free and is now held.
func (r *Router) TryAcquire(now time.Time) bool {
	if r.locked {
		return false
	}
	r.locked = true
	r.sentAt = now
	return true
}

// Locked reports whether a request is currently outstanding.
func (r *Router) Locked() bool {
	return r.locked
}

// Release clears the in-flight lock without resolving any
// continuation. Used once a response has been dispatched, or when a
// transport fault tears down the connection.
func (r *Router) Release() {
	r.locked = false
}

// ForceTimeout clears the lock if it has been held longer than
// timeout, reporting whether it did so. The in-flight request's
// continuation is dropped from the pending map in the same step, so a
// late response for that id is looked up, found missing, and ignored
// as "unknown id".
func (r *Router) ForceTimeout(now time.Time, timeout time.Duration) bool {
	if !r.locked {
		return false
	}
	if now.Sub(r.sentAt) <= timeout {
		return false
	}
	r.locked = false
	delete(r.pending, r.inflightID)
	return true
}

// Register records the continuation for id. Call after TryAcquire
// succeeds, before the request is sent; use Forget if the send fails.
func (r *Router) Register(id uint32, cont Continuation) {
	r.pending[id] = cont
	r.inflightID = id
}

// Resolve looks up id's continuation, removes it, releases the
// in-flight lock, and invokes it. It reports whether a continuation
// was found; an unknown id (already timed out, or a stray response) is
// dropped and reported as false.
func (r *Router) Resolve(id uint32, resp frame.Response) bool {
	cont, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	r.locked = false
	cont(resp)
	return true
}

// Forget drops a pending continuation without invoking it, e.g. when a
// transport fault means no response will ever arrive.
func (r *Router) Forget(id uint32) {
	delete(r.pending, id)
}

// PendingCount returns the number of continuations currently awaiting
// a response. Exposed for tests asserting the single-in-flight
// invariant together with Locked.
func (r *Router) PendingCount() int {
	return len(r.pending)
}
