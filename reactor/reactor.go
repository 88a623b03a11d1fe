// package reactor implements the cooperative, single-threaded timer
// scheduler that every periodic component of the ACE core (the serial
// reader and writer, the connect loop, the endless-spool monitor) runs
// under. It is the Go translation of "periodic callbacks returning a
// next-wake time" described by the core's design: a single goroutine
// drains a min-heap of due tasks, so registered callbacks never observe
// each other mid-mutation and never need explicit locking between them.
package reactor

import (
	"container/heap"
	"context"
	"time"
)

// Never is returned by a task function to deregister itself.
var Never = time.Time{}

// TaskFunc is invoked once a task's wake time has elapsed. It returns
// the next time it wants to run, or the zero Time (Never) to stop.
type TaskFunc func(now time.Time) time.Time

// Task is a handle to a registered callback, usable with Unregister.
type Task struct {
	fn   TaskFunc
	next time.Time
	// index is maintained by container/heap.
	index int
}

// Reactor runs registered Tasks from a single goroutine via Run.
type Reactor struct {
	// Clock returns the current time; overridable in tests.
	Clock func() time.Time

	tasks  taskHeap
	wakeup chan struct{}
	add    chan *Task
	remove chan *Task
}

// New creates a Reactor. Call Run to start draining it.
func New() *Reactor {
	return &Reactor{
		Clock:  time.Now,
		wakeup: make(chan struct{}, 1),
		add:    make(chan *Task, 16),
		remove: make(chan *Task, 16),
	}
}

// Register schedules fn to run at "at" and then at whatever time each
// invocation returns. It is safe to call from any goroutine, including
// from inside another task's callback.
func (r *Reactor) Register(at time.Time, fn TaskFunc) *Task {
	t := &Task{fn: fn, next: at}
	r.add <- t
	r.Wake()
	return t
}

// Now registers fn to run as soon as possible.
func (r *Reactor) Now(fn TaskFunc) *Task {
	return r.Register(r.Clock(), fn)
}

// Unregister stops a task. Safe to call even if the task already
// deregistered itself by returning Never.
func (r *Reactor) Unregister(t *Task) {
	r.remove <- t
	r.Wake()
}

// Wake causes Run's scheduling loop to re-evaluate immediately, e.g.
// after enqueueing outbound work that a task is waiting on.
func (r *Reactor) Wake() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// Run drains due tasks until ctx is cancelled. It owns the task heap
// for its entire duration: Register/Unregister from other goroutines
// hand tasks over through channels rather than touching the heap
// directly, preserving the single-writer discipline the core relies on.
func (r *Reactor) Run(ctx context.Context) {
	heap.Init(&r.tasks)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.drainPending()

		now := r.Clock()
		for r.tasks.Len() > 0 && !r.tasks[0].next.After(now) {
			t := heap.Pop(&r.tasks).(*Task)
			next := t.fn(now)
			if next != Never {
				t.next = next
				heap.Push(&r.tasks, t)
			}
			// A task may have unregistered another task that is due in
			// this same batch (the reader tearing down the writer on a
			// transport fault); apply those before popping the next one.
			r.drainPending()
			now = r.Clock()
		}

		var wait time.Duration = time.Hour
		if r.tasks.Len() > 0 {
			wait = r.tasks[0].next.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-r.wakeup:
		case <-timer.C:
		}
	}
}

func (r *Reactor) drainPending() {
	for {
		select {
		case t := <-r.add:
			heap.Push(&r.tasks, t)
			continue
		case t := <-r.remove:
			r.tasks.removeTask(t)
			continue
		default:
		}
		return
	}
}

type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *taskHeap) removeTask(t *Task) {
	for i, cur := range *h {
		if cur == t {
			heap.Remove(h, i)
			return
		}
	}
}

// Sleep blocks the calling goroutine for d, or until ctx is cancelled.
// It is used by commands that run on their own goroutine (not the
// reactor goroutine) to implement post-send dwells and ready-polling
// waits without holding up the reactor.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
