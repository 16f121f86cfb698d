// Package proc implements the per-hart execution state and the process
// table: fork/exit/wait/kill, sleep/wakeup, and the scheduler loop
// (spec.md §4.D/§4.E). Grounded on the teacher's accnt package for the
// accounting fields a Proc_t carries and on its overall "everything
// hangs off a table of slots guarded by locks" shape (kernel/fd, fs);
// the context switch itself has no teacher source to adapt from, since
// the teacher's processes are goroutines scheduled by its own forked Go
// runtime (src/runtime, not reproducible in hosted Go) rather than by
// any package-level code. In its place we model a hart's "currently
// running process" as a channel handoff between the hart's scheduler
// goroutine and the process's own goroutine, which is the idiomatic Go
// substitute for a register-level swtch.
package proc

import (
	"context"
	"sync/atomic"

	"rv6/internal/lock"
)

// Hart is one simulated RISC-V hart's scheduler-visible state: which
// process (if any) it is currently running, and its nested
// interrupt-disable depth. Exactly one goroutine drives a Hart at a
// time (its Scheduler loop, or transiently the process it has handed
// off to), so its fields need no locking of their own.
type Hart struct {
	ID         int
	Current    *Proc
	noff       int  // depth of nested PushOff calls
	intrEnable bool // true while at least one PushOff is outstanding
}

// PushOff deepens the hart's interrupt-disable nesting, setting
// intrEnable on the first (outermost) call. The hart models no separate
// interrupt-enable bit, so no prior interrupt state is recorded.
// Implements lock.IntrController.
func (h *Hart) PushOff() {
	if h.noff == 0 {
		h.intrEnable = true
	}
	h.noff++
}

// PopOff reverses one PushOff, clearing intrEnable once the nesting
// count returns to zero. Implements lock.IntrController.
func (h *Hart) PopOff() {
	if h.noff == 0 {
		panic("proc: PopOff without matching PushOff")
	}
	h.noff--
	if h.noff == 0 {
		h.intrEnable = false
	}
}

type hartKey struct{}

// withHart binds h as both the ambient lock.IntrController and the
// concrete hart callers can recover Current from.
func withHart(ctx context.Context, h *Hart) context.Context {
	ctx = lock.WithIntrController(ctx, h)
	return context.WithValue(ctx, hartKey{}, h)
}

// NewHartContext constructs a fresh Hart with the given id and binds it
// into ctx, returning the context a caller must pass to Table.Scheduler
// to drive that hart's dispatch loop.
func NewHartContext(ctx context.Context, id int) (context.Context, *Hart) {
	h := &Hart{ID: id}
	return withHart(ctx, h), h
}

func hartFromCtx(ctx context.Context) *Hart {
	h, _ := ctx.Value(hartKey{}).(*Hart)
	return h
}

// HartID returns the id of the hart bound to ctx and whether one is
// bound at all (false for a test calling a subsystem directly, without
// going through a hart's Scheduler loop).
func HartID(ctx context.Context) (int, bool) {
	h := hartFromCtx(ctx)
	if h == nil {
		return 0, false
	}
	return h.ID, true
}

// CurrentProc returns the process running on the hart bound to ctx, or
// nil if ctx carries no hart (e.g. a test calling directly into a
// subsystem without going through the scheduler).
func CurrentProc(ctx context.Context) *Proc {
	h := hartFromCtx(ctx)
	if h == nil {
		return nil
	}
	return h.Current
}

// pidAllocator hands out strictly increasing process IDs.
type pidAllocator struct {
	next atomic.Int64
}

func (a *pidAllocator) alloc() int {
	return int(a.next.Add(1))
}
