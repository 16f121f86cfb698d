// Package lock implements the two lock kinds the kernel core is built
// on: a spinning mutual-exclusion lock that brackets interrupt-disable
// state, and a sleep-lock layered on top of it plus the process
// scheduler's sleep/wakeup primitive. Grounded on the teacher's use of
// spin/sleep locks throughout fd, fs, and mem.
//
// Both lock kinds take a context.Context carrying the calling hart (an
// IntrController) rather than discovering "the current hart" through a
// thread-local, since hosted Go has no register we can repurpose for
// that — the teacher's tinfo package does this with an unsafe pointer
// stashed in a runtime-provided register; we thread it explicitly
// instead, the idiomatic Go equivalent.
package lock

import (
	"context"
	"sync/atomic"
)

// IntrController tracks one hart's nested interrupt-disable depth. The
// first Spinlock acquired on a hart disables interrupts and records
// whether they had been enabled; the last release restores that state.
type IntrController interface {
	PushOff()
	PopOff()
}

type intrKey struct{}

// WithIntrController attaches the calling hart's IntrController to ctx
// so that Spinlock.Lock/Unlock can bracket interrupts on it.
func WithIntrController(ctx context.Context, h IntrController) context.Context {
	return context.WithValue(ctx, intrKey{}, h)
}

func intrCtl(ctx context.Context) IntrController {
	h, _ := ctx.Value(intrKey{}).(IntrController)
	return h
}

// Chan is the opaque wakeup-channel token spec.md models as a stable
// 64-bit address. Any stable value works; callers pair Sleep and
// WakeUp on the same token. Taking the address of a kernel object
// (cast through uintptr by the caller) is the conventional source.
type Chan uintptr

// Waiter is implemented by the process scheduler and is the handle
// Sleeplock uses to block the calling process instead of busy-waiting.
// Sleep returns a context bound to whichever hart the caller resumed
// on, since a resumed process may not return to the hart it slept on.
type Waiter interface {
	Sleep(ctx context.Context, c Chan, held *Spinlock) context.Context
	WakeUp(c Chan)
}

// Spinlock is a test-and-set mutex. It must never be held across a
// call that sleeps; acquiring it disables interrupts on the calling
// hart (via the hart's push/pop-off counter) for the duration of the
// critical section, and re-acquiring it from the same holder is a
// fatal bug, not a deadlock-by-design (spec.md §4.B: "re-entering
// raises a fatal assertion").
type Spinlock struct {
	flag atomic.Bool
	// holder is the IntrController (hart) currently holding the lock,
	// nil when free. Written only by the holder itself — once in Lock
	// right after the CAS succeeds, cleared in Unlock right before the
	// matching CAS — so, exactly like the teacher's struct spinlock's
	// `cpu` field, it never needs synchronization of its own: any other
	// hart reading it either sees nil/a different holder (safe, since a
	// mismatch never wrongly reports "holding") or is racing a holder
	// that can only ever write its own identity into the field.
	holder IntrController
}

// Lock acquires the spinlock, spinning until it is free, and disables
// interrupts on the hart recorded in ctx (if any — tests may use a nil
// IntrController and simply get plain mutual exclusion, forgoing the
// recursive-acquire check since there is no holder identity to compare
// against).
func (l *Spinlock) Lock(ctx context.Context) {
	h := intrCtl(ctx)
	if h != nil {
		h.PushOff()
		if l.holder == h {
			panic("lock: recursive acquire of spinlock already held by this hart")
		}
	}
	for !l.flag.CompareAndSwap(false, true) {
	}
	l.holder = h
}

// Unlock releases the spinlock and restores the hart's prior interrupt
// state if all pushed Spinlocks have been released.
func (l *Spinlock) Unlock(ctx context.Context) {
	h := intrCtl(ctx)
	if h != nil && l.holder != nil && l.holder != h {
		panic("lock: release of spinlock held by a different hart")
	}
	l.holder = nil
	if !l.flag.CompareAndSwap(true, false) {
		panic("lock: release of unheld spinlock")
	}
	if h != nil {
		h.PopOff()
	}
}

// Holding reports whether the spinlock is currently held by anyone.
// Used only for assertions (sched()'s "process lock held" check).
func (l *Spinlock) Holding() bool {
	return l.flag.Load()
}

// Sleeplock is a mutex that yields the hart to the scheduler while
// waiting rather than spinning, recording the holder for debugging.
// Built on a Spinlock guarding a boolean plus the process scheduler's
// Sleep/WakeUp, exactly as spec.md §4.B describes.
type Sleeplock struct {
	spin   Spinlock
	waiter Waiter
	locked bool
	holder int
	chan_  Chan
}

// NewSleeplock constructs a Sleeplock that blocks via waiter when
// contended. chanToken is the stable wakeup-channel identity shared by
// every waiter of this particular lock.
func NewSleeplock(waiter Waiter, chanToken Chan) *Sleeplock {
	return &Sleeplock{waiter: waiter, chan_: chanToken}
}

// Acquire blocks (sleeping, not spinning) until the lock is free, then
// takes it and records pid as the holder.
func (sl *Sleeplock) Acquire(ctx context.Context, pid int) context.Context {
	sl.spin.Lock(ctx)
	for sl.locked {
		ctx = sl.waiter.Sleep(ctx, sl.chan_, &sl.spin)
	}
	sl.locked = true
	sl.holder = pid
	sl.spin.Unlock(ctx)
	return ctx
}

// Release frees the lock and wakes any process sleeping on it.
func (sl *Sleeplock) Release(ctx context.Context) {
	sl.spin.Lock(ctx)
	sl.locked = false
	sl.holder = 0
	sl.spin.Unlock(ctx)
	sl.waiter.WakeUp(sl.chan_)
}

// Holding reports whether pid holds the lock. Reads locked/holder
// under the same spin lock Acquire/Release mutate them under, rather
// than a lock of its own.
func (sl *Sleeplock) Holding(pid int) bool {
	ctx := context.Background()
	sl.spin.Lock(ctx)
	defer sl.spin.Unlock(ctx)
	return sl.locked && sl.holder == pid
}
