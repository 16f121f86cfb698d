package trap

import (
	"context"
	"unsafe"

	"rv6/internal/defs"
	"rv6/internal/lock"
	"rv6/internal/proc"
)

// Ticks is the global tick counter spec.md §4.F requires the
// supervisor-timer path to maintain "under its own spin-lock", and the
// wakeup channel spec.md §5 describes for SYS_SLEEP ("sleep durations
// are explicit; the sleep syscall loops on the global tick counter").
// Grounded on pipe.Pipe's own-spinlock-plus-sleep/wakeup-channel shape:
// a tiny piece of shared state with its own lock and a channel derived
// from its own address.
type Ticks struct {
	mu     lock.Spinlock
	waiter lock.Waiter
	count  uint64
}

// NewTicks constructs a zeroed tick counter that blocks sleepers via
// waiter (the process table, which implements lock.Waiter).
func NewTicks(waiter lock.Waiter) *Ticks {
	return &Ticks{waiter: waiter}
}

// chan_ is the stable wakeup-channel token every SYS_SLEEP waiter
// blocks on, derived from the counter's own address exactly like
// pipe.go's readChan/writeChan.
func (tk *Ticks) chan_() lock.Chan { return lock.Chan(uintptr(unsafe.Pointer(tk))) }

// Bump increments the counter by one and wakes anything sleeping on
// it. Called only from hart 0's timer-interrupt path (Tick).
func (tk *Ticks) Bump(ctx context.Context) {
	tk.mu.Lock(ctx)
	tk.count++
	tk.mu.Unlock(ctx)
	tk.waiter.WakeUp(tk.chan_())
}

// Get reads the current tick count, for SYS_UPTIME.
func (tk *Ticks) Get(ctx context.Context) uint64 {
	tk.mu.Lock(ctx)
	defer tk.mu.Unlock(ctx)
	return tk.count
}

// sleepFor blocks p for at least n ticks, waking early with
// ProcIsKilled if p is killed while waiting.
func (tk *Ticks) sleepFor(ctx context.Context, p *proc.Proc, n int) defs.Err_t {
	tk.mu.Lock(ctx)
	target := tk.count + uint64(n)
	for tk.count < target {
		if p.Killed() {
			tk.mu.Unlock(ctx)
			return defs.ProcIsKilled
		}
		ctx = tk.waiter.Sleep(ctx, tk.chan_(), &tk.mu)
	}
	tk.mu.Unlock(ctx)
	return 0
}
