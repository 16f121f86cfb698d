package proc

import (
	"context"
	"runtime"
	"sync"

	"rv6/internal/defs"
	"rv6/internal/limits"
	"rv6/internal/lock"
	"rv6/internal/mem"
	"rv6/internal/vm"
)

// Table is the fixed-size process table plus the scheduling state every
// hart's loop and every Sleep/WakeUp call shares. It implements
// lock.Waiter, closing the dependency the lock package leaves open.
type Table struct {
	slotsMu sync.Mutex
	slots   [limits.NPROC]*Proc

	waitLock lock.Spinlock
	pidAlloc pidAllocator

	idleMu   sync.Mutex
	idleCond *sync.Cond

	init *Proc
}

// NewTable constructs an empty process table.
func NewTable() *Table {
	t := &Table{}
	t.idleCond = sync.NewCond(&t.idleMu)
	return t
}

func (t *Table) wakeIdle() {
	t.idleMu.Lock()
	t.idleCond.Broadcast()
	t.idleMu.Unlock()
}

// snapshot returns the currently occupied slots, safe to range over
// without holding slotsMu (each Proc's own fields remain protected by
// its own mu or by waitLock).
func (t *Table) snapshot() []*Proc {
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	out := make([]*Proc, 0, limits.NPROC)
	for _, p := range t.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// allocSlot reserves an empty table slot for a new process, returning
// defs.EMFILE if the table is full.
func (t *Table) allocSlot(p *Proc) defs.Err_t {
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = p
			return 0
		}
	}
	return defs.EMFILE
}

func (t *Table) freeSlot(p *Proc) {
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	for i, s := range t.slots {
		if s == p {
			t.slots[i] = nil
			return
		}
	}
}

// Body is a process's entire kernel-visible lifetime: the harness (an
// exec'd program, in the full kernel; a test scenario's closure, in
// ours) that runs once the process is first scheduled and whose return
// value becomes its exit status if it doesn't call Table.Exit itself.
//
// The teacher's processes are goroutines the teacher's own forked Go
// runtime schedules directly; nothing below package level implements
// fork/exit there for us to adapt. This Body abstraction — and Fork
// taking the child's Body explicitly rather than cloning the parent's
// call stack — is the idiomatic-Go stand-in: hosted Go has no portable
// way to duplicate a running goroutine's stack, so the child's future
// execution is supplied by the caller instead of inherited.
type Body func(ctx context.Context, p *Proc) int

// Create allocates and starts the first process in the system ("init"
// in conventional terms), running body once scheduled.
func (t *Table) Create(arena *mem.Arena, body Body) (*Proc, defs.Err_t) {
	as, err := vm.Create(arena)
	if err != 0 {
		return nil, err
	}
	p := t.newProc(as)
	if err := t.allocSlot(p); err != 0 {
		return nil, err
	}
	t.init = p
	t.start(p, body)
	t.setRunnable(p)
	return p, 0
}

func (t *Table) newProc(as *vm.AddrSpace) *Proc {
	p := &Proc{
		state: defs.USED,
		Pid:   t.pidAlloc.alloc(),
		AS:    as,
		grant: make(chan *Hart),
		yield: make(chan struct{}),
	}
	return p
}

// start launches the goroutine that will run body once granted a hart,
// and unconditionally exits the process when body returns.
func (t *Table) start(p *Proc, body Body) {
	go func() {
		h := <-p.grant
		ctx := withHart(context.Background(), h)
		status := body(ctx, p)
		t.Exit(ctx, status)
	}()
}

func (t *Table) setRunnable(p *Proc) {
	ctx := context.Background()
	p.mu.Lock(ctx)
	p.state = defs.RUNNABLE
	p.mu.Unlock(ctx)
	t.wakeIdle()
}

// Fork creates a child sharing a copy of parent's address space and
// queues it to run childBody once scheduled, per spec.md §4.E: new pid,
// copied address space, each of parent's open files duplicated via Dup
// into the child's Files, child returns with the parent registered as
// its parent.
func (t *Table) Fork(ctx context.Context, arena *mem.Arena, childBody Body) (*Proc, defs.Err_t) {
	parent := CurrentProc(ctx)
	as, err := vm.Copy(parent.AS, arena)
	if err != 0 {
		return nil, err
	}
	child := t.newProc(as)
	child.Sz = parent.Sz
	child.Name = parent.Name
	for i, f := range parent.Files {
		if f != nil {
			child.Files[i] = f.Dup()
		}
	}
	if err := t.allocSlot(child); err != 0 {
		child.AS.Free()
		return nil, err
	}
	t.waitLock.Lock(ctx)
	child.parent = parent
	t.waitLock.Unlock(ctx)
	t.start(child, childBody)
	t.setRunnable(child)
	return child, 0
}

// Exit tears down p's address space, reparents its children to init,
// records its exit status, wakes anyone waiting on it, and ends the
// calling goroutine — mirroring a kernel exit() that never returns to
// its caller. Any already-open files must be closed by the caller
// before calling Exit, since proc does not know how to close them.
func (t *Table) Exit(ctx context.Context, status int) {
	p := CurrentProc(ctx)

	t.waitLock.Lock(ctx)
	for _, c := range t.snapshot() {
		if c == p {
			continue
		}
		c.mu.Lock(ctx)
		isChild := c.parent == p
		c.mu.Unlock(ctx)
		if isChild {
			c.parent = t.init
			if t.init != nil {
				t.WakeUp(t.init.SelfChan())
			}
		}
	}
	p.mu.Lock(ctx)
	p.state = defs.ZOMBIE
	p.exitStatus = status
	parent := p.parent
	p.mu.Unlock(ctx)
	t.waitLock.Unlock(ctx)

	if p.AS != nil {
		p.AS.Free()
	}
	if parent != nil {
		t.WakeUp(parent.SelfChan())
	}

	p.mu.Lock(ctx)
	t.schedFinal(ctx, p)
	runtime.Goexit()
}

// Wait blocks until a child of the calling process exits, reaps it
// (freeing its table slot and merging its accounting into the caller),
// and returns its pid and exit status. It fails with NoChildAvailable
// if the caller has no children at all.
func (t *Table) Wait(ctx context.Context) (pid int, status int, err defs.Err_t) {
	p := CurrentProc(ctx)
	t.waitLock.Lock(ctx)
	for {
		haveChild := false
		for _, c := range t.snapshot() {
			c.mu.Lock(ctx)
			isChild := c.parent == p
			st := c.state
			c.mu.Unlock(ctx)
			if !isChild {
				continue
			}
			haveChild = true
			if st == defs.ZOMBIE {
				pid = c.Pid
				status = c.exitStatus
				p.Acct.Add(&c.Acct)
				t.freeSlot(c)
				t.waitLock.Unlock(ctx)
				return pid, status, 0
			}
		}
		if !haveChild {
			t.waitLock.Unlock(ctx)
			return 0, 0, defs.NoChildAvailable
		}
		ctx = t.Sleep(ctx, p.SelfChan(), &t.waitLock)
	}
}

// Kill marks pid for death; if it is currently sleeping, it is made
// runnable so it observes Killed() and unwinds at its next check.
func (t *Table) Kill(ctx context.Context, pid int) defs.Err_t {
	for _, p := range t.snapshot() {
		p.mu.Lock(ctx)
		if p.Pid == pid && p.state != defs.UNUSED {
			p.killed = true
			if p.state == defs.SLEEPING {
				p.state = defs.RUNNABLE
			}
			p.mu.Unlock(ctx)
			t.wakeIdle()
			return 0
		}
		p.mu.Unlock(ctx)
	}
	return defs.ESRCH
}

// Sleep implements lock.Waiter: it atomically marks the calling process
// SLEEPING on wakeup-channel c, releases held, yields the hart, and
// blocks until woken and re-granted a hart — which may not be the one
// it slept on, hence the returned context.
func (t *Table) Sleep(ctx context.Context, c lock.Chan, held *lock.Spinlock) context.Context {
	p := CurrentProc(ctx)
	p.mu.Lock(ctx)
	held.Unlock(ctx)
	p.waitChan = c
	p.state = defs.SLEEPING
	ctx2 := t.sched(ctx, p)
	p.mu.Lock(ctx2)
	p.waitChan = 0
	p.mu.Unlock(ctx2)
	held.Lock(ctx2)
	return ctx2
}

// WakeUp marks every process sleeping on c runnable.
func (t *Table) WakeUp(c lock.Chan) {
	ctx := context.Background()
	for _, p := range t.snapshot() {
		p.mu.Lock(ctx)
		if p.state == defs.SLEEPING && p.waitChan == c {
			p.state = defs.RUNNABLE
		}
		p.mu.Unlock(ctx)
	}
	t.wakeIdle()
}

// Yield gives up the hart voluntarily (a timer-tick preemption point)
// without changing state away from RUNNABLE.
func (t *Table) Yield(ctx context.Context) context.Context {
	p := CurrentProc(ctx)
	p.mu.Lock(ctx)
	p.state = defs.RUNNABLE
	return t.sched(ctx, p)
}

// sched hands the hart back to the scheduler loop and blocks until this
// process is granted a hart again. Callers must hold p.mu with the new
// state already set; sched releases it before blocking and the caller
// must not touch p again until using the returned context.
func (t *Table) sched(ctx context.Context, p *Proc) context.Context {
	p.mu.Unlock(ctx)
	p.yield <- struct{}{}
	h := <-p.grant
	return withHart(ctx, h)
}

// schedFinal hands the hart back for the last time; the calling
// goroutine must not resume kernel code afterward (Exit follows it
// with runtime.Goexit).
func (t *Table) schedFinal(ctx context.Context, p *Proc) {
	p.mu.Unlock(ctx)
	p.yield <- struct{}{}
}

// Scheduler runs h's dispatch loop forever, round-robining over every
// RUNNABLE process and idling (without spinning) when none is ready.
// One goroutine per hart calls this, mirroring spec.md §4.D's "each
// hart runs an independent copy of the scheduler loop".
func (t *Table) Scheduler(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran := false
		for _, p := range t.snapshot() {
			p.mu.Lock(ctx)
			if p.state != defs.RUNNABLE {
				p.mu.Unlock(ctx)
				continue
			}
			p.state = defs.RUNNING
			h := hartFromCtx(ctx)
			h.Current = p
			p.mu.Unlock(ctx)

			p.grant <- h
			<-p.yield
			h.Current = nil
			ran = true
		}
		if !ran {
			t.idleWait(ctx)
		}
	}
}

func (t *Table) idleWait(ctx context.Context) {
	t.idleMu.Lock()
	defer t.idleMu.Unlock()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.wakeIdle()
		case <-done:
		}
	}()
	t.idleCond.Wait()
	close(done)
}
