package proc

import (
	"sync/atomic"
	"time"
	"unsafe"

	"rv6/internal/defs"
	"rv6/internal/limits"
	"rv6/internal/lock"
	"rv6/internal/vm"
)

// OpenFile is the narrow interface proc needs from an open file-table
// entry: enough to duplicate it across fork and release it on exit
// without proc importing the file package (which itself needs proc,
// for the current process's cwd and pid).
type OpenFile interface {
	Dup() OpenFile
	Close() defs.Err_t
}

// Accnt mirrors the teacher's Accnt_t: per-process user/system time
// accounting, merged into a parent on reap.
type Accnt struct {
	Userns int64
	Sysns  int64
}

func (a *Accnt) Utadd(deltaNs int64)  { atomic.AddInt64(&a.Userns, deltaNs) }
func (a *Accnt) Systadd(deltaNs int64) { atomic.AddInt64(&a.Sysns, deltaNs) }

// Add merges n's counters into a, used when a parent reaps a zombie
// child (spec.md §4.E: "accounting is merged into the parent").
func (a *Accnt) Add(n *Accnt) {
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Proc is one process-table slot. mu guards the fields the scheduler
// and Sleep/WakeUp/Kill touch (state, waitChan, killed); parent and
// exitStatus are guarded by the shared Table.waitLock instead, per the
// lock-ordering discipline spec.md §4.E lays out (wait_lock is always
// acquired before a process's own lock).
type Proc struct {
	mu    lock.Spinlock
	state defs.ProcState
	waitChan lock.Chan
	killed   bool

	Pid  int
	Name string

	parent     *Proc // guarded by Table.waitLock
	exitStatus int   // guarded by Table.waitLock

	AS    *vm.AddrSpace
	Sz    int
	Files [limits.NOFILE]OpenFile
	Cwd   any // concrete type supplied by the fs package; opaque here

	Acct Accnt

	grant chan *Hart     // scheduler -> process: "you're running, on this hart"
	yield chan struct{}  // process -> scheduler: "I'm giving the hart back"
}

// SelfChan is the wakeup token Wait() sleeps on while waiting for any
// child to exit — "sleeps on its own address" per spec.md §4.E.
func (p *Proc) SelfChan() lock.Chan {
	return lock.Chan(uintptr(unsafe.Pointer(p)))
}

// State reports the process's current lifecycle state.
func (p *Proc) State() defs.ProcState { return p.state }

// Killed reports whether the process has been marked for death.
func (p *Proc) Killed() bool { return p.killed }

func nowNanos() int64 { return time.Now().UnixNano() }
