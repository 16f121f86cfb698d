// Package pipe implements the bounded in-memory FIFO spec.md §4.L
// describes: a fixed 512-byte ring with monotone read/write counters,
// sleep/wakeup-driven blocking, and cooperative cancellation via a
// killed process observing its own flag in the wait loop. Grounded on
// the teacher's circbuf package (head/tail ring arithmetic, Full/Empty/
// wraparound copy split), generalized from circbuf's single-daemon,
// non-blocking design to the spec's sleep/wakeup FIFO — and fixing the
// copy-direction bug spec.md §9 calls out: writers copy user->kernel,
// readers copy kernel->user.
package pipe

import (
	"context"
	"unsafe"

	"rv6/internal/defs"
	"rv6/internal/lock"
)

// BUFSIZE is the pipe's fixed ring capacity in bytes.
const BUFSIZE = 512

// Proc is the narrow view pipe needs of the calling process: whether
// it has been marked for death (spec.md's cooperative-cancellation
// checkpoint inside the wait loops).
type Proc interface {
	Killed() bool
}

// Pipe is one pipe's shared state. nwrite-nread is always in
// [0, BUFSIZE]; both counters only ever increase.
type Pipe struct {
	mu        lock.Spinlock
	waiter    lock.Waiter
	data      [BUFSIZE]byte
	nread     uint64
	nwrite    uint64
	readOpen  bool
	writeOpen bool
}

// New constructs a pipe with both ends open.
func New(waiter lock.Waiter) *Pipe {
	return &Pipe{waiter: waiter, readOpen: true, writeOpen: true}
}

// readChan/writeChan are the sleep channels readers/writers block on,
// derived from the pipe's own stable address the way spec.md's "any
// stable 64-bit token" wakeup channel is conventionally chosen.
func (p *Pipe) readChan() lock.Chan  { return lock.Chan(uintptr(unsafe.Pointer(p))) }
func (p *Pipe) writeChan() lock.Chan { return lock.Chan(uintptr(unsafe.Pointer(p)) | 1) }

// Write copies len(src) bytes from src into the pipe, blocking while
// the ring is full. It fails with NotOpened if the read end has
// already closed, or ProcIsKilled if the calling process is killed
// while waiting.
func (p *Pipe) Write(ctx context.Context, proc Proc, src []byte) (int, defs.Err_t) {
	n := 0
	ctx = p.lockCtx(ctx)
	defer p.mu.Unlock(ctx)
	for n < len(src) {
		if !p.readOpen {
			p.waiter.WakeUp(p.readChan())
			return n, defs.NotOpened
		}
		if proc != nil && proc.Killed() {
			p.waiter.WakeUp(p.readChan())
			return n, defs.ProcIsKilled
		}
		if p.nwrite == p.nread+BUFSIZE {
			p.waiter.WakeUp(p.readChan())
			ctx = p.waiter.Sleep(ctx, p.writeChan(), &p.mu)
			continue
		}
		p.data[p.nwrite%BUFSIZE] = src[n]
		p.nwrite++
		n++
	}
	p.waiter.WakeUp(p.readChan())
	return n, 0
}

// Read copies up to len(dst) bytes from the pipe into dst, blocking
// while empty and the write end is still open. A zero-length result
// with the write end closed signals EOF.
func (p *Pipe) Read(ctx context.Context, proc Proc, dst []byte) (int, defs.Err_t) {
	ctx = p.lockCtx(ctx)
	defer p.mu.Unlock(ctx)
	for p.nread == p.nwrite && p.writeOpen {
		if proc != nil && proc.Killed() {
			return 0, defs.ProcIsKilled
		}
		ctx = p.waiter.Sleep(ctx, p.readChan(), &p.mu)
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.data[p.nread%BUFSIZE]
		p.nread++
		n++
	}
	p.waiter.WakeUp(p.writeChan())
	return n, 0
}

// Close closes one end of the pipe (writer if isWriter, else reader)
// and wakes the other side so it observes the closed end.
func (p *Pipe) Close(ctx context.Context, isWriter bool) {
	ctx = p.lockCtx(ctx)
	if isWriter {
		p.writeOpen = false
		p.waiter.WakeUp(p.readChan())
	} else {
		p.readOpen = false
		p.waiter.WakeUp(p.writeChan())
	}
	bothClosed := !p.readOpen && !p.writeOpen
	p.mu.Unlock(ctx)
	_ = bothClosed // the backing page is reclaimed by Go's GC once unreferenced
}

func (p *Pipe) lockCtx(ctx context.Context) context.Context {
	p.mu.Lock(ctx)
	return ctx
}
