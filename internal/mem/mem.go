// Package mem implements the physical page allocator (spec.md §4.A):
// a LIFO free list of fixed-size pages carved from a single backing
// arena. Grounded on the teacher's mem package (Physmem_t's free-list
// alloc/free with sentinel fill on both paths); the per-CPU free-list
// fast path (_pcpu_new/_pcpu_put) is dropped as an optimization beyond
// what spec.md §4.A asks for — a single global spin-lock, O(1) alloc
// and free — see DESIGN.md.
package mem

import (
	"sync"

	"rv6/internal/defs"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of one physical page in bytes.
const PGSIZE = 1 << PGSHIFT

// PhysAddr is a byte offset into the arena standing in for a physical
// address. It is always page-aligned when naming a page.
type PhysAddr uintptr

// allocSentinel and freeSentinel mark pages on alloc/free so dangling
// references surface as obviously-wrong bytes rather than stale data.
const (
	allocSentinel = 0xaa
	freeSentinel  = 0xdd
)

// Arena is the physical memory the kernel manages: a single large byte
// slice sliced into PGSIZE pages, plus the free list over those pages.
type Arena struct {
	mu      sync.Mutex
	bytes   []byte
	npages  int
	freeHead int32 // index into pages, -1 if empty
	next    []int32 // intrusive free-list links, parallel to pages
}

// NewArena allocates nbytes of backing storage (rounded down to a
// whole number of pages) and initializes every page as free.
func NewArena(nbytes int) *Arena {
	npages := nbytes / PGSIZE
	if npages <= 0 {
		panic("mem: arena too small for one page")
	}
	a := &Arena{
		bytes:  make([]byte, npages*PGSIZE),
		npages: npages,
		next:   make([]int32, npages),
	}
	a.freeHead = 0
	for i := 0; i < npages; i++ {
		if i == npages-1 {
			a.next[i] = -1
		} else {
			a.next[i] = int32(i + 1)
		}
	}
	return a
}

// Alloc pops a page off the free list, overwrites it with a sentinel
// byte, and returns its physical address. It fails with ENOMEM when
// the arena is exhausted.
func (a *Arena) Alloc() (PhysAddr, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead == -1 {
		return 0, defs.ENOMEM
	}
	idx := a.freeHead
	a.freeHead = a.next[idx]
	pg := a.pageBytes(idx)
	for i := range pg {
		pg[i] = allocSentinel
	}
	return PhysAddr(idx) * PGSIZE, 0
}

// Free overwrites the page with a different sentinel and pushes it
// back onto the free-list head.
func (a *Arena) Free(p PhysAddr) {
	idx := a.indexOf(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	pg := a.pageBytes(idx)
	for i := range pg {
		pg[i] = freeSentinel
	}
	a.next[idx] = a.freeHead
	a.freeHead = idx
}

// Bytes returns the PGSIZE-byte slice backing the page at p, letting
// higher layers (vm, bio) treat it as directly addressable memory.
func (a *Arena) Bytes(p PhysAddr) []byte {
	return a.pageBytes(a.indexOf(p))
}

// NPages reports the arena's total page capacity.
func (a *Arena) NPages() int { return a.npages }

// Freecount reports the number of pages currently on the free list,
// used by tests asserting the "free + live-owned == total" invariant.
func (a *Arena) Freecount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := a.freeHead; i != -1; i = a.next[i] {
		n++
	}
	return n
}

func (a *Arena) indexOf(p PhysAddr) int32 {
	idx := int(p) / PGSIZE
	if idx < 0 || idx >= a.npages || int(p)%PGSIZE != 0 {
		panic("mem: physical address out of range or misaligned")
	}
	return int32(idx)
}

func (a *Arena) pageBytes(idx int32) []byte {
	off := int(idx) * PGSIZE
	return a.bytes[off : off+PGSIZE]
}
