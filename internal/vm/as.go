// as.go implements the user address-space lifecycle spec.md §4.C
// describes: Create/LoadFirst/Grow/Shrink/Copy, grounded on the
// teacher's vm.Vm_t life-cycle operations (generalized from x86-64's
// direct-mapped kernel image to an explicit user-only region starting
// at VA 0, since Sv39 user/kernel split is enforced by U-bit checks
// rather than by a recursive/direct-map slot reservation).
package vm

import (
	"encoding/binary"

	"rv6/internal/defs"
	"rv6/internal/mem"
)

// AddrSpace is one process's user address space: its page table plus
// the current size of the mapped region [0, Sz).
type AddrSpace struct {
	PT *PageTable
	Sz int
}

// Create allocates a fresh, empty user address space.
func Create(a *mem.Arena) (*AddrSpace, defs.Err_t) {
	pt, err := NewPageTable(a)
	if err != 0 {
		return nil, err
	}
	return &AddrSpace{PT: pt}, 0
}

// LoadFirst maps a single page at VA 0 with R+W+X+U and copies src
// (which must fit in one page) into it — the initial program image
// for the very first process.
func (as *AddrSpace) LoadFirst(src []byte) defs.Err_t {
	if len(src) > PGSIZE {
		panic("vm: LoadFirst image larger than one page")
	}
	pa, err := as.PT.arena.Alloc()
	if err != 0 {
		return err
	}
	pg := as.PT.arena.Bytes(pa)
	for i := range pg {
		pg[i] = 0
	}
	copy(pg, src)
	if err := MapPages(as.PT, 0, PGSIZE, pa, PTE_R|PTE_W|PTE_X|PTE_U); err != 0 {
		as.PT.arena.Free(pa)
		return err
	}
	as.Sz = PGSIZE
	return 0
}

// Grow extends the address space from oldSz to newSz, mapping fresh
// zeroed pages with R+U+perm. On partial allocation failure it tears
// down whatever it had already mapped and returns the original size.
func (as *AddrSpace) Grow(oldSz, newSz int, perm PTE) (int, defs.Err_t) {
	if newSz <= oldSz {
		return oldSz, 0
	}
	start := PageRoundUp(oldSz)
	for va := start; va < newSz; va += PGSIZE {
		pa, err := as.PT.arena.Alloc()
		if err != 0 {
			as.shrinkTo(start, va)
			return oldSz, defs.ENOMEM
		}
		pg := as.PT.arena.Bytes(pa)
		for i := range pg {
			pg[i] = 0
		}
		if err := MapPages(as.PT, uintptr(va), PGSIZE, pa, PTE_R|PTE_U|perm); err != 0 {
			as.PT.arena.Free(pa)
			as.shrinkTo(start, va)
			return oldSz, err
		}
	}
	as.Sz = newSz
	return newSz, 0
}

// shrinkTo unmaps+frees every page in [start, upto), used to unwind a
// partially completed Grow.
func (as *AddrSpace) shrinkTo(start, upto int) {
	for va := start; va < upto; va += PGSIZE {
		Unmap(as.PT, uintptr(va), 1, true)
	}
}

// Shrink unmaps and frees the tail [newSz, oldSz).
func (as *AddrSpace) Shrink(oldSz, newSz int) int {
	if newSz >= oldSz {
		return oldSz
	}
	lo := PageRoundUp(newSz)
	hi := PageRoundUp(oldSz)
	if lo < hi {
		Unmap(as.PT, uintptr(lo), (hi-lo)/PGSIZE, true)
	}
	as.Sz = newSz
	return newSz
}

// Copy deep-copies every mapped page of src into a fresh address space
// of the same size, used by fork. On partial failure it frees
// everything it had copied so far into the new table and returns the
// error.
func Copy(src *AddrSpace, a *mem.Arena) (*AddrSpace, defs.Err_t) {
	dst, err := Create(a)
	if err != 0 {
		return nil, err
	}
	for va := 0; va < src.Sz; va += PGSIZE {
		pte, ok := src.PT.Lookup(uintptr(va))
		if !ok {
			continue
		}
		npa, aerr := a.Alloc()
		if aerr != 0 {
			dst.Sz = va
			dst.Free()
			return nil, aerr
		}
		copy(a.Bytes(npa), src.PT.arena.Bytes(pte.pa()))
		perm := pte & (PTE_R | PTE_W | PTE_X | PTE_U)
		if merr := MapPages(dst.PT, uintptr(va), PGSIZE, npa, perm); merr != 0 {
			a.Free(npa)
			dst.Sz = va
			dst.Free()
			return nil, merr
		}
	}
	dst.Sz = src.Sz
	return dst, 0
}

// teardown unmaps and frees every leaf data page currently mapped into
// as. Interior page-table pages are reclaimed separately by Free's
// recursive descent, since a page-table page with no leaf mappings
// left under it is still reachable from the root and must not be
// freed out from under an in-progress Walk.
func (as *AddrSpace) teardown() {
	for va := 0; va < as.Sz; va += PGSIZE {
		if _, ok := as.PT.Lookup(uintptr(va)); ok {
			Unmap(as.PT, uintptr(va), 1, true)
		}
	}
}

// Free releases every user page, every interior page-table page, and
// the top-level table itself, leaving no physical page attributed to
// this address space.
func (as *AddrSpace) Free() {
	as.teardown()
	freeTable(as.PT.arena, as.PT.root, 2)
}

// freeTable recursively frees a page-table page at the given level
// (2 = top) and, for interior levels, every still-valid child table
// beneath it. Leaf (level 0) data pages are expected to have already
// been unmapped by teardown, so only non-leaf entries are followed.
func freeTable(a *mem.Arena, table mem.PhysAddr, level uint) {
	if level > 0 {
		pg := a.Bytes(table)
		for i := 0; i < 512; i++ {
			pte := PTE(binary.LittleEndian.Uint64(pg[i*8:]))
			if pte.valid() {
				freeTable(a, pte.pa(), level-1)
			}
		}
	}
	a.Free(table)
}
