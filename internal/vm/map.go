package vm

import (
	"rv6/internal/defs"
	"rv6/internal/mem"
	"rv6/internal/util"
)

// MapPages installs size/PGSIZE consecutive leaf mappings starting at
// va -> pa with the given permission bits. va and size must be
// page-aligned and size > 0; it fails if any target PTE is already
// valid (spec.md §4.C).
func MapPages(pt *PageTable, va uintptr, size int, pa mem.PhysAddr, perm PTE) defs.Err_t {
	if size <= 0 {
		panic("vm: MapPages size must be > 0")
	}
	if va%PGSIZE != 0 || size%PGSIZE != 0 {
		panic("vm: MapPages va/size must be page-aligned")
	}
	last := va + uintptr(size) - PGSIZE
	for a, p := va, pa; ; a, p = a+PGSIZE, p+PGSIZE {
		leaf, ok := pt.leaf(a, true)
		if !ok {
			return defs.ENOMEM
		}
		if leaf.get().valid() {
			return defs.EINVAL
		}
		leaf.set(mkPTE(p, perm))
		if a == last {
			break
		}
	}
	return 0
}

// Unmap removes npages consecutive leaf mappings starting at va,
// requiring every target PTE be a valid leaf; it optionally frees the
// backing physical pages.
func Unmap(pt *PageTable, va uintptr, npages int, freePA bool) {
	if va%PGSIZE != 0 {
		panic("vm: Unmap va must be page-aligned")
	}
	for i := 0; i < npages; i++ {
		a := va + uintptr(i)*PGSIZE
		leaf, ok := pt.leaf(a, false)
		if !ok || !leaf.get().valid() {
			panic("vm: Unmap target not a valid leaf")
		}
		pa := leaf.get().pa()
		leaf.set(0)
		if freePA {
			pt.arena.Free(pa)
		}
	}
}

// ClearPTEUser strips the U bit from one existing leaf PTE, used to
// guard the page below the user stack.
func ClearPTEUser(pt *PageTable, va uintptr) {
	leaf, ok := pt.leaf(va, false)
	if !ok || !leaf.get().valid() {
		panic("vm: ClearPTEUser target not mapped")
	}
	leaf.set(leaf.get() &^ PTE_U)
}

// Lookup returns the leaf PTE for va without allocating, reporting ok
// false if no valid mapping exists.
func (pt *PageTable) Lookup(va uintptr) (PTE, bool) {
	leaf, ok := pt.leaf(va, false)
	if !ok {
		return 0, false
	}
	pte := leaf.get()
	if !pte.valid() {
		return 0, false
	}
	return pte, true
}

// Arena exposes the backing arena for callers (bio/vm copy routines)
// that need direct byte access to a mapped page.
func (pt *PageTable) Arena() *mem.Arena { return pt.arena }

// PageRoundUp/PageRoundDown align addresses to page boundaries.
func PageRoundUp(a int) int   { return util.Roundup(a, PGSIZE) }
func PageRoundDown(a int) int { return util.Rounddown(a, PGSIZE) }
