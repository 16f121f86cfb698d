package vm

import (
	"rv6/internal/defs"
)

// pageFor resolves va to the backing byte slice for its page, plus the
// offset within that page, applying the permission checks the caller
// (CopyOut/CopyIn) needs.
func (pt *PageTable) pageFor(va uintptr, needWritable bool) ([]byte, int, defs.Err_t) {
	if va >= MAXVA {
		return nil, 0, defs.VaOutOfRange
	}
	pte, ok := pt.Lookup(PageRoundDownAddr(va))
	if !ok {
		return nil, 0, defs.PteNotPresent
	}
	if pte&PTE_U == 0 {
		return nil, 0, defs.PteNotUser
	}
	if needWritable && pte&PTE_W == 0 {
		return nil, 0, defs.PteNotWritable
	}
	off := int(va) & PGOFFSET
	return pt.arena.Bytes(pte.pa()), off, 0
}

// PageRoundDownAddr is PageRoundDown over a uintptr-typed address.
func PageRoundDownAddr(va uintptr) uintptr {
	return va &^ (PGSIZE - 1)
}

// CopyOut copies len(src) bytes from the kernel into the user address
// space starting at dstVA, walking the destination page by page.
func CopyOut(pt *PageTable, dstVA uintptr, src []byte) defs.Err_t {
	for len(src) > 0 {
		page, off, err := pt.pageFor(dstVA, true)
		if err != 0 {
			return err
		}
		n := copy(page[off:], src)
		src = src[n:]
		dstVA += uintptr(n)
	}
	return 0
}

// CopyIn copies len(dst) bytes from the user address space starting at
// srcVA into dst. Unlike CopyOut, the writable bit is not checked —
// reading a read-only user page is legal.
func CopyIn(pt *PageTable, dst []byte, srcVA uintptr) defs.Err_t {
	for len(dst) > 0 {
		page, off, err := pt.pageFor(srcVA, false)
		if err != 0 {
			return err
		}
		n := copy(dst, page[off:])
		dst = dst[n:]
		srcVA += uintptr(n)
	}
	return 0
}

// CopyInStr copies a NUL-terminated string from the user address space
// starting at srcVA into dst, stopping at the first NUL. It fails with
// NotNullTerminated if dst is exhausted first.
func CopyInStr(pt *PageTable, dst []byte, srcVA uintptr) (int, defs.Err_t) {
	total := 0
	for total < len(dst) {
		page, off, err := pt.pageFor(srcVA, false)
		if err != 0 {
			return 0, err
		}
		chunk := page[off:]
		for _, c := range chunk {
			if total >= len(dst) {
				return 0, defs.NotNullTerminated
			}
			dst[total] = c
			total++
			srcVA++
			if c == 0 {
				return total, 0
			}
		}
	}
	return 0, defs.NotNullTerminated
}
