// path.go implements the path resolver spec.md §4.J describes:
// element-at-a-time lookup starting from either the root or a
// caller-supplied working directory, with a "return the parent"
// shortcut for link/unlink/mkdir. Grounded on the teacher's
// bpath-style canonicalization (fd.Cwd_t.Canonicalpath) and
// ustr/ustr.go's Ustr path type.
package fs

import (
	"context"

	"rv6/internal/defs"
	"rv6/internal/ustr"
)

// SkipElem trims leading slashes from path and returns its first
// element plus the remainder, or ok=false if path is empty once
// trimmed (spec.md's "End" case).
func SkipElem(path ustr.Ustr) (elem ustr.Ustr, rest ustr.Ustr, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return nil, nil, false
	}
	start := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	n := i - start
	if n > ustr.DIR_SIZE-1 {
		n = ustr.DIR_SIZE - 1
	}
	elem = path[start : start+n]
	for i < len(path) && path[i] == '/' {
		i++
	}
	return elem, path[i:], true
}

// lookup walks path element by element, starting at root if path is
// absolute or at cwd otherwise. When wantParent is true, it stops one
// element early and returns the parent directory (unlocked, referenced)
// plus the final element's name instead of resolving it. Must be
// called inside a journal batch, per spec.md §4.J.
func (fs *FS) lookup(ctx context.Context, cwd *Inode, path ustr.Ustr, wantParent bool) (ip *Inode, name ustr.Ustr, err defs.Err_t) {
	if path.IsAbsolute() {
		ip, err = fs.Root()
	} else {
		ip = cwd.Dup()
	}
	if err != 0 {
		return nil, nil, err
	}

	rest := path
	var elem ustr.Ustr
	var ok bool
	elem, rest, ok = SkipElem(rest)
	if !ok {
		if wantParent {
			ip.Put(ctx)
			return nil, nil, defs.ENOENT
		}
		return ip, nil, 0
	}

	for {
		ctx = ip.Lock(ctx)
		if ip.Type() != defs.T_DIR {
			ip.Unlock(ctx)
			ip.Put(ctx)
			return nil, nil, defs.ENOTDIR
		}

		nextElem, nextRest, hasNext := SkipElem(rest)
		if wantParent && !hasNext {
			ip.Unlock(ctx)
			return ip, elem, 0
		}

		child, _, lerr := ip.DirLookup(ctx, elem)
		ip.Unlock(ctx)
		if lerr != 0 {
			ip.Put(ctx)
			return nil, nil, lerr
		}
		ip.Put(ctx)
		ip = child

		if !hasNext {
			return ip, elem, 0
		}
		elem, rest = nextElem, nextRest
	}
}

// ToInode resolves path to its target inode (referenced, unlocked).
func (fs *FS) ToInode(ctx context.Context, cwd *Inode, path ustr.Ustr) (*Inode, defs.Err_t) {
	ip, _, err := fs.lookup(ctx, cwd, path, false)
	return ip, err
}

// ToParentInode resolves path's parent directory (referenced,
// unlocked), returning the final path element's name via outName.
func (fs *FS) ToParentInode(ctx context.Context, cwd *Inode, path ustr.Ustr) (parent *Inode, outName ustr.Ustr, err defs.Err_t) {
	return fs.lookup(ctx, cwd, path, true)
}
