package fs

import (
	"context"
	"encoding/binary"

	"rv6/internal/defs"
	"rv6/internal/ustr"
)

// direntSize is the on-disk width of one directory entry: a 16-bit
// inode number plus the DIR_SIZE-byte zero-padded name, per spec.md §6.
const direntSize = 2 + ustr.DIR_SIZE

func decodeDirent(b []byte) (inum uint16, name ustr.Ustr) {
	inum = binary.LittleEndian.Uint16(b[0:2])
	return inum, ustr.MkUstrSlice(b[2 : 2+ustr.DIR_SIZE])
}

func encodeDirent(b []byte, inum uint16, name ustr.Ustr) {
	binary.LittleEndian.PutUint16(b[0:2], inum)
	nb := name.Bytes14()
	copy(b[2:2+ustr.DIR_SIZE], nb[:])
}

// DirLookup scans dir's entries for name, returning a referenced
// (unlocked) inode for the match. dir must already be locked by the
// caller.
func (ip *Inode) DirLookup(ctx context.Context, name ustr.Ustr) (*Inode, uint32, defs.Err_t) {
	if ip.dinode.Type != defs.T_DIR {
		panic("fs: DirLookup on non-directory")
	}
	buf := make([]byte, direntSize)
	for off := uint32(0); off < ip.dinode.Size; off += direntSize {
		n, err := ip.readLocked(ctx, buf, off)
		if err != 0 {
			return nil, 0, err
		}
		if n != direntSize {
			break
		}
		inum, ename := decodeDirent(buf)
		if inum == 0 {
			continue
		}
		if ename.Eq(name) {
			child, gerr := ip.fs.IGet(ip.Dev, uint32(inum))
			if gerr != 0 {
				return nil, 0, gerr
			}
			return child, off, 0
		}
	}
	return nil, 0, defs.ENOENT
}

// DirLink writes a new (name, inum) entry into dir, reusing the first
// free (inum==0) slot or extending the directory. dir must already be
// locked; the caller must be inside a journal batch (writes go through
// ip.writeLocked, which journals each dirtied block).
func (ip *Inode) DirLink(ctx context.Context, name ustr.Ustr, inum uint32) defs.Err_t {
	if existing, _, err := ip.DirLookup(ctx, name); err == 0 {
		existing.Put(ctx)
		return defs.DirNamePresent
	}
	buf := make([]byte, direntSize)
	var off uint32
	for off = 0; off < ip.dinode.Size; off += direntSize {
		n, err := ip.readLocked(ctx, buf, off)
		if err != 0 {
			return err
		}
		if n != direntSize {
			break
		}
		if existingInum, _ := decodeDirent(buf); existingInum == 0 {
			break
		}
	}
	encodeDirent(buf, uint16(inum), name)
	n, err := ip.writeLocked(ctx, buf, off)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return defs.ENOSPC
	}
	return 0
}

// ClearDirent zeroes the entry at off, freeing the slot for reuse.
// Callers that already know off from their own DirLookup (Unlink) use
// this instead of DirLink(name, 0): DirLink's own DirLookup would just
// re-find the entry being cleared and bail out with DirNamePresent.
func (ip *Inode) ClearDirent(ctx context.Context, off uint32) defs.Err_t {
	buf := make([]byte, direntSize)
	encodeDirent(buf, 0, ustr.MkUstr())
	n, err := ip.writeLocked(ctx, buf, off)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return defs.ENOSPC
	}
	return 0
}

// IsDirEmpty reports whether dir contains only "." and "..".
func (ip *Inode) IsDirEmpty(ctx context.Context) bool {
	buf := make([]byte, direntSize)
	for off := uint32(2 * direntSize); off < ip.dinode.Size; off += direntSize {
		n, err := ip.readLocked(ctx, buf, off)
		if err != 0 || n != direntSize {
			return err == 0
		}
		if inum, _ := decodeDirent(buf); inum != 0 {
			return false
		}
	}
	return true
}
