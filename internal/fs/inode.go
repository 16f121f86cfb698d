package fs

import (
	"context"

	"rv6/internal/bio"
	"rv6/internal/defs"
	"rv6/internal/lock"
	"rv6/internal/stat"
	"rv6/internal/util"
)

// Inode is the in-memory inode cache entry spec.md §3 describes.
// Fields other than {fs, Dev, Inum, refcnt} are valid only while mu is
// held and valid is true, per the spec's invariant.
type Inode struct {
	fs   *FS
	Dev  int
	Inum uint32

	mu     *lock.Sleeplock
	refcnt int // guarded by fs.itMu

	valid  bool
	dinode DInode
}

// Dup bumps ip's refcount and returns ip, mirroring the teacher's
// "duplicate by reference, not by copy" file/inode sharing model.
func (ip *Inode) Dup() *Inode {
	ip.fs.itMu.Lock()
	ip.refcnt++
	ip.fs.itMu.Unlock()
	return ip
}

// Lock acquires ip's sleep-lock and, the first time since IGet, loads
// the on-disk dinode. It asserts the inode is not free, per spec.md
// §4.I ("asserts the inode is not free").
func (ip *Inode) Lock(ctx context.Context) context.Context {
	ctx = ip.mu.Acquire(ctx, int(ip.Inum))
	if !ip.valid {
		blkno := ip.fs.SB.inodeBlock(ip.Inum)
		b, err := ip.fs.Cache.Get(ctx, ip.Dev, blkno)
		if err != 0 {
			panic("fs: inode block read failed: " + err.Error())
		}
		slot := dinodeSlot(ip.Inum)
		ip.dinode = decodeDInode(b.Data[slot : slot+dinodeSize])
		ip.fs.Cache.Unpin(b)
		ip.valid = true
		if ip.dinode.Type == defs.T_FREE {
			panic("fs: Lock of free inode")
		}
	}
	return ctx
}

// Unlock releases ip's sleep-lock.
func (ip *Inode) Unlock(ctx context.Context) {
	ip.mu.Release(ctx)
}

// Put drops one reference to ip; if it was the last reference and the
// on-disk link count has dropped to zero, the inode's blocks are
// truncated and the slot is marked free on disk. Must be called inside
// a journal batch, per spec.md §4.I, since it may free disk blocks.
func (ip *Inode) Put(ctx context.Context) {
	ip.fs.itMu.Lock()
	maybeLast := ip.refcnt == 1
	ip.fs.itMu.Unlock()

	if maybeLast {
		ctx = ip.Lock(ctx)
		ip.fs.itMu.Lock()
		freeing := ip.refcnt == 1 && ip.valid && ip.dinode.Nlink == 0
		ip.fs.itMu.Unlock()
		if freeing {
			ip.truncate(ctx)
			ip.dinode.Type = defs.T_FREE
			ip.update(ctx)
			ip.valid = false
		}
		ip.Unlock(ctx)
	}

	ip.fs.itMu.Lock()
	ip.refcnt--
	if ip.refcnt == 0 {
		delete(ip.fs.itable, ikey(ip.Dev, ip.Inum))
	}
	ip.fs.itMu.Unlock()
}

// Type/Nlink/Size/Major/Minor read ip's cached dinode. Callers must
// hold ip's lock (via Lock) before calling these, except Type/Size
// which are also read by path-resolution code immediately after Lock.
func (ip *Inode) Type() defs.IType { return ip.dinode.Type }
func (ip *Inode) Nlink() uint16    { return ip.dinode.Nlink }
func (ip *Inode) Size() uint32     { return ip.dinode.Size }
func (ip *Inode) Major() uint16    { return ip.dinode.Major }
func (ip *Inode) Minor() uint16    { return ip.dinode.Minor }

// SetNlink mutates the cached link count; callers must Update to make
// it durable.
func (ip *Inode) SetNlink(n uint16) { ip.dinode.Nlink = n }

// SetDev stamps ip's major/minor device numbers; used by mknod.
// Callers must Update to make it durable.
func (ip *Inode) SetDev(major, minor uint16) {
	ip.dinode.Major = major
	ip.dinode.Minor = minor
}

// Stat fills st from ip's cached dinode, per spec.md §4.F's fstat
// syscall.
func (ip *Inode) Stat(st *stat.Stat_t) {
	st.Wdev(uint(ip.Dev))
	st.Wino(uint(ip.Inum))
	st.Wmode(uint(ip.dinode.Type)<<16 | uint(ip.dinode.Nlink))
	st.Wsize(uint(ip.dinode.Size))
	st.Wrdev(uint(ip.dinode.Major)<<16 | uint(ip.dinode.Minor))
}

// update writes ip's cached dinode back to disk through the journal.
func (ip *Inode) update(ctx context.Context) defs.Err_t {
	blkno := ip.fs.SB.inodeBlock(ip.Inum)
	b, err := ip.fs.Cache.Get(ctx, ip.Dev, blkno)
	if err != 0 {
		return err
	}
	slot := dinodeSlot(ip.Inum)
	encodeDInode(b.Data[slot:slot+dinodeSize], ip.dinode)
	werr := ip.fs.Log.Write(b)
	ip.fs.Cache.Unpin(b)
	return werr
}

// Update is the exported form of update, used by syscall wrappers that
// mutate a locked inode's dinode fields directly (e.g. link count) and
// must flush them before unlocking.
func (ip *Inode) Update(ctx context.Context) defs.Err_t { return ip.update(ctx) }

// bmap returns the disk block number holding the n-th block of ip's
// data, allocating a direct or indirect slot as needed.
func (ip *Inode) bmap(ctx context.Context, n uint32) (uint32, defs.Err_t) {
	if n < NDIRECT {
		if ip.dinode.Addrs[n] == 0 {
			blk, err := ip.fs.balloc(ctx)
			if err != 0 {
				return 0, err
			}
			ip.dinode.Addrs[n] = blk
		}
		return ip.dinode.Addrs[n], 0
	}
	n -= NDIRECT
	if n >= NINDIRECT {
		return 0, defs.BMapFailed
	}
	if ip.dinode.Addrs[NDIRECT] == 0 {
		blk, err := ip.fs.balloc(ctx)
		if err != 0 {
			return 0, err
		}
		ip.dinode.Addrs[NDIRECT] = blk
	}
	ib, err := ip.fs.Cache.Get(ctx, ip.Dev, uint64(ip.dinode.Addrs[NDIRECT]))
	if err != 0 {
		return 0, err
	}
	defer ip.fs.Cache.Unpin(ib)
	entryOff := int(n) * 4
	addr := decodeU32(ib.Data[entryOff:])
	if addr == 0 {
		blk, err := ip.fs.balloc(ctx)
		if err != 0 {
			return 0, err
		}
		encodeU32(ib.Data[entryOff:], blk)
		if werr := ip.fs.Log.Write(ib); werr != 0 {
			return 0, werr
		}
		addr = blk
	}
	return addr, 0
}

// truncate frees every block ip owns, correcting the source bug
// spec.md §9 calls out: each address named by the indirect block is
// freed individually, then the indirect block itself — never the
// same physical block repeatedly.
func (ip *Inode) truncate(ctx context.Context) {
	for i := 0; i < NDIRECT; i++ {
		if ip.dinode.Addrs[i] != 0 {
			ip.fs.bfree(ctx, ip.dinode.Addrs[i])
			ip.dinode.Addrs[i] = 0
		}
	}
	if ip.dinode.Addrs[NDIRECT] != 0 {
		ib, err := ip.fs.Cache.Get(ctx, ip.Dev, uint64(ip.dinode.Addrs[NDIRECT]))
		if err == 0 {
			for i := 0; i < NINDIRECT; i++ {
				addr := decodeU32(ib.Data[i*4:])
				if addr != 0 {
					ip.fs.bfree(ctx, addr)
				}
			}
			ip.fs.Cache.Unpin(ib)
		}
		ip.fs.bfree(ctx, ip.dinode.Addrs[NDIRECT])
		ip.dinode.Addrs[NDIRECT] = 0
	}
	ip.dinode.Size = 0
	ip.update(ctx)
}

// Truncate is the exported wrapper used by the unlink/open(O_TRUNC)
// syscall paths; ip must already be locked.
func (ip *Inode) Truncate(ctx context.Context) { ip.truncate(ctx) }

// Read copies up to len(dst) bytes starting at off from ip's data into
// dst, clamped to the file's current size. ip must already be locked.
func (ip *Inode) Read(ctx context.Context, dst []byte, off uint32) (int, defs.Err_t) {
	return ip.readLocked(ctx, dst, off)
}

func (ip *Inode) readLocked(ctx context.Context, dst []byte, off uint32) (int, defs.Err_t) {
	if off > ip.dinode.Size {
		return 0, 0
	}
	n := uint32(len(dst))
	if off+n < off { // overflow
		return 0, 0
	}
	if off+n > ip.dinode.Size {
		n = ip.dinode.Size - off
	}
	total := uint32(0)
	for total < n {
		blkIdx := (off + total) / bio.BSIZE
		blkOff := (off + total) % bio.BSIZE
		blkno, err := ip.bmap(ctx, blkIdx)
		if err != 0 {
			return int(total), defs.BMapFailed
		}
		b, err2 := ip.fs.Cache.Get(ctx, ip.Dev, uint64(blkno))
		if err2 != 0 {
			return int(total), err2
		}
		m := util.Min(n-total, bio.BSIZE-blkOff)
		copy(dst[total:total+m], b.Data[blkOff:blkOff+m])
		ip.fs.Cache.Unpin(b)
		total += m
	}
	return int(total), 0
}

// Write copies src into ip's data starting at off, extending Size and
// journaling every dirtied block; ip must already be locked and the
// caller must be inside a journal batch.
func (ip *Inode) Write(ctx context.Context, src []byte, off uint32) (int, defs.Err_t) {
	return ip.writeLocked(ctx, src, off)
}

func (ip *Inode) writeLocked(ctx context.Context, src []byte, off uint32) (int, defs.Err_t) {
	if off > ip.dinode.Size {
		return 0, defs.OffsetTooLarge
	}
	n := uint32(len(src))
	if off+n < off || uint64(off)+uint64(n) > uint64(MAXFILE)*bio.BSIZE {
		return 0, defs.LenTooLarge
	}
	total := uint32(0)
	for total < n {
		blkIdx := (off + total) / bio.BSIZE
		blkOff := (off + total) % bio.BSIZE
		blkno, err := ip.bmap(ctx, blkIdx)
		if err != 0 {
			return int(total), defs.BMapFailed
		}
		b, err2 := ip.fs.Cache.Get(ctx, ip.Dev, uint64(blkno))
		if err2 != 0 {
			return int(total), err2
		}
		m := util.Min(n-total, bio.BSIZE-blkOff)
		copy(b.Data[blkOff:blkOff+m], src[total:total+m])
		werr := ip.fs.Log.Write(b)
		ip.fs.Cache.Unpin(b)
		if werr != 0 {
			return int(total), werr
		}
		total += m
	}
	if off+total > ip.dinode.Size {
		ip.dinode.Size = off + total
	}
	if werr := ip.update(ctx); werr != 0 {
		return int(total), werr
	}
	return int(total), 0
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func encodeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
