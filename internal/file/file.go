// Package file implements the file abstraction spec.md §4.K describes:
// a fixed-size global table of reference-counted File structs unioning
// pipe, inode, and device backing, dispatched on Type at Read/Write/
// Close time. Grounded on the teacher's fd/fd.go (Fd_t{Fops,Perms},
// Copyfd/Close_panic's dup-by-reopen and refcounted-close shape),
// generalized from fd's single Fops interface to the spec's explicit
// pipe/inode/device union, and on defs/device.go's major-number
// constants for the device-switch table.
package file

import (
	"context"
	"sync"

	"rv6/internal/bio"
	"rv6/internal/defs"
	"rv6/internal/fs"
	"rv6/internal/limits"
	"rv6/internal/pipe"
	"rv6/internal/proc"
	"rv6/internal/stat"
)

// Type identifies what backs an open File.
type Type int

const (
	TypeNone Type = iota
	TypePipe
	TypeInode
	TypeDevice
)

// Devsw is one entry in the device-switch table spec.md §4.K requires:
// major-number-indexed read/write operations for non-inode-backed
// device files (the console, /dev/null, ...).
type Devsw interface {
	Read(ctx context.Context, dst []byte) (int, defs.Err_t)
	Write(ctx context.Context, src []byte) (int, defs.Err_t)
}

// DevTable is the fixed device-switch table, indexed by major number.
type DevTable struct {
	mu    sync.Mutex
	table map[uint16]Devsw
}

// NewDevTable constructs an empty device-switch table.
func NewDevTable() *DevTable { return &DevTable{table: make(map[uint16]Devsw)} }

// Register installs dsw as the handler for major.
func (dt *DevTable) Register(major uint16, dsw Devsw) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.table[major] = dsw
}

func (dt *DevTable) lookup(major uint16) (Devsw, defs.Err_t) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	d, ok := dt.table[major]
	if !ok {
		return nil, defs.ENXIO
	}
	return d, 0
}

// File is one open-file-table entry: a union of pipe, inode, and
// device, reference counted and duplicated across fork, per spec.md
// §3/§4.K.
type File struct {
	mu       sync.Mutex
	typ      Type
	refcnt   int
	readable bool
	writable bool

	pipe       *pipe.Pipe
	isWriteEnd bool

	fsys *fs.FS
	ip   *fs.Inode
	off  uint32

	devtab *DevTable
	major  uint16
}

// Table is the fixed-capacity global open-file table.
type Table struct {
	mu    sync.Mutex
	slots [limits.NFILE]*File
}

// NewTable constructs an empty global file table.
func NewTable() *Table { return &Table{} }

func (t *Table) alloc(f *File) (*File, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return f, 0
		}
	}
	return nil, defs.EMFILE
}

func (t *Table) free(f *File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == f {
			t.slots[i] = nil
			return
		}
	}
}

// NewPipe allocates a fresh pipe and wraps its two ends as Files,
// registered in t.
func (t *Table) NewPipe(p *pipe.Pipe) (rd *File, wr *File, err defs.Err_t) {
	rd = &File{typ: TypePipe, refcnt: 1, readable: true, pipe: p}
	if _, e := t.alloc(rd); e != 0 {
		return nil, nil, e
	}
	wr = &File{typ: TypePipe, refcnt: 1, writable: true, pipe: p, isWriteEnd: true}
	if _, e := t.alloc(wr); e != 0 {
		t.free(rd)
		return nil, nil, e
	}
	return rd, wr, 0
}

// NewInode wraps ip as a readable/writable File backed by an inode or,
// when major != 0, by the device-switch table entry for major.
func (t *Table) NewInode(ip *fs.Inode, fsys *fs.FS, readable, writable bool, devtab *DevTable, major uint16) (*File, defs.Err_t) {
	typ := TypeInode
	if major != 0 {
		typ = TypeDevice
	}
	f := &File{typ: typ, refcnt: 1, readable: readable, writable: writable, ip: ip, fsys: fsys, devtab: devtab, major: major}
	return t.alloc(f)
}

// Dup implements proc.OpenFile: bump the refcount and return f, shared
// (not copied) across fork, matching spec.md §3 ("duplicated
// reference-counted").
func (f *File) Dup() proc.OpenFile {
	f.mu.Lock()
	f.refcnt++
	f.mu.Unlock()
	return f
}

// Close implements proc.OpenFile, using a fresh background context
// since the interface carries none; CloseCtx is the form callers with
// a live context (ordinary close(2) handling) should prefer, so the
// journal batch closing an inode rides the caller's hart/process
// binding instead of a detached one.
func (f *File) Close() defs.Err_t {
	return f.CloseCtx(context.Background())
}

// CloseCtx decrements f's refcount and, when it reaches zero, releases
// the backing resource. Inode release happens inside a journal batch
// since it may free disk blocks.
func (f *File) CloseCtx(ctx context.Context) defs.Err_t {
	f.mu.Lock()
	f.refcnt--
	last := f.refcnt == 0
	f.mu.Unlock()
	if !last {
		return 0
	}
	switch f.typ {
	case TypePipe:
		f.pipe.Close(ctx, f.isWriteEnd)
	case TypeInode, TypeDevice:
		f.fsys.Log.BeginOp(ctx)
		f.ip.Put(ctx)
		f.fsys.Log.EndOp(ctx)
	}
	return 0
}

// Read reads into dst, dispatching on f's backing type. caller is the
// calling process (for pipe cancellation checks); may be nil in tests
// that bypass proc entirely.
func (f *File) Read(ctx context.Context, caller pipe.Proc, dst []byte) (int, defs.Err_t) {
	if !f.readable {
		return 0, defs.EPERM
	}
	switch f.typ {
	case TypePipe:
		return f.pipe.Read(ctx, caller, dst)
	case TypeDevice:
		dsw, err := f.devtab.lookup(f.major)
		if err != 0 {
			return 0, err
		}
		return dsw.Read(ctx, dst)
	case TypeInode:
		ctx = f.ip.Lock(ctx)
		n, err := f.ip.Read(ctx, dst, f.off)
		if err == 0 {
			f.off += uint32(n)
		}
		f.ip.Unlock(ctx)
		return n, err
	default:
		panic("file: Read on FD_NONE")
	}
}

// writeChunkBytes bounds how many bytes one journal batch may safely
// dirty: spec.md §4.K's "(MAX_OP_BLOCKS-4)/2 blocks per chunk".
func writeChunkBytes() int {
	blocks := (limits.MAXOPBLOCKS - 4) / 2
	if blocks <= 0 {
		blocks = 1
	}
	return blocks * bio.BSIZE
}

// Write writes src, dispatching on f's backing type. Inode writes are
// chunked into separate journal batches per spec.md §4.K so no single
// transaction exceeds the log's capacity.
func (f *File) Write(ctx context.Context, caller pipe.Proc, src []byte) (int, defs.Err_t) {
	if !f.writable {
		return 0, defs.EPERM
	}
	switch f.typ {
	case TypePipe:
		return f.pipe.Write(ctx, caller, src)
	case TypeDevice:
		dsw, err := f.devtab.lookup(f.major)
		if err != 0 {
			return 0, err
		}
		return dsw.Write(ctx, src)
	case TypeInode:
		chunk := writeChunkBytes()
		total := 0
		for total < len(src) {
			end := total + chunk
			if end > len(src) {
				end = len(src)
			}
			f.fsys.Log.BeginOp(ctx)
			ctx = f.ip.Lock(ctx)
			n, err := f.ip.Write(ctx, src[total:end], f.off)
			if n > 0 {
				f.off += uint32(n)
			}
			f.ip.Unlock(ctx)
			f.fsys.Log.EndOp(ctx)
			total += n
			if err != 0 {
				return total, err
			}
		}
		return total, 0
	default:
		panic("file: Write on FD_NONE")
	}
}

// Stat fills st from the backing inode; it fails with EINVAL for pipes
// (which have none).
func (f *File) Stat(st *stat.Stat_t) defs.Err_t {
	if f.typ != TypeInode && f.typ != TypeDevice {
		return defs.EINVAL
	}
	ctx := context.Background()
	ctx = f.ip.Lock(ctx)
	f.ip.Stat(st)
	f.ip.Unlock(ctx)
	return 0
}

// Inode exposes f's backing inode (nil for pipes), used by chdir and
// exec which need the resolved inode directly rather than through
// File's Read/Write surface.
func (f *File) Inode() *fs.Inode { return f.ip }
