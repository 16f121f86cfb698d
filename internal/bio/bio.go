// Package bio implements the block buffer cache spec.md §4.F describes:
// a fixed-capacity cache of disk blocks, keyed by (dev, block number),
// evicted least-recently-used, with a serialized fetch-from-disk path
// so two readers of the same not-yet-cached block don't issue two
// reads. Grounded on the teacher's fs/blk.go (Bdev_block_t/BlkList_t,
// itself built on container/list) and on its hashtable package for the
// (dev,block)->*Buf index; BSIZE is chosen to equal mem.PGSIZE so one
// cached block is exactly one arena page, the same simplification the
// teacher's Bdev_block_t makes (one block, one physical page).
package bio

import (
	"container/list"
	"context"
	"sync"

	"rv6/internal/defs"
	"rv6/internal/hashtable"
	"rv6/internal/limits"
	"rv6/internal/lock"
	"rv6/internal/mem"
)

// BSIZE is the size of one disk block in bytes.
const BSIZE = mem.PGSIZE

// Cmd identifies the kind of request a Disk is asked to service.
type Cmd int

const (
	CmdRead Cmd = iota
	CmdWrite
)

// Req is one request handed to a Disk implementation (the virtio
// driver, or a fake in tests): the command, the target block, the
// buffer to fill or drain, and an acknowledgement channel the disk
// closes over to signal completion, mirroring the teacher's
// Bdev_req_t/AckCh pattern.
type Req struct {
	Cmd     Cmd
	Block   uint64
	Data    []byte
	AckCh   chan struct{}
}

// Disk is the narrow interface bio needs from a block device: accept a
// request and eventually signal it on Req.AckCh. Implemented by
// internal/virtio in the full driver and by a fake in tests.
type Disk interface {
	Start(ctx context.Context, r *Req) defs.Err_t
}

// Buf is one cached disk block. Lock serializes concurrent readers and
// writers of the same block's contents — acquired while the block is
// being fetched from or flushed to disk, and while a filesystem
// operation is examining or mutating Data.
type Buf struct {
	Dev     int
	Block   uint64
	Data    []byte
	Lock    *lock.Sleeplock
	valid   bool
	dirty   bool
	refcnt  int
	pa      mem.PhysAddr
	elem    *list.Element
}

// Cache is the fixed-capacity LRU buffer cache. One Cache exists per
// kernel instance, shared by every filesystem and journal operation.
type Cache struct {
	mu    sync.Mutex
	arena *mem.Arena
	disk  Disk
	index *hashtable.Hashtable
	lru   *list.List // front = most-recently-used
	cap   int
	waiter lock.Waiter
}

// NewCache constructs an empty cache of at most capacity blocks, backed
// by arena for block storage and disk for fetch/flush.
func NewCache(arena *mem.Arena, disk Disk, waiter lock.Waiter, capacity int) *Cache {
	if capacity <= 0 {
		capacity = limits.NBUF
	}
	return &Cache{
		arena:  arena,
		disk:   disk,
		index:  hashtable.New(capacity),
		lru:    list.New(),
		cap:    capacity,
		waiter: waiter,
	}
}

func bkey(dev int, block uint64) int {
	return int(block)<<8 | (dev & 0xff)
}

// Get returns the cached Buf for (dev, block), reading it from disk on
// first access, and bumps its pin count so it won't be evicted until
// Unpin. The returned Buf's Lock must be held (Get does not hold it)
// before a caller inspects or mutates Data.
func (c *Cache) Get(ctx context.Context, dev int, block uint64) (*Buf, defs.Err_t) {
	key := bkey(dev, block)

	c.mu.Lock()
	if v, ok := c.index.Get(key); ok {
		b := v.(*Buf)
		b.refcnt++
		c.lru.MoveToFront(b.elem)
		c.mu.Unlock()
		return c.fill(ctx, b)
	}

	b, err := c.evictLocked()
	if err != 0 {
		c.mu.Unlock()
		return nil, err
	}
	b.Dev = dev
	b.Block = block
	b.valid = false
	b.dirty = false
	b.refcnt = 1
	c.index.Set(key, b)
	b.elem = c.lru.PushFront(b)
	c.mu.Unlock()

	return c.fill(ctx, b)
}

// fill reads a not-yet-valid buffer from disk, serialized by the
// buffer's own sleep-lock so two concurrent Gets of a cold block block
// on each other rather than issuing duplicate reads.
func (c *Cache) fill(ctx context.Context, b *Buf) (*Buf, defs.Err_t) {
	pid := 0
	ctx = b.Lock.Acquire(ctx, pid)
	if !b.valid {
		req := &Req{Cmd: CmdRead, Block: b.Block, Data: b.Data, AckCh: make(chan struct{})}
		if err := c.disk.Start(ctx, req); err != 0 {
			b.Lock.Release(ctx)
			return nil, err
		}
		<-req.AckCh
		b.valid = true
	}
	b.Lock.Release(ctx)
	return b, 0
}

// evictLocked finds room for a new block, allocating a fresh page if
// the cache has not reached capacity or reclaiming the least-recently
// used unpinned block otherwise. Caller holds c.mu.
func (c *Cache) evictLocked() (*Buf, defs.Err_t) {
	if c.lru.Len() < c.cap {
		pa, err := c.arena.Alloc()
		if err != 0 {
			return nil, err
		}
		return &Buf{Data: c.arena.Bytes(pa), pa: pa, Lock: lock.NewSleeplock(c.waiter, lock.Chan(pa))}, 0
	}
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buf)
		if b.refcnt == 0 {
			c.lru.Remove(e)
			c.index.Del(bkey(b.Dev, b.Block))
			return b, 0
		}
	}
	return nil, defs.ENOMEM
}

// Unpin releases one pin on b, making it eligible for eviction once no
// other caller holds it.
func (c *Cache) Unpin(b *Buf) {
	c.mu.Lock()
	b.refcnt--
	c.mu.Unlock()
}

// Pin takes an extra reference on b, keeping it out of evictLocked's
// reclaim pool until a matching Unpin. Spec.md §4.G: "pin/unpin change
// only the refcount; used by the journal to keep dirty blocks cached
// until committed" — internal/fslog calls this on a block's first
// appearance in a transaction so a later eviction can't reclaim a
// logged-but-not-yet-committed buffer out from under the log.
func (c *Cache) Pin(b *Buf) {
	c.mu.Lock()
	b.refcnt++
	c.mu.Unlock()
}

// WriteBack flushes b's contents to disk synchronously. Callers doing
// their own write-ahead logging (internal/fslog) write the log's copy
// of a block directly; this is used for the final checkpoint write and
// for blocks that bypass the journal.
func (c *Cache) WriteBack(ctx context.Context, b *Buf) defs.Err_t {
	req := &Req{Cmd: CmdWrite, Block: b.Block, Data: b.Data, AckCh: make(chan struct{})}
	if err := c.disk.Start(ctx, req); err != 0 {
		return err
	}
	<-req.AckCh
	b.dirty = false
	return 0
}

// MarkDirty records that b's in-memory contents have diverged from
// what's on disk, without writing it back yet.
func (b *Buf) MarkDirty() { b.dirty = true }
