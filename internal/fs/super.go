// Package fs implements the on-disk inode layer spec.md §4.H describes:
// the superblock, dinode bmap/read/write/truncate, directories, and the
// path resolver, layered on internal/bio for caching and internal/fslog
// for durability. Grounded on the teacher's fs/super.go (the on-disk
// field-accessor style, Loglen/Imaplen/Freeblock and friends) and
// fs/blk.go (BSIZE, the idea that one block is one cached page);
// the teacher's own accessors read through an unsafe-pointer Bytepg_t,
// which we replace with encoding/binary for the same reason vm's PTE
// accessors do — nothing here needs to match a real MMU or disk
// controller's bit layout.
package fs

import (
	"encoding/binary"

	"rv6/internal/bio"
)

// NDIRECT is the number of direct block pointers a dinode carries;
// NINDIRECT is the number of block pointers one indirect block holds.
// Block numbers are packed as 4-byte entries on disk (dinode.go, and
// the indirect block handled in inode.go), so one indirect block holds
// BSIZE/4 of them.
const (
	NDIRECT   = 12
	NINDIRECT = bio.BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT
)

// Superblock mirrors the teacher's Superblock_t: a thin accessor layer
// over the fixed-layout first block of the filesystem.
type Superblock struct {
	Data []byte
}

const (
	sbLogStart = iota
	sbLogLen
	sbInodeStart
	sbInodeLen
	sbBitmapStart
	sbBitmapLen
	sbDataStart
	sbSize
)

func (sb *Superblock) field(i int) uint64 {
	return binary.LittleEndian.Uint64(sb.Data[i*8:])
}

func (sb *Superblock) setField(i int, v uint64) {
	binary.LittleEndian.PutUint64(sb.Data[i*8:], v)
}

func (sb *Superblock) LogStart() uint64    { return sb.field(sbLogStart) }
func (sb *Superblock) LogLen() uint64      { return sb.field(sbLogLen) }
func (sb *Superblock) InodeStart() uint64  { return sb.field(sbInodeStart) }
func (sb *Superblock) InodeLen() uint64    { return sb.field(sbInodeLen) }
func (sb *Superblock) BitmapStart() uint64 { return sb.field(sbBitmapStart) }
func (sb *Superblock) BitmapLen() uint64   { return sb.field(sbBitmapLen) }
func (sb *Superblock) DataStart() uint64   { return sb.field(sbDataStart) }
func (sb *Superblock) Size() uint64        { return sb.field(sbSize) }

func (sb *Superblock) SetLogStart(v uint64)    { sb.setField(sbLogStart, v) }
func (sb *Superblock) SetLogLen(v uint64)      { sb.setField(sbLogLen, v) }
func (sb *Superblock) SetInodeStart(v uint64)  { sb.setField(sbInodeStart, v) }
func (sb *Superblock) SetInodeLen(v uint64)    { sb.setField(sbInodeLen, v) }
func (sb *Superblock) SetBitmapStart(v uint64) { sb.setField(sbBitmapStart, v) }
func (sb *Superblock) SetBitmapLen(v uint64)   { sb.setField(sbBitmapLen, v) }
func (sb *Superblock) SetDataStart(v uint64)   { sb.setField(sbDataStart, v) }
func (sb *Superblock) SetSize(v uint64)        { sb.setField(sbSize, v) }

// IPB is the number of dinodes packed into one block.
const dinodeSize = 64
const IPB = bio.BSIZE / dinodeSize

// inodeBlock returns the block number holding inum, given the
// superblock's inode region start.
func (sb *Superblock) inodeBlock(inum uint32) uint64 {
	return sb.InodeStart() + uint64(inum)/IPB
}

// BPB is the number of bitmap bits packed into one block.
const BPB = bio.BSIZE * 8

func (sb *Superblock) bitmapBlock(blockno uint64) uint64 {
	return sb.BitmapStart() + blockno/BPB
}
