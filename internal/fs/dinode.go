package fs

import (
	"encoding/binary"

	"rv6/internal/defs"
)

// DInode is the on-disk inode spec.md §3 describes: 64 bytes, packed
// so IPB (inodes-per-block, super.go) divides BSIZE evenly. Grounded
// on the teacher's super.go field-accessor style, applied here to a
// fixed-size record instead of the single superblock.
type DInode struct {
	Type  defs.IType
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

// dinodeBytes is the on-disk width of one DInode; it must divide BSIZE
// so IPB (super.go) is exact.
const dinodeBytes = 2 + 2 + 2 + 2 + 4 + (NDIRECT+1)*4

func init() {
	if dinodeBytes != dinodeSize {
		panic("fs: DInode encoding does not match dinodeSize")
	}
}

// decodeDInode reads one packed DInode starting at b[0:dinodeSize].
func decodeDInode(b []byte) DInode {
	var d DInode
	d.Type = defs.IType(binary.LittleEndian.Uint16(b[0:]))
	d.Major = binary.LittleEndian.Uint16(b[2:])
	d.Minor = binary.LittleEndian.Uint16(b[4:])
	d.Nlink = binary.LittleEndian.Uint16(b[6:])
	d.Size = binary.LittleEndian.Uint32(b[8:])
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(b[12+4*i:])
	}
	return d
}

// encodeDInode packs d into b[0:dinodeSize].
func encodeDInode(b []byte, d DInode) {
	binary.LittleEndian.PutUint16(b[0:], uint16(d.Type))
	binary.LittleEndian.PutUint16(b[2:], d.Major)
	binary.LittleEndian.PutUint16(b[4:], d.Minor)
	binary.LittleEndian.PutUint16(b[6:], d.Nlink)
	binary.LittleEndian.PutUint32(b[8:], d.Size)
	for i, a := range d.Addrs {
		binary.LittleEndian.PutUint32(b[12+4*i:], a)
	}
}

// dinodeSlot returns the byte offset of inum's DInode within its block.
func dinodeSlot(inum uint32) int {
	return int(inum%IPB) * dinodeSize
}
