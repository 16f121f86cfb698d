// format.go exposes just enough of the on-disk wire format for
// internal/diskimage to hand-build a bootstrap image: the root inode
// and its "." / ".." directory entries. Grounded on classic xv6
// mkfs.c, which writes the root inode and its two bootstrap entries
// directly rather than going through any mounted filesystem, since
// nothing can be "mounted" before a root inode exists. The teacher's
// own mkfs/mkfs.go instead boots its ufs package against a
// freshly-laid-out image (ufs.BootFS) and calls ordinary fs.MkDir/
// fs.MkFile afterward — a path this port can't take for the very
// first directory, since fs.FS.Root() already assumes a root inode is
// present on disk before Open returns.
package fs

import (
	"rv6/internal/bio"
	"rv6/internal/defs"
	"rv6/internal/ustr"
)

// RootDirSize is the byte size FormatRootDirBlock's two bootstrap
// entries occupy; the hand-built root dinode's Size field must match.
const RootDirSize = 2 * direntSize

// FormatRootInodeBlock returns one BSIZE-byte inode block containing
// only inum RootInum, stamped as a directory with the given data
// block number recorded as its sole direct address and nlink=2 (self
// plus the ".." of any child created under it later).
func FormatRootInodeBlock(rootDataBlock uint32) []byte {
	b := make([]byte, bio.BSIZE)
	d := DInode{Type: defs.T_DIR, Nlink: 2, Size: RootDirSize}
	d.Addrs[0] = rootDataBlock
	encodeDInode(b[dinodeSlot(RootInum):dinodeSlot(RootInum)+dinodeSize], d)
	return b
}

// FormatRootDirBlock returns one BSIZE-byte data block holding the
// root directory's bootstrap entries: "." and ".." both naming
// RootInum, since the root is its own parent.
func FormatRootDirBlock() []byte {
	b := make([]byte, bio.BSIZE)
	encodeDirent(b[0:direntSize], uint16(RootInum), ustr.MkUstrDot())
	encodeDirent(b[direntSize:2*direntSize], uint16(RootInum), ustr.DotDot)
	return b
}
