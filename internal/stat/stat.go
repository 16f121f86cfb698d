// Package stat defines the fstat(2) result structure, grounded on the
// teacher's stat package.
package stat

// Stat_t mirrors the information fstat returns to user space.
type Stat_t struct {
	Dev    uint
	Ino    uint
	Mode   uint // inode type in bits 16 and up, nlink in the low 16 bits
	Size   uint
	Rdev   uint
}

// Wdev records the device ID.
func (st *Stat_t) Wdev(v uint) { st.Dev = v }

// Wino records the inode number.
func (st *Stat_t) Wino(v uint) { st.Ino = v }

// Wmode records the file mode.
func (st *Stat_t) Wmode(v uint) { st.Mode = v }

// Wsize records the file size.
func (st *Stat_t) Wsize(v uint) { st.Size = v }

// Wrdev records the device number for device files.
func (st *Stat_t) Wrdev(v uint) { st.Rdev = v }
