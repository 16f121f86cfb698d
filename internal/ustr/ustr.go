// Package ustr implements the path/name string type used throughout the
// path resolver and directory layer, grounded on the teacher's ustr
// package (an immutable byte-slice path type).
package ustr

// Ustr is an immutable path or file-name string.
type Ustr []byte

// DIR_SIZE is the maximum length of one path element, including the
// terminating NUL stored on disk (spec.md "13 bytes, 14th terminator").
const DIR_SIZE = 14

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrRoot returns the Ustr for the root directory, "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// MkUstrDot returns the Ustr for the current-directory entry, ".".
func MkUstrDot() Ustr { return Ustr(".") }

// DotDot is a reusable Ustr for "..".
var DotDot = Ustr("..")

// Eq reports whether us and s contain identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, c := range us {
		if c != s[i] {
			return false
		}
	}
	return true
}

// Isdot reports whether us is ".".
func (us Ustr) Isdot() bool { return len(us) == 1 && us[0] == '.' }

// Isdotdot reports whether us is "..".
func (us Ustr) Isdotdot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

// IsAbsolute reports whether us begins with '/'.
func (us Ustr) IsAbsolute() bool { return len(us) > 0 && us[0] == '/' }

// String renders us for diagnostics.
func (us Ustr) String() string { return string(us) }

// MkUstrSlice truncates buf at the first NUL byte, the on-disk directory
// entry representation.
func MkUstrSlice(buf []byte) Ustr {
	for i, c := range buf {
		if c == 0 {
			return Ustr(buf[:i])
		}
	}
	return Ustr(buf)
}

// Bytes14 packs us into a zero-padded DIR_SIZE-byte directory-entry name
// field, truncating (never silently, callers must have already validated
// length) at DIR_SIZE-1 bytes.
func (us Ustr) Bytes14() [DIR_SIZE]byte {
	var b [DIR_SIZE]byte
	n := len(us)
	if n > DIR_SIZE-1 {
		n = DIR_SIZE - 1
	}
	copy(b[:], us[:n])
	return b
}
