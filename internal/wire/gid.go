package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// GIDs identify downloadable assets. The display form splits the 32-bit
// value into byte 3, byte 2 and the low word: "b3-b2-word" when the top
// byte is nonzero, "b2-word" otherwise. 0x01000535 is "1-0-1333",
// 0x0028B978 is "40-47480".

// FormatGID renders a GID in display form.
func FormatGID(gid uint32) string {
	b3 := byte(gid >> 24)
	b2 := byte(gid >> 16)
	word := uint16(gid)
	if b3 != 0 {
		return fmt.Sprintf("%d-%d-%d", b3, b2, word)
	}
	return fmt.Sprintf("%d-%d", b2, word)
}

// ParseGID parses the 2-part or 3-part display form back into a GID.
func ParseGID(s string) (uint32, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("wire: gid %q: want 2 or 3 parts", s)
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("wire: gid %q: %w", s, err)
		}
		vals[i] = v
	}
	// All leading parts are single bytes; only the final word is 16 bits.
	for i := 0; i < len(vals)-1; i++ {
		if vals[i] > 0xFF {
			return 0, fmt.Errorf("wire: gid %q: part %d out of byte range", s, i)
		}
	}
	if len(parts) == 3 {
		return uint32(vals[0])<<24 | uint32(vals[1])<<16 | uint32(vals[2]), nil
	}
	return uint32(vals[0])<<16 | uint32(vals[1]), nil
}

// GIDAt reads a big-endian GID from body at off, false if out of range.
func GIDAt(body []byte, off int) (uint32, bool) {
	if off < 0 || off+4 > len(body) {
		return 0, false
	}
	return binary.BigEndian.Uint32(body[off : off+4]), true
}
