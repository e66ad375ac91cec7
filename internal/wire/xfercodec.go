package wire

import "errors"

// XFER payloads (F7/F9 downloads, xd/xb uploads) use an escape-only
// encoding, no RLE. The reserved set collides with frame framing bytes:
// 0x5B/0x5D bracket atoms, 0x0D terminates frames, 0x8D is 0x0D with the
// high bit set as some Mac clients emit it.

const escapeByte = 0x5D

var ErrDanglingEscape = errors.New("wire: dangling escape at end of transfer data")

func needsEscape(b byte) bool {
	return b == 0x5B || b == 0x5D || b == 0x0D || b == 0x8D
}

// EscapeEncode escapes reserved bytes as 0x5D followed by the byte XOR 0x55.
// Empty input yields empty output.
func EscapeEncode(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if needsEscape(b) {
			out = append(out, escapeByte, b^0x55)
			continue
		}
		out = append(out, b)
	}
	return out
}

// EscapeDecode reverses EscapeEncode. A trailing lone escape byte is an
// error; everything else passes through.
func EscapeDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != escapeByte {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(data) {
			return nil, ErrDanglingEscape
		}
		out = append(out, data[i]^0x55)
	}
	return out, nil
}
