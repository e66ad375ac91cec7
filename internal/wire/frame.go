package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// P3 frame layout:
//
//	[0x5A][crc:2 BE][len:2 BE][tx:1][rx:1][type:1][token:2][body...][0x0D]
//
// len counts the bytes after the length field up to but excluding the
// terminator: tx + rx + type + token + body. Short control frames (len=3)
// carry no token and no body. DATA frames (type 0x20) carry a 16-bit
// big-endian stream id in the first two body bytes.
const (
	FrameMagic      = 0x5A
	FrameTerminator = 0x0D

	TypeData = 0x20
	TypeAck  = 0x24
	TypeInit = 0xA3

	// DefaultStreamID substitutes a zero or 0xFFFF stream id on DOD requests.
	DefaultStreamID = 0x2100

	// MaxFrameLen bounds the len field on ingress. The largest legitimate
	// frames are XFER data frames: 950 payload bytes, escape expansion at
	// most doubles them.
	MaxFrameLen = 2048

	shortFrameLen = 3 // tx + rx + type
	prefixLen     = 5 // magic + crc + len
)

var (
	ErrBadMagic      = errors.New("wire: bad frame magic")
	ErrBadTerminator = errors.New("wire: missing frame terminator")
	ErrFrameTooLong  = errors.New("wire: frame length out of range")
	ErrShortFrame    = errors.New("wire: frame too short")
)

// Token is the 2-byte ASCII message kind at bytes 8-9 of a DATA frame.
type Token [2]byte

// Tok builds a Token from a 2-character string.
func Tok(s string) Token {
	var t Token
	if len(s) >= 2 {
		t[0], t[1] = s[0], s[1]
	}
	return t
}

func (t Token) String() string { return string(t[:]) }

// Frame is a parsed P3 frame. Body holds everything between the token and
// the terminator; for DATA frames Body[0:2] is the stream id. TX/RX/CRC are
// stamped by the pacer at send time, so Marshal writes zeros for them.
type Frame struct {
	TX    byte
	RX    byte
	Type  byte
	Token Token
	Body  []byte
}

// Data builds a DATA frame for the given token and body.
func Data(token string, body []byte) *Frame {
	return &Frame{Type: TypeData, Token: Tok(token), Body: body}
}

// DataStream builds a DATA frame whose body starts with the stream id.
func DataStream(token string, streamID uint16, payload []byte) *Frame {
	body := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(body, streamID)
	copy(body[2:], payload)
	return Data(token, body)
}

// StreamID returns the 16-bit stream id of a DATA frame, zero if the body
// is too short to carry one.
func (f *Frame) StreamID() uint16 {
	if len(f.Body) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(f.Body)
}

// Payload returns the body bytes after the stream id slot.
func (f *Frame) Payload() []byte {
	if len(f.Body) < 2 {
		return nil
	}
	return f.Body[2:]
}

// NormalizeStreamID substitutes the default stream id for the zero and
// 0xFFFF sentinels the clients send on DOD requests.
func NormalizeStreamID(id uint16) uint16 {
	if id == 0 || id == 0xFFFF {
		return DefaultStreamID
	}
	return id
}

// Marshal serializes the frame with length and CRC stamped. TX/RX are
// written as-is; DATA frames get them restamped by the pacer just before
// the bytes hit the socket.
func (f *Frame) Marshal() []byte {
	ln := shortFrameLen + 2 + len(f.Body)
	buf := make([]byte, prefixLen+ln+1)
	buf[0] = FrameMagic
	binary.BigEndian.PutUint16(buf[3:5], uint16(ln))
	buf[5] = f.TX
	buf[6] = f.RX
	buf[7] = f.Type
	buf[8] = f.Token[0]
	buf[9] = f.Token[1]
	copy(buf[10:], f.Body)
	buf[len(buf)-1] = FrameTerminator
	binary.BigEndian.PutUint16(buf[1:3], Checksum(buf[3:len(buf)-1]))
	return buf
}

// BuildShort builds a short control frame (no token, no body), e.g. the
// 0x24 ACK the server answers keepalives and empty DOD requests with.
func BuildShort(frameType byte) []byte {
	buf := []byte{FrameMagic, 0, 0, 0, shortFrameLen, 0, 0, frameType, FrameTerminator}
	binary.BigEndian.PutUint16(buf[1:3], Checksum(buf[3:len(buf)-1]))
	return buf
}

// Restampable reports whether buf is a DATA frame subject to TX/RX
// restamping. Short control frames and the hand-built mS chat notification
// frames are left untouched: the mS layout happens to carry 0x20 at the
// type offset, but its "mS" atom marker sits where the sequence bytes
// would go, so stamping it would corrupt the notification.
func Restampable(buf []byte) bool {
	if len(buf) <= 7 || buf[0] != FrameMagic || buf[7] != TypeData {
		return false
	}
	if buf[5] == 0x6D && buf[6] == 0x53 {
		return false
	}
	return true
}

// Restamp rewrites the TX/RX sequence bytes of a marshaled DATA frame and
// recomputes length and CRC in place.
func Restamp(buf []byte, tx, rx byte) {
	if !Restampable(buf) {
		return
	}
	buf[5] = tx
	buf[6] = rx
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(buf)-prefixLen-1))
	binary.BigEndian.PutUint16(buf[1:3], Checksum(buf[3:len(buf)-1]))
}

// Parse decodes a complete marshaled frame.
func Parse(buf []byte) (*Frame, error) {
	if len(buf) < prefixLen+shortFrameLen+1 {
		return nil, ErrShortFrame
	}
	if buf[0] != FrameMagic {
		return nil, ErrBadMagic
	}
	ln := int(binary.BigEndian.Uint16(buf[3:5]))
	if ln < shortFrameLen || ln > MaxFrameLen || prefixLen+ln+1 != len(buf) {
		return nil, ErrFrameTooLong
	}
	if buf[len(buf)-1] != FrameTerminator {
		return nil, ErrBadTerminator
	}
	f := &Frame{TX: buf[5], RX: buf[6], Type: buf[7]}
	if ln > shortFrameLen {
		if ln < shortFrameLen+2 {
			return nil, ErrShortFrame
		}
		f.Token[0], f.Token[1] = buf[8], buf[9]
		f.Body = append([]byte(nil), buf[10:len(buf)-1]...)
	}
	return f, nil
}

// Reader decodes frames from a byte stream. It resynchronizes on the magic
// byte so one corrupt frame does not wedge the connection.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame reads the next frame. CRC mismatches are reported alongside the
// parsed frame so the caller can log and keep going; the 3.0 clients stamp
// some control frames with fixed checksums.
func (r *Reader) ReadFrame() (*Frame, error) {
	// Scan to the next magic byte, discarding line noise.
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == FrameMagic {
			break
		}
	}

	var hdr [4]byte // crc:2 len:2
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return nil, err
	}
	ln := int(binary.BigEndian.Uint16(hdr[2:4]))
	if ln < shortFrameLen || ln > MaxFrameLen {
		return nil, ErrFrameTooLong
	}

	rest := make([]byte, ln+1)
	if _, err := io.ReadFull(r.br, rest); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, prefixLen+ln+1)
	buf = append(buf, FrameMagic)
	buf = append(buf, hdr[:]...)
	buf = append(buf, rest...)

	f, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: parse frame: %w", err)
	}
	return f, nil
}
