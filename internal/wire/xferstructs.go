package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed-size structs carried inside XFER frames. The layouts are bit-exact:
// the 3.0 clients parse them with hardcoded offsets and crash on drift.

const (
	TJLen = 67
	TFLen = 87
	THLen = 119
	TDLen = 68

	tfNameLen = 68
	// The Windows client writes a NUL into the byte before the 0x90
	// separator; leaving room for it keeps the client from corrupting the
	// name slot. maxLen = 68 - NUL - 0x90 - 2 response-token bytes.
	tfNameMaxWithSep = tfNameLen - 4

	// TFFlagMeter shows the progress meter; TFFlagUpload starts an upload.
	TFFlagMeter  = 0x20
	TFFlagUpload = 0x80

	// NameSeparator splits the path from the response token in the TF name
	// slot for Windows clients.
	NameSeparator = 0x90
)

// BuildTJ builds the 67-byte tj descriptor:
// type(1) + fileId(3) + createDate(BE32) + byteCount(BE32) + 55 bytes of
// "library\0subject", zero-padded.
func BuildTJ(fileType byte, fileID [3]byte, createDate, byteCount uint32, library, subject string) []byte {
	buf := make([]byte, TJLen)
	buf[0] = fileType
	copy(buf[1:4], fileID[:])
	binary.BigEndian.PutUint32(buf[4:8], createDate)
	binary.BigEndian.PutUint32(buf[8:12], byteCount)
	text := buf[12:]
	n := copy(text, library)
	if n < len(text)-1 {
		copy(text[n+1:], subject) // NUL between library and subject
	}
	return buf
}

// BuildTF builds the 87-byte tf start struct:
// flags(1) + size(LE24) + access(1) + type(1) + auxType(LE16) +
// storageType(1) + blocks(LE16) + time(BE32) + created(BE32) + name(68).
//
// With includeSep the name slot carries the client path, a NUL, the 0x90
// separator and the 2-byte response token (Windows upload carriage).
// Without it the name is just NUL-terminated.
func BuildTF(flags byte, size uint32, modTime, created uint32, name string, includeSep bool, respToken [2]byte) []byte {
	buf := make([]byte, TFLen)
	buf[0] = flags
	buf[1] = byte(size)
	buf[2] = byte(size >> 8)
	buf[3] = byte(size >> 16)
	// access, type, auxType, storageType, blocks stay zero.
	binary.BigEndian.PutUint32(buf[11:15], modTime)
	binary.BigEndian.PutUint32(buf[15:19], created)

	slot := buf[19:]
	if includeSep {
		if len(name) > tfNameMaxWithSep {
			name = name[:tfNameMaxWithSep]
		}
		n := copy(slot, name)
		slot[n] = 0x00
		slot[n+1] = NameSeparator
		slot[n+2] = respToken[0]
		slot[n+3] = respToken[1]
		return buf
	}
	if len(name) > tfNameLen-1 {
		name = name[:tfNameLen-1]
	}
	copy(slot, name)
	return buf
}

// TFSize reads back the LE24 size from a tf struct.
func TFSize(buf []byte) uint32 {
	if len(buf) < 4 {
		return 0
	}
	return uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
}

// BuildTH builds the 119-byte th prompt: respToken(2) + reserved(117).
func BuildTH(respToken [2]byte) []byte {
	buf := make([]byte, THLen)
	buf[0], buf[1] = respToken[0], respToken[1]
	return buf
}

// BuildTD builds the 68-byte td stat: respToken(2) + field(1) + name(65).
func BuildTD(respToken [2]byte, field byte, name string) []byte {
	buf := make([]byte, TDLen)
	buf[0], buf[1] = respToken[0], respToken[1]
	buf[2] = field
	if len(name) > 64 {
		name = name[:64]
	}
	copy(buf[3:], name)
	return buf
}

// BuildFX builds the fX result payload: rc(1) + message + NUL.
func BuildFX(rc byte, message string) []byte {
	buf := make([]byte, 0, 2+len(message))
	buf = append(buf, rc)
	buf = append(buf, message...)
	return append(buf, 0x00)
}

var errShortStruct = errors.New("wire: xfer struct too short")

// THResponse is the client's answer to a th picker prompt.
type THResponse struct {
	RespToken  [2]byte
	ClientPath string
}

// ParseTHResponse decodes respToken(2) + NUL-terminated client path.
func ParseTHResponse(body []byte) (THResponse, error) {
	if len(body) < 3 {
		return THResponse{}, errShortStruct
	}
	var r THResponse
	r.RespToken[0], r.RespToken[1] = body[0], body[1]
	rest := body[2:]
	if i := bytes.IndexByte(rest, 0x00); i >= 0 {
		rest = rest[:i]
	}
	r.ClientPath = string(rest)
	if r.ClientPath == "" {
		return THResponse{}, fmt.Errorf("wire: th response without path")
	}
	return r, nil
}

// TDResponse is the client's answer to a td stat prompt.
type TDResponse struct {
	RespToken [2]byte
	RC        byte
	Size      uint32
}

// ParseTDResponse decodes respToken(2) + rc(1) + size(BE32).
func ParseTDResponse(body []byte) (TDResponse, error) {
	if len(body) < 7 {
		return TDResponse{}, errShortStruct
	}
	var r TDResponse
	r.RespToken[0], r.RespToken[1] = body[0], body[1]
	r.RC = body[2]
	r.Size = binary.BigEndian.Uint32(body[3:7])
	return r, nil
}
