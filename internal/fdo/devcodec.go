package fdo

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dialtone/p3d/internal/wire"
)

// DevCodec is the development implementation of the collaborator contracts.
// It speaks a plain byte format instead of FDO bytecode:
//
//   - a stream ends when its final payload byte is the 0x01 marker,
//   - login/IM payloads are NUL-separated fields,
//   - DOD forms are big-endian fixed-width records.
//
// The production bytecode compiler and decoder implement the same
// interfaces and drop in via server wiring.
type DevCodec struct{}

// EndStreamMarker terminates a multi-frame stream in the dev format.
const EndStreamMarker = 0x01

const maxChunkPayload = 900

func (DevCodec) Compile(_ context.Context, source string, token string, streamID uint16) ([]Chunk, error) {
	data := []byte(source)
	var chunks []Chunk
	for {
		n := len(data)
		if n > maxChunkPayload {
			n = maxChunkPayload
		}
		chunks = append(chunks, wire.DataStream(token, streamID, data[:n]).Marshal())
		data = data[n:]
		if len(data) == 0 {
			return chunks, nil
		}
	}
}

func (DevCodec) CompileIDB(_ context.Context, gid uint32, kind byte, data []byte, streamID uint16) ([]Chunk, error) {
	if kind != IDBAtom && kind != IDBPicture {
		return nil, fmt.Errorf("fdo: unknown idb kind %q", kind)
	}
	header := make([]byte, 5)
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:5], gid)

	var chunks []Chunk
	first := true
	for {
		n := len(data)
		if n > maxChunkPayload {
			n = maxChunkPayload
		}
		payload := data[:n]
		if first {
			payload = append(append([]byte(nil), header...), payload...)
			first = false
		}
		chunks = append(chunks, wire.DataStream("AT", streamID, payload).Marshal())
		data = data[n:]
		if len(data) == 0 {
			return chunks, nil
		}
	}
}

func (DevCodec) EndsStream(body []byte) bool {
	return len(body) > 0 && body[len(body)-1] == EndStreamMarker
}

func stripMarker(stream []byte) []byte {
	if n := len(stream); n > 0 && stream[n-1] == EndStreamMarker {
		return stream[:n-1]
	}
	return stream
}

func (DevCodec) DecodeChatText(stream []byte) (string, error) {
	return string(stripMarker(stream)), nil
}

func (DevCodec) DecodeIM(stream []byte) (InstantMessage, error) {
	parts := bytes.SplitN(stripMarker(stream), []byte{0x00}, 3)
	if len(parts) < 2 {
		return InstantMessage{}, fmt.Errorf("fdo: im stream: want recipient and message fields")
	}
	im := InstantMessage{
		Recipient: string(parts[0]),
		Message:   string(parts[1]),
	}
	if len(parts) == 3 && len(parts[2]) >= 4 {
		im.ResponseID = binary.BigEndian.Uint32(parts[2][:4])
		im.HasResponseID = true
	}
	return im, nil
}

// DecodeDODForm parses stream(2) + formID(2) + N × (txn(2) + gid(4)).
func (DevCodec) DecodeDODForm(body []byte) (DODForm, error) {
	if len(body) < 4 {
		return DODForm{}, fmt.Errorf("fdo: fh body too short: %d bytes", len(body))
	}
	form := DODForm{FormID: binary.BigEndian.Uint16(body[2:4])}
	rest := body[4:]
	for len(rest) >= 6 {
		form.Requests = append(form.Requests, DODRequest{
			TransactionID: binary.BigEndian.Uint16(rest[0:2]),
			GID:           binary.BigEndian.Uint32(rest[2:6]),
		})
		rest = rest[6:]
	}
	return form, nil
}

// DecodeEmbeddedGID parses stream(2) + responseID(2) + gid(4).
func (DevCodec) DecodeEmbeddedGID(body []byte) (uint32, uint16, error) {
	if len(body) < 8 {
		return 0, 0, fmt.Errorf("fdo: k1 body too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint32(body[4:8]), binary.BigEndian.Uint16(body[2:4]), nil
}

func (DevCodec) DecodeLogin(stream []byte) (string, string, error) {
	parts := bytes.SplitN(stripMarker(stream), []byte{0x00}, 2)
	if len(parts) != 2 || len(parts[0]) == 0 {
		return "", "", fmt.Errorf("fdo: login stream: want screenname and password fields")
	}
	return string(parts[0]), string(parts[1]), nil
}

var (
	_ Compiler      = DevCodec{}
	_ StreamDecoder = DevCodec{}
)
