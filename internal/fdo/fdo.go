// Package fdo holds the contracts the protocol core consumes from the FDO
// (Form Definition Object) collaborators: the bytecode compiler, the inbound
// stream decoder, and the asset stores. The core never interprets FDO
// bytecode itself.
package fdo

import "context"

// Chunk is one complete, unstamped P3 frame produced by the compiler. The
// pacer stamps TX/RX/CRC when it drains.
type Chunk = []byte

// IDB delivery kinds: atom stream or picture.
const (
	IDBAtom    byte = 'a'
	IDBPicture byte = 'p'
)

// Compiler turns FDO source into P3 chunks.
type Compiler interface {
	// Compile compiles source into frames carrying the given token and
	// stream id.
	Compile(ctx context.Context, source string, token string, streamID uint16) ([]Chunk, error)
	// CompileIDB wraps raw bytes into an IDB delivery for gid.
	CompileIDB(ctx context.Context, gid uint32, kind byte, data []byte, streamID uint16) ([]Chunk, error)
}

// InstantMessage is the decoded payload of an iS/iT stream.
type InstantMessage struct {
	// Recipient is empty for replies; the conversation id in ResponseID
	// identifies the peer instead.
	Recipient     string
	Message       string
	ResponseID    uint32
	HasResponseID bool
}

// DODRequest is one (transactionId, GID) pair of an fh form.
type DODRequest struct {
	TransactionID uint16
	GID           uint32
}

// DODForm is the decoded payload of an fh request.
type DODForm struct {
	FormID   uint16
	Requests []DODRequest
}

// StreamDecoder extracts structured parameters from inbound FDO streams.
type StreamDecoder interface {
	// EndsStream reports whether the frame body carries the
	// uni_end_stream marker completing a multi-frame stream.
	EndsStream(body []byte) bool
	// DecodeChatText returns the logical chat text of a completed Aa
	// stream.
	DecodeChatText(stream []byte) (string, error)
	// DecodeIM parses a completed iS/iT stream.
	DecodeIM(stream []byte) (InstantMessage, error)
	// DecodeDODForm parses an fh body.
	DecodeDODForm(body []byte) (DODForm, error)
	// DecodeEmbeddedGID extracts the GID and echoed response id from a
	// K1 inner FDO.
	DecodeEmbeddedGID(body []byte) (gid uint32, responseID uint16, err error)
	// DecodeLogin parses screenname and password from a Dd stream.
	DecodeLogin(stream []byte) (screenName, password string, err error)
}

// ArtStore resolves a GID to a raw asset blob.
type ArtStore interface {
	Art(gid uint32) ([]byte, bool)
}
