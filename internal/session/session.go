package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Platform identifies the client build.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformWindows
	PlatformMac
)

func (p Platform) String() string {
	switch p {
	case PlatformWindows:
		return "windows"
	case PlatformMac:
		return "mac"
	default:
		return "unknown"
	}
}

// InitInfo is the record carried by the 0xA3 handshake. The packet is
// mostly opaque; the fields the server acts on are the platform code,
// the client version bytes and the display flags.
type InitInfo struct {
	Platform     Platform
	VersionMajor byte
	VersionMinor byte
	LowColor     bool
	Raw          []byte
}

// ParseInit decodes the 0xA3 body. Byte 0 is the platform code (1 Windows,
// 2 Mac), bytes 1-2 the client version, byte 3 display flags (bit 0 set
// means a 16-color display). Anything shorter parses as unknown.
func ParseInit(body []byte) InitInfo {
	info := InitInfo{Raw: append([]byte(nil), body...)}
	if len(body) >= 1 {
		switch body[0] {
		case 1:
			info.Platform = PlatformWindows
		case 2:
			info.Platform = PlatformMac
		}
	}
	if len(body) >= 3 {
		info.VersionMajor = body[1]
		info.VersionMinor = body[2]
	}
	if len(body) >= 4 {
		info.LowColor = body[3]&0x01 != 0
	}
	return info
}

var nextSessionID atomic.Uint64

// Session is the per-TCP-connection state. Created on accept, destroyed on
// close, never shared between connections. The identity fields are guarded
// by mu because the admin surface reads them off-thread; the stream
// reassembly map is touched only by the owning read loop.
type Session struct {
	ID          uint64
	Conn        net.Conn
	Pacer       *Pacer
	Logger      zerolog.Logger
	ConnectedAt time.Time

	mu            sync.Mutex
	screenName    string
	password      string
	authenticated bool
	ephemeral     bool
	lowColor      bool
	init          InitInfo

	pendingStreams map[uint16][][]byte
}

func New(conn net.Conn, pacer *Pacer, logger zerolog.Logger) *Session {
	return &Session{
		ID:             nextSessionID.Add(1),
		Conn:           conn,
		Pacer:          pacer,
		Logger:         logger,
		ConnectedAt:    time.Now(),
		pendingStreams: make(map[uint16][][]byte),
	}
}

// SetAuthenticated records a successful login. The password is retained for
// SSO hand-off and cleared on disconnect.
func (s *Session) SetAuthenticated(screenName, password string, ephemeral bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenName = screenName
	s.password = password
	s.authenticated = true
	s.ephemeral = ephemeral
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) ScreenName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenName
}

func (s *Session) Ephemeral() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral
}

func (s *Session) SetLowColor(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowColor = v
}

func (s *Session) LowColor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowColor
}

func (s *Session) SetInit(info InitInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = info
}

func (s *Session) Init() InitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init
}

func (s *Session) Platform() Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init.Platform
}

// ClearSecrets wipes the retained password. Part of disconnect cleanup.
func (s *Session) ClearSecrets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = ""
}

// AppendStream buffers a partial multi-frame payload for streamID.
// Stream ids are per-connection, so the map needs no cross-session keying.
func (s *Session) AppendStream(streamID uint16, payload []byte) {
	s.pendingStreams[streamID] = append(s.pendingStreams[streamID], append([]byte(nil), payload...))
}

// TakeStream removes and concatenates the buffered payloads for streamID.
func (s *Session) TakeStream(streamID uint16) []byte {
	parts := s.pendingStreams[streamID]
	if parts == nil {
		return nil
	}
	delete(s.pendingStreams, streamID)
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PendingStreamLen reports buffered frame count for a stream id.
func (s *Session) PendingStreamLen(streamID uint16) int {
	return len(s.pendingStreams[streamID])
}
