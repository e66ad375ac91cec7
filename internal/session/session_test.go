package session

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func zerologNop() zerolog.Logger { return zerolog.Nop() }

func TestParseInit(t *testing.T) {
	info := ParseInit([]byte{1, 3, 0})
	assert.Equal(t, PlatformWindows, info.Platform)
	assert.Equal(t, byte(3), info.VersionMajor)
	assert.False(t, info.LowColor, "short body defaults to full color")

	info = ParseInit([]byte{1, 3, 0, 0x01})
	assert.True(t, info.LowColor)

	info = ParseInit([]byte{1, 3, 0, 0xFE})
	assert.False(t, info.LowColor, "only bit 0 carries the display flag")

	info = ParseInit([]byte{2})
	assert.Equal(t, PlatformMac, info.Platform)

	info = ParseInit(nil)
	assert.Equal(t, PlatformUnknown, info.Platform)
}

func TestStreamReassembly(t *testing.T) {
	s := New(nil, nil, zerologNop())
	s.AppendStream(0x4242, []byte("he"))
	s.AppendStream(0x4242, []byte("ll"))
	assert.Equal(t, 2, s.PendingStreamLen(0x4242))

	got := s.TakeStream(0x4242)
	assert.Equal(t, []byte("hell"), got)
	assert.Zero(t, s.PendingStreamLen(0x4242), "stream buffer emptied")
	assert.Nil(t, s.TakeStream(0x4242))
}

func TestAuthenticatedInvariant(t *testing.T) {
	s := New(nil, nil, zerologNop())
	assert.False(t, s.Authenticated())
	s.SetAuthenticated("Bobby", "hunter2", false)
	assert.True(t, s.Authenticated())
	assert.Equal(t, "Bobby", s.ScreenName())

	s.ClearSecrets()
	assert.Equal(t, "Bobby", s.ScreenName(), "clearing secrets keeps identity")
}
