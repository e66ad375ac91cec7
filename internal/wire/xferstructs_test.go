package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTJ(t *testing.T) {
	buf := BuildTJ(1, [3]byte{0xAA, 0xBB, 0xCC}, 0x60000000, 2300, "library", "subject")
	require.Len(t, buf, TJLen)
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, buf[1:4])
	assert.Equal(t, []byte{0x60, 0x00, 0x00, 0x00}, buf[4:8])
	assert.Equal(t, []byte{0x00, 0x00, 0x08, 0xFC}, buf[8:12])
	assert.Equal(t, byte('l'), buf[12])
	assert.Equal(t, byte(0), buf[12+7], "NUL between library and subject")
	assert.Equal(t, byte('s'), buf[12+8])

	again := BuildTJ(1, [3]byte{0xAA, 0xBB, 0xCC}, 0x60000000, 2300, "library", "subject")
	assert.Equal(t, buf, again, "tj encoding is deterministic")
}

func TestBuildTFPlainName(t *testing.T) {
	buf := BuildTF(TFFlagMeter, 2300, 100, 200, "setup.log", false, [2]byte{})
	require.Len(t, buf, TFLen)
	assert.Equal(t, byte(TFFlagMeter), buf[0])
	assert.Equal(t, uint32(2300), TFSize(buf))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x64}, buf[11:15])
	assert.Equal(t, "setup.log", string(buf[19:28]))
	assert.Equal(t, byte(0), buf[28])
}

func TestBuildTFWindowsNameCarriage(t *testing.T) {
	path := `C:\setup.log`
	tok := [2]byte{0x12, 0x34}
	buf := BuildTF(TFFlagUpload, 12345, 0, 0, path, true, tok)
	require.Len(t, buf, TFLen)

	slot := buf[19:]
	n := len(path)
	assert.Equal(t, path, string(slot[:n]))
	assert.Equal(t, byte(0x00), slot[n], "NUL guards the byte the client overwrites")
	assert.Equal(t, byte(NameSeparator), slot[n+1])
	assert.Equal(t, byte(0x12), slot[n+2])
	assert.Equal(t, byte(0x34), slot[n+3])
}

func TestBuildTHAndTD(t *testing.T) {
	th := BuildTH([2]byte{0xDE, 0xAD})
	require.Len(t, th, THLen)
	assert.Equal(t, []byte{0xDE, 0xAD}, th[:2])
	for _, b := range th[2:] {
		assert.Zero(t, b)
	}

	td := BuildTD([2]byte{0xDE, 0xAD}, 0, "setup.log")
	require.Len(t, td, TDLen)
	assert.Equal(t, []byte{0xDE, 0xAD, 0x00}, td[:3])
	assert.Equal(t, "setup.log", string(td[3:12]))
}

func TestBuildFX(t *testing.T) {
	buf := BuildFX(0, "File received OK")
	assert.Equal(t, byte(0), buf[0])
	assert.Equal(t, byte(0), buf[len(buf)-1])
	assert.Equal(t, "File received OK", string(buf[1:len(buf)-1]))
}

func TestParseTHResponse(t *testing.T) {
	body := append([]byte{0x12, 0x34}, []byte("C:\\setup.log\x00junk")...)
	r, err := ParseTHResponse(body)
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x12, 0x34}, r.RespToken)
	assert.Equal(t, `C:\setup.log`, r.ClientPath)

	_, err = ParseTHResponse([]byte{0x12, 0x34, 0x00})
	assert.Error(t, err, "empty path rejected")
}

func TestParseTDResponse(t *testing.T) {
	body := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x30, 0x39}
	r, err := ParseTDResponse(body)
	require.NoError(t, err)
	assert.Equal(t, byte(0), r.RC)
	assert.Equal(t, uint32(12345), r.Size)
}

func TestBuildChatFrames(t *testing.T) {
	msg := BuildChatMessage(4, "hello")
	f, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, Tok("AA"), f.Token)
	assert.Equal(t, byte(4), f.Body[0])
	assert.Equal(t, "hello", string(f.Body[1:]))

	note := BuildChatNotification(true, 4, "Bobby")
	assert.Equal(t, byte(FrameMagic), note[0])
	assert.Equal(t, byte(6+5), note[4], "atom length covers token, kind, tag and name")
	assert.Equal(t, byte('A'), note[9])
	assert.Equal(t, byte(4), note[10])
	assert.Equal(t, "Bobby", string(note[11:16]))
	assert.Equal(t, byte(FrameTerminator), note[len(note)-1])

	bye := BuildChatNotification(false, 4, "Bobby")
	assert.Equal(t, byte('B'), bye[9])
}
