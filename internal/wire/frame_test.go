package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalParseRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"empty body", Data("AT", nil)},
		{"chat tag body", Data("AA", []byte{0x04, 'h', 'i'})},
		{"stream body", DataStream("f2", 0x2100, []byte{0x00, 0x28, 0xB9, 0x78})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.frame.Marshal()
			assert.Equal(t, byte(FrameMagic), buf[0])
			assert.Equal(t, byte(FrameTerminator), buf[len(buf)-1])

			got, err := Parse(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type, got.Type)
			assert.Equal(t, tt.frame.Token, got.Token)
			assert.Equal(t, tt.frame.Body, got.Body)
		})
	}
}

func TestFrameLengthField(t *testing.T) {
	buf := Data("AA", []byte{1, 2, 3}).Marshal()
	// len = tx + rx + type + token(2) + body(3)
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(buf[3:5]))
	assert.Len(t, buf, 5+8+1)
}

func TestRestamp(t *testing.T) {
	buf := DataStream("iT", 0x4242, []byte("hello")).Marshal()
	Restamp(buf, 0x21, 0x33)
	assert.Equal(t, byte(0x21), buf[5])
	assert.Equal(t, byte(0x33), buf[6])

	f, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x21), f.TX)

	// CRC was recomputed over the stamped bytes.
	assert.Equal(t, Checksum(buf[3:len(buf)-1]), binary.BigEndian.Uint16(buf[1:3]))
}

func TestRestampSkipsNonData(t *testing.T) {
	short := BuildShort(TypeAck)
	before := append([]byte(nil), short...)
	Restamp(short, 0x7F, 0x7F)
	assert.Equal(t, before, short, "short control frames are never restamped")

	// The mS notification parses as a DATA frame (byte 7 is 0x20) but must
	// keep its fixed layout: stamping would overwrite the mS marker bytes.
	note := BuildChatNotification(true, 4, "Bobby")
	assert.False(t, Restampable(note))
	before = append([]byte(nil), note...)
	Restamp(note, 0x7F, 0x7F)
	assert.Equal(t, before, note, "mS notifications are never restamped")
	assert.Equal(t, byte(0x6D), note[5])
	assert.Equal(t, byte(0x53), note[6])

	assert.True(t, Restampable(Data("AA", []byte{4, 'h', 'i'}).Marshal()))
}

func TestBuildShort(t *testing.T) {
	buf := BuildShort(TypeAck)
	assert.Len(t, buf, 9)
	assert.Equal(t, byte(TypeAck), buf[7])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(buf[3:5]))
}

func TestReaderResyncsOnGarbage(t *testing.T) {
	frame := DataStream("Aa", 0x4242, []byte{'h', 'i', 0x01}).Marshal()
	stream := append([]byte{0x00, 0xFF, 0x13}, frame...)
	stream = append(stream, BuildShort(TypeAck)...)

	r := NewReader(bytes.NewReader(stream))

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, Tok("Aa"), f1.Token)
	assert.Equal(t, uint16(0x4242), f1.StreamID())

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(TypeAck), f2.Type)
	assert.Nil(t, f2.Body)
}

func TestNormalizeStreamID(t *testing.T) {
	assert.Equal(t, uint16(DefaultStreamID), NormalizeStreamID(0))
	assert.Equal(t, uint16(DefaultStreamID), NormalizeStreamID(0xFFFF))
	assert.Equal(t, uint16(0x4242), NormalizeStreamID(0x4242))
}

func TestMarshalDeterministic(t *testing.T) {
	a := DataStream("tj", 0x2100, []byte{1, 2, 3}).Marshal()
	b := DataStream("tj", 0x2100, []byte{1, 2, 3}).Marshal()
	assert.Equal(t, a, b, "same inputs must produce byte-identical frames")
}
