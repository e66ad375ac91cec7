package wire

// Chat frames are hand-built rather than compiled: the AA message frame and
// the mS arrival/departure notifications predate the FDO pipeline and the
// clients parse them at fixed offsets.

// BuildChatMessage builds the AA chat line: a DATA frame whose body is the
// sender's 1-byte chat tag followed by the ASCII message. Non-ASCII is
// replaced with spaces before framing.
func BuildChatMessage(tag byte, message string) []byte {
	message = SanitizeASCII(message)
	body := make([]byte, 0, 1+len(message))
	body = append(body, tag)
	body = append(body, message...)
	return Data("AA", body).Marshal()
}

// BuildChatNotification builds the mS room-membership notification:
//
//	[0x5A][0x1B][0x74 0x00][atomLen][0x6D 0x53][0x20 0x43 'A'|'B'][tag][user][0x0D]
//
// arrival selects CA, departure CB. Byte 7 happens to be 0x20, so the frame
// parses as a DATA frame with token "CA"/"CB"; the pacer recognizes the mS
// marker in the sequence slots and leaves the frame unstamped, because the
// fixed bytes are exactly what the client expects.
func BuildChatNotification(arrival bool, tag byte, username string) []byte {
	kind := byte('B')
	if arrival {
		kind = 'A'
	}
	atomLen := byte(6 + len(username))
	buf := make([]byte, 0, 12+len(username))
	buf = append(buf, FrameMagic, 0x1B, 0x74, 0x00, atomLen, 0x6D, 0x53, 0x20, 0x43, kind, tag)
	buf = append(buf, username...)
	return append(buf, FrameTerminator)
}
