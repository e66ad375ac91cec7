package wire

// P3 frames carry a CRC16/ARC checksum (poly 0x8005 reflected, zero init,
// zero xorout) over the bytes from the length field through the end of the
// payload. The standard library only ships CRC-32/64, so the table lives here.

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

// Checksum computes the CRC16/ARC of data.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^b]
	}
	return crc
}
