package modbus

// CRC16 computes the Modbus CRC-16 (poly 0xA001, init 0xFFFF) of b. The result is
// transmitted little-endian.
func CRC16(b []byte) (ret uint16) {
	ret = 0xffff

	for _, byte := range b {
		ret ^= uint16(byte)

		for i := 0; i < 8; i += 1 {
			bit := ret & 0x1
			ret >>= 1

			if bit != 0 {
				ret ^= 0xa001
			}
		}
	}

	return ret
}
