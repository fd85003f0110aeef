package vrrp

// rfc1071 computes the internet checksum over b. Verification of a PDU that
// already carries its checksum sums to 0xffff.
func rfc1071(b []byte) uint16 {
	var sum uint32
	for len(b) > 1 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) > 0 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// Checksum returns the checksum to place in a PDU whose checksum field is
// currently zero.
func Checksum(pdu []byte) uint16 {
	return ^rfc1071(pdu)
}

// VerifyChecksum reports whether a complete PDU carries a valid checksum.
func VerifyChecksum(pdu []byte) bool {
	return rfc1071(pdu) == 0xffff
}
