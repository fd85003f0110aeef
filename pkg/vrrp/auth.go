package vrrp

import (
	"crypto/subtle"

	"golang.org/x/crypto/sha3"
)

// AuthDigest computes the 8-byte authentication field over a PDU using the
// shared key from the password utility. The key is an opaque byte string;
// the digest is a SHAKE256 XOF over key || pdu, truncated to AuthDataLen.
//
// The caller must pass the PDU with the checksum field and the trailing
// authentication field zeroed (digest-then-checksum ordering).
func AuthDigest(key, pdu []byte) [AuthDataLen]byte {
	var out [AuthDataLen]byte
	h := sha3.NewShake256()
	h.Write(key)
	h.Write(pdu)
	h.Read(out[:])
	return out
}

// VerifyAuth compares a received authentication field against the digest of
// the PDU in constant time.
func VerifyAuth(key, pdu, authData []byte) bool {
	want := AuthDigest(key, pdu)
	return subtle.ConstantTimeCompare(want[:], authData) == 1
}
