package vrrp

import (
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies why a PDU was rejected. The dispatcher counts each
// kind separately; none of them is ever fatal.
type ErrorKind int

const (
	// ErrMalformed covers truncation, length-field inconsistencies,
	// version or type mismatch and checksum failure.
	ErrMalformed ErrorKind = iota
	// ErrBadAuth means the structure was sound but the authentication
	// digest did not match the shared secret.
	ErrBadAuth
	// ErrProtocol marks a valid, authenticated packet that contradicts
	// the local instance configuration (interval or address set).
	ErrProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed"
	case ErrBadAuth:
		return "auth_failure"
	case ErrProtocol:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// DecodeError is the typed rejection returned by Decode and by instance-level
// validation.
type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("vrrp: %s: %s", e.Kind, e.Detail)
}

func malformed(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: ErrMalformed, Detail: fmt.Sprintf(format, args...)}
}

// Advertisement is a decoded VRRPv2 ADVERTISEMENT PDU.
type Advertisement struct {
	VRID        uint8
	Priority    uint8
	AuthType    uint8
	IntervalSec uint8
	Addrs       []net.IP
}

// Interval returns the advertised interval as a duration.
func (a *Advertisement) Interval() time.Duration {
	return time.Duration(a.IntervalSec) * time.Second
}

// Relinquish reports whether the sender is giving up the Master role.
func (a *Advertisement) Relinquish() bool {
	return a.Priority == PriorityRelinquish
}

// Encode serializes the advertisement into a complete PDU: fixed header,
// address list, keyed authentication data, RFC 1071 checksum. The key is the
// opaque fixed-width secret from the password utility.
func (a *Advertisement) Encode(key []byte) ([]byte, error) {
	n := len(a.Addrs)
	if n == 0 {
		return nil, fmt.Errorf("vrrp: encode: empty address list")
	}
	if n > MaxAddrs {
		return nil, fmt.Errorf("vrrp: encode: %d addresses exceeds protocol maximum", n)
	}

	pdu := make([]byte, headerLen+4*n+AuthDataLen)
	pdu[0] = Version<<4 | TypeAdvertisement
	pdu[1] = a.VRID
	pdu[2] = a.Priority
	pdu[3] = uint8(n)
	pdu[4] = AuthTypeXOF
	pdu[5] = a.IntervalSec
	// pdu[6:8] checksum, zero while digesting

	for i, ip := range a.Addrs {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("vrrp: encode: %v is not an IPv4 address", ip)
		}
		copy(pdu[headerLen+4*i:], ip4)
	}

	digest := AuthDigest(key, pdu[:len(pdu)-AuthDataLen])
	copy(pdu[len(pdu)-AuthDataLen:], digest[:])

	sum := Checksum(pdu)
	pdu[6] = byte(sum >> 8)
	pdu[7] = byte(sum)
	return pdu, nil
}

// Sniff parses a PDU structurally, verifying the checksum but not the
// authentication digest. It exists for the observe-only sniffer mode, which
// has no shared secret to verify against.
func Sniff(pdu []byte) (*Advertisement, error) {
	if len(pdu) < headerLen+4+AuthDataLen {
		return nil, malformed("truncated: %d bytes", len(pdu))
	}
	if v := pdu[0] >> 4; v != Version {
		return nil, malformed("version %d", v)
	}
	count := int(pdu[3])
	if count == 0 || headerLen+4*count+AuthDataLen != len(pdu) {
		return nil, malformed("address count %d does not match %d byte payload", count, len(pdu))
	}
	if !VerifyChecksum(pdu) {
		return nil, malformed("checksum mismatch")
	}
	adv := &Advertisement{
		VRID:        pdu[1],
		Priority:    pdu[2],
		AuthType:    pdu[4],
		IntervalSec: pdu[5],
	}
	for i := 0; i < count; i++ {
		addr := make(net.IP, 4)
		copy(addr, pdu[headerLen+4*i:headerLen+4*i+4])
		adv.Addrs = append(adv.Addrs, addr)
	}
	return adv, nil
}

// Decode parses and validates a PDU received from the multicast segment.
// Every length used for slicing is checked against the actual buffer bounds
// first; the count field is validated, never trusted. Rejections are always
// a *DecodeError: structural problems are ErrMalformed, a digest mismatch
// is ErrBadAuth and nothing else.
func Decode(pdu, key []byte) (*Advertisement, error) {
	if len(pdu) < headerLen+4+AuthDataLen {
		return nil, malformed("truncated: %d bytes", len(pdu))
	}
	if v := pdu[0] >> 4; v != Version {
		return nil, malformed("version %d", v)
	}
	if t := pdu[0] & 0x0f; t != TypeAdvertisement {
		return nil, malformed("message type %d", t)
	}

	count := int(pdu[3])
	if count == 0 {
		return nil, malformed("zero address count")
	}
	if want := headerLen + 4*count + AuthDataLen; len(pdu) != want {
		return nil, malformed("address count %d does not match %d byte payload", count, len(pdu))
	}

	if !VerifyChecksum(pdu) {
		return nil, malformed("checksum mismatch")
	}

	// Authentication is digest-then-checksum: rebuild the digest input
	// with the checksum field zeroed and the auth trailer stripped.
	signed := make([]byte, len(pdu)-AuthDataLen)
	copy(signed, pdu[:len(pdu)-AuthDataLen])
	signed[6], signed[7] = 0, 0
	authData := pdu[len(pdu)-AuthDataLen:]
	if pdu[4] != AuthTypeXOF || !VerifyAuth(key, signed, authData) {
		return nil, &DecodeError{Kind: ErrBadAuth, Detail: "authentication digest mismatch"}
	}

	adv := &Advertisement{
		VRID:        pdu[1],
		Priority:    pdu[2],
		AuthType:    pdu[4],
		IntervalSec: pdu[5],
		Addrs:       make([]net.IP, count),
	}
	for i := 0; i < count; i++ {
		addr := make(net.IP, 4)
		copy(addr, pdu[headerLen+4*i:headerLen+4*i+4])
		adv.Addrs[i] = addr
	}
	return adv, nil
}
