// Package vrrp implements the VRRPv2 advertisement wire format and the
// pure election rules of RFC 3768. It has no I/O: transports hand it raw
// PDU bytes and the state machine consumes its decisions.
package vrrp

import (
	"fmt"
	"net"
	"time"
)

const (
	// Version is the protocol version emitted and accepted by the codec.
	Version = 2

	// TypeAdvertisement is the only VRRPv2 message type.
	TypeAdvertisement = 1

	// ProtoNumber is the IP protocol number carrying VRRP.
	ProtoNumber = 112

	// MulticastTTL is the required TTL of advertisement packets. Packets
	// arriving with any other TTL were forwarded and must be dropped.
	MulticastTTL = 255

	// AuthTypeXOF is the keyed SHAKE256 authentication scheme. It is the
	// only scheme this daemon speaks.
	AuthTypeXOF = 251

	// AuthDataLen is the width of both the authentication field and the
	// shared key produced by the password utility.
	AuthDataLen = 8

	// PriorityOwner marks the router that natively owns the virtual IPs.
	PriorityOwner = 255

	// PriorityRelinquish is sent by a Master that is shutting down.
	PriorityRelinquish = 0

	headerLen = 8
	// MaxAddrs bounds the address list so a hostile count field can never
	// size an allocation: 255 addresses is the field's own ceiling.
	MaxAddrs = 255
)

// MulticastGroup is the IPv4 all-VRRP-routers group.
var MulticastGroup = net.IPv4(224, 0, 0, 18)

// State is the role of a virtual router instance.
type State int

const (
	StateInitialize State = iota
	StateBackup
	StateMaster
)

func (s State) String() string {
	switch s {
	case StateInitialize:
		return "Initialize"
	case StateBackup:
		return "Backup"
	case StateMaster:
		return "Master"
	default:
		return "Unknown"
	}
}

// ParseState maps an administrative state name back to a State.
func ParseState(name string) (State, error) {
	switch name {
	case "Initialize", "initialize":
		return StateInitialize, nil
	case "Backup", "backup":
		return StateBackup, nil
	case "Master", "master":
		return StateMaster, nil
	}
	return StateInitialize, fmt.Errorf("unknown state %q", name)
}

// VirtualMAC derives the well-known virtual router MAC 00:00:5e:00:01:{VRID}.
func VirtualMAC(vrid uint8) net.HardwareAddr {
	return net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, vrid}
}

// SkewTime returns the priority-derived slice of the master-down interval,
// (256 - priority) / 256 seconds. Higher priorities time out sooner.
func SkewTime(priority uint8) time.Duration {
	return time.Duration(256-int(priority)) * time.Second / 256
}

// MasterDownInterval returns 3 x advertisement interval plus skew time.
func MasterDownInterval(advertInterval time.Duration, priority uint8) time.Duration {
	return 3*advertInterval + SkewTime(priority)
}

// CompareAddrs orders two IPv4 addresses numerically. The ordering is total
// over distinct addresses; it breaks priority ties during election, where
// the greater address takes the Master role.
func CompareAddrs(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		// Non-IPv4 input never reaches election; order v4 before v6
		// to keep the comparison total anyway.
		if a4 != nil {
			return -1
		}
		if b4 != nil {
			return 1
		}
		a4, b4 = a.To16(), b.To16()
	}
	for i := range a4 {
		switch {
		case a4[i] < b4[i]:
			return -1
		case a4[i] > b4[i]:
			return 1
		}
	}
	return 0
}
