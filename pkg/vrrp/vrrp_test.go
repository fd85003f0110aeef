package vrrp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualMAC(t *testing.T) {
	assert.Equal(t, net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 0x0a}, VirtualMAC(10))
	assert.Equal(t, net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 0xff}, VirtualMAC(255))
}

func TestSkewTime(t *testing.T) {
	assert.Equal(t, time.Second, SkewTime(0))
	assert.Equal(t, time.Second/256, SkewTime(255))
	assert.Equal(t, 156*time.Second/256, SkewTime(100))
	// Higher priority always waits less.
	assert.Less(t, SkewTime(200), SkewTime(100))
}

func TestMasterDownInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second+156*time.Second/256, MasterDownInterval(time.Second, 100))
	assert.Equal(t, 15*time.Second+time.Second/256, MasterDownInterval(5*time.Second, 255))
}

func TestCompareAddrs(t *testing.T) {
	a := net.IPv4(192, 168, 1, 5)
	b := net.IPv4(192, 168, 1, 20)
	assert.Negative(t, CompareAddrs(a, b))
	assert.Positive(t, CompareAddrs(b, a))
	assert.Zero(t, CompareAddrs(a, net.ParseIP("192.168.1.5")))
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateInitialize, StateBackup, StateMaster} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("bogus")
	assert.Error(t, err)
}
