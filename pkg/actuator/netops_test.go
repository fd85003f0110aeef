package actuator

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ipResult struct {
	out string
	err error
}

// fakeIP substitutes the iproute2 invocation with canned per-verb results
// and records every call.
type fakeIP struct {
	calls   [][]string
	results map[string]ipResult
}

func newFakeIP() *fakeIP {
	return &fakeIP{results: make(map[string]ipResult)}
}

func (f *fakeIP) set(verb, out string, err error) {
	f.results[verb] = ipResult{out: out, err: err}
}

func (f *fakeIP) run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args[:2], " ")
	r := f.results[key]
	return r.out, r.err
}

func testNetOps() (*IPRouteNetOps, *fakeIP) {
	ip := newFakeIP()
	n := NewIPRouteNetOps(zerolog.Nop())
	n.ipCmd = ip.run
	return n, ip
}

func TestBindAddressArgs(t *testing.T) {
	n, ip := testNetOps()
	require.NoError(t, n.BindAddress("eth0", net.IPv4(10, 0, 0, 1)))
	require.Len(t, ip.calls, 1)
	assert.Equal(t, []string{"address", "add", "10.0.0.1/32", "dev", "eth0"}, ip.calls[0])
}

func TestUnbindAddressToleratesAlreadyRemoved(t *testing.T) {
	n, ip := testNetOps()
	// The failure message is deliberately not one iproute2 emits in the C
	// locale; only the interface listing decides the outcome.
	ip.set("address del", "RTNETLINK: nicht zuweisbar", errors.New("exit status 2"))
	ip.set("-4 address", "3: eth0\n    inet 192.168.1.10/24 scope global eth0\n", nil)

	assert.NoError(t, n.UnbindAddress("eth0", net.IPv4(10, 0, 0, 1)))
}

func TestUnbindAddressKeepsErrorWhileStillBound(t *testing.T) {
	n, ip := testNetOps()
	ip.set("address del", "", errors.New("exit status 2"))
	ip.set("-4 address", "3: eth0\n    inet 10.0.0.1/32 scope global eth0\n", nil)

	assert.Error(t, n.UnbindAddress("eth0", net.IPv4(10, 0, 0, 1)))
}

func TestUnbindAddressKeepsErrorWhenListingFails(t *testing.T) {
	n, ip := testNetOps()
	ip.set("address del", "", errors.New("exit status 2"))
	ip.set("-4 address", "", errors.New("exit status 1"))

	assert.Error(t, n.UnbindAddress("eth0", net.IPv4(10, 0, 0, 1)))
}

func TestAddressPresentMatchesWholeAddress(t *testing.T) {
	n, ip := testNetOps()
	ip.set("-4 address", "3: eth0\n    inet 110.0.0.1/32 scope global eth0\n", nil)
	assert.False(t, n.addressPresent("eth0", net.IPv4(10, 0, 0, 1)))

	ip.set("-4 address", "3: eth0\n    inet 10.0.0.1/32 scope global eth0\n", nil)
	assert.True(t, n.addressPresent("eth0", net.IPv4(10, 0, 0, 1)))
}
