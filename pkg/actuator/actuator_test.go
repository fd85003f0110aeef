package actuator

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
)

type fakeNetOps struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]error
	bindSeen int
}

func newFakeNetOps() *fakeNetOps {
	return &fakeNetOps{failOn: make(map[string]error)}
}

func (f *fakeNetOps) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeNetOps) SetVirtualMAC(iface string, mac net.HardwareAddr) error {
	return f.record("setmac " + iface)
}

func (f *fakeNetOps) ClearVirtualMAC(iface string, mac net.HardwareAddr) error {
	return f.record("clearmac " + iface)
}

func (f *fakeNetOps) BindAddress(iface string, addr net.IP) error {
	f.mu.Lock()
	f.bindSeen++
	n := f.bindSeen
	f.mu.Unlock()
	if err := f.record(fmt.Sprintf("bind %s %s", iface, addr)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[fmt.Sprintf("bind#%d", n)]; ok {
		return err
	}
	return nil
}

func (f *fakeNetOps) UnbindAddress(iface string, addr net.IP) error {
	return f.record(fmt.Sprintf("unbind %s %s", iface, addr))
}

func (f *fakeNetOps) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAnnouncer) Announce(iface string, addr net.IP, mac net.HardwareAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s %s", iface, addr, mac))
	return f.err
}

func testRouterConfig() *config.VirtualRouterConfig {
	return &config.VirtualRouterConfig{
		VRID:      10,
		Interface: "eth0",
		VirtualIPs: []net.IP{
			net.IPv4(10, 100, 100, 1).To4(),
			net.IPv4(10, 100, 101, 1).To4(),
		},
		Priority: 200,
	}
}

func TestClaimBindsAndAnnounces(t *testing.T) {
	ops := newFakeNetOps()
	ann := &fakeAnnouncer{}
	act := New(ops, ann, metrics.NewNoopRecorder(), zerolog.Nop())
	cfg := testRouterConfig()

	require.NoError(t, act.Claim(cfg))
	assert.Equal(t, []string{
		"setmac eth0",
		"bind eth0 10.100.100.1",
		"bind eth0 10.100.101.1",
	}, ops.callLog())
	assert.Len(t, ann.calls, 2)
	assert.Equal(t, "eth0 10.100.100.1 00:00:5e:00:01:0a", ann.calls[0])

	// A second claim for the same instance must not touch the kernel again.
	require.NoError(t, act.Claim(cfg))
	assert.Len(t, ops.callLog(), 3)
}

func TestClaimRollsBackOnPartialFailure(t *testing.T) {
	ops := newFakeNetOps()
	ops.failOn["bind#2"] = fmt.Errorf("address exists")
	act := New(ops, &fakeAnnouncer{}, metrics.NewNoopRecorder(), zerolog.Nop())
	cfg := testRouterConfig()

	err := act.Claim(cfg)
	require.Error(t, err)

	log := ops.callLog()
	assert.Contains(t, log, "unbind eth0 10.100.100.1", "applied bind must be rolled back")
	assert.Contains(t, log, "clearmac eth0", "MAC must be restored")
	assert.NotContains(t, log, "unbind eth0 10.100.101.1", "never-applied bind must not be unbound")

	// Nothing is claimed, so release is a no-op.
	require.NoError(t, act.Release(cfg))
	assert.Len(t, ops.callLog(), len(log))
}

func TestReleaseIsIdempotentAndComplete(t *testing.T) {
	ops := newFakeNetOps()
	act := New(ops, &fakeAnnouncer{}, metrics.NewNoopRecorder(), zerolog.Nop())
	cfg := testRouterConfig()

	require.NoError(t, act.Release(cfg), "releasing an unclaimed instance is a no-op")
	assert.Empty(t, ops.callLog())

	require.NoError(t, act.Claim(cfg))
	ops.failOn["unbind eth0 10.100.100.1"] = fmt.Errorf("busy")

	err := act.Release(cfg)
	require.Error(t, err, "first failure is reported")
	log := ops.callLog()
	assert.Contains(t, log, "unbind eth0 10.100.101.1", "remaining steps still run")
	assert.Contains(t, log, "clearmac eth0")

	require.NoError(t, act.Release(cfg), "second release is a no-op")
}

func TestClaimFailureAnnouncementOnlyWarns(t *testing.T) {
	ops := newFakeNetOps()
	ann := &fakeAnnouncer{err: fmt.Errorf("no such interface")}
	act := New(ops, ann, metrics.NewNoopRecorder(), zerolog.Nop())

	require.NoError(t, act.Claim(testRouterConfig()), "announcement failure must not fail the claim")
}

func TestClaimBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ops := newFakeNetOps()
	ops.failOn["setmac eth0"] = fmt.Errorf("operation not permitted")
	act := New(ops, &fakeAnnouncer{}, metrics.NewNoopRecorder(), zerolog.Nop())
	cfg := testRouterConfig()

	for i := 0; i < 3; i++ {
		err := act.Claim(cfg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	err := act.Claim(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState, "breaker spaces out kernel retries")
}
