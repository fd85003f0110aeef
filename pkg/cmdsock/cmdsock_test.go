package cmdsock

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/rVRRPd/pkg/actuator"
	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/core"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
	"github.com/gitter-badger/rVRRPd/pkg/script"
	"github.com/gitter-badger/rVRRPd/pkg/securestore"
)

type nopConn struct{}

func (nopConn) SendAdvertisement(iface string, pdu []byte) error { return nil }

type nopNetOps struct{}

func (nopNetOps) SetVirtualMAC(iface string, mac net.HardwareAddr) error   { return nil }
func (nopNetOps) ClearVirtualMAC(iface string, mac net.HardwareAddr) error { return nil }
func (nopNetOps) BindAddress(iface string, addr net.IP) error              { return nil }
func (nopNetOps) UnbindAddress(iface string, addr net.IP) error            { return nil }

type nopAnnouncer struct{}

func (nopAnnouncer) Announce(iface string, addr net.IP, mac net.HardwareAddr) error { return nil }

func testListener(t *testing.T) *Listener {
	t.Helper()
	act := actuator.New(nopNetOps{}, nopAnnouncer{}, metrics.NewNoopRecorder(), zerolog.Nop())
	resolve := func(string) (net.IP, error) { return net.IPv4(192, 168, 1, 10).To4(), nil }
	d := core.NewDispatcher(nopConn{}, act, script.NewRunner(zerolog.Nop()), resolve, metrics.NewNoopRecorder(), zerolog.Nop())
	t.Cleanup(func() { _ = d.Shutdown() })

	secret, err := securestore.NewSecret([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	_, err = d.LoadInstance(&config.VirtualRouterConfig{
		VRID:           10,
		Interface:      "eth0",
		VirtualIPs:     []net.IP{net.IPv4(10, 100, 100, 1).To4()},
		Priority:       100,
		AdvertInterval: time.Second,
		Preempt:        true,
		AuthKey:        secret,
	})
	require.NoError(t, err)

	return NewListener("", d, zerolog.Nop())
}

func TestExecuteStatus(t *testing.T) {
	l := testListener(t)

	assert.Equal(t, "eth0/10 state=Backup priority=100 master=-", l.execute("status"))
	assert.Equal(t, "eth0/10 state=Backup priority=100 master=-", l.execute("status eth0/10"))

	reply := l.execute("status eth0/99")
	assert.Contains(t, reply, "ERR")
}

func TestExecuteForce(t *testing.T) {
	l := testListener(t)

	assert.Equal(t, "OK", l.execute("force eth0/10 master"))
	assert.Contains(t, l.execute("status eth0/10"), "state=Master")

	assert.Contains(t, l.execute("force eth0/10 bogus"), "ERR")
	assert.Contains(t, l.execute("force eth0/99 backup"), "ERR")
	assert.Contains(t, l.execute("force eth0/10"), "ERR usage")
}

func TestExecuteRemove(t *testing.T) {
	l := testListener(t)

	assert.Equal(t, "OK", l.execute("remove eth0/10"))
	assert.Contains(t, l.execute("remove eth0/10"), "ERR")
	assert.Contains(t, l.execute("remove"), "ERR usage")
}

func TestExecuteRejectsGarbage(t *testing.T) {
	l := testListener(t)

	assert.Contains(t, l.execute(""), "ERR")
	assert.Contains(t, l.execute("   "), "ERR")
	assert.Contains(t, l.execute("reboot now"), "ERR unknown command")
}
