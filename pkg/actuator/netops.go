package actuator

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const ipCmdTimeout = 5 * time.Second

// IPRouteNetOps manipulates interface state through the iproute2 tooling.
// The original MAC of each interface is remembered on first claim so it can
// be restored on release.
type IPRouteNetOps struct {
	logger zerolog.Logger
	ipCmd  func(args ...string) (string, error)

	mu       sync.Mutex
	origMACs map[string]net.HardwareAddr
}

// NewIPRouteNetOps returns the standard Linux NetOps implementation.
func NewIPRouteNetOps(logger zerolog.Logger) *IPRouteNetOps {
	return &IPRouteNetOps{
		logger:   logger.With().Str("component", "netops").Logger(),
		ipCmd:    systemIP,
		origMACs: make(map[string]net.HardwareAddr),
	}
}

func systemIP(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ipCmdTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	return string(out), err
}

func (n *IPRouteNetOps) run(args ...string) error {
	out, err := n.ipCmd(args...)
	if err != nil {
		return fmt.Errorf("ip %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	n.logger.Debug().Strs("args", args).Msg("ip command applied")
	return nil
}

// SetVirtualMAC replaces the interface MAC with the virtual router MAC,
// remembering the original for ClearVirtualMAC.
func (n *IPRouteNetOps) SetVirtualMAC(iface string, mac net.HardwareAddr) error {
	n.mu.Lock()
	if _, saved := n.origMACs[iface]; !saved {
		nif, err := net.InterfaceByName(iface)
		if err != nil {
			n.mu.Unlock()
			return fmt.Errorf("lookup %s: %w", iface, err)
		}
		orig := make(net.HardwareAddr, len(nif.HardwareAddr))
		copy(orig, nif.HardwareAddr)
		n.origMACs[iface] = orig
	}
	n.mu.Unlock()
	return n.run("link", "set", "dev", iface, "address", mac.String())
}

// ClearVirtualMAC restores the interface's original MAC.
func (n *IPRouteNetOps) ClearVirtualMAC(iface string, mac net.HardwareAddr) error {
	n.mu.Lock()
	orig, ok := n.origMACs[iface]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.run("link", "set", "dev", iface, "address", orig.String())
}

// BindAddress adds the virtual address to the interface.
func (n *IPRouteNetOps) BindAddress(iface string, addr net.IP) error {
	return n.run("address", "add", addr.String()+"/32", "dev", iface)
}

// UnbindAddress removes the virtual address. An address that is already
// gone is not an error: release paths run on both failover and shutdown.
// iproute2 error strings vary with locale, so absence is established by
// listing the interface addresses rather than by matching the message.
func (n *IPRouteNetOps) UnbindAddress(iface string, addr net.IP) error {
	err := n.run("address", "del", addr.String()+"/32", "dev", iface)
	if err != nil && !n.addressPresent(iface, addr) {
		return nil
	}
	return err
}

// addressPresent reports whether addr is still configured on iface. It
// errs towards present: if the listing itself fails, the caller's delete
// error stands.
func (n *IPRouteNetOps) addressPresent(iface string, addr net.IP) bool {
	out, err := n.ipCmd("-4", "address", "show", "dev", iface)
	if err != nil {
		return true
	}
	return strings.Contains(out, " "+addr.String()+"/")
}
