// Package actuator applies and reverts the interface side effects of role
// transitions: virtual MAC ownership, virtual IP binding and the gratuitous
// announcements that repoint neighbor caches at the new Master.
package actuator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

// NetOps is the interface-manipulation capability the actuator consumes.
// Implementations mutate kernel state; fakes stand in for tests.
type NetOps interface {
	SetVirtualMAC(iface string, mac net.HardwareAddr) error
	ClearVirtualMAC(iface string, mac net.HardwareAddr) error
	BindAddress(iface string, addr net.IP) error
	UnbindAddress(iface string, addr net.IP) error
}

// Announcer emits one unsolicited address announcement: gratuitous ARP for
// IPv4, unsolicited neighbor advertisement for IPv6.
type Announcer interface {
	Announce(iface string, addr net.IP, mac net.HardwareAddr) error
}

// Actuator coordinates claim/release of virtual router interface state.
// Claim failures trip a circuit breaker so an instance that cannot back its
// Master role with real interface state does not hammer the kernel on every
// election win.
type Actuator struct {
	netops   NetOps
	announce Announcer
	logger   zerolog.Logger
	recorder metrics.Recorder
	breaker  *gobreaker.CircuitBreaker

	mu      sync.Mutex
	claimed map[string]bool
}

func claimKey(iface string, vrid uint8) string {
	return fmt.Sprintf("%s/%d", iface, vrid)
}

// New creates an actuator over the given capabilities.
func New(netops NetOps, announce Announcer, recorder metrics.Recorder, logger zerolog.Logger) *Actuator {
	return &Actuator{
		netops:   netops,
		announce: announce,
		logger:   logger.With().Str("component", "actuator").Logger(),
		recorder: recorder,
		claimed:  make(map[string]bool),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "interface-claim",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Claim installs the virtual MAC and binds every virtual IP, then announces
// each address with the virtual MAC as owner. A partial failure rolls back
// what was applied before returning: the instance either owns the full set
// or none of it.
func (a *Actuator) Claim(cfg *config.VirtualRouterConfig) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.claim(cfg)
	})
	if err != nil {
		a.recorder.IncCounter(metrics.ActuatorFailures, metrics.Labels{"interface": cfg.Interface})
	}
	return err
}

func (a *Actuator) claim(cfg *config.VirtualRouterConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := claimKey(cfg.Interface, cfg.VRID)
	if a.claimed[key] {
		return nil
	}
	mac := vrrp.VirtualMAC(cfg.VRID)

	if err := a.netops.SetVirtualMAC(cfg.Interface, mac); err != nil {
		return fmt.Errorf("set virtual MAC: %w", err)
	}
	var bound []net.IP
	for _, ip := range cfg.VirtualIPs {
		if err := a.netops.BindAddress(cfg.Interface, ip); err != nil {
			a.rollback(cfg, mac, bound)
			return fmt.Errorf("bind %v: %w", ip, err)
		}
		bound = append(bound, ip)
	}
	a.claimed[key] = true

	for _, ip := range cfg.VirtualIPs {
		if err := a.announce.Announce(cfg.Interface, ip, mac); err != nil {
			// The claim itself holds; hosts converge on the next
			// periodic advertisement anyway.
			a.logger.Warn().Err(err).Str("interface", cfg.Interface).
				IPAddr("vip", ip).Msg("Failed to announce virtual address")
		}
	}
	a.logger.Info().Str("interface", cfg.Interface).Uint8("vrid", cfg.VRID).
		Str("vmac", mac.String()).Msg("Claimed virtual router addresses")
	return nil
}

func (a *Actuator) rollback(cfg *config.VirtualRouterConfig, mac net.HardwareAddr, bound []net.IP) {
	for _, ip := range bound {
		if err := a.netops.UnbindAddress(cfg.Interface, ip); err != nil {
			a.logger.Error().Err(err).IPAddr("vip", ip).Msg("Rollback unbind failed")
		}
	}
	if err := a.netops.ClearVirtualMAC(cfg.Interface, mac); err != nil {
		a.logger.Error().Err(err).Msg("Rollback MAC restore failed")
	}
}

// Release reverts everything Claim applied. It is idempotent: releasing an
// unclaimed instance is a no-op. All steps run even if one fails, so a
// single error cannot strand the rest of the kernel state; the first error
// is returned.
func (a *Actuator) Release(cfg *config.VirtualRouterConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := claimKey(cfg.Interface, cfg.VRID)
	if !a.claimed[key] {
		return nil
	}
	delete(a.claimed, key)

	var first error
	for _, ip := range cfg.VirtualIPs {
		if err := a.netops.UnbindAddress(cfg.Interface, ip); err != nil && first == nil {
			first = fmt.Errorf("unbind %v: %w", ip, err)
		}
	}
	mac := vrrp.VirtualMAC(cfg.VRID)
	if err := a.netops.ClearVirtualMAC(cfg.Interface, mac); err != nil && first == nil {
		first = fmt.Errorf("clear virtual MAC: %w", err)
	}
	a.logger.Info().Str("interface", cfg.Interface).Uint8("vrid", cfg.VRID).
		Msg("Released virtual router addresses")
	return first
}
