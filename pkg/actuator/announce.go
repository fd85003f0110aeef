package actuator

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ndp"
	"github.com/rs/zerolog"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// NeighborAnnouncer sends gratuitous ARP for IPv4 targets and unsolicited
// neighbor advertisements for IPv6 targets. Clients are dialed lazily per
// interface and kept for reuse; Master transitions on the same interface
// are frequent enough to make redialing wasteful.
type NeighborAnnouncer struct {
	logger  zerolog.Logger
	arpConn map[string]*arp.Client
	ndpConn map[string]*ndp.Conn
}

// NewNeighborAnnouncer returns the standard announcer.
func NewNeighborAnnouncer(logger zerolog.Logger) *NeighborAnnouncer {
	return &NeighborAnnouncer{
		logger:  logger.With().Str("component", "announcer").Logger(),
		arpConn: make(map[string]*arp.Client),
		ndpConn: make(map[string]*ndp.Conn),
	}
}

// Announce emits one unsolicited announcement claiming addr at mac.
func (na *NeighborAnnouncer) Announce(iface string, addr net.IP, mac net.HardwareAddr) error {
	if addr.To4() != nil {
		return na.gratuitousARP(iface, addr.To4(), mac)
	}
	return na.unsolicitedNA(iface, addr, mac)
}

func (na *NeighborAnnouncer) gratuitousARP(iface string, addr net.IP, mac net.HardwareAddr) error {
	client, ok := na.arpConn[iface]
	if !ok {
		nif, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", iface, err)
		}
		client, err = arp.Dial(nif)
		if err != nil {
			return fmt.Errorf("arp dial %s: %w", iface, err)
		}
		na.arpConn[iface] = client
	}

	ip, ok := netip.AddrFromSlice(addr)
	if !ok {
		return fmt.Errorf("invalid address %v", addr)
	}
	// A gratuitous ARP is a reply with sender and target both set to the
	// announced address, broadcast so every neighbor refreshes its cache.
	pkt, err := arp.NewPacket(arp.OperationReply, mac, ip, broadcastMAC, ip)
	if err != nil {
		return fmt.Errorf("build gratuitous arp: %w", err)
	}
	if err := client.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}
	if err := client.WriteTo(pkt, broadcastMAC); err != nil {
		return fmt.Errorf("send gratuitous arp: %w", err)
	}
	na.logger.Debug().Str("interface", iface).IPAddr("vip", addr).Msg("Sent gratuitous ARP")
	return nil
}

func (na *NeighborAnnouncer) unsolicitedNA(iface string, addr net.IP, mac net.HardwareAddr) error {
	conn, ok := na.ndpConn[iface]
	if !ok {
		nif, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", iface, err)
		}
		conn, _, err = ndp.Listen(nif, ndp.LinkLocal)
		if err != nil {
			return fmt.Errorf("ndp listen %s: %w", iface, err)
		}
		na.ndpConn[iface] = conn
	}

	target, ok := netip.AddrFromSlice(addr.To16())
	if !ok {
		return fmt.Errorf("invalid address %v", addr)
	}
	msg := &ndp.NeighborAdvertisement{
		Override:      true,
		TargetAddress: target,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{
				Direction: ndp.Source,
				Addr:      mac,
			},
		},
	}
	if err := conn.WriteTo(msg, nil, netip.IPv6LinkLocalAllNodes()); err != nil {
		return fmt.Errorf("send neighbor advertisement: %w", err)
	}
	na.logger.Debug().Str("interface", iface).IPAddr("vip", addr).Msg("Sent unsolicited neighbor advertisement")
	return nil
}

// Close releases all per-interface clients.
func (na *NeighborAnnouncer) Close() error {
	for _, c := range na.arpConn {
		c.Close()
	}
	for _, c := range na.ndpConn {
		c.Close()
	}
	return nil
}
