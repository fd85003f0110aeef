// Package transport moves VRRP PDUs on and off the wire: pcap capture with
// a protocol filter inbound, raw IP multicast outbound. It knows nothing
// about protocol state; received PDUs go to a handler with their IP-layer
// metadata attached.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

const snapLen = 1500

// PacketHandler consumes one received PDU with its IP-layer metadata.
type PacketHandler func(iface string, src net.IP, ttl uint8, pdu []byte)

// MulticastConn sends advertisements to the all-VRRP-routers group. One raw
// connection is opened lazily per interface.
type MulticastConn struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*ipv4.RawConn
}

// NewMulticastConn returns the standard outbound transport.
func NewMulticastConn(logger zerolog.Logger) *MulticastConn {
	return &MulticastConn{
		logger: logger.With().Str("component", "transport").Logger(),
		conns:  make(map[string]*ipv4.RawConn),
	}
}

func (m *MulticastConn) rawConn(iface string) (*ipv4.RawConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.conns[iface]; ok {
		return r, nil
	}
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", iface, err)
	}
	c, err := net.ListenPacket(fmt.Sprintf("ip4:%d", vrrp.ProtoNumber), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	r, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	if err := r.SetMulticastInterface(nif); err != nil {
		r.Close()
		return nil, fmt.Errorf("bind multicast to %s: %w", iface, err)
	}
	if err := r.SetMulticastLoopback(false); err != nil {
		m.logger.Warn().Err(err).Msg("Could not disable multicast loopback")
	}
	m.conns[iface] = r
	return r, nil
}

// SendAdvertisement multicasts one PDU out the given interface with the
// protocol-mandated TTL.
func (m *MulticastConn) SendAdvertisement(iface string, pdu []byte) error {
	r, err := m.rawConn(iface)
	if err != nil {
		return err
	}
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      0xc0,
		TotalLen: ipv4.HeaderLen + len(pdu),
		TTL:      vrrp.MulticastTTL,
		Protocol: vrrp.ProtoNumber,
		Dst:      vrrp.MulticastGroup.To4(),
	}
	if err := r.WriteTo(hdr, pdu, nil); err != nil {
		return fmt.Errorf("multicast send on %s: %w", iface, err)
	}
	return nil
}

// Close releases all raw connections.
func (m *MulticastConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for iface, r := range m.conns {
		r.Close()
		delete(m.conns, iface)
	}
	return nil
}

// Receiver captures VRRP packets on one interface and feeds them to a
// handler. Capture uses a BPF filter so only protocol 112 ever crosses
// into userspace.
type Receiver struct {
	iface   string
	handler PacketHandler
	logger  zerolog.Logger
}

// NewReceiver creates a receiver for one interface.
func NewReceiver(iface string, handler PacketHandler, logger zerolog.Logger) *Receiver {
	return &Receiver{
		iface:   iface,
		handler: handler,
		logger:  logger.With().Str("component", "receiver").Str("interface", iface).Logger(),
	}
}

// Run captures until the context is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	handle, err := pcap.OpenLive(r.iface, snapLen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("pcap open %s: %w", r.iface, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(fmt.Sprintf("ip proto %d", vrrp.ProtoNumber)); err != nil {
		return fmt.Errorf("set BPF filter: %w", err)
	}
	r.logger.Info().Msg("Listening for VRRP advertisements")

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			ipLayer := pkt.Layer(layers.LayerTypeIPv4)
			if ipLayer == nil {
				continue
			}
			ip := ipLayer.(*layers.IPv4)
			if ip.Protocol != vrrp.ProtoNumber {
				continue
			}
			r.handler(r.iface, ip.SrcIP, ip.TTL, ip.Payload)
		}
	}
}
