// Package core owns the virtual router instances: the per-instance state
// machine and the dispatcher that demultiplexes packets and timer expiries
// onto them.
package core

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gitter-badger/rVRRPd/pkg/actuator"
	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
	"github.com/gitter-badger/rVRRPd/pkg/script"
	"github.com/gitter-badger/rVRRPd/pkg/timer"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

// shutdownGrace bounds the synchronous wait for instances to revert their
// interface side effects on exit.
const shutdownGrace = 5 * time.Second

// LocalAddrFunc resolves the primary IPv4 address of an interface. It is a
// parameter so tests can run without real interfaces.
type LocalAddrFunc func(iface string) (net.IP, error)

// InterfaceAddr is the default LocalAddrFunc.
func InterfaceAddr(iface string) (net.IP, error) {
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := nif.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.To4(), nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address on %s", iface)
}

// Dispatcher owns the instance registry keyed by (interface, VRID) and
// routes every event source to the owning instance goroutine.
type Dispatcher struct {
	conn      Conn
	act       *actuator.Actuator
	hooks     *script.Runner
	recorder  metrics.Recorder
	logger    zerolog.Logger
	localAddr LocalAddrFunc

	// Auth failures come straight off a spoofable multicast segment;
	// logging each one would let an attacker flood the log.
	authLog *rate.Limiter

	wheel *timer.Wheel

	mu        sync.RWMutex
	instances map[string]*Instance
	wg        sync.WaitGroup
}

// NewDispatcher creates the dispatcher and its timer wheel.
func NewDispatcher(conn Conn, act *actuator.Actuator, hooks *script.Runner, localAddr LocalAddrFunc, recorder metrics.Recorder, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		conn:      conn,
		act:       act,
		hooks:     hooks,
		recorder:  recorder,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		localAddr: localAddr,
		authLog:   rate.NewLimiter(rate.Every(10*time.Second), 5),
		instances: make(map[string]*Instance),
	}
	d.wheel = timer.New(d.onTimerExpiry, logger)
	return d
}

// LoadInstance creates, registers and starts a virtual router instance and
// returns its ID.
func (d *Dispatcher) LoadInstance(cfg *config.VirtualRouterConfig) (string, error) {
	local, err := d.localAddr(cfg.Interface)
	if err != nil {
		return "", fmt.Errorf("resolve local address on %s: %w", cfg.Interface, err)
	}

	id := InstanceID(cfg.Interface, cfg.VRID)
	d.mu.Lock()
	if _, exists := d.instances[id]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("instance %s already loaded", id)
	}
	inst := newInstance(cfg, local, d.wheel, d.conn, d.act, d.hooks, d.recorder, d.logger)
	d.instances[id] = inst
	d.wg.Add(1)
	d.mu.Unlock()

	go inst.run(&d.wg)
	if err := d.admin(inst, adminEvent{kind: adminStartup, done: make(chan error, 1)}); err != nil {
		return "", err
	}
	d.logger.Info().Str("id", id).Uint8("priority", inst.priority).Msg("Instance loaded")
	return id, nil
}

// RemoveInstance tears an instance down, reverting its interface side
// effects, and forgets it.
func (d *Dispatcher) RemoveInstance(id string) error {
	d.mu.Lock()
	inst, ok := d.instances[id]
	if ok {
		delete(d.instances, id)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown instance %s", id)
	}
	return d.admin(inst, adminEvent{kind: adminShutdown, done: make(chan error, 1)})
}

// ForceState is the administrative override used by tests and operators.
func (d *Dispatcher) ForceState(id string, state vrrp.State) error {
	inst, ok := d.lookup(id)
	if !ok {
		return fmt.Errorf("unknown instance %s", id)
	}
	return d.admin(inst, adminEvent{kind: adminForceState, state: state, done: make(chan error, 1)})
}

// InstanceStatus reports the observable state of one instance.
func (d *Dispatcher) InstanceStatus(id string) (Status, error) {
	inst, ok := d.lookup(id)
	if !ok {
		return Status{}, fmt.Errorf("unknown instance %s", id)
	}
	return inst.Status(), nil
}

// Statuses lists all instances, ordered by ID.
func (d *Dispatcher) Statuses() []Status {
	d.mu.RLock()
	out := make([]Status, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, inst.Status())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Dispatcher) lookup(id string) (*Instance, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	return inst, ok
}

func (d *Dispatcher) admin(inst *Instance, ev adminEvent) error {
	inst.enqueue(ev)
	select {
	case err := <-ev.done:
		return err
	case <-time.After(shutdownGrace):
		return fmt.Errorf("instance %s did not acknowledge admin event", inst.id)
	}
}

// HandlePacket takes one received VRRP PDU with its IP-layer metadata,
// validates it and feeds it to the owning instance. Every rejection is
// counted and none is fatal.
func (d *Dispatcher) HandlePacket(iface string, src net.IP, ttl uint8, pdu []byte) {
	d.recorder.IncCounter(metrics.PacketsReceived, metrics.Labels{"interface": iface})

	if ttl != vrrp.MulticastTTL {
		d.drop(vrrp.ErrMalformed.String())
		return
	}
	if len(pdu) < 2 {
		d.drop(vrrp.ErrMalformed.String())
		return
	}

	// Demultiplex before decoding: the auth key is per instance.
	id := InstanceID(iface, pdu[1])
	inst, ok := d.lookup(id)
	if !ok {
		d.drop("unknown_instance")
		return
	}

	var adv *vrrp.Advertisement
	var decErr error
	if err := inst.cfg.AuthKey.Access(func(key []byte) {
		adv, decErr = vrrp.Decode(pdu, key)
	}); err != nil {
		d.logger.Error().Err(err).Str("id", id).Msg("Auth key unavailable")
		return
	}
	if decErr != nil {
		kind := vrrp.ErrMalformed
		if de, ok := decErr.(*vrrp.DecodeError); ok {
			kind = de.Kind
		}
		d.drop(kind.String())
		if kind == vrrp.ErrBadAuth {
			if d.authLog.Allow() {
				d.logger.Warn().IPAddr("src", src).Str("id", id).Msg("Dropping advertisement with bad authentication")
			}
			return
		}
		d.logger.Debug().Err(decErr).IPAddr("src", src).Msg("Dropping malformed packet")
		return
	}

	// Our own advertisements come back off the wire on some stacks.
	if src.Equal(inst.local) {
		return
	}
	inst.enqueue(packetEvent{adv: adv, src: src})
}

func (d *Dispatcher) drop(reason string) {
	d.recorder.IncCounter(metrics.PacketsDropped, metrics.Labels{"reason": reason})
}

// onTimerExpiry routes a wheel expiry to the owning instance. It runs on
// the wheel's scheduler goroutine, so it must never block: one instance
// with a full queue would stall timer delivery for every other instance.
// A full queue gets its expiry handed off asynchronously instead; the
// generation check makes late delivery harmless. Expiries for removed
// instances fall through silently.
func (d *Dispatcher) onTimerExpiry(ev timer.Expiry) {
	inst, ok := d.lookup(ev.ID)
	if !ok {
		return
	}
	if !inst.tryEnqueue(timerEvent{gen: ev.Gen}) {
		go inst.enqueue(timerEvent{gen: ev.Gen})
	}
}

// Shutdown tears down every instance, waiting (bounded) until all of them
// have confirmed releasing their interface state. This is the one place a
// synchronous wait is required: exiting with a bound virtual IP would
// blackhole traffic.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	insts := make([]*Instance, 0, len(d.instances))
	for id, inst := range d.instances {
		insts = append(insts, inst)
		delete(d.instances, id)
	}
	d.mu.Unlock()

	for _, inst := range insts {
		inst.enqueue(adminEvent{kind: adminShutdown, done: make(chan error, 1)})
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		err = fmt.Errorf("shutdown timed out after %v", shutdownGrace)
	}
	d.wheel.Stop()
	return err
}
