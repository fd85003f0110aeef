package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gitter-badger/rVRRPd/pkg/actuator"
	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
	"github.com/gitter-badger/rVRRPd/pkg/script"
	"github.com/gitter-badger/rVRRPd/pkg/timer"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

const eventQueueSize = 16

// Conn is the multicast send capability an instance uses to emit
// advertisements. Receiving is the dispatcher's job.
type Conn interface {
	SendAdvertisement(iface string, pdu []byte) error
}

// Status is the observable snapshot of an instance.
type Status struct {
	ID         string    `json:"id"`
	VRID       uint8     `json:"vrid"`
	Interface  string    `json:"interface"`
	State      string    `json:"state"`
	Priority   uint8     `json:"priority"`
	MasterAddr string    `json:"master_addr,omitempty"`
	LastChange time.Time `json:"last_change"`
}

// Events fed to the instance goroutine. Every source of state mutation
// (packets, timer expiries, administrative actions) flows through the same
// channel, so no two of them can interleave inside one transition.
type packetEvent struct {
	adv *vrrp.Advertisement
	src net.IP
}

type timerEvent struct {
	gen uint64
}

type adminKind int

const (
	adminStartup adminKind = iota
	adminShutdown
	adminForceState
)

type adminEvent struct {
	kind  adminKind
	state vrrp.State
	done  chan error
}

// Instance is one virtual router: configuration, protocol state and the
// tagged timer for the current role. All fields below mu are owned by the
// run goroutine; mu only guards the snapshot read by Status.
type Instance struct {
	id       string
	cfg      *config.VirtualRouterConfig
	priority uint8
	local    net.IP

	wheel    *timer.Wheel
	conn     Conn
	act      *actuator.Actuator
	hooks    *script.Runner
	logger   zerolog.Logger
	recorder metrics.Recorder

	events chan interface{}
	done   chan struct{}

	// Owned by the run goroutine. The state implies which timer the
	// generation belongs to: Backup arms only the master-down timer,
	// Master arms only the advertisement timer, Initialize arms none.
	state      vrrp.State
	timerGen   uint64
	masterAdvt time.Duration
	masterAddr net.IP

	mu         sync.RWMutex
	snapshot   Status
	exitedOnce sync.Once
}

// InstanceID names an instance by its demultiplex key.
func InstanceID(iface string, vrid uint8) string {
	return fmt.Sprintf("%s/%d", iface, vrid)
}

func newInstance(cfg *config.VirtualRouterConfig, local net.IP, wheel *timer.Wheel, conn Conn, act *actuator.Actuator, hooks *script.Runner, recorder metrics.Recorder, logger zerolog.Logger) *Instance {
	id := InstanceID(cfg.Interface, cfg.VRID)
	inst := &Instance{
		id:         id,
		cfg:        cfg,
		priority:   cfg.EffectivePriority(),
		local:      local,
		wheel:      wheel,
		conn:       conn,
		act:        act,
		hooks:      hooks,
		recorder:   recorder,
		logger:     logger.With().Str("component", "instance").Str("id", id).Logger(),
		events:     make(chan interface{}, eventQueueSize),
		done:       make(chan struct{}),
		state:      vrrp.StateInitialize,
		masterAdvt: cfg.AdvertInterval,
	}
	inst.publish()
	return inst
}

// enqueue hands an event to the run goroutine. Events for an instance that
// already exited are dropped; the instance can no longer act on them.
func (i *Instance) enqueue(ev interface{}) {
	select {
	case <-i.done:
	case i.events <- ev:
	}
}

// tryEnqueue is the non-blocking variant of enqueue for callers that must
// not stall on one instance's backlog. It reports false when the queue is
// full and the event was not delivered.
func (i *Instance) tryEnqueue(ev interface{}) bool {
	select {
	case <-i.done:
		return true
	case i.events <- ev:
		return true
	default:
		return false
	}
}

// Status returns the current observable snapshot.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshot
}

func (i *Instance) publish() {
	s := Status{
		ID:         i.id,
		VRID:       i.cfg.VRID,
		Interface:  i.cfg.Interface,
		State:      i.state.String(),
		Priority:   i.priority,
		LastChange: time.Now(),
	}
	if i.masterAddr != nil {
		s.MasterAddr = i.masterAddr.String()
	}
	i.mu.Lock()
	i.snapshot = s
	i.mu.Unlock()
	i.recorder.SetGauge(metrics.InstanceState, metrics.Labels{"id": i.id}, float64(i.state))
}

// run is the single actor owning this instance's state.
func (i *Instance) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for ev := range i.events {
		switch ev := ev.(type) {
		case adminEvent:
			if i.handleAdmin(ev) {
				return
			}
		case packetEvent:
			i.handlePacket(ev)
		case timerEvent:
			i.handleTimer(ev)
		}
	}
}

func (i *Instance) handleAdmin(ev adminEvent) (exit bool) {
	switch ev.kind {
	case adminStartup:
		i.bootstrap()
		ev.done <- nil
	case adminShutdown:
		i.teardown()
		ev.done <- nil
		i.exitedOnce.Do(func() { close(i.done) })
		return true
	case adminForceState:
		ev.done <- i.forceState(ev.state)
	}
	return false
}

// bootstrap performs the Initialize transition: the address owner claims
// Master immediately, everyone else starts as Backup and waits out a full
// master-down interval.
func (i *Instance) bootstrap() {
	if i.priority == vrrp.PriorityOwner {
		i.becomeMaster("startup as address owner")
		return
	}
	i.toBackup(nil, "startup")
}

// teardown is the synthetic Released transition: on the Master path it
// tells peers to re-elect right away instead of waiting a full master-down
// interval, then reverts every interface side effect.
func (i *Instance) teardown() {
	i.wheel.Forget(i.id)
	if i.state == vrrp.StateMaster {
		i.sendAdvertisement(vrrp.PriorityRelinquish)
		i.hooks.RunHook(i.cfg.MasterDownScript, i.cfg, vrrp.StateInitialize)
	}
	if err := i.act.Release(i.cfg); err != nil {
		i.logger.Error().Err(err).Msg("Release on teardown failed")
	}
	i.state = vrrp.StateInitialize
	i.publish()
	i.logger.Info().Msg("Instance released")
}

func (i *Instance) forceState(target vrrp.State) error {
	if target == i.state {
		return nil
	}
	i.logger.Warn().Str("target", target.String()).Msg("Administrative state override")
	switch target {
	case vrrp.StateMaster:
		i.becomeMaster("administrative override")
	case vrrp.StateBackup:
		if i.state == vrrp.StateMaster {
			i.stepDown(nil, "administrative override")
		} else {
			i.toBackup(nil, "administrative override")
		}
	case vrrp.StateInitialize:
		i.teardown()
	default:
		return fmt.Errorf("cannot force state %v", target)
	}
	return nil
}

// handlePacket applies a decoded, authenticated advertisement. The packet
// was already matched to this instance by VRID and interface; what remains
// is config agreement and the election comparison.
func (i *Instance) handlePacket(ev packetEvent) {
	adv, src := ev.adv, ev.src

	if err := i.validate(adv); err != nil {
		i.recorder.IncCounter(metrics.PacketsDropped, metrics.Labels{"reason": vrrp.ErrProtocol.String()})
		i.logger.Warn().Err(err).IPAddr("src", src).Msg("Dropping protocol violation")
		return
	}

	switch vrrp.Decide(i.state, i.priority, i.cfg.Preempt, i.local, adv, src) {
	case vrrp.RemainBackup:
		i.masterAddr = src
		if adv.Relinquish() {
			// The Master resigned: wait only skew time, so the
			// highest-priority Backup succeeds first.
			i.armMasterDown(vrrp.SkewTime(i.priority))
		} else {
			i.masterAdvt = adv.Interval()
			i.armMasterDown(vrrp.MasterDownInterval(i.masterAdvt, i.priority))
		}
		i.publish()

	case vrrp.StepDown:
		i.stepDown(src, "higher priority advertisement")

	case vrrp.BecomeMaster:
		i.becomeMaster("master relinquished")

	case vrrp.Ignore:
	}
}

// validate enforces the parts of the advertisement that must agree with
// local configuration: interval and the exact virtual address set.
func (i *Instance) validate(adv *vrrp.Advertisement) error {
	if adv.Interval() != i.cfg.AdvertInterval {
		return fmt.Errorf("advert interval %v, configured %v", adv.Interval(), i.cfg.AdvertInterval)
	}
	if len(adv.Addrs) != len(i.cfg.VirtualIPs) {
		return fmt.Errorf("%d advertised addresses, %d configured", len(adv.Addrs), len(i.cfg.VirtualIPs))
	}
	for _, got := range adv.Addrs {
		found := false
		for _, want := range i.cfg.VirtualIPs {
			if got.Equal(want) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("advertised address %v is not configured", got)
		}
	}
	return nil
}

// handleTimer reacts to an expiry of the timer armed for the current state.
// A stale generation means the timer was rearmed or the instance already
// transitioned for another reason; the expiry is ignored.
func (i *Instance) handleTimer(ev timerEvent) {
	if ev.gen != i.timerGen {
		return
	}
	switch i.state {
	case vrrp.StateBackup:
		i.becomeMaster("master down interval expired")
	case vrrp.StateMaster:
		i.sendAdvertisement(i.priority)
		i.armAdvert()
	}
}

func (i *Instance) armMasterDown(d time.Duration) {
	i.timerGen = i.wheel.Arm(i.id, d)
}

func (i *Instance) armAdvert() {
	i.timerGen = i.wheel.Arm(i.id, i.cfg.AdvertInterval)
}

// becomeMaster claims the interface state and starts advertising. If the
// actuator cannot back the claim, the instance must not pretend to be
// Master: it falls back through Initialize and rejoins the election as
// Backup, retrying the claim on the next win.
func (i *Instance) becomeMaster(reason string) {
	if err := i.act.Claim(i.cfg); err != nil {
		i.logger.Error().Err(err).Msg("Interface claim failed, re-entering election")
		i.wheel.Disarm(i.id)
		i.state = vrrp.StateInitialize
		i.publish()
		i.toBackup(nil, "claim retry")
		return
	}
	prev := i.state
	i.state = vrrp.StateMaster
	i.masterAddr = i.local
	i.sendAdvertisement(i.priority)
	i.armAdvert()
	i.publish()
	i.recorder.IncCounter(metrics.Transitions, metrics.Labels{"id": i.id, "to": "master"})
	i.hooks.RunHook(i.cfg.MasterUpScript, i.cfg, vrrp.StateMaster)
	i.logger.Info().Str("from", prev.String()).Str("reason", reason).Msg("Transitioned to Master")
}

// stepDown yields Master to the sender at src and resumes monitoring it.
func (i *Instance) stepDown(src net.IP, reason string) {
	i.wheel.Disarm(i.id)
	if err := i.act.Release(i.cfg); err != nil {
		i.logger.Error().Err(err).Msg("Release on step-down failed")
	}
	i.hooks.RunHook(i.cfg.MasterDownScript, i.cfg, vrrp.StateBackup)
	i.toBackup(src, reason)
}

func (i *Instance) toBackup(master net.IP, reason string) {
	prev := i.state
	i.state = vrrp.StateBackup
	i.masterAddr = master
	i.armMasterDown(vrrp.MasterDownInterval(i.masterAdvt, i.priority))
	i.publish()
	i.recorder.IncCounter(metrics.Transitions, metrics.Labels{"id": i.id, "to": "backup"})
	i.logger.Info().Str("from", prev.String()).Str("reason", reason).Msg("Transitioned to Backup")
}

// sendAdvertisement encodes and multicasts one advertisement at the given
// priority. The auth key never leaves guarded memory outside this call.
func (i *Instance) sendAdvertisement(priority uint8) {
	adv := &vrrp.Advertisement{
		VRID:        i.cfg.VRID,
		Priority:    priority,
		AuthType:    vrrp.AuthTypeXOF,
		IntervalSec: uint8(i.cfg.AdvertInterval / time.Second),
		Addrs:       i.cfg.VirtualIPs,
	}
	var pdu []byte
	var encErr error
	if err := i.cfg.AuthKey.Access(func(key []byte) {
		pdu, encErr = adv.Encode(key)
	}); err != nil {
		i.logger.Error().Err(err).Msg("Auth key unavailable")
		return
	}
	if encErr != nil {
		i.logger.Error().Err(encErr).Msg("Failed to encode advertisement")
		return
	}
	if err := i.conn.SendAdvertisement(i.cfg.Interface, pdu); err != nil {
		i.logger.Error().Err(err).Msg("Failed to send advertisement")
		return
	}
	i.recorder.IncCounter(metrics.AdvertsSent, metrics.Labels{"id": i.id})
}
