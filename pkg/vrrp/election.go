package vrrp

import "net"

// Decision is the outcome of comparing a received advertisement against the
// local instance.
type Decision int

const (
	// Ignore drops the packet without touching timers.
	Ignore Decision = iota
	// RemainBackup keeps the Backup role and rearms the master-down timer.
	RemainBackup
	// BecomeMaster claims the Master role immediately.
	BecomeMaster
	// StepDown yields the Master role to the sender.
	StepDown
)

func (d Decision) String() string {
	switch d {
	case Ignore:
		return "Ignore"
	case RemainBackup:
		return "RemainBackup"
	case BecomeMaster:
		return "BecomeMaster"
	case StepDown:
		return "StepDown"
	default:
		return "Unknown"
	}
}

// Decide applies the RFC 3768 comparison rules for a valid advertisement
// received in the given state. localAddr is the primary address of the
// local interface; src is the advertisement's IP source. Ties on equal
// priority break on the numeric address comparison, where the greater
// address takes the Master role. The ordering is total over distinct
// addresses, so exactly one of two tied routers steps down.
//
// Decide is pure: timers, sockets and side effects belong to the caller.
func Decide(state State, localPriority uint8, preempt bool, localAddr net.IP, adv *Advertisement, src net.IP) Decision {
	switch state {
	case StateBackup:
		if adv.Relinquish() {
			// The Master is gone; the caller shortens the wait to
			// skew time rather than claiming instantly, so higher
			// priority backups win the succession.
			return RemainBackup
		}
		if !preempt || adv.Priority >= localPriority {
			return RemainBackup
		}
		return Ignore

	case StateMaster:
		if adv.Relinquish() {
			return Ignore
		}
		if adv.Priority > localPriority {
			return StepDown
		}
		if adv.Priority == localPriority && CompareAddrs(src, localAddr) > 0 {
			return StepDown
		}
		return Ignore

	default:
		return Ignore
	}
}
