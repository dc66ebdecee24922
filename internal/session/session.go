// Package session drives the per-pair call state machine: role assignment,
// lifecycle transitions, glare resolution and ring timeouts.
package session

import (
	"time"
)

// State is the lifecycle position of one initiator/target pair. Transitions
// are monotonic: Idle -> Dialing -> Ringing -> Connected -> Ended, with Ended
// reachable from anywhere and terminal.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role is this participant's side of the SDP exchange for one pair.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// Reason explains why a session ended. The values double as the wire-level
// reason strings carried in end-call envelopes.
type Reason string

const (
	ReasonHangup            Reason = "hangup"
	ReasonUnreachable       Reason = "unreachable"
	ReasonNoAnswer          Reason = "no-answer"
	ReasonPeerLost          Reason = "peer-lost"
	ReasonNegotiationFailed Reason = "negotiation-failed"
	ReasonPermissionDenied  Reason = "permission-denied"
)

// ParseReason maps a wire reason string onto the taxonomy, defaulting to
// hangup for empty or unknown values so a terse peer still ends cleanly.
func ParseReason(s string) Reason {
	switch Reason(s) {
	case ReasonUnreachable, ReasonNoAnswer, ReasonPeerLost,
		ReasonNegotiationFailed, ReasonPermissionDenied, ReasonHangup:
		return Reason(s)
	default:
		return ReasonHangup
	}
}

// CallSession is a snapshot of one pair's negotiation attempt. SessionID is
// shared across all pairs created by the same StartCall so a group call can
// be presented as one unit.
type CallSession struct {
	SessionID string
	RoomID    string
	PeerID    string
	Role      Role
	State     State
	EndReason Reason
}

// Scheduler arms the ring timeout. The returned cancel is idempotent.
type Scheduler interface {
	Schedule(d time.Duration, f func()) (cancel func())
}

// TimerScheduler backs Scheduler with time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}
