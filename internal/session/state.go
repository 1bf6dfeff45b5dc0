package session

import "fmt"

// State is where the session loop currently is.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDetecting
	StateTracking
	StateMatching
	StateCommitting
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateCapturing:  "capturing",
	StateDetecting:  "detecting",
	StateTracking:   "tracking",
	StateMatching:   "matching",
	StateCommitting: "committing",
	StateTerminated: "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Policy decides what happens after a successful commit.
type Policy string

const (
	// PolicySingleShot stops after the first committed identity.
	PolicySingleShot Policy = "single-shot"
	// PolicyContinuous keeps the kiosk running for every face that passes.
	PolicyContinuous Policy = "continuous"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySingleShot, PolicyContinuous:
		return Policy(s), nil
	case "":
		return PolicySingleShot, nil
	default:
		return "", fmt.Errorf("unknown session policy %q", s)
	}
}

// Reason explains why a session terminated.
type Reason string

const (
	ReasonCommitted    Reason = "committed"
	ReasonCancelled    Reason = "cancelled"
	ReasonMaxFrames    Reason = "max-frames"
	ReasonMaxDuration  Reason = "max-duration"
	ReasonSourceEnded  Reason = "source-ended"
	ReasonDeviceError  Reason = "device-error"
	ReasonEngineExited Reason = "engine-exited"
)
