package domain

import "fmt"

// Phase is a SessionOrchestrator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProvisioning
	PhaseEncoderStarting
	PhaseDeviceDiscovering
	PhaseReceiverLaunching
	PhaseAwaitingRemoteStart
	PhasePathChecking
	PhasePlaybackStarting
	PhaseStreaming
	PhaseStopping
)

var phaseNames = map[Phase]string{
	PhaseIdle:                "idle",
	PhaseProvisioning:        "provisioning",
	PhaseEncoderStarting:     "encoder_starting",
	PhaseDeviceDiscovering:   "device_discovering",
	PhaseReceiverLaunching:   "receiver_launching",
	PhaseAwaitingRemoteStart: "awaiting_remote_start",
	PhasePathChecking:        "path_checking",
	PhasePlaybackStarting:    "playback_starting",
	PhaseStreaming:           "streaming",
	PhaseStopping:            "stopping",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for ph, name := range phaseNames {
		if name == string(b) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}
