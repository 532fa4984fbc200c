package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Size is a pixel resolution.
type Size struct {
	Width  int
	Height int
}

// ParseSize parses "WxH" (case-insensitive x).
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: resolution %q is not WxH", ErrInvalidConfig, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Size{}, fmt.Errorf("%w: resolution %q has invalid width", ErrInvalidConfig, s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Size{}, fmt.Errorf("%w: resolution %q has invalid height", ErrInvalidConfig, s)
	}
	return Size{Width: width, Height: height}, nil
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// CapTo returns s reduced component-wise so it never exceeds limit.
func (s Size) CapTo(limit Size) Size {
	return Size{Width: min(s.Width, limit.Width), Height: min(s.Height, limit.Height)}
}

// HWAccel names an encoder backend preference.
type HWAccel string

const (
	HWAuto     HWAccel = "auto"
	HWVAAPI    HWAccel = "vaapi"
	HWCUDA     HWAccel = "cuda"
	HWQSV      HWAccel = "qsv"
	HWSoftware HWAccel = "software"
)

// ParseHWAccel validates a hardware preference name.
func ParseHWAccel(s string) (HWAccel, error) {
	switch hw := HWAccel(strings.ToLower(strings.TrimSpace(s))); hw {
	case HWAuto, HWVAAPI, HWCUDA, HWQSV, HWSoftware:
		return hw, nil
	case "":
		return HWAuto, nil
	default:
		return "", fmt.Errorf("%w: unknown hw %q (auto, vaapi, cuda, qsv, software)", ErrInvalidConfig, s)
	}
}

// StartMode selects whether playback starts immediately or after the
// receiver application reports a start request.
type StartMode string

const (
	ModeDirect StartMode = "direct"
	ModeWait   StartMode = "wait"
)

// DisplayRequest describes the virtual display a session wants.
// Display is either ":<n>" or "auto"; Backend is a backend name or "auto".
type DisplayRequest struct {
	Enabled       bool
	Backend       string
	Size          Size
	Display       string
	WindowManager bool
}

// DeviceSelector picks one receiver device. Address wins over Name; both
// empty means the first discovered device.
type DeviceSelector struct {
	Address string
	Name    string
}

func (s DeviceSelector) String() string {
	switch {
	case s.Address != "":
		return "address " + s.Address
	case s.Name != "":
		return fmt.Sprintf("name containing %q", s.Name)
	default:
		return "first discovered"
	}
}

// DeviceDescriptor identifies the selected receiver for the rest of a session.
type DeviceDescriptor struct {
	Address string
	Port    int
	Name    string
	Model   string
}

// SessionConfig is immutable for one session attempt. A latency change
// produces a new value through WithLatency.
type SessionConfig struct {
	Resolution      Size
	FPS             int
	GOPSeconds      float64
	HW              HWAccel
	Port            int
	LogLevel        string
	SinkName        string
	Latency         LatencyProfile
	Device          DeviceSelector
	AppID           string
	Namespace       string
	Mode            StartMode
	Display         string
	Virtual         DisplayRequest
	LANOnly         bool
	DiscoverTimeout time.Duration
	ActiveTimeout   time.Duration
	EncoderGrace    time.Duration
	DisplayGrace    time.Duration
}

// WithLatency returns a copy of c using profile p.
func (c SessionConfig) WithLatency(p LatencyProfile) SessionConfig {
	c.Latency = p
	return c
}

// ControlMessage is one structured message received on the receiver
// application's namespace.
type ControlMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg,omitempty"`
	Raw  string `json:"-"`
}

// Status is a point-in-time copy of the session's externally visible state.
type Status struct {
	SessionID string         `json:"session_id"`
	Phase     Phase          `json:"phase"`
	Latency   LatencyProfile `json:"latency"`
	Device    string         `json:"device,omitempty"`
	StreamURL string         `json:"stream_url,omitempty"`
	Display   string         `json:"display,omitempty"`
	Capture   string         `json:"capture,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
