package domain

import (
	"context"
	"time"
)

// Process is a supervised child running in its own process group.
// Done is closed by a background watcher once the process has exited;
// Err is valid after that. Stop interrupts the group, waits up to grace and
// then kills it. Stop is idempotent.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	Stop(grace time.Duration) error
}

// AudioLease records what AcquireSink changed so it can be undone.
// The zero value is a valid no-op lease.
type AudioLease struct {
	PreviousDefault string
	ModuleID        string
	SinkName        string
	Monitor         string
}

// AudioSink creates a loopback sink whose monitor feeds the encoder.
// Release restores the previous default sink and destroys the created one;
// it is best-effort and never fails.
type AudioSink interface {
	Acquire(ctx context.Context, name string) (AudioLease, error)
	Release(lease AudioLease)
}

// DisplayLease holds what a virtual display provisioning spawned.
// WindowManager may be nil.
type DisplayLease struct {
	Server        Process
	WindowManager Process
	Display       string
	Size          Size
	Backend       string
}

// DisplayProvisioner starts a virtual display and waits until it is live.
type DisplayProvisioner interface {
	Provision(ctx context.Context, req DisplayRequest) (DisplayLease, error)
}

// EncoderInput is everything the encoder command line depends on.
type EncoderInput struct {
	Display     string
	Size        Size
	AudioSource string
	Config      SessionConfig
}

// Encoder builds and starts the external encoder that serves the stream.
type Encoder interface {
	BuildCommand(in EncoderInput) ([]string, error)
	Start(argv []string) (Process, error)
}

// HardwareProbe detects an accelerated encoder backend. ok is false when
// only software encoding is available.
type HardwareProbe interface {
	Probe() (hw HWAccel, ok bool)
}

// DeviceController is the narrow contract the session needs from the cast
// device library.
type DeviceController interface {
	Discover(ctx context.Context, sel DeviceSelector) (DeviceDescriptor, error)
	List(ctx context.Context) ([]DeviceDescriptor, error)
	LaunchReceiver(ctx context.Context, appID string) error
	ControlChannel(ctx context.Context, namespace string) (<-chan ControlMessage, error)
	PlayMedia(ctx context.Context, url, contentType string, live bool) error
	BlockUntilActive(ctx context.Context, timeout time.Duration) error
	StopPlayback() error
	QuitApp() error
	Disconnect() error
}

// PathChecker answers the LAN-only policy question.
type PathChecker interface {
	LocalAddr(device DeviceDescriptor) (string, error)
	SameNetwork(local, remote string) bool
}

// Observer receives session events. Implementations must not block.
type Observer interface {
	PhaseChanged(from, to Phase)
	StatusChanged(st Status)
	EncoderStarted(pid int, latency LatencyProfile)
	EncoderStopped(pid int)
	RestartQueued(latency LatencyProfile, reason string)
	TeardownFailed(step string, err error)
}

// IDGenerator creates session correlation IDs.
type IDGenerator interface {
	Generate() (string, error)
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
