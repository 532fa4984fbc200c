package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const streamContentType = "video/mp4"

// Deps are the collaborators a Session drives.
type Deps struct {
	Audio     domain.AudioSink
	Display   domain.DisplayProvisioner
	Encoder   domain.Encoder
	Device    domain.DeviceController
	Path      domain.PathChecker
	IDs       domain.IDGenerator
	Logger    domain.Logger
	Observers []domain.Observer
}

// Session orchestrates one streaming session: provisioning, encoder,
// device control, steady state and teardown. A latency change restarts
// everything except the device connection.
type Session struct {
	audio   domain.AudioSink
	display domain.DisplayProvisioner
	encoder domain.Encoder
	device  domain.DeviceController
	path    domain.PathChecker
	ids     domain.IDGenerator
	logger  domain.Logger

	cfg domain.SessionConfig

	restartCh chan restartReq
	pending   atomic.Bool

	mu        sync.Mutex
	status    domain.Status
	observers []domain.Observer
}

// restartReq asks the streaming loop to rebuild the pipeline.
type restartReq struct {
	latency domain.LatencyProfile
	reason  string
}

// deviceState survives latency restarts.
type deviceState struct {
	descriptor domain.DeviceDescriptor
	connected  bool
	control    <-chan domain.ControlMessage
}

// NewSession creates a Session for cfg.
func NewSession(cfg domain.SessionConfig, deps Deps) *Session {
	return &Session{
		audio:     deps.Audio,
		display:   deps.Display,
		encoder:   deps.Encoder,
		device:    deps.Device,
		path:      deps.Path,
		ids:       deps.IDs,
		logger:    deps.Logger,
		cfg:       cfg,
		restartCh: make(chan restartReq, 1),
		observers: deps.Observers,
		status:    domain.Status{Phase: domain.PhaseIdle, Latency: cfg.Latency},
	}
}

// AddObserver registers o for session events. Call before Run.
func (s *Session) AddObserver(o domain.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Run drives the session until ctx is cancelled or a fatal error occurs.
// Cancellation is a normal stop and returns nil.
func (s *Session) Run(ctx context.Context) error {
	id, err := s.ids.Generate()
	if err != nil {
		return err
	}
	s.updateStatus(func(st *domain.Status) { st.SessionID = id })

	cfg := s.cfg
	dev := &deviceState{}
	for attempt := 1; ; attempt++ {
		log := withAttrs(s.logger, "session", id, "attempt", attempt)
		log.Info("session starting", "latency", cfg.Latency, "mode", cfg.Mode, "virtual", cfg.Virtual.Enabled)

		restart, err := s.runAttempt(ctx, log, cfg, dev, attempt > 1)
		if restart == nil {
			if errors.Is(err, context.Canceled) {
				log.Info("session interrupted")
				return nil
			}
			if err != nil {
				log.Error("session failed", "err", err)
				return err
			}
			return nil
		}

		log.Info("restarting pipeline", "from", cfg.Latency, "to", restart.latency, "reason", restart.reason)
		cfg = cfg.WithLatency(restart.latency)
	}
}

// RequestLatency queues a pipeline restart with profile p. It returns false
// when a restart is already pending; the request is then dropped.
func (s *Session) RequestLatency(p domain.LatencyProfile, reason string) bool {
	if !s.pending.CompareAndSwap(false, true) {
		s.logger.Info("latency change ignored, restart already pending", "latency", p)
		return false
	}
	s.restartCh <- restartReq{latency: p, reason: reason}
	s.logger.Info("latency change queued", "latency", p, "reason", reason)
	for _, o := range s.observerList() {
		o.RestartQueued(p, reason)
	}
	return true
}

// Status returns a snapshot of the externally visible state.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// runAttempt runs one pass through the state machine and always ends in
// Idle. A non-nil restart means the device connection was kept.
func (s *Session) runAttempt(ctx context.Context, log domain.Logger, cfg domain.SessionConfig, dev *deviceState, restarted bool) (*restartReq, error) {
	rt := &runtimeState{restarted: restarted}
	s.updateStatus(func(st *domain.Status) {
		st.Latency = cfg.Latency
		st.StreamURL = ""
		st.Display = ""
		st.Capture = ""
	})

	restart, err := s.startAndStream(ctx, log, cfg, rt, dev)
	keepDevice := restart != nil

	s.setPhase(log, domain.PhaseStopping)
	s.teardown(log, cfg, rt, dev, keepDevice)
	s.setPhase(log, domain.PhaseIdle)
	return restart, err
}

func (s *Session) startAndStream(ctx context.Context, log domain.Logger, cfg domain.SessionConfig, rt *runtimeState, dev *deviceState) (*restartReq, error) {
	s.setPhase(log, domain.PhaseProvisioning)
	lease, err := s.audio.Acquire(ctx, cfg.SinkName)
	if err != nil {
		return nil, err
	}
	rt.audio = lease

	captureDisplay, captureSize := cfg.Display, cfg.Resolution
	if cfg.Virtual.Enabled {
		dl, err := s.display.Provision(ctx, cfg.Virtual)
		if err != nil {
			return nil, err
		}
		rt.display = dl
		captureDisplay, captureSize = dl.Display, dl.Size
		log.Info("virtual display in use", "display", dl.Display, "backend", dl.Backend, "capture", dl.Size)
	}
	s.updateStatus(func(st *domain.Status) {
		st.Display = captureDisplay
		st.Capture = captureSize.String()
	})

	s.setPhase(log, domain.PhaseEncoderStarting)
	argv, err := s.encoder.BuildCommand(domain.EncoderInput{
		Display:     captureDisplay,
		Size:        captureSize,
		AudioSource: rt.audio.Monitor,
		Config:      cfg,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("encoder command", "argv", argv)
	encoder, err := s.encoder.Start(argv)
	if err != nil {
		return nil, err
	}
	rt.encoder = encoder
	for _, o := range s.observerList() {
		o.EncoderStarted(encoder.Pid(), cfg.Latency)
	}

	if !dev.connected {
		if err := s.acquireDevice(ctx, log, cfg, rt, dev); err != nil {
			return nil, err
		}
	} else {
		log.Info("reusing device connection", "device", dev.descriptor.Name)
	}

	s.setPhase(log, domain.PhasePathChecking)
	local, err := s.path.LocalAddr(dev.descriptor)
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	if !s.path.SameNetwork(local, dev.descriptor.Address) {
		if cfg.LANOnly {
			return nil, fmt.Errorf("%w: local %s, device %s", domain.ErrNotLocal, local, dev.descriptor.Address)
		}
		log.Warn("device looks like it is on another network", "local", local, "device", dev.descriptor.Address)
	}

	s.setPhase(log, domain.PhasePlaybackStarting)
	url := fmt.Sprintf("http://%s:%d/", local, cfg.Port)
	s.updateStatus(func(st *domain.Status) { st.StreamURL = url })
	if err := s.device.PlayMedia(ctx, url, streamContentType, true); err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}
	if err := s.device.BlockUntilActive(ctx, cfg.ActiveTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("device did not report playback, continuing", "timeout", cfg.ActiveTimeout, "err", err)
	}

	if rt.restarted {
		s.pending.Store(false)
	}
	s.setPhase(log, domain.PhaseStreaming)
	log.Info("streaming", "url", url, "device", dev.descriptor.Name)
	return s.stream(ctx, log, cfg, rt, dev)
}

// acquireDevice discovers the device, launches the receiver and, in wait
// mode, blocks until the receiver asks for the stream.
func (s *Session) acquireDevice(ctx context.Context, log domain.Logger, cfg domain.SessionConfig, rt *runtimeState, dev *deviceState) error {
	s.setPhase(log, domain.PhaseDeviceDiscovering)
	d, err := s.device.Discover(ctx, cfg.Device)
	if err != nil {
		return err
	}
	dev.descriptor = d
	dev.connected = true
	s.updateStatus(func(st *domain.Status) { st.Device = d.Name })
	log.Info("device selected", "name", d.Name, "address", d.Address, "model", d.Model)

	s.setPhase(log, domain.PhaseReceiverLaunching)
	if err := s.device.LaunchReceiver(ctx, cfg.AppID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("receiver launch failed, continuing", "app", cfg.AppID, "err", err)
	}

	if cfg.Mode != domain.ModeWait {
		return nil
	}
	s.setPhase(log, domain.PhaseAwaitingRemoteStart)
	return s.awaitRemoteStart(ctx, log, cfg, rt, dev)
}

func (s *Session) awaitRemoteStart(ctx context.Context, log domain.Logger, cfg domain.SessionConfig, rt *runtimeState, dev *deviceState) error {
	if dev.control == nil {
		ch, err := s.device.ControlChannel(ctx, cfg.Namespace)
		if err != nil {
			return fmt.Errorf("register control channel: %w", err)
		}
		dev.control = ch
	}
	log.Info("waiting for start message", "namespace", cfg.Namespace)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.encoder.Done():
			return fmt.Errorf("%w: %v", domain.ErrEncoderExited, rt.encoder.Err())
		case msg, ok := <-dev.control:
			if !ok {
				dev.control = nil
				return errors.New("control channel closed before start message")
			}
			if msg.Type == "start" {
				log.Info("start message received")
				return nil
			}
			logControl(log, msg)
		}
	}
}

// stream idles until cancellation, encoder exit or a restart request.
func (s *Session) stream(ctx context.Context, log domain.Logger, cfg domain.SessionConfig, rt *runtimeState, dev *deviceState) (*restartReq, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rt.encoder.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrEncoderExited, rt.encoder.Err())
		case req := <-s.restartCh:
			if req.latency == cfg.Latency {
				log.Info("latency unchanged, restart skipped", "latency", req.latency)
				s.pending.Store(false)
				continue
			}
			return &req, nil
		case msg, ok := <-dev.control:
			if !ok {
				dev.control = nil
				continue
			}
			logControl(log, msg)
		}
	}
}

func logControl(log domain.Logger, msg domain.ControlMessage) {
	switch msg.Type {
	case "debug":
		log.Info("receiver debug", "msg", msg.Msg)
	default:
		log.Debug("control message ignored", "type", msg.Type, "raw", msg.Raw)
	}
}
