package app

import (
	"context"
	"sync"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// callLog records the order of calls across mocks.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) count(name string) int {
	n := 0
	for _, got := range c.list() {
		if got == name {
			n++
		}
	}
	return n
}

// mockProcess is a Process whose exit the test controls.
type mockProcess struct {
	pid   int
	log   *callLog
	name  string
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	err   error
	stops int
}

func newMockProcess(pid int, name string, log *callLog) *mockProcess {
	return &mockProcess{pid: pid, name: name, log: log, done: make(chan struct{})}
}

func (m *mockProcess) Pid() int              { return m.pid }
func (m *mockProcess) Done() <-chan struct{} { return m.done }

func (m *mockProcess) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockProcess) exit(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *mockProcess) Stop(time.Duration) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	if m.log != nil {
		m.log.add("stop " + m.name)
	}
	m.exit(nil)
	return nil
}

func (m *mockProcess) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// mockAudio records sink acquisition and release.
type mockAudio struct {
	log       *callLog
	acquireFn func(name string) (domain.AudioLease, error)

	mu       sync.Mutex
	released []domain.AudioLease
}

func (m *mockAudio) Acquire(_ context.Context, name string) (domain.AudioLease, error) {
	m.log.add("acquire audio")
	if m.acquireFn != nil {
		return m.acquireFn(name)
	}
	return domain.AudioLease{
		PreviousDefault: "alsa_output.pci",
		ModuleID:        "42",
		SinkName:        name,
		Monitor:         name + ".monitor",
	}, nil
}

func (m *mockAudio) Release(lease domain.AudioLease) {
	m.log.add("release audio")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, lease)
}

// mockDisplay returns a configured lease.
type mockDisplay struct {
	log         *callLog
	provisionFn func(req domain.DisplayRequest) (domain.DisplayLease, error)
	called      bool
	lastReq     domain.DisplayRequest
}

func (m *mockDisplay) Provision(_ context.Context, req domain.DisplayRequest) (domain.DisplayLease, error) {
	m.log.add("provision display")
	m.called = true
	m.lastReq = req
	return m.provisionFn(req)
}

// mockEncoder hands out mockProcesses and tracks how many are alive.
type mockEncoder struct {
	log      *callLog
	startErr error

	mu      sync.Mutex
	inputs  []domain.EncoderInput
	procs   []*mockProcess
	maxLive int
}

func (m *mockEncoder) BuildCommand(in domain.EncoderInput) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return []string{"ffmpeg", "-i", in.Display}, nil
}

func (m *mockEncoder) Start(argv []string) (domain.Process, error) {
	m.log.add("start encoder")
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := newMockProcess(1000+len(m.procs), "encoder", m.log)
	m.procs = append(m.procs, p)
	live := 0
	for _, q := range m.procs {
		select {
		case <-q.Done():
		default:
			live++
		}
	}
	if live > m.maxLive {
		m.maxLive = live
	}
	return p, nil
}

func (m *mockEncoder) started() []*mockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockProcess(nil), m.procs...)
}

func (m *mockEncoder) input(i int) domain.EncoderInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[i]
}

// mockDevice records device controller calls.
type mockDevice struct {
	log        *callLog
	discoverFn func(sel domain.DeviceSelector) (domain.DeviceDescriptor, error)
	launchErr  error
	playErr    error
	activeErr  error
	control    chan domain.ControlMessage
	onStop     func()

	mu           sync.Mutex
	lastSelector domain.DeviceSelector
	lastAppID    string
	lastURL      string
	lastLive     bool
}

func (m *mockDevice) Discover(_ context.Context, sel domain.DeviceSelector) (domain.DeviceDescriptor, error) {
	m.log.add("discover")
	m.mu.Lock()
	m.lastSelector = sel
	m.mu.Unlock()
	if m.discoverFn != nil {
		return m.discoverFn(sel)
	}
	return domain.DeviceDescriptor{Address: "192.168.1.32", Port: 8009, Name: "LivingRoomTV"}, nil
}

func (m *mockDevice) List(context.Context) ([]domain.DeviceDescriptor, error) { return nil, nil }

func (m *mockDevice) LaunchReceiver(_ context.Context, appID string) error {
	m.log.add("launch")
	m.mu.Lock()
	m.lastAppID = appID
	m.mu.Unlock()
	return m.launchErr
}

func (m *mockDevice) ControlChannel(context.Context, string) (<-chan domain.ControlMessage, error) {
	m.log.add("control channel")
	return m.control, nil
}

func (m *mockDevice) PlayMedia(_ context.Context, url, _ string, live bool) error {
	m.log.add("play")
	m.mu.Lock()
	m.lastURL = url
	m.lastLive = live
	m.mu.Unlock()
	return m.playErr
}

func (m *mockDevice) BlockUntilActive(context.Context, time.Duration) error {
	return m.activeErr
}

func (m *mockDevice) StopPlayback() error {
	m.log.add("stop playback")
	if m.onStop != nil {
		m.onStop()
	}
	return nil
}

func (m *mockDevice) QuitApp() error {
	m.log.add("quit app")
	return nil
}

func (m *mockDevice) Disconnect() error {
	m.log.add("disconnect")
	return nil
}

func (m *mockDevice) url() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastURL
}

// mockPath answers the same-network question with a fixed value.
type mockPath struct {
	local string
	same  bool
}

func (m *mockPath) LocalAddr(domain.DeviceDescriptor) (string, error) { return m.local, nil }
func (m *mockPath) SameNetwork(string, string) bool                   { return m.same }

// mockIDs returns a fixed session ID.
type mockIDs struct {
	id string
}

func (m *mockIDs) Generate() (string, error) { return m.id, nil }

// mockLogger records messages.
type mockLogger struct {
	mu   sync.Mutex
	msgs []string
	args [][]any
}

func (m *mockLogger) record(msg string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	m.args = append(m.args, args)
}

func (m *mockLogger) Debug(msg string, args ...any) { m.record(msg, args) }
func (m *mockLogger) Info(msg string, args ...any)  { m.record(msg, args) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.record(msg, args) }
func (m *mockLogger) Error(msg string, args ...any) { m.record(msg, args) }

// mockObserver streams phase changes to the test.
type mockObserver struct {
	phases chan domain.Phase

	mu       sync.Mutex
	failed   []string
	restarts []domain.LatencyProfile
	stopped  []int
}

func newMockObserver() *mockObserver {
	return &mockObserver{phases: make(chan domain.Phase, 256)}
}

func (m *mockObserver) PhaseChanged(_, to domain.Phase) {
	select {
	case m.phases <- to:
	default:
	}
}

func (m *mockObserver) StatusChanged(domain.Status) {}

func (m *mockObserver) EncoderStarted(int, domain.LatencyProfile) {}

func (m *mockObserver) EncoderStopped(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, pid)
}

func (m *mockObserver) RestartQueued(p domain.LatencyProfile, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, p)
}

func (m *mockObserver) TeardownFailed(step string, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, step)
}
