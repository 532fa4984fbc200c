package xdisplay

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fakeProcess struct {
	pid     int
	done    chan struct{}
	mu      sync.Mutex
	stopped int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (f *fakeProcess) Pid() int              { return f.pid }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) Err() error            { return nil }
func (f *fakeProcess) Stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped == 0 {
		close(f.done)
	}
	f.stopped++
	return nil
}

type spawnCall struct {
	name string
	argv []string
	env  []string
	proc *fakeProcess
}

// fakeHost models installed binaries, files and command outputs.
type fakeHost struct {
	installed map[string]bool
	files     map[string]bool
	outputs   map[string]string
	spawned   []*spawnCall
	// onSpawn lets a test make a backend become ready.
	onSpawn func(name, display string)
}

func (h *fakeHost) lookPath(bin string) (string, error) {
	if h.installed[bin] {
		return "/usr/bin/" + bin, nil
	}
	return "", errors.New("not found")
}

func (h *fakeHost) exists(path string) bool { return h.files[path] }

func (h *fakeHost) run(_ context.Context, name string, args ...string) (string, error) {
	out, ok := h.outputs[name]
	if !ok {
		return "", errors.New("command failed")
	}
	return out, nil
}

func (h *fakeHost) spawn(name string, argv []string, env []string) (domain.Process, error) {
	c := &spawnCall{name: name, argv: argv, env: env, proc: newFakeProcess(1000 + len(h.spawned))}
	h.spawned = append(h.spawned, c)
	if h.onSpawn != nil {
		if display, ok := displayArg(argv); ok {
			h.onSpawn(name, display)
		}
	}
	return c.proc, nil
}

// displayArg returns the first ":N" argument. Its position differs between
// backends (xpra takes a "start" verb first).
func displayArg(argv []string) (string, bool) {
	for _, a := range argv[1:] {
		if strings.HasPrefix(a, ":") {
			return a, true
		}
	}
	return "", false
}

func newTestProvisioner(h *fakeHost) *Provisioner {
	p := NewProvisioner(nopLogger{}, 10*time.Millisecond)
	p.lookPath = h.lookPath
	p.exists = h.exists
	p.run = h.run
	p.spawn = h.spawn
	p.readyTimeout = 100 * time.Millisecond
	p.pollInterval = 5 * time.Millisecond
	return p
}

func TestParseDimensions(t *testing.T) {
	out := "screen #0:\n  dimensions:    3840x2160 pixels (1016x571 millimeters)\n"
	got, ok := parseDimensions(out)
	if !ok || got != (domain.Size{Width: 3840, Height: 2160}) {
		t.Errorf("parseDimensions() = %v, %v", got, ok)
	}
	if _, ok := parseDimensions("no screens"); ok {
		t.Error("expected no match")
	}
}

func TestPickFreeDisplay_SkipsSocketsAndLocks(t *testing.T) {
	h := &fakeHost{files: map[string]bool{
		"/tmp/.X11-unix/X20": true,
		"/tmp/.X21-lock":     true,
	}}
	p := newTestProvisioner(h)

	got, err := p.pickFreeDisplay()
	if err != nil {
		t.Fatalf("pickFreeDisplay() error: %v", err)
	}
	if got != ":22" {
		t.Errorf("pickFreeDisplay() = %q, want :22", got)
	}
}

func TestResolveDisplay(t *testing.T) {
	p := newTestProvisioner(&fakeHost{})
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{":5", ":5", false},
		{"7", ":7", false},
		{"auto", ":20", false},
		{"", ":20", false},
		{":abc", "", true},
	}
	for _, tt := range tests {
		got, err := p.resolveDisplay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolveDisplay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveDisplay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProvision_Disabled(t *testing.T) {
	h := &fakeHost{installed: map[string]bool{"Xvfb": true}}
	p := newTestProvisioner(h)

	lease, err := p.Provision(context.Background(), domain.DisplayRequest{Enabled: false})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if lease.Server != nil || len(h.spawned) != 0 {
		t.Error("disabled request must not spawn anything")
	}
}

func TestProvision_FallsBackToNextBackend(t *testing.T) {
	h := &fakeHost{
		installed: map[string]bool{"Xephyr": true, "xpra": true},
		files:     map[string]bool{},
		outputs:   map[string]string{},
	}
	h.onSpawn = func(name, display string) {
		// Xephyr never creates its socket; xpra registers a live session.
		if name == "xpra" {
			h.outputs["xpra"] = "Found the following xpra sessions:\n\tLIVE session at " + display + "\n"
		}
	}
	p := newTestProvisioner(h)

	req := domain.DisplayRequest{Enabled: true, Backend: "auto", Size: domain.Size{Width: 1920, Height: 1080}, Display: ":30"}
	lease, err := p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if lease.Backend != "xpra" {
		t.Errorf("Backend = %q, want xpra", lease.Backend)
	}
	if len(h.spawned) != 2 {
		t.Fatalf("spawned %d processes, want 2", len(h.spawned))
	}
	if h.spawned[0].proc.stopped != 1 {
		t.Error("timed out Xephyr was not stopped")
	}
	if d, _ := displayArg(h.spawned[1].argv); d != ":30" || h.spawned[1].argv[1] != "start" {
		t.Errorf("xpra argv = %v, want start on :30", h.spawned[1].argv)
	}
	if lease.Size != req.Size {
		t.Errorf("Size = %v, want requested %v when xdpyinfo is absent", lease.Size, req.Size)
	}
}

func TestProvision_ExplicitBackendMissing(t *testing.T) {
	h := &fakeHost{installed: map[string]bool{"Xvfb": true}}
	p := newTestProvisioner(h)

	_, err := p.Provision(context.Background(), domain.DisplayRequest{Enabled: true, Backend: "xephyr", Size: domain.Size{Width: 640, Height: 480}})
	if !errors.Is(err, domain.ErrDisplayProvision) {
		t.Fatalf("Provision() error = %v, want ErrDisplayProvision", err)
	}
	if len(h.spawned) != 0 {
		t.Error("explicit backend must not fall back to another backend")
	}
}

func TestProvision_NoBackendReady(t *testing.T) {
	h := &fakeHost{installed: map[string]bool{"Xvfb": true}, files: map[string]bool{}}
	p := newTestProvisioner(h)

	_, err := p.Provision(context.Background(), domain.DisplayRequest{Enabled: true, Size: domain.Size{Width: 640, Height: 480}, Display: ":40"})
	if !errors.Is(err, domain.ErrDisplayProvision) {
		t.Fatalf("Provision() error = %v, want ErrDisplayProvision", err)
	}
	if h.spawned[0].proc.stopped != 1 {
		t.Error("server left running after failed provisioning")
	}
}

func TestProvision_CapsNegotiatedSize(t *testing.T) {
	tests := []struct {
		name string
		xdpy string
		want domain.Size
	}{
		{"larger is capped", "  dimensions:    3840x2160 pixels\n", domain.Size{Width: 1920, Height: 1080}},
		{"smaller is kept", "  dimensions:    1280x720 pixels\n", domain.Size{Width: 1280, Height: 720}},
		{"mixed is capped per axis", "  dimensions:    2560x1000 pixels\n", domain.Size{Width: 1920, Height: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHost{
				installed: map[string]bool{"Xvfb": true, "xdpyinfo": true},
				files:     map[string]bool{"/tmp/.X11-unix/X21": true},
				outputs:   map[string]string{"xdpyinfo": tt.xdpy},
			}
			p := newTestProvisioner(h)

			lease, err := p.Provision(context.Background(), domain.DisplayRequest{
				Enabled: true, Backend: "xvfb", Display: ":21",
				Size: domain.Size{Width: 1920, Height: 1080},
			})
			if err != nil {
				t.Fatalf("Provision() error: %v", err)
			}
			if lease.Size != tt.want {
				t.Errorf("Size = %v, want %v", lease.Size, tt.want)
			}
			if lease.Size.Width > 1920 || lease.Size.Height > 1080 {
				t.Errorf("capture size %v exceeds request", lease.Size)
			}
		})
	}
}

func TestProvision_StartsFirstInstalledWindowManager(t *testing.T) {
	h := &fakeHost{
		installed: map[string]bool{"Xvfb": true, "fluxbox": true, "twm": true},
		files:     map[string]bool{"/tmp/.X11-unix/X25": true},
	}
	p := newTestProvisioner(h)

	lease, err := p.Provision(context.Background(), domain.DisplayRequest{
		Enabled: true, Display: ":25", WindowManager: true,
		Size: domain.Size{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if lease.WindowManager == nil {
		t.Fatal("window manager not started")
	}
	wm := h.spawned[len(h.spawned)-1]
	if wm.name != "fluxbox" {
		t.Errorf("window manager = %q, want fluxbox", wm.name)
	}
	if strings.Join(wm.env, " ") != "DISPLAY=:25" {
		t.Errorf("env = %v, want DISPLAY=:25", wm.env)
	}
}

func TestProvision_MissingWindowManagerIsNotFatal(t *testing.T) {
	h := &fakeHost{
		installed: map[string]bool{"Xvfb": true},
		files:     map[string]bool{"/tmp/.X11-unix/X26": true},
	}
	p := newTestProvisioner(h)

	lease, err := p.Provision(context.Background(), domain.DisplayRequest{
		Enabled: true, Display: ":26", WindowManager: true,
		Size: domain.Size{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if lease.WindowManager != nil {
		t.Error("expected no window manager")
	}
}

func TestProvision_CancelledWhileWaiting(t *testing.T) {
	h := &fakeHost{installed: map[string]bool{"Xvfb": true}, files: map[string]bool{}}
	p := newTestProvisioner(h)
	p.readyTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Provision(ctx, domain.DisplayRequest{Enabled: true, Display: ":27", Size: domain.Size{Width: 800, Height: 600}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Provision() error = %v, want context.Canceled", err)
	}
	if h.spawned[0].proc.stopped != 1 {
		t.Error("server not stopped after cancellation")
	}
}

func TestInstalled(t *testing.T) {
	h := &fakeHost{installed: map[string]bool{"Xvfb": true, "xpra": true, "twm": true}}
	p := newTestProvisioner(h)

	backends, wms := p.Installed()
	if !reflect.DeepEqual(backends, []string{"xvfb", "xpra"}) {
		t.Errorf("backends = %v", backends)
	}
	if !reflect.DeepEqual(wms, []string{"twm"}) {
		t.Errorf("window managers = %v", wms)
	}
}
