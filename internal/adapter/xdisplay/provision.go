package xdisplay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/proc"
	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const (
	// firstDisplay keeps auto-picked displays clear of the numbers desktop
	// sessions and remote logins usually take.
	firstDisplay = 20
	lastDisplay  = 99

	defaultReadyTimeout = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

var dimensionsRe = regexp.MustCompile(`dimensions:\s+(\d+)x(\d+)\s+pixels`)

// windowManagers is tried in order; the first installed one is started.
var windowManagers = []string{"openbox", "fluxbox", "twm"}

// Runner executes a short-lived command and returns its output.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// SpawnFunc starts a long-running process in its own group.
type SpawnFunc func(name string, argv []string, env []string) (domain.Process, error)

// Provisioner starts virtual X displays. It satisfies domain.DisplayProvisioner.
type Provisioner struct {
	logger domain.Logger
	grace  time.Duration

	lookPath func(string) (string, error)
	exists   func(string) bool
	run      Runner
	spawn    SpawnFunc

	socketDir    string
	lockDir      string
	readyTimeout time.Duration
	pollInterval time.Duration
}

// NewProvisioner creates a Provisioner. grace bounds how long a backend that
// never became ready gets to exit before it is killed.
func NewProvisioner(logger domain.Logger, grace time.Duration) *Provisioner {
	p := &Provisioner{
		logger:       logger,
		grace:        grace,
		lookPath:     exec.LookPath,
		exists:       pathExists,
		socketDir:    "/tmp/.X11-unix",
		lockDir:      "/tmp",
		readyTimeout: defaultReadyTimeout,
		pollInterval: defaultPollInterval,
	}
	p.run = func(ctx context.Context, name string, args ...string) (string, error) {
		out, err := exec.CommandContext(ctx, name, args...).Output()
		return string(out), err
	}
	p.spawn = p.spawnProcess
	return p
}

// Provision resolves a display number and backend, starts the server and
// waits until it accepts clients. Backends that fail or time out are
// stopped and the next candidate is tried.
func (p *Provisioner) Provision(ctx context.Context, req domain.DisplayRequest) (domain.DisplayLease, error) {
	if !req.Enabled {
		return domain.DisplayLease{}, nil
	}

	display, err := p.resolveDisplay(req.Display)
	if err != nil {
		return domain.DisplayLease{}, err
	}
	candidates, err := p.candidates(req.Backend)
	if err != nil {
		return domain.DisplayLease{}, err
	}

	var (
		server domain.Process
		chosen backend
		errs   []error
	)
	for _, b := range candidates {
		p.logger.Info("starting virtual display", "backend", b.name, "display", display, "size", req.Size)
		srv, err := p.spawn(b.name, b.args(display, req.Size), nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			continue
		}
		err = p.waitReady(ctx, b, display, srv)
		if err == nil {
			server, chosen = srv, b
			break
		}
		if stopErr := srv.Stop(p.grace); stopErr != nil {
			p.logger.Warn("stop failed backend", "backend", b.name, "err", stopErr)
		}
		if ctx.Err() != nil {
			return domain.DisplayLease{}, ctx.Err()
		}
		p.logger.Warn("virtual display backend failed, trying next", "backend", b.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	if server == nil {
		return domain.DisplayLease{}, fmt.Errorf("%w: %w", domain.ErrDisplayProvision, errors.Join(errs...))
	}

	size := req.Size
	if actual, ok := p.querySize(ctx, display); ok {
		size = actual.CapTo(req.Size)
		if actual != req.Size {
			p.logger.Warn("display size differs from request", "requested", req.Size, "actual", actual, "capture", size)
		}
	}

	lease := domain.DisplayLease{
		Server:  server,
		Display: display,
		Size:    size,
		Backend: chosen.name,
	}
	if req.WindowManager {
		lease.WindowManager = p.startWindowManager(display)
	}
	p.logger.Info("virtual display ready", "display", display, "backend", chosen.name, "capture", size)
	return lease, nil
}

func (p *Provisioner) waitReady(ctx context.Context, b backend, display string, srv domain.Process) error {
	deadline := time.NewTimer(p.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if b.ready(p, ctx, display) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-srv.Done():
			return fmt.Errorf("exited before ready: %v", srv.Err())
		case <-deadline.C:
			return fmt.Errorf("not ready after %s", p.readyTimeout)
		case <-ticker.C:
		}
	}
}

// resolveDisplay normalises an explicit display or picks a free one.
func (p *Provisioner) resolveDisplay(want string) (string, error) {
	want = strings.TrimSpace(want)
	if want == "" || want == "auto" {
		return p.pickFreeDisplay()
	}
	n, err := strconv.Atoi(strings.TrimPrefix(want, ":"))
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: display %q is not :<number>", domain.ErrDisplayProvision, want)
	}
	return fmt.Sprintf(":%d", n), nil
}

// pickFreeDisplay returns the first display number with neither an X socket
// nor a lock file.
func (p *Provisioner) pickFreeDisplay() (string, error) {
	for n := firstDisplay; n <= lastDisplay; n++ {
		d := fmt.Sprintf(":%d", n)
		if p.exists(p.socketPath(d)) || p.exists(p.lockPath(d)) {
			continue
		}
		return d, nil
	}
	return "", fmt.Errorf("%w: no free display between :%d and :%d", domain.ErrDisplayProvision, firstDisplay, lastDisplay)
}

func (p *Provisioner) socketPath(display string) string {
	return filepath.Join(p.socketDir, "X"+strings.TrimPrefix(display, ":"))
}

func (p *Provisioner) lockPath(display string) string {
	return filepath.Join(p.lockDir, ".X"+strings.TrimPrefix(display, ":")+"-lock")
}

func (p *Provisioner) querySize(ctx context.Context, display string) (domain.Size, bool) {
	if _, err := p.lookPath("xdpyinfo"); err != nil {
		return domain.Size{}, false
	}
	out, err := p.run(ctx, "xdpyinfo", "-display", display)
	if err != nil {
		p.logger.Debug("xdpyinfo failed", "display", display, "err", err)
		return domain.Size{}, false
	}
	return parseDimensions(out)
}

func parseDimensions(out string) (domain.Size, bool) {
	m := dimensionsRe.FindStringSubmatch(out)
	if m == nil {
		return domain.Size{}, false
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return domain.Size{Width: w, Height: h}, true
}

// startWindowManager is best-effort: a missing or failing window manager
// leaves the display undecorated.
func (p *Provisioner) startWindowManager(display string) domain.Process {
	for _, wm := range windowManagers {
		if _, err := p.lookPath(wm); err != nil {
			continue
		}
		wmProc, err := p.spawn(wm, []string{wm}, []string{"DISPLAY=" + display})
		if err != nil {
			p.logger.Warn("window manager failed to start", "wm", wm, "err", err)
			return nil
		}
		p.logger.Info("window manager started", "wm", wm, "display", display)
		return wmProc
	}
	p.logger.Warn("no window manager installed, streaming undecorated", "tried", strings.Join(windowManagers, ", "))
	return nil
}

func (p *Provisioner) spawnProcess(name string, argv []string, env []string) (domain.Process, error) {
	h, err := proc.Spawn(name, argv, proc.Options{
		Env:        env,
		StopSignal: syscall.SIGTERM,
		OnLine: func(line string) {
			p.logger.Debug("display output", "proc", name, "line", line)
		},
	}, p.logger)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
