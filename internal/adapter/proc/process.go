package proc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// killWait bounds how long Stop waits for the kernel to reap a killed group.
const killWait = 2 * time.Second

// Options configures Spawn.
type Options struct {
	// Env is appended to the current environment.
	Env []string
	// OnLine receives every stdout/stderr line. Nil discards output.
	OnLine func(line string)
	// StopSignal is sent to the group first. Defaults to SIGTERM.
	StopSignal syscall.Signal
}

// Handle is a child process running in its own process group. It satisfies
// domain.Process.
type Handle struct {
	name       string
	pid        int
	cmd        *exec.Cmd
	stopSignal syscall.Signal
	logger     domain.Logger

	done chan struct{}
	err  error

	stopOnce sync.Once
	stopErr  error
}

// Spawn starts argv in a new process group. Output is drained by a
// background reader so the child never blocks on a full pipe, and a second
// goroutine waits for exit and closes Done.
func Spawn(name string, argv []string, opts Options, logger domain.Logger) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("start %s: empty command", name)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdin = nil
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var out *os.File
	if opts.OnLine != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("start %s: output pipe: %w", name, err)
		}
		cmd.Stdout = w
		cmd.Stderr = w
		out = r
		// The child holds its own copy; ours must close so the reader sees EOF.
		defer w.Close()
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	sig := opts.StopSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	h := &Handle{
		name:       name,
		pid:        cmd.Process.Pid,
		cmd:        cmd,
		stopSignal: sig,
		logger:     logger,
		done:       make(chan struct{}),
	}

	if out != nil {
		go drain(out, opts.OnLine)
	}
	go h.watch()

	logger.Info("process started", "name", name, "pid", h.pid)
	return h, nil
}

func (h *Handle) watch() {
	h.err = h.cmd.Wait()
	close(h.done)
}

// Pid returns the process (and process group) id.
func (h *Handle) Pid() int { return h.pid }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the exit error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Stop signals the group with the stop signal, waits up to grace, then
// kills the group. Repeated calls return the first result.
func (h *Handle) Stop(grace time.Duration) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(grace)
	})
	return h.stopErr
}

func (h *Handle) stop(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := signalGroup(h.pid, h.stopSignal); err != nil {
		h.logger.Warn("signal process group failed", "name", h.name, "pid", h.pid, "signal", h.stopSignal, "err", err)
	}
	select {
	case <-h.done:
		h.logger.Info("process stopped", "name", h.name, "pid", h.pid)
		return nil
	case <-time.After(grace):
	}

	h.logger.Warn("process ignored stop signal, killing group", "name", h.name, "pid", h.pid, "grace", grace)
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		h.logger.Warn("kill process group failed", "name", h.name, "pid", h.pid, "err", err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
	}

	alive, err := process.PidExists(int32(h.pid))
	if err == nil && !alive {
		return nil
	}
	return fmt.Errorf("%s (pid %d) still alive after SIGKILL, abandoning", h.name, h.pid)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// drain forwards output lines until the write side is closed.
func drain(r io.ReadCloser, onLine func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			onLine(line)
		}
	}
}

// scanLines splits on '\n' and '\r' so progress lines that rewrite themselves
// with carriage returns still arrive one at a time.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}
