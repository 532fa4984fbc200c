package pulse

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const commandTimeout = 5 * time.Second

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Sink manages a null sink through pactl. It works against PulseAudio and
// PipeWire's pulse server alike.
type Sink struct {
	run    Runner
	logger domain.Logger
}

// NewSink creates a Sink. A nil runner uses ExecRunner.
func NewSink(run Runner, logger domain.Logger) *Sink {
	if run == nil {
		run = ExecRunner
	}
	return &Sink{run: run, logger: logger}
}

// Acquire creates the loopback sink and makes it the default output.
func (s *Sink) Acquire(ctx context.Context, name string) (domain.AudioLease, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*commandTimeout)
	defer cancel()

	info, err := s.run(ctx, "pactl", "info")
	if err != nil {
		return domain.AudioLease{}, fmt.Errorf("%w: %v", domain.ErrAudioBackend, err)
	}
	previous := parseDefaultSink(info)

	s.unloadStale(ctx, name)

	out, err := s.run(ctx, "pactl", "load-module", "module-null-sink",
		"sink_name="+name,
		"sink_properties=device.description="+name)
	if err != nil {
		return domain.AudioLease{}, fmt.Errorf("%w: create sink %s: %v", domain.ErrAudioBackend, name, err)
	}
	lease := domain.AudioLease{
		PreviousDefault: previous,
		ModuleID:        strings.TrimSpace(out),
		SinkName:        name,
		Monitor:         name + ".monitor",
	}

	if _, err := s.run(ctx, "pactl", "set-default-sink", name); err != nil {
		s.Release(domain.AudioLease{ModuleID: lease.ModuleID})
		return domain.AudioLease{}, fmt.Errorf("%w: set default sink %s: %v", domain.ErrAudioBackend, name, err)
	}

	s.logger.Info("audio sink ready", "sink", name, "module", lease.ModuleID, "previous_default", previous)
	return lease, nil
}

// Release restores the previous default sink, then unloads the created sink.
// Both steps are best-effort; the zero lease is a no-op.
func (s *Sink) Release(lease domain.AudioLease) {
	if lease.PreviousDefault == "" && lease.ModuleID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*commandTimeout)
	defer cancel()

	if lease.PreviousDefault != "" && lease.PreviousDefault != lease.SinkName {
		if _, err := s.run(ctx, "pactl", "set-default-sink", lease.PreviousDefault); err != nil {
			s.logger.Warn("restore default sink failed", "sink", lease.PreviousDefault, "err", err)
		}
	}
	if lease.ModuleID != "" {
		if _, err := s.run(ctx, "pactl", "unload-module", lease.ModuleID); err != nil {
			s.logger.Warn("unload sink module failed", "module", lease.ModuleID, "err", err)
			return
		}
		s.logger.Info("audio sink removed", "sink", lease.SinkName, "module", lease.ModuleID)
	}
}

// unloadStale removes null sinks with the same name left behind by a
// session that never reached teardown.
func (s *Sink) unloadStale(ctx context.Context, name string) {
	out, err := s.run(ctx, "pactl", "list", "short", "modules")
	if err != nil {
		s.logger.Debug("list modules failed", "err", err)
		return
	}
	for _, id := range staleModules(out, name) {
		s.logger.Warn("unloading stale sink module", "sink", name, "module", id)
		if _, err := s.run(ctx, "pactl", "unload-module", id); err != nil {
			s.logger.Warn("unload stale module failed", "module", id, "err", err)
		}
	}
}

// parseDefaultSink extracts the value of "Default Sink:" from pactl info.
func parseDefaultSink(info string) string {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "Default Sink:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// staleModules returns the ids of module-null-sink entries whose arguments
// name the given sink. Input is "pactl list short modules" output.
func staleModules(list, name string) []string {
	var ids []string
	want := "sink_name=" + name
	scanner := bufio.NewScanner(strings.NewReader(list))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[1] != "module-null-sink" {
			continue
		}
		for _, arg := range fields[2:] {
			if arg == want {
				ids = append(ids, fields[0])
				break
			}
		}
	}
	return ids
}
