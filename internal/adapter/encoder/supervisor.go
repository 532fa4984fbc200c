package encoder

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/proc"
	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// LineKind classifies one line of encoder output.
type LineKind int

const (
	LinePlain LineKind = iota
	LineReady
	LineError
)

var errorMarkers = []string{"Error", "Invalid", "Cannot", "No such", "failed"}

// Classify infers encoder state from an output line.
func Classify(line string) LineKind {
	if strings.HasPrefix(strings.TrimSpace(line), "Output #0") {
		return LineReady
	}
	for _, m := range errorMarkers {
		if strings.Contains(line, m) {
			return LineError
		}
	}
	return LinePlain
}

// Supervisor builds and starts the ffmpeg process. It satisfies
// domain.Encoder.
type Supervisor struct {
	probe  domain.HardwareProbe
	logger domain.Logger
}

// NewSupervisor creates a Supervisor. probe may be nil, in which case "auto"
// means software encoding.
func NewSupervisor(probe domain.HardwareProbe, logger domain.Logger) *Supervisor {
	return &Supervisor{probe: probe, logger: logger}
}

// Start spawns argv in its own process group. SIGINT lets ffmpeg finalize
// the stream before the grace window runs out.
func (s *Supervisor) Start(argv []string) (domain.Process, error) {
	h, err := proc.Spawn("ffmpeg", argv, proc.Options{
		StopSignal: syscall.SIGINT,
		OnLine:     s.logLine,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEncoderSpawn, err)
	}
	return h, nil
}

func (s *Supervisor) logLine(line string) {
	switch Classify(line) {
	case LineReady:
		s.logger.Info("encoder ready", "line", line)
	case LineError:
		s.logger.Warn("encoder", "line", line)
	default:
		s.logger.Debug("encoder", "line", line)
	}
}
