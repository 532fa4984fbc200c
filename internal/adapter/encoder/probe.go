package encoder

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const nvidiaControl = "/dev/nvidiactl"

// Probe asks ffmpeg for its acceleration methods and checks the matching
// device node. The answer is computed once per process.
type Probe struct {
	run    func(ctx context.Context) (string, error)
	exists func(path string) bool

	once   sync.Once
	hw     domain.HWAccel
	found  bool
	logger domain.Logger
}

// NewProbe creates a Probe that runs the ffmpeg binary on PATH.
func NewProbe(logger domain.Logger) *Probe {
	return &Probe{
		run: func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels").Output()
			return string(out), err
		},
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		logger: logger,
	}
}

// Probe returns the first usable backend in the order vaapi, cuda, qsv.
// Any failure to run ffmpeg reads as "software only".
func (p *Probe) Probe() (domain.HWAccel, bool) {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		out, err := p.run(ctx)
		if err != nil {
			p.logger.Debug("ffmpeg -hwaccels failed", "err", err)
			return
		}
		p.hw, p.found = pickHW(parseHWAccels(out), p.exists)
		if p.found {
			p.logger.Info("hardware encoder detected", "hw", p.hw)
		}
	})
	return p.hw, p.found
}

// parseHWAccels reads the method list that follows the
// "Hardware acceleration methods:" header.
func parseHWAccels(out string) map[string]bool {
	methods := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		methods[line] = true
	}
	return methods
}

func pickHW(methods map[string]bool, exists func(string) bool) (domain.HWAccel, bool) {
	switch {
	case methods["vaapi"] && exists(renderNode):
		return domain.HWVAAPI, true
	case (methods["cuda"] || methods["nvenc"]) && exists(nvidiaControl):
		return domain.HWCUDA, true
	case methods["qsv"] && exists(renderNode):
		return domain.HWQSV, true
	}
	return "", false
}
