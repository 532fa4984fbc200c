package encoder

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const (
	renderNode = "/dev/dri/renderD128"
	// minGOPSeconds keeps very small configured intervals from producing a
	// keyframe on every frame before the latency divisor is applied.
	minGOPSeconds = 0.25
)

// codec holds the per-backend constants of the video encoder.
type codec struct {
	name    string
	pre     []string // device and filter setup placed before -c:v
	quality []string
}

var codecs = map[domain.HWAccel]codec{
	domain.HWVAAPI: {
		name:    "h264_vaapi",
		pre:     []string{"-vaapi_device", renderNode, "-vf", "format=nv12,hwupload"},
		quality: []string{"-qp", "24"},
	},
	domain.HWCUDA: {
		name:    "h264_nvenc",
		quality: []string{"-preset", "p1", "-cq", "23"},
	},
	domain.HWQSV: {
		name:    "h264_qsv",
		quality: []string{"-global_quality", "24"},
	},
	domain.HWSoftware: {
		name:    "libx264",
		quality: []string{"-preset", "veryfast", "-crf", "18", "-pix_fmt", "yuv420p"},
	},
}

// KeyframeInterval returns the GOP length in frames for a latency profile.
func KeyframeInterval(fps int, gopSeconds float64, p domain.LatencyProfile) int {
	frames := int(math.Round(float64(fps) * math.Max(gopSeconds, minGOPSeconds)))
	return max(frames/p.GOPDivisor(), 1)
}

// latencyFlags returns the demuxer/muxer buffering flags of a profile.
func latencyFlags(p domain.LatencyProfile) []string {
	switch p {
	case domain.LatencyNormal:
		return []string{"-probesize", "1M", "-analyzeduration", "1M"}
	default:
		probe := "64k"
		if p == domain.LatencyUltra {
			probe = "32k"
		}
		return []string{
			"-fflags", "nobuffer",
			"-flags", "+low_delay",
			"-probesize", probe,
			"-analyzeduration", "0",
			"-flush_packets", "1",
			"-sc_threshold", "0",
			"-use_wallclock_as_timestamps", "1",
		}
	}
}

// tuneFlags returns encoder-specific low latency tuning.
func tuneFlags(name string, p domain.LatencyProfile) []string {
	switch name {
	case "libx264":
		if p.Aggressive() {
			return []string{"-tune", "zerolatency"}
		}
	case "h264_nvenc":
		switch p {
		case domain.LatencyLow:
			return []string{"-tune", "ll", "-rc-lookahead", "0"}
		case domain.LatencyUltra:
			return []string{"-tune", "ull", "-rc-lookahead", "0"}
		}
	case "h264_vaapi":
		return []string{"-bf", "0"}
	case "h264_qsv":
		return []string{"-look_ahead", "0"}
	}
	return nil
}

// BuildCommand returns the ffmpeg argument vector that captures the display
// and the sink monitor and serves fragmented MP4 to one HTTP client.
func (s *Supervisor) BuildCommand(in domain.EncoderInput) ([]string, error) {
	cfg := in.Config
	switch {
	case in.Display == "":
		return nil, fmt.Errorf("%w: capture display is empty", domain.ErrInvalidConfig)
	case in.Size.Width <= 0 || in.Size.Height <= 0:
		return nil, fmt.Errorf("%w: capture size %s", domain.ErrInvalidConfig, in.Size)
	case in.AudioSource == "":
		return nil, fmt.Errorf("%w: audio source is empty", domain.ErrInvalidConfig)
	case cfg.FPS <= 0:
		return nil, fmt.Errorf("%w: fps %d", domain.ErrInvalidConfig, cfg.FPS)
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("%w: port %d", domain.ErrInvalidConfig, cfg.Port)
	}

	c, ok := codecs[s.resolveHW(cfg.HW)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown hw %q", domain.ErrInvalidConfig, cfg.HW)
	}
	gop := strconv.Itoa(KeyframeInterval(cfg.FPS, cfg.GOPSeconds, cfg.Latency))
	loglevel := cfg.LogLevel
	if loglevel == "" {
		loglevel = "info"
	}

	argv := []string{
		"ffmpeg", "-hide_banner", "-loglevel", loglevel,
		"-rtbufsize", "100M",
		"-thread_queue_size", "1024",
		"-f", "x11grab",
		"-draw_mouse", "1",
		"-framerate", strconv.Itoa(cfg.FPS),
		"-video_size", in.Size.String(),
		"-i", in.Display,
		"-thread_queue_size", "1024",
		"-f", "pulse",
		"-i", in.AudioSource,
		"-fps_mode", "passthrough",
	}
	argv = append(argv, latencyFlags(cfg.Latency)...)
	argv = append(argv, c.pre...)
	argv = append(argv, "-c:v", c.name)
	argv = append(argv, c.quality...)
	argv = append(argv, tuneFlags(c.name, cfg.Latency)...)
	argv = append(argv,
		"-g", gop, "-keyint_min", gop,
		"-c:a", "aac", "-b:a", "192k",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-listen", "1",
		fmt.Sprintf("http://0.0.0.0:%d/", cfg.Port),
	)
	return argv, nil
}

// resolveHW turns "auto" into a concrete backend using the probe.
func (s *Supervisor) resolveHW(hw domain.HWAccel) domain.HWAccel {
	if hw != domain.HWAuto && hw != "" {
		return hw
	}
	if s.probe != nil {
		if detected, ok := s.probe.Probe(); ok {
			return detected
		}
	}
	return domain.HWSoftware
}
