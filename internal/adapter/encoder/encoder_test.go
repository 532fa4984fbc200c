package encoder

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fixedProbe struct {
	hw    domain.HWAccel
	ok    bool
	calls int
}

func (p *fixedProbe) Probe() (domain.HWAccel, bool) {
	p.calls++
	return p.hw, p.ok
}

func testInput(latency domain.LatencyProfile, hw domain.HWAccel) domain.EncoderInput {
	return domain.EncoderInput{
		Display:     ":20",
		Size:        domain.Size{Width: 1920, Height: 1080},
		AudioSource: "cast_sink.monitor",
		Config: domain.SessionConfig{
			FPS:        30,
			GOPSeconds: 2,
			HW:         hw,
			Port:       8090,
			LogLevel:   "info",
			Latency:    latency,
		},
	}
}

// flagValue returns the argument following the last occurrence of flag.
func flagValue(argv []string, flag string) string {
	v := ""
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == flag {
			v = argv[i+1]
		}
	}
	return v
}

func TestKeyframeInterval(t *testing.T) {
	tests := []struct {
		fps     int
		gop     float64
		latency domain.LatencyProfile
		want    int
	}{
		{30, 2, domain.LatencyNormal, 60},
		{30, 2, domain.LatencyLow, 30},
		{30, 2, domain.LatencyUltra, 20},
		{30, 0, domain.LatencyNormal, 8},
		{1, 0.1, domain.LatencyUltra, 1},
		{25, 1.5, domain.LatencyLow, 19},
	}
	for _, tt := range tests {
		got := KeyframeInterval(tt.fps, tt.gop, tt.latency)
		if got != tt.want {
			t.Errorf("KeyframeInterval(%d, %v, %s) = %d, want %d", tt.fps, tt.gop, tt.latency, got, tt.want)
		}
	}
}

func TestBuildCommand_GOPFollowsLatency(t *testing.T) {
	s := NewSupervisor(nil, nopLogger{})
	for latency, want := range map[domain.LatencyProfile]string{
		domain.LatencyNormal: "60",
		domain.LatencyLow:    "30",
		domain.LatencyUltra:  "20",
	} {
		argv, err := s.BuildCommand(testInput(latency, domain.HWSoftware))
		if err != nil {
			t.Fatalf("BuildCommand(%s) error: %v", latency, err)
		}
		if got := flagValue(argv, "-g"); got != want {
			t.Errorf("%s: -g = %s, want %s", latency, got, want)
		}
		if got := flagValue(argv, "-keyint_min"); got != want {
			t.Errorf("%s: -keyint_min = %s, want %s", latency, got, want)
		}
	}
}

func TestBuildCommand_CaptureAndOutput(t *testing.T) {
	s := NewSupervisor(nil, nopLogger{})
	argv, err := s.BuildCommand(testInput(domain.LatencyNormal, domain.HWSoftware))
	if err != nil {
		t.Fatalf("BuildCommand() error: %v", err)
	}
	if argv[0] != "ffmpeg" {
		t.Errorf("argv[0] = %q", argv[0])
	}
	if got := flagValue(argv, "-video_size"); got != "1920x1080" {
		t.Errorf("-video_size = %q", got)
	}
	if got := flagValue(argv, "-framerate"); got != "30" {
		t.Errorf("-framerate = %q", got)
	}
	if argv[len(argv)-1] != "http://0.0.0.0:8090/" {
		t.Errorf("output = %q", argv[len(argv)-1])
	}
	if got := flagValue(argv, "-listen"); got != "1" {
		t.Errorf("-listen = %q", got)
	}
	if got := flagValue(argv, "-movflags"); got != "frag_keyframe+empty_moov+default_base_moof" {
		t.Errorf("-movflags = %q", got)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "-f x11grab -draw_mouse 1 -framerate 30 -video_size 1920x1080 -i :20") {
		t.Errorf("x11grab input malformed: %s", joined)
	}
	if !strings.Contains(joined, "-f pulse -i cast_sink.monitor") {
		t.Errorf("pulse input malformed: %s", joined)
	}
	if got := flagValue(argv, "-c:v"); got != "libx264" {
		t.Errorf("-c:v = %q", got)
	}
	if slices.Contains(argv, "zerolatency") {
		t.Error("normal profile must not use zerolatency")
	}
}

func TestBuildCommand_LatencyFlags(t *testing.T) {
	s := NewSupervisor(nil, nopLogger{})

	low, _ := s.BuildCommand(testInput(domain.LatencyLow, domain.HWSoftware))
	if flagValue(low, "-probesize") != "64k" || flagValue(low, "-fflags") != "nobuffer" {
		t.Errorf("low profile flags missing: %v", low)
	}
	if flagValue(low, "-tune") != "zerolatency" {
		t.Error("low profile on libx264 must tune zerolatency")
	}

	ultra, _ := s.BuildCommand(testInput(domain.LatencyUltra, domain.HWCUDA))
	if flagValue(ultra, "-probesize") != "32k" {
		t.Errorf("ultra -probesize = %q", flagValue(ultra, "-probesize"))
	}
	if flagValue(ultra, "-tune") != "ull" || flagValue(ultra, "-rc-lookahead") != "0" {
		t.Errorf("ultra nvenc tune missing: %v", ultra)
	}
	if flagValue(ultra, "-c:v") != "h264_nvenc" {
		t.Errorf("-c:v = %q", flagValue(ultra, "-c:v"))
	}
}

func TestBuildCommand_AutoUsesProbe(t *testing.T) {
	probe := &fixedProbe{hw: domain.HWVAAPI, ok: true}
	s := NewSupervisor(probe, nopLogger{})

	argv, err := s.BuildCommand(testInput(domain.LatencyNormal, domain.HWAuto))
	if err != nil {
		t.Fatalf("BuildCommand() error: %v", err)
	}
	if flagValue(argv, "-c:v") != "h264_vaapi" {
		t.Errorf("-c:v = %q, want h264_vaapi", flagValue(argv, "-c:v"))
	}
	if flagValue(argv, "-vaapi_device") != renderNode {
		t.Error("vaapi device setup missing")
	}
	if flagValue(argv, "-bf") != "0" {
		t.Error("vaapi must disable b-frames")
	}
	if probe.calls != 1 {
		t.Errorf("probe calls = %d, want 1", probe.calls)
	}
}

func TestBuildCommand_AutoWithoutHardwareFallsBackToSoftware(t *testing.T) {
	s := NewSupervisor(&fixedProbe{}, nopLogger{})
	argv, err := s.BuildCommand(testInput(domain.LatencyNormal, domain.HWAuto))
	if err != nil {
		t.Fatalf("BuildCommand() error: %v", err)
	}
	if flagValue(argv, "-c:v") != "libx264" {
		t.Errorf("-c:v = %q, want libx264", flagValue(argv, "-c:v"))
	}
}

func TestBuildCommand_ExplicitHWSkipsProbe(t *testing.T) {
	probe := &fixedProbe{hw: domain.HWVAAPI, ok: true}
	s := NewSupervisor(probe, nopLogger{})
	argv, _ := s.BuildCommand(testInput(domain.LatencyNormal, domain.HWQSV))
	if flagValue(argv, "-c:v") != "h264_qsv" {
		t.Errorf("-c:v = %q, want h264_qsv", flagValue(argv, "-c:v"))
	}
	if probe.calls != 0 {
		t.Error("explicit hw must not probe")
	}
}

func TestBuildCommand_RejectsInvalidInput(t *testing.T) {
	s := NewSupervisor(nil, nopLogger{})
	tests := map[string]func(*domain.EncoderInput){
		"no display": func(in *domain.EncoderInput) { in.Display = "" },
		"zero size":  func(in *domain.EncoderInput) { in.Size = domain.Size{} },
		"no audio":   func(in *domain.EncoderInput) { in.AudioSource = "" },
		"zero fps":   func(in *domain.EncoderInput) { in.Config.FPS = 0 },
		"bad port":   func(in *domain.EncoderInput) { in.Config.Port = 70000 },
		"bad hw":     func(in *domain.EncoderInput) { in.Config.HW = "opencl" },
	}
	for name, mutate := range tests {
		in := testInput(domain.LatencyNormal, domain.HWSoftware)
		mutate(&in)
		if _, err := s.BuildCommand(in); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("%s: error = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want LineKind
	}{
		{"Output #0, mp4, to 'http://0.0.0.0:8090/':", LineReady},
		{"[x11grab @ 0x55] Cannot open display :20, error 1.", LineError},
		{"[pulse @ 0x56] No such entity", LineError},
		{"Error opening output http://0.0.0.0:8090/", LineError},
		{"frame=  120 fps= 30 q=-1.0 size=    1024kB", LinePlain},
	}
	for _, tt := range tests {
		if got := Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestStart_MissingBinaryIsSpawnError(t *testing.T) {
	s := NewSupervisor(nil, nopLogger{})
	_, err := s.Start([]string{"deskcast-missing-encoder-binary"})
	if !errors.Is(err, domain.ErrEncoderSpawn) {
		t.Fatalf("Start() error = %v, want ErrEncoderSpawn", err)
	}
}

const hwaccelsOutput = `Hardware acceleration methods:
vdpau
cuda
vaapi
qsv
drm
`

func TestProbe_PriorityAndDevices(t *testing.T) {
	tests := []struct {
		name    string
		devices map[string]bool
		want    domain.HWAccel
		ok      bool
	}{
		{"vaapi with render node", map[string]bool{renderNode: true, nvidiaControl: true}, domain.HWVAAPI, true},
		{"cuda without render node", map[string]bool{nvidiaControl: true}, domain.HWCUDA, true},
		{"no devices", map[string]bool{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe(nopLogger{})
			p.run = func(context.Context) (string, error) { return hwaccelsOutput, nil }
			p.exists = func(path string) bool { return tt.devices[path] }

			hw, ok := p.Probe()
			if hw != tt.want || ok != tt.ok {
				t.Errorf("Probe() = %q, %v; want %q, %v", hw, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProbe_QSVOnly(t *testing.T) {
	p := NewProbe(nopLogger{})
	p.run = func(context.Context) (string, error) { return "Hardware acceleration methods:\nqsv\n", nil }
	p.exists = func(path string) bool { return path == renderNode }
	if hw, ok := p.Probe(); hw != domain.HWQSV || !ok {
		t.Errorf("Probe() = %q, %v; want qsv", hw, ok)
	}
}

func TestProbe_FailureMeansSoftwareAndIsCached(t *testing.T) {
	calls := 0
	p := NewProbe(nopLogger{})
	p.run = func(context.Context) (string, error) {
		calls++
		return "", errors.New("ffmpeg not found")
	}
	for range 3 {
		if _, ok := p.Probe(); ok {
			t.Fatal("expected no hardware backend")
		}
	}
	if calls != 1 {
		t.Errorf("ffmpeg ran %d times, want 1", calls)
	}
}
