package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/cast"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/control"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/encoder"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/ident"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/logger"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/metrics"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/netpath"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/platform"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/pulse"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/store"
	"github.com/ChristophBellmann/chromecast-receiver/internal/adapter/xdisplay"
	"github.com/ChristophBellmann/chromecast-receiver/internal/app"
	"github.com/ChristophBellmann/chromecast-receiver/internal/config"
	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const usage = `deskcast - stream this desktop to a cast device

Usage:
  deskcast run [flags]         Capture the desktop and play it on a cast device
  deskcast devices [flags]     List cast devices on the local network
  deskcast probe               Show the detected encoder and display backends
  deskcast config [flags]      Print the effective configuration

Running with no subcommand prints this help. Flags without a subcommand
default to "deskcast run" (e.g. deskcast --name LivingRoom).

Examples:
  # First device found, real display, normal latency
  deskcast run

  # Headless 4K virtual display, low latency, only on the local network
  deskcast run --virtual --virtual-res 3840x2160 --latency low --lan-only

  # Wait for the receiver app to ask for the stream
  deskcast run --name LivingRoom --mode wait

Run "deskcast COMMAND --help" for command-specific flags.

Exit codes: 0 ok, 1 error, 2 device not found, 3 virtual display failed,
4 encoder failed to start, 5 device not on the local network,
6 audio backend unavailable, 7 encoder exited while streaming.
`

// printFlags formats flag defaults with -- prefix instead of Go's default single -.
func printFlags(fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		isBool := f.DefValue == "false" || f.DefValue == "true"
		if isBool {
			fmt.Fprintf(os.Stderr, "  --%-24s %s\n", f.Name, f.Usage)
		} else {
			label := f.Name + " " + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			fmt.Fprintf(os.Stderr, "  --%-24s %s\n", label, f.Usage)
		}
	})
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}

	arg := os.Args[1]

	switch arg {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	case "run":
		runCmd(os.Args[2:])
	case "devices":
		devicesCmd(os.Args[2:])
	case "probe":
		probeCmd(os.Args[2:])
	case "config":
		configCmd(os.Args[2:])
	default:
		if arg[0] == '-' {
			// Flags without subcommand → treat as "run"
			runCmd(os.Args[1:])
		} else {
			fmt.Fprintf(os.Stderr, "deskcast: unknown command %q\n\n", arg)
			fmt.Fprint(os.Stderr, usage)
			os.Exit(1)
		}
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("deskcast run", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Capture the desktop and audio, serve them as a live stream and play it on
a cast device until interrupted.

Usage:
  deskcast run [flags]

Settings come from the config file (--config > DESKCAST_CONFIG >
~/.config/deskcast/config.yaml); flags given on the command line win.

Flags:`)
		printFlags(fs)
	}

	configPath := fs.String("config", "", "config file path (must exist unless --save-config)")
	saveConfig := fs.Bool("save-config", false, "write the effective settings back to the config file")
	display := fs.String("display", "", "X display to capture (default: $DISPLAY)")
	resolution := fs.String("resolution", "", "capture resolution WxH")
	fps := fs.Int("fps", 0, "frame rate")
	gop := fs.Float64("gop", 0, "keyframe interval in seconds")
	hw := fs.String("hw", "", "encoder backend: auto, vaapi, cuda, qsv, software")
	port := fs.Int("port", 0, "local HTTP port the encoder serves on")
	ffmpegLog := fs.String("loglevel", "", "encoder log level")
	sink := fs.String("sink", "", "name of the loopback audio sink")
	latency := fs.String("latency", "", "latency profile: normal, low, ultra")
	address := fs.String("device", "", "device address (host or host:port)")
	name := fs.String("name", "", "device name substring")
	appID := fs.String("app-id", "", "receiver application id")
	namespace := fs.String("namespace", "", "receiver control namespace")
	mode := fs.String("mode", "", "start mode: direct or wait")
	virtual := fs.Bool("virtual", false, "capture a new virtual display")
	virtualBackend := fs.String("virtual-backend", "", "virtual display backend: auto, xephyr, xvfb, xpra")
	virtualRes := fs.String("virtual-res", "", "virtual display resolution WxH")
	virtualDisplay := fs.String("virtual-display", "", "virtual display number (:N) or auto")
	wm := fs.Bool("wm", false, "start a window manager on the virtual display")
	lanOnly := fs.Bool("lan-only", false, "refuse devices outside the local network")
	controlAddr := fs.String("control-addr", "", "status/control server address (empty disables)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	plat, err := platform.New()
	if err != nil {
		fatal(err)
	}
	src := store.NewYAMLFile(plat.ResolveConfigPath(*configPath))
	cfg, found, err := loadConfig(src, *configPath != "" && !*saveConfig)
	if err != nil {
		fatal(fmt.Errorf("%s: %w", src.Path(), err))
	}

	overrides := map[string]func(){
		"display":         func() { cfg.Display.Name = *display },
		"resolution":      func() { cfg.Stream.Resolution = *resolution },
		"fps":             func() { cfg.Stream.FPS = *fps },
		"gop":             func() { cfg.Stream.GOPSeconds = *gop },
		"hw":              func() { cfg.Stream.HW = *hw },
		"port":            func() { cfg.Stream.Port = *port },
		"loglevel":        func() { cfg.Stream.LogLevel = *ffmpegLog },
		"sink":            func() { cfg.Audio.Sink = *sink },
		"latency":         func() { cfg.Stream.Latency = *latency },
		"device":          func() { cfg.Device.Address = *address },
		"name":            func() { cfg.Device.Name = *name },
		"app-id":          func() { cfg.Receiver.AppID = *appID },
		"namespace":       func() { cfg.Receiver.Namespace = *namespace },
		"mode":            func() { cfg.Receiver.Mode = *mode },
		"virtual":         func() { cfg.Display.Virtual.Enabled = *virtual },
		"virtual-backend": func() { cfg.Display.Virtual.Backend = *virtualBackend },
		"virtual-res":     func() { cfg.Display.Virtual.Resolution = *virtualRes },
		"virtual-display": func() { cfg.Display.Virtual.Display = *virtualDisplay },
		"wm":              func() { cfg.Display.Virtual.WindowManager = *wm },
		"lan-only":        func() { cfg.Device.LANOnly = *lanOnly },
		"control-addr":    func() { cfg.Control.Addr = *controlAddr },
		"log-level":       func() { cfg.Logging.Level = *logLevel },
		"log-format":      func() { cfg.Logging.Format = *logFormat },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	sessCfg, err := cfg.Session(plat.ResolveDisplay(cfg.Display.Name))
	if err != nil {
		fatal(err)
	}
	log := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	log.Debug("configuration loaded", "path", src.Path(), "found", found)

	if *saveConfig {
		if err := config.Save(src, cfg); err != nil {
			fatal(err)
		}
		log.Info("configuration saved", "path", src.Path())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sess := app.NewSession(sessCfg, app.Deps{
		Audio:     pulse.NewSink(pulse.ExecRunner, log),
		Display:   xdisplay.NewProvisioner(log, sessCfg.DisplayGrace),
		Encoder:   encoder.NewSupervisor(encoder.NewProbe(log), log),
		Device:    cast.NewClient(log, sessCfg.DiscoverTimeout),
		Path:      netpath.NewChecker(log),
		IDs:       ident.NewUUIDGenerator(),
		Logger:    log,
		Observers: []domain.Observer{metrics.New(reg)},
	})

	var srv *control.Server
	if cfg.Control.Addr != "" {
		srv = control.NewServer(cfg.Control.Addr, sess, reg, log)
		sess.AddObserver(srv)
	}

	err = runWithSignals(sigs, log, func(ctx context.Context) error {
		if srv != nil {
			go func() {
				if err := srv.Serve(ctx); err != nil {
					log.Warn("control server stopped", "addr", cfg.Control.Addr, "err", err)
				}
			}()
		}
		return sess.Run(ctx)
	})
	signal.Stop(sigs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskcast: %v\n", err)
	}
	os.Exit(domain.ExitCode(err))
}

func devicesCmd(args []string) {
	fs := flag.NewFlagSet("deskcast devices", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `List cast devices announced over mDNS on the local network.

Usage:
  deskcast devices [flags]

Flags:`)
		printFlags(fs)
	}

	timeout := fs.Duration("timeout", 5*time.Second, "how long to browse")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := newLogger(*logLevel, "text")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := cast.NewClient(log, *timeout).List(ctx)
	if err != nil {
		fatal(err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tADDRESS\tPORT")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.Name, d.Model, d.Address, d.Port)
	}
	w.Flush()
}

func probeCmd(args []string) {
	fs := flag.NewFlagSet("deskcast probe", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Show the hardware encoder "auto" resolves to and which virtual display
backends and window managers are installed.

Usage:
  deskcast probe`)
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	log := newLogger("warn", "text")

	hw, ok := encoder.NewProbe(log).Probe()
	if !ok {
		hw = domain.HWSoftware
	}
	backends, wms := xdisplay.NewProvisioner(log, 0).Installed()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "encoder\t%s\n", hw)
	fmt.Fprintf(w, "display backends\t%s\n", listOrNone(backends))
	fmt.Fprintf(w, "window managers\t%s\n", listOrNone(wms))
	w.Flush()
}

func configCmd(args []string) {
	fs := flag.NewFlagSet("deskcast config", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Print the effective configuration (file on top of defaults).

Usage:
  deskcast config [flags]

Flags:`)
		printFlags(fs)
	}

	configPath := fs.String("config", "", "config file path (must exist unless --init)")
	initFile := fs.Bool("init", false, "write the defaults if the file does not exist")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	plat, err := platform.New()
	if err != nil {
		fatal(err)
	}
	src := store.NewYAMLFile(plat.ResolveConfigPath(*configPath))
	cfg, found, err := loadConfig(src, *configPath != "" && !*initFile)
	if err != nil {
		fatal(fmt.Errorf("%s: %w", src.Path(), err))
	}

	if !found && *initFile {
		if err := config.Save(src, cfg); err != nil {
			fatal(err)
		}
		found = true
	}

	state := "defaults, file not found"
	if found {
		state = "loaded"
	}
	fmt.Printf("# %s (%s)\n", src.Path(), state)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fatal(err)
	}
	if err := enc.Close(); err != nil {
		fatal(err)
	}
}

// loadConfig reads the configuration. A file named explicitly must exist;
// the default location falls back to the built-in defaults.
func loadConfig(src config.Source, explicit bool) (*config.Config, bool, error) {
	if explicit {
		cfg, err := config.Load(src)
		return cfg, err == nil, err
	}
	return config.LoadOrDefault(src)
}

func newLogger(level, format string) *slog.Logger {
	log, err := logger.New(os.Stderr, level, format)
	if err != nil {
		fatal(fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err))
	}
	return log
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "deskcast: %v\n", err)
	os.Exit(domain.ExitCode(err))
}
