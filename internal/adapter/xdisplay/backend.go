package xdisplay

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// backend describes one way of running a virtual X display.
type backend struct {
	name   string
	binary string
	args   func(display string, size domain.Size) []string
	ready  func(p *Provisioner, ctx context.Context, display string) bool
}

// backends is the auto-selection priority order.
var backends = []backend{
	{
		name:   "xephyr",
		binary: "Xephyr",
		args: func(display string, size domain.Size) []string {
			return []string{"Xephyr", display, "-screen", size.String(), "-fullscreen", "-resizeable", "-noreset"}
		},
		ready: (*Provisioner).x11Ready,
	},
	{
		name:   "xvfb",
		binary: "Xvfb",
		args: func(display string, size domain.Size) []string {
			return []string{"Xvfb", display, "-screen", "0", size.String() + "x24", "-nolisten", "tcp", "-noreset"}
		},
		ready: (*Provisioner).x11Ready,
	},
	{
		name:   "xpra",
		binary: "xpra",
		args: func(display string, size domain.Size) []string {
			return []string{"xpra", "start", display,
				"--daemon=no",
				"--mdns=no",
				"--notifications=no",
				"--resize-display=" + size.String(),
			}
		},
		ready: (*Provisioner).xpraReady,
	},
}

func findBackend(name string) (backend, bool) {
	for _, b := range backends {
		if b.name == name {
			return b, true
		}
	}
	return backend{}, false
}

// BackendNames lists the known backends in priority order.
func BackendNames() []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.name)
	}
	return names
}

// Installed reports which display backends and window managers are on PATH.
func (p *Provisioner) Installed() (servers, wms []string) {
	for _, b := range backends {
		if _, err := p.lookPath(b.binary); err == nil {
			servers = append(servers, b.name)
		}
	}
	for _, wm := range windowManagers {
		if _, err := p.lookPath(wm); err == nil {
			wms = append(wms, wm)
		}
	}
	return servers, wms
}

// candidates resolves a backend preference to the ordered list to try.
// An explicit choice is tried alone; "auto" tries every installed backend.
func (p *Provisioner) candidates(pref string) ([]backend, error) {
	pref = strings.ToLower(strings.TrimSpace(pref))
	if pref != "" && pref != "auto" {
		b, ok := findBackend(pref)
		if !ok {
			return nil, fmt.Errorf("%w: unknown backend %q (auto, %s)", domain.ErrDisplayProvision, pref, strings.Join(BackendNames(), ", "))
		}
		if _, err := p.lookPath(b.binary); err != nil {
			return nil, fmt.Errorf("%w: %s not installed", domain.ErrDisplayProvision, b.binary)
		}
		return []backend{b}, nil
	}

	var out []backend
	for _, b := range backends {
		if _, err := p.lookPath(b.binary); err == nil {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of Xephyr, Xvfb or xpra is installed", domain.ErrDisplayProvision)
	}
	return out, nil
}

func (p *Provisioner) x11Ready(ctx context.Context, display string) bool {
	if !p.exists(p.socketPath(display)) {
		return false
	}
	if _, err := p.lookPath("xdpyinfo"); err != nil {
		return true
	}
	_, err := p.run(ctx, "xdpyinfo", "-display", display)
	return err == nil
}

func (p *Provisioner) xpraReady(ctx context.Context, display string) bool {
	out, err := p.run(ctx, "xpra", "list")
	if err != nil {
		return false
	}
	return strings.Contains(out, "LIVE session at "+display)
}
