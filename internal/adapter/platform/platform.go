package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	configEnv  = "DESKCAST_CONFIG"
	configName = "config.yaml"
)

// Platform resolves filesystem paths and environment defaults.
type Platform struct {
	homeDir string
}

// New creates a Platform rooted at the current user's home directory.
func New() (*Platform, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Platform{homeDir: home}, nil
}

// ConfigDir returns $XDG_CONFIG_HOME/deskcast, or ~/.config/deskcast.
func (p *Platform) ConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "deskcast")
	}
	return filepath.Join(p.homeDir, ".config", "deskcast")
}

// ResolveConfigPath returns the config file path, checking flag, env, then default.
func (p *Platform) ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(configEnv); v != "" {
		return v
	}
	return filepath.Join(p.ConfigDir(), configName)
}

// ResolveDisplay returns the real X display to capture when no virtual
// display is used: flag, then $DISPLAY, then :0.
func (p *Platform) ResolveDisplay(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("DISPLAY"); v != "" {
		return v
	}
	return ":0"
}
