// Package config provides configuration management for vmlab.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific locations used by vmlab.
type Paths struct {
	// ConfigDir is searched for config.yaml after DataDir.
	// macOS: ~/Library/Application Support/VMLab
	// Linux: $XDG_CONFIG_HOME/vmlab or ~/.config/vmlab
	ConfigDir string

	// DataDir holds the lifecycle database, the gateway SSH key and the
	// default config file. All platforms: ~/.vmlab
	DataDir string

	ConfigFile string // DataDir/config.yaml
	Database   string // DataDir/vmlab.db
}

// GetPaths returns the paths for the current user and platform.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return pathsFor(home, runtime.GOOS, os.Getenv("XDG_CONFIG_HOME")), nil
}

func pathsFor(home, goos, xdgConfig string) *Paths {
	data := filepath.Join(home, ".vmlab")
	p := &Paths{
		DataDir:    data,
		ConfigFile: filepath.Join(data, "config.yaml"),
		Database:   filepath.Join(data, "vmlab.db"),
	}
	switch {
	case goos == "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "VMLab")
	case xdgConfig != "":
		p.ConfigDir = filepath.Join(xdgConfig, "vmlab")
	default:
		p.ConfigDir = filepath.Join(home, ".config", "vmlab")
	}
	return p
}

// EnsureDirectories creates the config and data directories. The data
// directory holds credentials and is private to the user.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0o700)
}
