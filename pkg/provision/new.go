package provision

import (
	"fmt"
	"log/slog"
	"time"
)

// Config selects and configures a driver.
type Config struct {
	Name string // "sim" or "virsh"

	// virsh
	URI             string
	ImageDir        string
	ShutdownTimeout time.Duration

	// sim
	Listen     bool   // serve stub SSH/VNC endpoints on forwarded ports
	ListenHost string // address the stub endpoints bind to

	Logger *slog.Logger
}

// NewDriver creates the driver named by cfg.Name.
func NewDriver(cfg Config) (Driver, error) {
	switch cfg.Name {
	case "", "sim":
		return NewSim(SimConfig{Listen: cfg.Listen, ListenHost: cfg.ListenHost, Logger: cfg.Logger}), nil
	case "virsh":
		return NewVirsh(VirshConfig{URI: cfg.URI, ImageDir: cfg.ImageDir, ShutdownTimeout: cfg.ShutdownTimeout}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Name)
	}
}
