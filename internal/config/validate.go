package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = warning only
}

// Validate checks the configuration. Fatal entries must stop the server.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}

	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			fatal("db_path", "required for the sqlite store")
		}
	case StoreMemory:
		errs = append(errs, ValidationError{
			Field:   "store",
			Message: "memory store loses all labs on restart",
		})
	default:
		fatal("store", "unknown store %q (want sqlite or memory)", c.Store)
	}

	switch c.Driver {
	case "sim", "virsh":
	default:
		fatal("driver", "unknown driver %q (want sim or virsh)", c.Driver)
	}

	switch c.SSHMode {
	case SSHModeRaw, SSHModeShell:
	default:
		fatal("ssh_mode", "unknown mode %q (want raw or shell)", c.SSHMode)
	}

	if c.PortRangeSize <= 0 {
		fatal("port_range_size", "must be positive, got %d", c.PortRangeSize)
	}
	if c.SSHPortBase <= 0 || c.SSHPortBase+c.PortRangeSize > 65536 {
		fatal("ssh_port_base", "range %d+%d is outside 1-65535", c.SSHPortBase, c.PortRangeSize)
	}
	if c.VNCPortBase <= 0 || c.VNCPortBase+c.PortRangeSize > 65536 {
		fatal("vnc_port_base", "range %d+%d is outside 1-65535", c.VNCPortBase, c.PortRangeSize)
	}
	if c.PortRangeSize > 0 && rangesOverlap(c.SSHPortBase, c.VNCPortBase, c.PortRangeSize) {
		fatal("vnc_port_base", "SSH and VNC port ranges overlap")
	}

	if c.DialTimeout <= 0 {
		fatal("dial_timeout", "must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		fatal("heartbeat_interval", "must be positive")
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		fatal("idle_timeout", "must be longer than heartbeat_interval (%s)", c.HeartbeatInterval)
	}
	if c.CloseTimeout <= 0 {
		fatal("close_timeout", "must be positive")
	}
	if c.BufferSize < 1024 {
		fatal("buffer_size", "must be at least 1024 bytes, got %d", c.BufferSize)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		fatal("log_format", "unknown format %q (want text or json)", c.LogFormat)
	}

	if c.APIToken == "" {
		errs = append(errs, ValidationError{
			Field:   "api_token",
			Message: "not set; the API is unauthenticated",
		})
	}
	return errs
}

// HasFatal reports whether any entry is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

func rangesOverlap(a, b, size int) bool {
	return a < b+size && b < a+size
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
