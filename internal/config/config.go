package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// SSH upstream modes.
const (
	SSHModeRaw   = "raw"
	SSHModeShell = "shell"
)

// Config holds all vmlab server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// APIToken enables bearer authentication when non-empty.
	APIToken string `mapstructure:"api_token"`

	// AllowedOrigins lists browser origins allowed to open sessions.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Store selects the lifecycle store backend: sqlite or memory.
	Store  string `mapstructure:"store"`
	DBPath string `mapstructure:"db_path"`

	// Driver selects the provisioning driver: sim or virsh.
	Driver    string `mapstructure:"driver"`
	VirshURI  string `mapstructure:"virsh_uri"`
	ImageDir  string `mapstructure:"image_dir"`
	SimListen bool   `mapstructure:"sim_listen"`

	// UpstreamHost is where the gateway reaches forwarded VM ports.
	UpstreamHost string `mapstructure:"upstream_host"`

	// PublicHost is reported to clients in access descriptors.
	PublicHost string `mapstructure:"public_host"`

	SSHPortBase   int `mapstructure:"ssh_port_base"`
	VNCPortBase   int `mapstructure:"vnc_port_base"`
	PortRangeSize int `mapstructure:"port_range_size"`

	// SSHMode is raw (relay the TCP stream) or shell (log in with the
	// gateway key).
	SSHMode    string `mapstructure:"ssh_mode"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`

	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	file string
}

// FileUsed returns the path of the config file that was read, if any.
func (c *Config) FileUsed() string {
	return c.file
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = pathsFor(os.TempDir(), runtime.GOOS, "")
	}

	return &Config{
		ListenAddr:        ":8000",
		AllowedOrigins:    []string{},
		Store:             StoreSQLite,
		DBPath:            paths.Database,
		Driver:            "sim",
		VirshURI:          "qemu:///system",
		ImageDir:          "/var/lib/libvirt/images",
		UpstreamHost:      "127.0.0.1",
		PublicHost:        "localhost",
		SSHPortBase:       2201,
		VNCPortBase:       5901,
		PortRangeSize:     100,
		SSHMode:           SSHModeRaw,
		DialTimeout:       5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		CloseTimeout:      2 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        64 * 1024,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from defaults, the config file and the
// environment, in increasing priority. An empty path searches the data
// and config directories for config.yaml; a missing file is not an error
// unless path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("api_token", d.APIToken)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("store", d.Store)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("virsh_uri", d.VirshURI)
	v.SetDefault("image_dir", d.ImageDir)
	v.SetDefault("sim_listen", d.SimListen)
	v.SetDefault("upstream_host", d.UpstreamHost)
	v.SetDefault("public_host", d.PublicHost)
	v.SetDefault("ssh_port_base", d.SSHPortBase)
	v.SetDefault("vnc_port_base", d.VNCPortBase)
	v.SetDefault("port_range_size", d.PortRangeSize)
	v.SetDefault("ssh_mode", d.SSHMode)
	v.SetDefault("ssh_key_path", d.SSHKeyPath)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("close_timeout", d.CloseTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.DataDir)
			v.AddConfigPath(paths.ConfigDir)
		}
	}

	// Environment variable support: VMLAB_LISTEN_ADDR, VMLAB_DRIVER, etc.
	v.SetEnvPrefix("VMLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	return cfg, nil
}
