package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmlab/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialise configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and validation results",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml to the data directory",
	RunE:  runConfigInit,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if f := cfg.FileUsed(); f != "" {
		fmt.Fprintf(out, "# %s\n", f)
	} else {
		fmt.Fprintln(out, "# no config file, defaults and environment only")
	}

	data, err := yaml.Marshal(settings(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	out.Write(data)

	if problems := cfg.Validate(); len(problems) > 0 {
		fmt.Fprintln(out)
		fmt.Fprint(out, config.FormatValidationErrors(problems))
		if config.HasFatal(problems) {
			return errors.New("invalid configuration")
		}
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	path := paths.ConfigFile
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(settings(config.DefaultConfig()))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

// settings renders a config with its file keys. Durations are written as
// strings so the file round-trips through viper.
func settings(c *config.Config) map[string]any {
	return map[string]any{
		"listen_addr":        c.ListenAddr,
		"api_token":          c.APIToken,
		"allowed_origins":    c.AllowedOrigins,
		"store":              c.Store,
		"db_path":            c.DBPath,
		"driver":             c.Driver,
		"virsh_uri":          c.VirshURI,
		"image_dir":          c.ImageDir,
		"sim_listen":         c.SimListen,
		"upstream_host":      c.UpstreamHost,
		"public_host":        c.PublicHost,
		"ssh_port_base":      c.SSHPortBase,
		"vnc_port_base":      c.VNCPortBase,
		"port_range_size":    c.PortRangeSize,
		"ssh_mode":           c.SSHMode,
		"ssh_key_path":       c.SSHKeyPath,
		"dial_timeout":       c.DialTimeout.String(),
		"heartbeat_interval": c.HeartbeatInterval.String(),
		"idle_timeout":       c.IdleTimeout.String(),
		"close_timeout":      c.CloseTimeout.String(),
		"write_timeout":      c.WriteTimeout.String(),
		"buffer_size":        c.BufferSize,
		"log_level":          c.LogLevel,
		"log_format":         c.LogFormat,
	}
}
