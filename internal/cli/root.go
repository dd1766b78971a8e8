// Package cli provides the command-line interface for vmlab.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vmlab",
	Short: "vmlab - lab VMs with browser SSH and VNC sessions",
	Long: `vmlab provisions labs of virtual machines and bridges interactive
SSH and VNC sessions to them over websockets.

Run 'vmlab serve' to start the control plane, then attach to a running
VM with 'vmlab attach <vm-id>'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "attach", "validate":
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search ~/.vmlab and the config dir)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(labCmd)
}
