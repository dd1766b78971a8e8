package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/gateway"
	"github.com/javanstorm/vmlab/internal/terminal"
)

var attachCmd = &cobra.Command{
	Use:   "attach <vm-id>",
	Short: "Attach to a VM's SSH session",
	Long: `Open an SSH session to a running VM through the vmlab gateway and
attach the current terminal to it.

Press Ctrl+] twice quickly to detach.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var (
	attachServer string
	attachToken  string
)

func init() {
	attachCmd.Flags().StringVar(&attachServer, "server", "http://localhost:8000", "vmlab server URL")
	attachCmd.Flags().StringVar(&attachToken, "token", os.Getenv("VMLAB_API_TOKEN"), "API token")
}

func runAttach(cmd *cobra.Command, args []string) error {
	wsURL, err := sessionURL(attachServer, "ssh", args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	conn, err := terminal.Dial(ctx, wsURL, attachToken)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = terminal.Current().Attach(ctx, conn)
	return attachResult(cmd, err)
}

// attachResult turns the end of an attach into a message and an exit error.
func attachResult(cmd *cobra.Command, err error) error {
	out := cmd.ErrOrStderr()

	var ce *terminal.CloseError
	switch {
	case err == nil, errors.Is(err, terminal.ErrEscapeSequence), errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &ce):
		fmt.Fprintf(out, "\r\n%s (%d)\r\n", gateway.Describe(ce.Code), ce.Code)
		if ce.Code == gateway.CodeNormal {
			return nil
		}
		return fmt.Errorf("session ended (%d)", ce.Code)
	default:
		return err
	}
}

// sessionURL builds the websocket session endpoint for a server URL.
func sessionURL(server, protocol, vmID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme %q", server, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws/" + protocol + "/" + url.PathEscape(vmID)
	return u.String(), nil
}
