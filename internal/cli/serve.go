package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/api"
	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/internal/event"
	"github.com/javanstorm/vmlab/internal/gateway"
	"github.com/javanstorm/vmlab/internal/lifecycle"
	"github.com/javanstorm/vmlab/internal/logging"
	"github.com/javanstorm/vmlab/internal/session"
	"github.com/javanstorm/vmlab/internal/sshkey"
	"github.com/javanstorm/vmlab/internal/store"
	"github.com/javanstorm/vmlab/internal/version"
	"github.com/javanstorm/vmlab/pkg/provision"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and session gateway",
	Long: `Start the HTTP API and the websocket session gateway.

Configuration is read from config.yaml (see 'vmlab config') and VMLAB_*
environment variables. SIGINT or SIGTERM closes all sessions and shuts the
server down gracefully.`,
	RunE: runServe,
}

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}

	problems := cfg.Validate()
	if len(problems) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(problems))
	}
	if config.HasFatal(problems) {
		return errors.New("invalid configuration")
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if f := cfg.FileUsed(); f != "" {
		logger.Info("config loaded", "file", f)
	}

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		srv.close(context.Background())
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("vmlab serving", "addr", ln.Addr().String(), "version", version.String(), "driver", cfg.Driver, "store", cfg.Store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		srv.close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.close(shutdownCtx)
	return nil
}

// server is the assembled control plane.
type server struct {
	http     *http.Server
	store    store.Store
	ctrl     *lifecycle.Controller
	sessions *session.Registry
	logger   *slog.Logger
}

// newServer wires the store, driver, controller, session registry,
// gateway and API router, and runs startup recovery.
func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	driver, err := provision.NewDriver(provision.Config{
		Name:       cfg.Driver,
		URI:        cfg.VirshURI,
		ImageDir:   cfg.ImageDir,
		Listen:     cfg.SimListen,
		ListenHost: cfg.UpstreamHost,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := event.NewBus(logger)
	ctrl := lifecycle.New(lifecycle.Config{
		Ports: lifecycle.PortRange{
			SSHBase: cfg.SSHPortBase,
			VNCBase: cfg.VNCPortBase,
			Size:    cfg.PortRangeSize,
		},
		PublicHost: cfg.PublicHost,
	}, st, driver, bus, logger)

	if err := ctrl.Recover(context.Background()); err != nil {
		ctrl.Close()
		st.Close()
		return nil, fmt.Errorf("recover lifecycle state: %w", err)
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		ctrl.Close()
		st.Close()
		return nil, err
	}

	sessions := session.NewRegistry(session.Config{
		DialTimeout: cfg.DialTimeout,
		Bridge: bridge.Config{
			BufferSize:        cfg.BufferSize,
			HeartbeatInterval: cfg.HeartbeatInterval,
			IdleTimeout:       cfg.IdleTimeout,
			CloseTimeout:      cfg.CloseTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, ctrl, dialer, logger)
	sessions.Subscribe(bus)

	gw := gateway.New(gateway.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		ReadLimit:      int64(cfg.BufferSize),
		WriteTimeout:   cfg.WriteTimeout,
	}, ctrl, sessions, logger)

	router := api.NewRouter(api.Options{
		Controller:     ctrl,
		Sessions:       sessions,
		Gateway:        gw,
		APIToken:       cfg.APIToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version.Version,
	}, logger)

	return &server{
		http: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		store:    st,
		ctrl:     ctrl,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// close tears the server down: sessions first so clients get a normal
// closure, then the HTTP server, background deploys and the store.
func (s *server) close(ctx context.Context) {
	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Warn("session shutdown incomplete", "error", err)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.ctrl.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		st, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	}
}

// newDialer picks the upstream dialer for the configured SSH mode.
func newDialer(cfg *config.Config) (session.Dialer, error) {
	tcp := &session.TCPDialer{Host: cfg.UpstreamHost}
	if cfg.SSHMode != config.SSHModeShell {
		return tcp, nil
	}

	keys, err := keyManager(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := keys.Signer()
	if err != nil {
		if errors.Is(err, sshkey.ErrNoKey) {
			return nil, fmt.Errorf("ssh_mode is shell but no gateway key exists: run 'vmlab ssh keygen' first")
		}
		return nil, err
	}
	return &session.SSHShellDialer{Host: cfg.UpstreamHost, Signer: signer, Fallback: tcp}, nil
}

// keyManager returns the gateway key manager for cfg.
func keyManager(cfg *config.Config) (*sshkey.Manager, error) {
	if cfg.SSHKeyPath != "" {
		return sshkey.FromPath(cfg.SSHKeyPath), nil
	}
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	return sshkey.New(paths.DataDir), nil
}
