package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DomainState is the power state of a simulated domain.
type DomainState string

const (
	DomainUndefined DomainState = "undefined"
	DomainRunning   DomainState = "running"
	DomainShutOff   DomainState = "shut off"
)

// Op names a driver operation for failure injection.
type Op string

const (
	OpProvision Op = "provision"
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpReboot    Op = "reboot"
	OpDestroy   Op = "destroy"
)

// Banners written by the stub endpoints when a client connects.
const (
	SimSSHBanner = "SSH-2.0-vmlab-sim\r\n"
	SimVNCBanner = "RFB 003.008\n"
)

// SimConfig configures the simulated driver.
type SimConfig struct {
	// Delay is added to every operation.
	Delay time.Duration

	// Listen makes running domains accept TCP connections on their
	// forwarded host ports. Each connection gets a banner and is echoed.
	Listen     bool
	ListenHost string

	Logger *slog.Logger
}

// Sim is an in-memory driver. It backs development servers and tests.
type Sim struct {
	cfg    SimConfig
	logger *slog.Logger

	mu       sync.Mutex
	domains  map[string]*simDomain
	failures map[Op]error
	calls    map[Op]int
}

type simDomain struct {
	target    Target
	state     DomainState
	boots     int
	endpoints []*stubEndpoint
}

// NewSim creates a simulated driver.
func NewSim(cfg SimConfig) *Sim {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sim{
		cfg:      cfg,
		logger:   logger.With("component", "sim"),
		domains:  make(map[string]*simDomain),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
	}
}

func (s *Sim) Info() Info {
	return Info{Name: "sim", Version: "1.0.0"}
}

// FailNext makes the next call of op return err.
func (s *Sim) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// State returns the power state of the target's domain.
func (s *Sim) State(t Target) DomainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[t.Domain()]
	if !ok {
		return DomainUndefined
	}
	return d.state
}

// Boots returns how many times the target's domain has booted.
func (s *Sim) Boots(t Target) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[t.Domain()]; ok {
		return d.boots
	}
	return 0
}

// Calls returns how many times op was invoked.
func (s *Sim) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin records the call, waits out the configured delay and returns an
// injected failure, if any.
func (s *Sim) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	err := s.failures[op]
	delete(s.failures, op)
	s.mu.Unlock()

	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Sim) Provision(ctx context.Context, plan *Plan, out Output) error {
	if out == nil {
		out = Discard
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	plays, err := plan.Plays()
	if err != nil {
		return err
	}
	if err := s.begin(ctx, OpProvision); err != nil {
		out(StageProvision, fmt.Sprintf("provisioning %s failed: %v", plan.LabName, err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var booted []*simDomain
	for _, t := range plan.VMs {
		out(StageProvision, fmt.Sprintf("creating domain %s (%d vCPU, %d MB, %d GB, %s)",
			t.Domain(), t.VCPU, t.RAMMB, t.DiskGB, t.Image))
		d := &simDomain{target: t, state: DomainShutOff}
		if err := s.boot(d, t); err != nil {
			for _, b := range booted {
				s.halt(b)
			}
			return err
		}
		for _, f := range t.Forwards {
			out(StageProvision, fmt.Sprintf("forwarding host port %d to guest port %d", f.Host, f.Guest))
		}
		s.domains[t.Domain()] = d
		booted = append(booted, d)
	}

	if len(plays) == 0 {
		out(StageConfigure, "no configuration recipe, skipping")
		return nil
	}
	for _, p := range plays {
		out(StageConfigure, fmt.Sprintf("PLAY [%s] hosts=%s", p.Name, p.Hosts))
		for _, t := range plan.VMs {
			out(StageConfigure, fmt.Sprintf("ok: [%s]", t.Name))
		}
	}
	return nil
}

func (s *Sim) Start(ctx context.Context, t Target) error {
	if err := s.begin(ctx, OpStart); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[t.Domain()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, t.Domain())
	}
	if d.state == DomainRunning {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, t.Domain())
	}
	return s.boot(d, t)
}

func (s *Sim) Stop(ctx context.Context, t Target) error {
	if err := s.begin(ctx, OpStop); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[t.Domain()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, t.Domain())
	}
	if d.state != DomainRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, t.Domain())
	}
	s.halt(d)
	return nil
}

func (s *Sim) Reboot(ctx context.Context, t Target) error {
	if err := s.begin(ctx, OpReboot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[t.Domain()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, t.Domain())
	}
	if d.state != DomainRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, t.Domain())
	}
	// Connections drop across a reboot; the endpoints come back on the
	// same ports.
	for _, e := range d.endpoints {
		e.dropConns()
	}
	d.boots++
	return nil
}

func (s *Sim) Destroy(ctx context.Context, targets []Target) error {
	if err := s.begin(ctx, OpDestroy); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range targets {
		if d, ok := s.domains[t.Domain()]; ok {
			s.halt(d)
			delete(s.domains, t.Domain())
		}
	}
	return nil
}

// boot marks d running with t's forwards. Caller holds s.mu.
func (s *Sim) boot(d *simDomain, t Target) error {
	d.target = t
	if s.cfg.Listen {
		for _, f := range t.Forwards {
			e, err := s.listen(f)
			if err != nil {
				for _, started := range d.endpoints {
					started.close()
				}
				d.endpoints = nil
				return err
			}
			d.endpoints = append(d.endpoints, e)
		}
	}
	d.state = DomainRunning
	d.boots++
	s.logger.Debug("domain started", "domain", t.Domain(), "forwards", len(t.Forwards))
	return nil
}

// halt shuts d off. Caller holds s.mu.
func (s *Sim) halt(d *simDomain) {
	for _, e := range d.endpoints {
		e.close()
	}
	d.endpoints = nil
	d.state = DomainShutOff
	s.logger.Debug("domain stopped", "domain", d.target.Domain())
}

func (s *Sim) listen(f Forward) (*stubEndpoint, error) {
	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(f.Host))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortInUse, addr, err)
	}
	banner := ""
	switch f.Guest {
	case GuestSSHPort:
		banner = SimSSHBanner
	case GuestVNCPort:
		banner = SimVNCBanner
	}
	e := &stubEndpoint{ln: ln, banner: banner, conns: make(map[net.Conn]struct{})}
	go e.serve()
	return e, nil
}

// stubEndpoint stands in for a guest service: it greets with a banner and
// echoes everything it receives.
type stubEndpoint struct {
	ln     net.Listener
	banner string

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (e *stubEndpoint) serve() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		go func() {
			defer func() {
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
				conn.Close()
			}()
			if e.banner != "" {
				if _, err := io.WriteString(conn, e.banner); err != nil {
					return
				}
			}
			io.Copy(conn, conn)
		}()
	}
}

func (e *stubEndpoint) dropConns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		c.Close()
	}
}

func (e *stubEndpoint) close() {
	e.ln.Close()
	e.dropConns()
}
