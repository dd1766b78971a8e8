// Package session implements the Session Registry. It tracks the open
// sessions of every VM, dials upstream VM services and runs one bridge per
// session. Lifecycle events force-close sessions before the VM's status
// change becomes visible.
//
// Locking: the registry mutex only guards the VM and session indexes.
// Each VM has its own entry lock guarding its sessions, and opening a
// session additionally holds the lifecycle lock of the VM through the
// Gate, in that order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/event"
	"github.com/javanstorm/vmlab/internal/lab"
)

// DefaultDialTimeout bounds the upstream dial of Attach.
const DefaultDialTimeout = 5 * time.Second

// tombstoneTTL is how long Attach can still learn why a connecting
// session was closed before it arrived.
const tombstoneTTL = time.Minute

// ErrShuttingDown is returned by Open after Shutdown has started.
var ErrShuttingDown = errors.New("session registry is shutting down")

// Gate serializes session admission with VM lifecycle transitions. The
// lifecycle controller implements it.
type Gate interface {
	WithVM(ctx context.Context, id string, fn func(vm *lab.VM) error) error
}

// Config holds registry settings.
type Config struct {
	DialTimeout time.Duration
	Bridge      bridge.Config
}

type vmSessions struct {
	mu       sync.Mutex
	sessions map[bridge.Protocol]*Session
}

// Registry is the Session Registry.
type Registry struct {
	cfg    Config
	gate   Gate
	dialer Dialer
	logger *slog.Logger

	mu   sync.Mutex
	vms  map[string]*vmSessions
	byID map[string]*Session
	// tombs records sessions closed while connecting and not yet attached.
	tombs map[string]tombstone

	// ctx bounds running bridges; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewRegistry creates a registry admitting sessions through gate and
// reaching VMs through dialer.
func NewRegistry(cfg Config, gate Gate, dialer Dialer, logger *slog.Logger) *Registry {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Bridge.CloseTimeout <= 0 {
		cfg.Bridge.CloseTimeout = bridge.DefaultConfig().CloseTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		gate:   gate,
		dialer: dialer,
		logger: logger.With("component", "session"),
		vms:    make(map[string]*vmSessions),
		byID:   make(map[string]*Session),
		tombs:  make(map[string]tombstone),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Subscribe registers the registry for the lifecycle events that must
// tear sessions down. It returns the subscription ids.
func (r *Registry) Subscribe(bus *event.Bus) []string {
	closeAll := func(ev lab.Event) {
		r.CloseVM(ev.VMID, bridge.ReasonVMLifecycle)
	}
	return []string{
		bus.Subscribe(lab.EventVMStopping, closeAll),
		bus.Subscribe(lab.EventVMDeleted, closeAll),
	}
}

// Open admits a new session for vmID in the connecting state. The VM must
// be running and must not already have a session of that protocol.
func (r *Registry) Open(ctx context.Context, vmID string, proto bridge.Protocol) (*Session, error) {
	if r.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	var s *Session
	err := r.gate.WithVM(ctx, vmID, func(vm *lab.VM) error {
		if !vm.Running() {
			return notRunning(vm)
		}
		vs := r.entry(vmID)
		vs.mu.Lock()
		defer vs.mu.Unlock()
		if _, busy := vs.sessions[proto]; busy {
			return fmt.Errorf("vm %s already has a %s session: %w", vmID, proto, lab.ErrSessionLimitExceeded)
		}
		s = newSession(vmID, proto, vs, r.now())
		vs.sessions[proto] = s

		r.mu.Lock()
		r.byID[s.ID] = s
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("session opened", "session", s.ID, "vm", vmID, "protocol", proto)
	return s, nil
}

// Attach binds client to a connecting session, dials the VM's service and
// starts the bridge. On failure the client is closed and the session is
// released. The VM's status is checked again right before the dial.
func (r *Registry) Attach(ctx context.Context, id string, client bridge.ClientConn) error {
	s := r.lookup(id)
	if s == nil {
		reason, ok := r.takeTombstone(id)
		if !ok {
			client.Close(bridge.ReasonNormal)
			return lab.NotFoundError("session", id)
		}
		client.Close(reason)
		if reason == bridge.ReasonVMLifecycle {
			return fmt.Errorf("session %s closed before attach: %w", id, lab.ErrVMNotRunning)
		}
		return fmt.Errorf("session %s closed before attach (%s): %w", id, reason, lab.ErrNotFound)
	}
	vs := s.owner

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	vs.mu.Lock()
	if s.state != StateConnecting || s.client != nil {
		vs.mu.Unlock()
		client.Close(bridge.ReasonVMLifecycle)
		return fmt.Errorf("session %s is %s: %w", id, s.State(), lab.ErrVMNotRunning)
	}
	s.client = client
	s.cancelDial = cancel
	vs.mu.Unlock()

	var vm *lab.VM
	err := r.gate.WithVM(ctx, s.VMID, func(cur *lab.VM) error {
		if !cur.Running() {
			return notRunning(cur)
		}
		vm = cur
		return nil
	})
	if err != nil {
		r.closeSession(s, bridge.ReasonVMLifecycle)
		return err
	}

	upstream, err := r.dialer.Dial(dialCtx, s.Protocol, vm)
	if err != nil {
		if s.State() != StateConnecting {
			return fmt.Errorf("session %s closed while dialing: %w", id, lab.ErrVMNotRunning)
		}
		r.closeSession(s, bridge.ReasonUpstreamUnreachable)
		r.logger.Warn("upstream unreachable", "session", id, "vm", s.VMID, "protocol", s.Protocol, "error", err)
		return fmt.Errorf("dial %s for vm %s: %w: %w", s.Protocol, s.VMID, lab.ErrUpstreamUnreachable, err)
	}

	logger := r.logger.With("session", s.ID, "vm", s.VMID, "protocol", s.Protocol)
	vs.mu.Lock()
	if s.state != StateConnecting {
		vs.mu.Unlock()
		upstream.Close()
		return fmt.Errorf("session %s closed while dialing: %w", id, lab.ErrVMNotRunning)
	}
	b := bridge.New(r.cfg.Bridge, client, upstream, bridge.CodecFor(s.Protocol), logger)
	s.bridge = b
	s.state = StateOpen
	s.cancelDial = nil
	vs.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := b.Run(r.ctx)
		r.closeSession(s, res.Reason)
		if res.Err != nil {
			logger.Info("session ended", "reason", res.Reason, "error", res.Err)
		} else {
			logger.Debug("session ended", "reason", res.Reason)
		}
	}()

	logger.Info("session attached", "port", upstreamPort(s.Protocol, vm))
	return nil
}

// Close force-closes a session. Unknown or already released sessions are
// ignored.
func (r *Registry) Close(id string, reason bridge.Reason) {
	if s := r.lookup(id); s != nil {
		r.closeSession(s, reason)
	}
}

// CloseVM force-closes every session of a VM and returns once they are
// released.
func (r *Registry) CloseVM(vmID string, reason bridge.Reason) {
	r.mu.Lock()
	vs := r.vms[vmID]
	r.mu.Unlock()
	if vs == nil {
		return
	}

	vs.mu.Lock()
	sessions := make([]*Session, 0, len(vs.sessions))
	for _, s := range vs.sessions {
		sessions = append(sessions, s)
	}
	vs.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.closeSession(s, reason)
		}()
	}
	wg.Wait()

	if len(sessions) > 0 {
		r.logger.Info("closed vm sessions", "vm", vmID, "count", len(sessions), "reason", reason)
	}
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	if s := r.lookup(id); s != nil {
		return s, nil
	}
	return nil, lab.NotFoundError("session", id)
}

// List returns snapshots of the live sessions of vmID, or of every VM
// when vmID is empty, oldest first.
func (r *Registry) List(vmID string) []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if vmID == "" || s.VMID == vmID {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live sessions of vmID.
func (r *Registry) Count(vmID string) int {
	r.mu.Lock()
	vs := r.vms[vmID]
	r.mu.Unlock()
	if vs == nil {
		return 0
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.sessions)
}

// Shutdown closes every session with reason normal and waits for the
// bridges to exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		go r.closeSession(s, bridge.ReasonNormal)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeSession tears a session down and removes it from the indexes. The
// first caller does the work and records the reason; later callers wait
// for it to finish.
func (r *Registry) closeSession(s *Session, reason bridge.Reason) {
	vs := s.owner

	vs.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		vs.mu.Unlock()
		select {
		case <-s.done:
		case <-time.After(2 * r.cfg.Bridge.CloseTimeout):
		}
		return
	}
	s.state = StateClosing
	s.reason = reason
	b, client, cancelDial := s.bridge, s.client, s.cancelDial
	vs.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	switch {
	case b != nil:
		b.Close(reason)
	case client != nil:
		client.Close(reason)
	}

	r.mu.Lock()
	delete(r.byID, s.ID)
	if b == nil && client == nil {
		r.bury(s.ID, reason)
	}
	r.mu.Unlock()

	vs.mu.Lock()
	if vs.sessions[s.Protocol] == s {
		delete(vs.sessions, s.Protocol)
	}
	s.state = StateClosed
	vs.mu.Unlock()
	close(s.done)
}

func (r *Registry) entry(vmID string) *vmSessions {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.vms[vmID]
	if !ok {
		vs = &vmSessions{sessions: make(map[bridge.Protocol]*Session)}
		r.vms[vmID] = vs
	}
	return vs
}

type tombstone struct {
	reason bridge.Reason
	at     time.Time
}

// bury records why a connecting session closed and drops expired
// records. Caller holds r.mu.
func (r *Registry) bury(id string, reason bridge.Reason) {
	now := r.now()
	for tid, t := range r.tombs {
		if now.Sub(t.at) > tombstoneTTL {
			delete(r.tombs, tid)
		}
	}
	r.tombs[id] = tombstone{reason: reason, at: now}
}

// takeTombstone consumes the close record of a session that never got a
// client.
func (r *Registry) takeTombstone(id string) (bridge.Reason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tombs[id]
	if !ok {
		return "", false
	}
	delete(r.tombs, id)
	if r.now().Sub(t.at) > tombstoneTTL {
		return "", false
	}
	return t.reason, true
}

func (r *Registry) lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func notRunning(vm *lab.VM) error {
	return fmt.Errorf("vm %s (status: %s): %w", vm.ID, vm.Status, lab.ErrVMNotRunning)
}

func upstreamPort(proto bridge.Protocol, vm *lab.VM) int {
	if proto == bridge.VNC {
		return vm.Ports.VNC
	}
	return vm.Ports.SSH
}
