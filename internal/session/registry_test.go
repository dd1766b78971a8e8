package session

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/event"
	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/lifecycle"
	"github.com/javanstorm/vmlab/internal/store"
	"github.com/javanstorm/vmlab/internal/testutil"
	"github.com/javanstorm/vmlab/pkg/provision"
)

type harness struct {
	ctrl *lifecycle.Controller
	reg  *Registry
	ssh  *testutil.Echo
	vnc  *testutil.Echo
}

func bridgeConfig() bridge.Config {
	return bridge.Config{
		BufferSize:        1024,
		HeartbeatInterval: time.Minute,
		IdleTimeout:       2 * time.Minute,
		CloseTimeout:      time.Second,
		WriteTimeout:      time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, dialer Dialer) *harness {
	t.Helper()
	h := &harness{
		ssh: testutil.EchoServer(t, provision.SimSSHBanner),
		vnc: testutil.EchoServer(t, provision.SimVNCBanner),
	}
	if dialer == nil {
		dialer = testutil.NewStaticDialer(h.ssh.Addr(), h.vnc.Addr())
	}
	if cfg.Bridge == (bridge.Config{}) {
		cfg.Bridge = bridgeConfig()
	}

	bus := event.NewBus(nil)
	h.ctrl = lifecycle.New(lifecycle.Config{Ports: lifecycle.PortRange{SSHBase: 2201, VNCBase: 5901, Size: 10}},
		store.NewMemory(), provision.NewSim(provision.SimConfig{}), bus, nil)
	h.reg = NewRegistry(cfg, h.ctrl, dialer, nil)
	h.reg.Subscribe(bus)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.reg.Shutdown(ctx)
		h.ctrl.Close()
	})
	return h
}

func (h *harness) deployed(t *testing.T, n int) *lab.Lab {
	t.Helper()
	ctx := context.Background()
	l, err := h.ctrl.CreateLab(ctx, testutil.LabSpec("net", n))
	if err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := h.ctrl.Deploy(ctx, l.ID); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	h.ctrl.Wait()
	l, err = h.ctrl.GetLab(ctx, l.ID)
	if err != nil || l.Status != lab.LabDeployed {
		t.Fatalf("GetLab = %+v, %v; want deployed", l, err)
	}
	return l
}

// attached opens and attaches a session, waiting for the upstream banner.
func (h *harness) attached(t *testing.T, vmID string, proto bridge.Protocol) (*Session, *testutil.Client) {
	t.Helper()
	ctx := context.Background()
	s, err := h.reg.Open(ctx, vmID, proto)
	if err != nil {
		t.Fatalf("Open(%s): %v", proto, err)
	}
	client := testutil.NewClient()
	if err := h.reg.Attach(ctx, s.ID, client); err != nil {
		t.Fatalf("Attach(%s): %v", proto, err)
	}
	banner := provision.SimSSHBanner
	if proto == bridge.VNC {
		banner = provision.SimVNCBanner
	}
	client.ReadUntil(t, banner)
	return s, client
}

func TestOpenRequiresRunningVM(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if _, err := h.reg.Open(ctx, vm.ID, bridge.SSH); !errors.Is(err, lab.ErrVMNotRunning) {
		t.Errorf("Open(stopped) = %v, want ErrVMNotRunning", err)
	}
	if _, err := h.reg.Open(ctx, "missing", bridge.SSH); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("Open(missing) = %v, want ErrNotFound", err)
	}
	if n := h.reg.Count(vm.ID); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestOpenAttachRelays(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	vm := h.deployed(t, 1).VMs[0]

	s, client := h.attached(t, vm.ID, bridge.SSH)
	if s.State() != StateOpen {
		t.Errorf("State = %s, want open", s.State())
	}

	client.Send(t, bridge.Binary, "ls -la\n")
	client.ReadUntil(t, "ls -la\n")

	infos := h.reg.List(vm.ID)
	if len(infos) != 1 {
		t.Fatalf("List = %d sessions, want 1", len(infos))
	}
	info := infos[0]
	if info.ID != s.ID || info.Protocol != bridge.SSH || info.State != StateOpen {
		t.Errorf("Info = %+v", info)
	}
	testutil.Eventually(t, time.Second, func() bool {
		info := s.Info()
		return info.BytesIn == int64(len("ls -la\n")) && info.BytesOut > info.BytesIn
	}, "byte counters updated")
	if len(h.reg.List("other-vm")) != 0 {
		t.Error("List(other-vm) should be empty")
	}
}

func TestSessionLimitPerProtocol(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	if _, err := h.reg.Open(ctx, vm.ID, bridge.SSH); err != nil {
		t.Fatalf("Open(ssh): %v", err)
	}
	if _, err := h.reg.Open(ctx, vm.ID, bridge.SSH); !errors.Is(err, lab.ErrSessionLimitExceeded) {
		t.Errorf("second Open(ssh) = %v, want ErrSessionLimitExceeded", err)
	}
	if _, err := h.reg.Open(ctx, vm.ID, bridge.VNC); err != nil {
		t.Errorf("Open(vnc) = %v, want nil", err)
	}
	if n := h.reg.Count(vm.ID); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestConcurrentOpenAdmitsOne(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	vm := h.deployed(t, 1).VMs[0]

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reg.Open(context.Background(), vm.ID, bridge.SSH)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, lab.ErrSessionLimitExceeded):
				limited++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || limited != 15 {
		t.Errorf("admitted %d, limited %d; want 1 and 15", ok, limited)
	}
}

func TestAttachUpstreamUnreachable(t *testing.T) {
	h := newHarness(t, Config{DialTimeout: time.Second},
		testutil.NewStaticDialer("127.0.0.1:"+strconv.Itoa(testutil.ClosedPort(t)), ""))
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	s, err := h.reg.Open(ctx, vm.ID, bridge.SSH)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := testutil.NewClient()
	err = h.reg.Attach(ctx, s.ID, client)
	if !errors.Is(err, lab.ErrUpstreamUnreachable) {
		t.Fatalf("Attach = %v, want ErrUpstreamUnreachable", err)
	}
	if r := client.WaitClosed(t); r != bridge.ReasonUpstreamUnreachable {
		t.Errorf("client reason = %s, want upstream_unreachable", r)
	}
	if _, err := h.reg.Get(s.ID); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("Get after failure = %v, want ErrNotFound", err)
	}
	if s.State() != StateClosed || s.Reason() != bridge.ReasonUpstreamUnreachable {
		t.Errorf("session state %s reason %s", s.State(), s.Reason())
	}

	// The slot is free again.
	if _, err := h.reg.Open(ctx, vm.ID, bridge.SSH); err != nil {
		t.Errorf("Open after failure: %v", err)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	client := testutil.NewClient()
	if err := h.reg.Attach(context.Background(), "nope", client); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("Attach(unknown) = %v, want ErrNotFound", err)
	}
	client.WaitClosed(t)
}

func TestStopVMClosesSessions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	sshSess, sshClient := h.attached(t, vm.ID, bridge.SSH)
	vncSess, vncClient := h.attached(t, vm.ID, bridge.VNC)

	stopped, err := h.ctrl.StopVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	// Nothing may remain once StopVM has returned.
	if n := h.reg.Count(vm.ID); n != 0 {
		t.Errorf("Count after stop = %d, want 0", n)
	}
	for _, s := range []*Session{sshSess, vncSess} {
		if s.State() != StateClosed || s.Reason() != bridge.ReasonVMLifecycle {
			t.Errorf("%s session: state %s reason %s", s.Protocol, s.State(), s.Reason())
		}
	}
	for _, c := range []*testutil.Client{sshClient, vncClient} {
		if r := c.Reason(); r != bridge.ReasonVMLifecycle {
			t.Errorf("client reason = %q, want vm_lifecycle", r)
		}
	}
	if stopped.Status != lab.VMStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if _, err := h.reg.Open(ctx, vm.ID, bridge.SSH); !errors.Is(err, lab.ErrVMNotRunning) {
		t.Errorf("Open after stop = %v, want ErrVMNotRunning", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.ssh.Open() == 0 && h.vnc.Open() == 0
	}, "upstream connections released")
}

func TestRestartVMClosesSessions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	_, client := h.attached(t, vm.ID, bridge.SSH)
	if _, err := h.ctrl.RestartVM(ctx, vm.ID); err != nil {
		t.Fatalf("RestartVM: %v", err)
	}
	if r := client.Reason(); r != bridge.ReasonVMLifecycle {
		t.Errorf("client reason = %q, want vm_lifecycle", r)
	}

	// The VM is running again, so a fresh session is admitted.
	h.attached(t, vm.ID, bridge.SSH)
}

func TestDeleteLabClosesAllSessions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	l := h.deployed(t, 3)

	var clients []*testutil.Client
	for _, p := range []bridge.Protocol{bridge.SSH, bridge.VNC} {
		_, c := h.attached(t, l.VMs[0].ID, p)
		clients = append(clients, c)
	}
	_, c := h.attached(t, l.VMs[1].ID, bridge.SSH)
	clients = append(clients, c)

	if err := h.ctrl.DeleteLab(ctx, l.ID); err != nil {
		t.Fatalf("DeleteLab: %v", err)
	}
	for _, vm := range l.VMs {
		if n := h.reg.Count(vm.ID); n != 0 {
			t.Errorf("vm %s keeps %d sessions", vm.Name, n)
		}
	}
	for i, c := range clients {
		if r := c.Reason(); r != bridge.ReasonVMLifecycle {
			t.Errorf("client %d reason = %q, want vm_lifecycle", i, r)
		}
	}
	if _, err := h.reg.Open(ctx, l.VMs[2].ID, bridge.SSH); !errors.Is(err, lab.ErrVMNotRunning) {
		t.Errorf("Open after delete = %v, want ErrVMNotRunning", err)
	}
}

func TestStopDuringDialFailsAttach(t *testing.T) {
	dialing := make(chan struct{})
	dialer := DialerFunc(func(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{DialTimeout: 5 * time.Second}, dialer)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	s, err := h.reg.Open(ctx, vm.ID, bridge.SSH)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := testutil.NewClient()
	errc := make(chan error, 1)
	go func() { errc <- h.reg.Attach(ctx, s.ID, client) }()

	<-dialing
	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, lab.ErrVMNotRunning) {
			t.Errorf("Attach = %v, want ErrVMNotRunning", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after stop")
	}
	if r := client.Reason(); r != bridge.ReasonVMLifecycle {
		t.Errorf("client reason = %q, want vm_lifecycle", r)
	}
}

func TestStopBeforeAttachFailsAttach(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	s, err := h.reg.Open(ctx, vm.ID, bridge.SSH)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	client := testutil.NewClient()
	if err := h.reg.Attach(ctx, s.ID, client); !errors.Is(err, lab.ErrVMNotRunning) {
		t.Errorf("Attach = %v, want ErrVMNotRunning", err)
	}
	if r := client.WaitClosed(t); r != bridge.ReasonVMLifecycle {
		t.Errorf("client reason = %q, want vm_lifecycle", r)
	}

	// The close record is consumed by the first Attach.
	again := testutil.NewClient()
	if err := h.reg.Attach(ctx, s.ID, again); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("second Attach = %v, want ErrNotFound", err)
	}
}

func TestCloseRecordExpires(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	s, err := h.reg.Open(ctx, vm.ID, bridge.SSH)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	later := time.Now().Add(2 * tombstoneTTL)
	h.reg.now = func() time.Time { return later }

	client := testutil.NewClient()
	if err := h.reg.Attach(ctx, s.ID, client); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("Attach after expiry = %v, want ErrNotFound", err)
	}
}

func TestClientHangupReleasesSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	vm := h.deployed(t, 1).VMs[0]

	s, client := h.attached(t, vm.ID, bridge.SSH)
	client.Hangup()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not released after hangup")
	}
	if s.Reason() != bridge.ReasonNormal {
		t.Errorf("reason = %s, want normal", s.Reason())
	}
	if n := h.reg.Count(vm.ID); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestIdleSessionTimesOut(t *testing.T) {
	cfg := Config{Bridge: bridgeConfig()}
	cfg.Bridge.HeartbeatInterval = 20 * time.Millisecond
	cfg.Bridge.IdleTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	vm := h.deployed(t, 1).VMs[0]

	s, err := h.reg.Open(ctx, vm.ID, bridge.SSH)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := testutil.NewClient()
	client.IgnorePings = true
	if err := h.reg.Attach(ctx, s.ID, client); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if r := client.WaitClosed(t); r != bridge.ReasonTimeout {
		t.Errorf("client reason = %s, want timeout", r)
	}
	<-s.Done()
	if s.Reason() != bridge.ReasonTimeout {
		t.Errorf("session reason = %s, want timeout", s.Reason())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	vm := h.deployed(t, 1).VMs[0]

	s, client := h.attached(t, vm.ID, bridge.SSH)
	h.reg.Close(s.ID, bridge.ReasonNormal)
	h.reg.Close(s.ID, bridge.ReasonTimeout)
	h.reg.Close("unknown", bridge.ReasonNormal)

	if s.Reason() != bridge.ReasonNormal {
		t.Errorf("reason = %s, want normal", s.Reason())
	}
	if client.Reason() != bridge.ReasonNormal {
		t.Errorf("client reason = %s, want normal", client.Reason())
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	l := h.deployed(t, 2)

	_, c1 := h.attached(t, l.VMs[0].ID, bridge.SSH)
	_, c2 := h.attached(t, l.VMs[1].ID, bridge.VNC)

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.reg.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, c := range []*testutil.Client{c1, c2} {
		if r := c.WaitClosed(t); r != bridge.ReasonNormal {
			t.Errorf("client reason = %s, want normal", r)
		}
	}
	if _, err := h.reg.Open(ctx, l.VMs[0].ID, bridge.SSH); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Open after shutdown = %v, want ErrShuttingDown", err)
	}
}
