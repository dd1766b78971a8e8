package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmlab/internal/event"
	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/store"
	"github.com/javanstorm/vmlab/internal/testutil"
	"github.com/javanstorm/vmlab/pkg/provision"
)

type harness struct {
	ctrl  *Controller
	store *store.Memory
	sim   *provision.Sim
	bus   *event.Bus

	mu     sync.Mutex
	events []lab.Event
}

func newHarness(t *testing.T, sim *provision.Sim) *harness {
	t.Helper()
	if sim == nil {
		sim = provision.NewSim(provision.SimConfig{})
	}
	h := &harness{store: store.NewMemory(), sim: sim, bus: event.NewBus(nil)}
	h.bus.SubscribeAll(func(ev lab.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.ctrl = New(Config{Ports: PortRange{SSHBase: 2201, VNCBase: 5901, Size: 10}, PublicHost: "lab.example"},
		h.store, sim, h.bus, nil)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) kinds(vmID string) []lab.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []lab.EventKind
	for _, ev := range h.events {
		if vmID == "" || ev.VMID == vmID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func (h *harness) resetEvents() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

// deployed creates and deploys a lab with n VMs and waits for the outcome.
func (h *harness) deployed(t *testing.T, name string, n int) *lab.Lab {
	t.Helper()
	ctx := context.Background()
	l, err := h.ctrl.CreateLab(ctx, testutil.LabSpec(name, n))
	if err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := h.ctrl.Deploy(ctx, l.ID); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	h.ctrl.Wait()
	l, err = h.ctrl.GetLab(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetLab: %v", err)
	}
	if l.Status != lab.LabDeployed {
		t.Fatalf("lab status = %s, want deployed", l.Status)
	}
	return l
}

// checkPortInvariant asserts running <=> ports assigned for every VM.
func (h *harness) checkPortInvariant(t *testing.T) {
	t.Helper()
	vms, err := h.store.ListVMs(context.Background(), "")
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	for _, vm := range vms {
		if (vm.Status == lab.VMRunning) != vm.Ports.Assigned() {
			t.Errorf("vm %s: status %s with ports %+v", vm.Name, vm.Status, vm.Ports)
		}
		if vm.Status != lab.VMRunning && !vm.Ports.IsZero() {
			t.Errorf("vm %s: status %s keeps ports %+v", vm.Name, vm.Status, vm.Ports)
		}
	}
}

func TestCreateLab(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	l, err := h.ctrl.CreateLab(ctx, testutil.LabSpec("net", 2))
	if err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if l.Status != lab.LabCreated || len(l.VMs) != 2 || l.VMs[0].Status != lab.VMPending {
		t.Errorf("CreateLab = %+v", l)
	}

	if _, err := h.ctrl.CreateLab(ctx, testutil.LabSpec("net", 1)); !errors.Is(err, lab.ErrConflict) {
		t.Errorf("duplicate name = %v, want ErrConflict", err)
	}

	bad := testutil.LabSpec("bad", 1)
	bad.VMs[0].Image = "plan9"
	if _, err := h.ctrl.CreateLab(ctx, bad); !errors.Is(err, lab.ErrInvalidSpec) {
		t.Errorf("unknown image = %v, want ErrInvalidSpec", err)
	}
}

func TestDeploySuccess(t *testing.T) {
	h := newHarness(t, nil)
	l := h.deployed(t, "net", 2)

	for i, vm := range l.VMs {
		if vm.Status != lab.VMRunning {
			t.Errorf("vm %s status = %s", vm.Name, vm.Status)
		}
		if vm.Ports.SSH < 2201 || vm.Ports.VNC < 5901 {
			t.Errorf("vm %d ports = %+v", i, vm.Ports)
		}
	}
	if l.VMs[0].Ports == l.VMs[1].Ports {
		t.Error("VMs share ports")
	}
	if got := h.kinds(""); len(got) != 2 || got[0] != lab.EventVMStarted {
		t.Errorf("events = %v, want two vm_started", got)
	}

	logs, err := h.ctrl.Logs(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	types := map[lab.LogType]int{}
	for _, e := range logs {
		types[e.Type]++
	}
	if types[lab.LogProvision] == 0 || types[lab.LogConfigure] == 0 || types[lab.LogError] != 0 {
		t.Errorf("log types = %v", types)
	}
	last := logs[len(logs)-1]
	if last.Type != lab.LogDeployment || !strings.HasPrefix(last.Content, "deployment completed: provision=") {
		t.Errorf("last log = %+v", last)
	}
	h.checkPortInvariant(t)
}

func TestDeployRequiresCreated(t *testing.T) {
	h := newHarness(t, nil)
	l := h.deployed(t, "net", 1)

	_, err := h.ctrl.Deploy(context.Background(), l.ID)
	var te *lab.TransitionError
	if !errors.As(err, &te) || te.Required != "lab must be created to deploy" {
		t.Errorf("Deploy(deployed) = %v", err)
	}
	if _, err := h.ctrl.Deploy(context.Background(), "missing"); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("Deploy(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeployFailure(t *testing.T) {
	sim := provision.NewSim(provision.SimConfig{})
	sim.FailNext(provision.OpProvision, errors.New("libvirt unavailable"))
	h := newHarness(t, sim)
	ctx := context.Background()

	l, _ := h.ctrl.CreateLab(ctx, testutil.LabSpec("net", 2))
	if _, err := h.ctrl.Deploy(ctx, l.ID); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	h.ctrl.Wait()

	l, _ = h.ctrl.GetLab(ctx, l.ID)
	if l.Status != lab.LabError {
		t.Fatalf("lab status = %s, want error", l.Status)
	}
	for _, vm := range l.VMs {
		if vm.Status != lab.VMError || !vm.Ports.IsZero() {
			t.Errorf("vm %s = %s %+v", vm.Name, vm.Status, vm.Ports)
		}
		if _, held := h.ctrl.ports.Held(vm.ID); held {
			t.Errorf("vm %s still holds ports", vm.Name)
		}
	}

	logs, _ := h.ctrl.Logs(ctx, l.ID)
	found := false
	for _, e := range logs {
		if e.Type == lab.LogError && strings.Contains(e.Content, "libvirt unavailable") {
			found = true
		}
	}
	if !found {
		t.Error("missing error log entry")
	}
}

func TestStartStopRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	l := h.deployed(t, "net", 1)
	vm := l.VMs[0]
	ports := vm.Ports
	h.resetEvents()

	_, err := h.ctrl.StartVM(ctx, vm.ID)
	if err == nil || !strings.Contains(err.Error(), "VM must be stopped to start") {
		t.Errorf("StartVM(running) = %v", err)
	}
	if !errors.Is(err, lab.ErrInvalidTransition) {
		t.Errorf("StartVM(running) should wrap ErrInvalidTransition")
	}

	restarted, err := h.ctrl.RestartVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("RestartVM: %v", err)
	}
	if restarted.Status != lab.VMRunning || restarted.Ports != ports {
		t.Errorf("after restart = %s %+v, want running %+v", restarted.Status, restarted.Ports, ports)
	}
	if got := h.kinds(vm.ID); len(got) != 2 || got[0] != lab.EventVMStopping || got[1] != lab.EventVMStarted {
		t.Errorf("restart events = %v", got)
	}
	h.resetEvents()

	stopped, err := h.ctrl.StopVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if stopped.Status != lab.VMStopped || !stopped.Ports.IsZero() {
		t.Errorf("after stop = %s %+v", stopped.Status, stopped.Ports)
	}
	if got := h.kinds(vm.ID); len(got) != 2 || got[0] != lab.EventVMStopping || got[1] != lab.EventVMStopped {
		t.Errorf("stop events = %v", got)
	}
	h.checkPortInvariant(t)

	for _, action := range []func(context.Context, string) (*lab.VM, error){h.ctrl.StopVM, h.ctrl.RestartVM} {
		if _, err := action(ctx, vm.ID); !errors.Is(err, lab.ErrInvalidTransition) {
			t.Errorf("action on stopped VM = %v, want ErrInvalidTransition", err)
		}
	}

	started, err := h.ctrl.StartVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("StartVM: %v", err)
	}
	if started.Ports != ports {
		t.Errorf("restarted VM ports = %+v, want lowest free %+v", started.Ports, ports)
	}
	h.checkPortInvariant(t)
}

func TestStopDriverFailureMarksError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.deployed(t, "net", 1).VMs[0]

	h.sim.FailNext(provision.OpStop, errors.New("qemu hung"))
	if _, err := h.ctrl.StopVM(ctx, vm.ID); err == nil {
		t.Fatal("StopVM should fail")
	}
	got, _ := h.ctrl.GetVM(ctx, vm.ID)
	if got.Status != lab.VMError || !got.Ports.IsZero() {
		t.Errorf("vm = %s %+v, want error without ports", got.Status, got.Ports)
	}
	h.checkPortInvariant(t)
}

// cancelAwareStore fails status writes once the request context is done,
// like a database driver would.
type cancelAwareStore struct {
	*store.Memory
}

func (s cancelAwareStore) ApplyVMStatus(ctx context.Context, id string, status lab.VMStatus, ports lab.Ports) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.ApplyVMStatus(ctx, id, status, ports)
}

func TestPowerActionsOutliveCallerCancel(t *testing.T) {
	bus := event.NewBus(nil)
	ctrl := New(Config{Ports: PortRange{SSHBase: 2201, VNCBase: 5901, Size: 10}},
		cancelAwareStore{store.NewMemory()}, provision.NewSim(provision.SimConfig{}), bus, nil)
	t.Cleanup(ctrl.Close)

	l, err := ctrl.CreateLab(context.Background(), testutil.LabSpec("net", 1))
	if err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if _, err := ctrl.Deploy(context.Background(), l.ID); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	ctrl.Wait()
	if l, err = ctrl.GetLab(context.Background(), l.ID); err != nil || l.Status != lab.LabDeployed {
		t.Fatalf("GetLab = %v, %v; want deployed", l, err)
	}
	vmID := l.VMs[0].ID

	// The caller disconnects while sessions are being drained.
	var cancel context.CancelFunc
	bus.Subscribe(lab.EventVMStopping, func(lab.Event) { cancel() })

	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	got, err := ctrl.RestartVM(ctx, vmID)
	if err != nil {
		t.Fatalf("RestartVM: %v", err)
	}
	if got.Status != lab.VMRunning || !got.Ports.Assigned() {
		t.Errorf("after restart vm = %s %+v, want running with ports", got.Status, got.Ports)
	}

	ctx, cancel = context.WithCancel(context.Background())
	got, err = ctrl.StopVM(ctx, vmID)
	if err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if got.Status != lab.VMStopped || !got.Ports.IsZero() {
		t.Errorf("after stop vm = %s %+v, want stopped without ports", got.Status, got.Ports)
	}
}

func TestStartDriverFailureKeepsStopped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.deployed(t, "net", 1).VMs[0]
	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	h.sim.FailNext(provision.OpStart, errors.New("no memory"))
	if _, err := h.ctrl.StartVM(ctx, vm.ID); err == nil {
		t.Fatal("StartVM should fail")
	}
	got, _ := h.ctrl.GetVM(ctx, vm.ID)
	if got.Status != lab.VMStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if _, held := h.ctrl.ports.Held(vm.ID); held {
		t.Error("ports leaked after failed start")
	}
}

func TestDeleteLab(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	l := h.deployed(t, "net", 3)
	if _, err := h.ctrl.StopVM(ctx, l.VMs[1].ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	h.resetEvents()

	if err := h.ctrl.DeleteLab(ctx, l.ID); err != nil {
		t.Fatalf("DeleteLab: %v", err)
	}

	deleted := 0
	for _, k := range h.kinds("") {
		if k == lab.EventVMDeleted {
			deleted++
		}
	}
	if deleted != 3 {
		t.Errorf("vm_deleted events = %d, want 3", deleted)
	}

	got, _ := h.ctrl.GetLab(ctx, l.ID)
	if got.Status != lab.LabDeleted {
		t.Errorf("lab status = %s", got.Status)
	}
	for _, vm := range got.VMs {
		if vm.Status != lab.VMDeleted || !vm.Ports.IsZero() {
			t.Errorf("vm %s = %s %+v", vm.Name, vm.Status, vm.Ports)
		}
		if h.sim.State(target(got, vm, lab.Ports{})) != provision.DomainUndefined {
			t.Errorf("domain of %s not destroyed", vm.Name)
		}
	}

	labs, _ := h.ctrl.ListLabs(ctx)
	if len(labs) != 0 {
		t.Errorf("ListLabs = %d labs, want 0", len(labs))
	}
	if err := h.ctrl.DeleteLab(ctx, l.ID); !errors.Is(err, lab.ErrInvalidTransition) {
		t.Errorf("second DeleteLab = %v, want ErrInvalidTransition", err)
	}
}

func TestDeleteLabWhileDeploying(t *testing.T) {
	sim := provision.NewSim(provision.SimConfig{Delay: 200 * time.Millisecond})
	h := newHarness(t, sim)
	ctx := context.Background()

	l, _ := h.ctrl.CreateLab(ctx, testutil.LabSpec("slow", 1))
	if _, err := h.ctrl.Deploy(ctx, l.ID); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	err := h.ctrl.DeleteLab(ctx, l.ID)
	var te *lab.TransitionError
	if !errors.As(err, &te) || te.Current != string(lab.LabDeploying) {
		t.Errorf("DeleteLab(deploying) = %v", err)
	}

	h.ctrl.Wait()
	if err := h.ctrl.DeleteLab(ctx, l.ID); err != nil {
		t.Errorf("DeleteLab after deploy: %v", err)
	}
}

func TestStopClosesGateBeforeStatusChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.deployed(t, "net", 1).VMs[0]

	seen := make(chan lab.VMStatus, 1)
	h.bus.Subscribe(lab.EventVMStopping, func(ev lab.Event) {
		go func() {
			h.ctrl.WithVM(ctx, ev.VMID, func(v *lab.VM) error {
				seen <- v.Status
				return nil
			})
		}()
	})

	if _, err := h.ctrl.StopVM(ctx, vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	select {
	case status := <-seen:
		if status == lab.VMRunning {
			t.Error("WithVM observed running during stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WithVM never ran")
	}
}

func TestListVMsFilters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.deployed(t, "a", 2)
	h.deployed(t, "b", 1)

	vms, err := h.ctrl.ListVMs(ctx, a.ID)
	if err != nil || len(vms) != 2 {
		t.Fatalf("ListVMs(a) = %d, %v", len(vms), err)
	}
	all, _ := h.ctrl.ListVMs(ctx, "")
	if len(all) != 3 {
		t.Errorf("ListVMs(all) = %d", len(all))
	}
	if _, err := h.ctrl.ListVMs(ctx, "missing"); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("ListVMs(missing) = %v", err)
	}

	if err := h.ctrl.DeleteLab(ctx, a.ID); err != nil {
		t.Fatalf("DeleteLab: %v", err)
	}
	all, _ = h.ctrl.ListVMs(ctx, "")
	if len(all) != 1 {
		t.Errorf("ListVMs after delete = %d, want 1", len(all))
	}
}

func TestAccessDescriptors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.deployed(t, "net", 1).VMs[0]

	ssh, err := h.ctrl.SSHAccess(ctx, vm.ID)
	if err != nil {
		t.Fatalf("SSHAccess: %v", err)
	}
	if ssh.Host != "lab.example" || ssh.Port != vm.Ports.SSH || ssh.Username != "ubuntu" {
		t.Errorf("SSHAccess = %+v", ssh)
	}
	vnc, err := h.ctrl.VNCAccess(ctx, vm.ID)
	if err != nil || vnc.Port != vm.Ports.VNC {
		t.Errorf("VNCAccess = %+v, %v", vnc, err)
	}

	h.ctrl.StopVM(ctx, vm.ID)
	if _, err := h.ctrl.SSHAccess(ctx, vm.ID); !errors.Is(err, lab.ErrVMNotRunning) {
		t.Errorf("SSHAccess(stopped) = %v, want ErrVMNotRunning", err)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// A lab that was running before the restart.
	running := &lab.Lab{Name: "running", VMs: []*lab.VM{{Name: "a", Image: "debian-12",
		Resources: lab.Resources{VCPU: 1, RAMMB: 512, DiskGB: 10}}}}
	st.CreateLab(ctx, running)
	st.ApplyVMStatus(ctx, running.VMs[0].ID, lab.VMRunning, lab.Ports{SSH: 2201, VNC: 5901})
	st.SetLabStatus(ctx, running.ID, lab.LabDeployed)

	// A lab whose deploy was interrupted.
	stuck := &lab.Lab{Name: "stuck", VMs: []*lab.VM{{Name: "b", Image: "debian-12",
		Resources: lab.Resources{VCPU: 1, RAMMB: 512, DiskGB: 10}}}}
	st.CreateLab(ctx, stuck)
	st.SetLabStatus(ctx, stuck.ID, lab.LabDeploying)

	ctrl := New(Config{Ports: PortRange{SSHBase: 2201, VNCBase: 5901, Size: 10}}, st,
		provision.NewSim(provision.SimConfig{}), event.NewBus(nil), nil)
	defer ctrl.Close()

	if err := ctrl.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if p, held := ctrl.ports.Held(running.VMs[0].ID); !held || p.SSH != 2201 {
		t.Errorf("running VM ports not reserved: %+v %v", p, held)
	}
	next, _ := ctrl.ports.Allocate("new")
	if next.SSH != 2202 {
		t.Errorf("next allocation = %+v, want ssh 2202", next)
	}

	l, _ := st.GetLab(ctx, stuck.ID)
	if l.Status != lab.LabError || l.VMs[0].Status != lab.VMError {
		t.Errorf("stuck lab = %s, vm = %s", l.Status, l.VMs[0].Status)
	}
	logs, _ := st.ListLogs(ctx, stuck.ID)
	if len(logs) != 1 || logs[0].Type != lab.LogError {
		t.Errorf("recovery logs = %+v", logs)
	}
}
