// Package lifecycle applies lab and VM transitions. It is the only writer
// of the lifecycle store and the only publisher of lifecycle events.
//
// Every VM transition runs under that VM's lock. Events are published
// synchronously inside the same critical section, so subscribers that
// also go through WithVM observe them before the status change becomes
// visible to new requests. Lab-wide operations take the lab lock first
// and the VM locks second.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/javanstorm/vmlab/internal/event"
	"github.com/javanstorm/vmlab/internal/image"
	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/store"
	"github.com/javanstorm/vmlab/pkg/provision"
)

// Config holds controller settings.
type Config struct {
	Ports PortRange

	// PublicHost is the host name put in access descriptors.
	PublicHost string
}

// Controller is the Lifecycle Controller.
type Controller struct {
	cfg    Config
	store  store.Store
	driver provision.Driver
	bus    *event.Bus
	ports  *PortAllocator
	logger *slog.Logger

	vmLocks  *keyedMutex
	labLocks *keyedMutex

	// ctx bounds background deploys; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a controller.
func New(cfg Config, st store.Store, driver provision.Driver, bus *event.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		store:    st,
		driver:   driver,
		bus:      bus,
		ports:    NewPortAllocator(cfg.Ports),
		logger:   logger.With("component", "lifecycle"),
		vmLocks:  newKeyedMutex(),
		labLocks: newKeyedMutex(),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Wait blocks until background deploys have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels running deploys and waits for them to record their outcome.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// CreateLab validates spec and stores a new lab with its VMs pending.
func (c *Controller) CreateLab(ctx context.Context, spec *lab.Spec) (*lab.Lab, error) {
	if err := spec.Validate(image.Known); err != nil {
		return nil, err
	}

	l := &lab.Lab{
		Name:        strings.TrimSpace(spec.Name),
		Description: spec.Description,
		Config:      spec.Config,
		Status:      lab.LabCreated,
	}
	for _, vs := range spec.VMs {
		l.VMs = append(l.VMs, &lab.VM{
			Name:      vs.Name,
			Image:     vs.Image,
			Status:    lab.VMPending,
			Resources: lab.Resources{VCPU: vs.VCPU, RAMMB: vs.RAMMB, DiskGB: vs.DiskGB},
		})
	}

	if err := c.store.CreateLab(ctx, l); err != nil {
		return nil, err
	}
	c.logger.Info("lab created", "lab", l.ID, "name", l.Name, "vms", len(l.VMs))
	return l, nil
}

// GetLab returns a lab with its VMs.
func (c *Controller) GetLab(ctx context.Context, id string) (*lab.Lab, error) {
	return c.store.GetLab(ctx, id)
}

// ListLabs returns every lab that has not been deleted.
func (c *Controller) ListLabs(ctx context.Context) ([]*lab.Lab, error) {
	all, err := c.store.ListLabs(ctx)
	if err != nil {
		return nil, err
	}
	labs := make([]*lab.Lab, 0, len(all))
	for _, l := range all {
		if l.Status != lab.LabDeleted {
			labs = append(labs, l)
		}
	}
	return labs, nil
}

// GetVM returns a VM by id.
func (c *Controller) GetVM(ctx context.Context, id string) (*lab.VM, error) {
	return c.store.GetVM(ctx, id)
}

// ListVMs returns the VMs that have not been deleted, optionally limited
// to one lab.
func (c *Controller) ListVMs(ctx context.Context, labID string) ([]*lab.VM, error) {
	if labID != "" {
		if _, err := c.store.GetLab(ctx, labID); err != nil {
			return nil, err
		}
	}
	all, err := c.store.ListVMs(ctx, labID)
	if err != nil {
		return nil, err
	}
	vms := make([]*lab.VM, 0, len(all))
	for _, vm := range all {
		if vm.Status != lab.VMDeleted {
			vms = append(vms, vm)
		}
	}
	return vms, nil
}

// Logs returns a lab's deployment log in order.
func (c *Controller) Logs(ctx context.Context, labID string) ([]*lab.DeploymentLog, error) {
	return c.store.ListLogs(ctx, labID)
}

// WithVM runs fn with the current VM record while holding the VM's lock.
// No lifecycle transition of the VM can interleave with fn.
func (c *Controller) WithVM(ctx context.Context, id string, fn func(vm *lab.VM) error) error {
	unlock := c.vmLocks.Lock(id)
	defer unlock()

	vm, err := c.store.GetVM(ctx, id)
	if err != nil {
		return err
	}
	return fn(vm)
}

// StartVM boots a stopped VM and assigns it a port pair.
func (c *Controller) StartVM(ctx context.Context, id string) (*lab.VM, error) {
	unlock := c.vmLocks.Lock(id)
	defer unlock()

	vm, l, err := c.loadVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if vm.Status != lab.VMStopped {
		return nil, vmPrecondition("start", vm, "VM must be stopped to start")
	}

	ports, err := c.ports.Allocate(vm.ID)
	if err != nil {
		return nil, err
	}
	if err := c.driver.Start(ctx, target(l, vm, ports)); err != nil {
		c.ports.Release(vm.ID)
		return nil, fmt.Errorf("start VM %s: %w", vm.Name, err)
	}
	if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMRunning, ports); err != nil {
		c.ports.Release(vm.ID)
		return nil, err
	}
	c.publish(lab.EventVMStarted, vm)

	c.logger.Info("vm started", "vm", vm.ID, "name", vm.Name, "ssh_port", ports.SSH, "vnc_port", ports.VNC)
	return c.store.GetVM(ctx, id)
}

// StopVM shuts a running VM down. Its sessions are closed before the
// driver is asked to stop it, and its ports are released with the status
// change. A driver failure leaves the VM in error.
func (c *Controller) StopVM(ctx context.Context, id string) (*lab.VM, error) {
	unlock := c.vmLocks.Lock(id)
	defer unlock()

	vm, l, err := c.loadVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if vm.Status != lab.VMRunning {
		return nil, vmPrecondition("stop", vm, "VM must be running to stop")
	}

	c.publish(lab.EventVMStopping, vm)

	derr := c.driver.Stop(ctx, target(l, vm, vm.Ports))
	// The domain has changed; record it even if the caller went away.
	wctx := context.WithoutCancel(ctx)
	if derr != nil {
		c.fail(wctx, vm, derr)
		return nil, fmt.Errorf("stop VM %s: %w", vm.Name, derr)
	}
	if err := c.store.ApplyVMStatus(wctx, vm.ID, lab.VMStopped, lab.Ports{}); err != nil {
		return nil, err
	}
	c.ports.Release(vm.ID)
	c.publish(lab.EventVMStopped, vm)

	c.logger.Info("vm stopped", "vm", vm.ID, "name", vm.Name)
	return c.store.GetVM(wctx, id)
}

// RestartVM reboots a running VM in place. The VM stays running with the
// same ports throughout; its sessions are closed first.
func (c *Controller) RestartVM(ctx context.Context, id string) (*lab.VM, error) {
	unlock := c.vmLocks.Lock(id)
	defer unlock()

	vm, l, err := c.loadVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if vm.Status != lab.VMRunning {
		return nil, vmPrecondition("restart", vm, "VM must be running to restart")
	}

	c.publish(lab.EventVMStopping, vm)

	derr := c.driver.Reboot(ctx, target(l, vm, vm.Ports))
	wctx := context.WithoutCancel(ctx)
	if derr != nil {
		c.fail(wctx, vm, derr)
		return nil, fmt.Errorf("restart VM %s: %w", vm.Name, derr)
	}
	if err := c.store.ApplyVMStatus(wctx, vm.ID, lab.VMRunning, vm.Ports); err != nil {
		return nil, err
	}
	c.publish(lab.EventVMStarted, vm)

	c.logger.Info("vm restarted", "vm", vm.ID, "name", vm.Name)
	return c.store.GetVM(wctx, id)
}

// DeleteLab soft-deletes a lab and all its VMs, closing their sessions
// and destroying their domains.
func (c *Controller) DeleteLab(ctx context.Context, id string) error {
	unlock := c.labLocks.Lock(id)
	defer unlock()

	l, err := c.store.GetLab(ctx, id)
	if err != nil {
		return err
	}
	switch l.Status {
	case lab.LabDeploying:
		return &lab.TransitionError{Subject: "lab", Action: "delete", Current: string(l.Status),
			Required: "lab must not be deploying to delete"}
	case lab.LabDeleted:
		return &lab.TransitionError{Subject: "lab", Action: "delete", Current: string(l.Status),
			Required: "lab is already deleted"}
	}

	var targets []provision.Target
	for _, vm := range l.VMs {
		if vm.Status == lab.VMDeleted {
			continue
		}
		targets = append(targets, target(l, vm, vm.Ports))
		if err := c.deleteVM(ctx, vm.ID); err != nil {
			return err
		}
	}

	if err := c.driver.Destroy(ctx, targets); err != nil {
		c.logger.Warn("destroy domains failed", "lab", l.ID, "error", err)
		c.appendLog(ctx, l.ID, lab.LogError, fmt.Sprintf("destroy domains: %v", err))
	}

	if err := c.store.SetLabStatus(ctx, l.ID, lab.LabDeleted); err != nil {
		return err
	}
	c.logger.Info("lab deleted", "lab", l.ID, "name", l.Name, "vms", len(targets))
	return nil
}

func (c *Controller) deleteVM(ctx context.Context, id string) error {
	unlock := c.vmLocks.Lock(id)
	defer unlock()

	vm, err := c.store.GetVM(ctx, id)
	if err != nil {
		return err
	}
	c.publish(lab.EventVMDeleted, vm)
	if err := c.store.ApplyVMStatus(ctx, id, lab.VMDeleted, lab.Ports{}); err != nil {
		return err
	}
	c.ports.Release(id)
	return nil
}

// fail moves vm to error after a driver failure and frees its ports.
// Caller holds the VM lock.
func (c *Controller) fail(ctx context.Context, vm *lab.VM, cause error) {
	c.logger.Error("vm power action failed", "vm", vm.ID, "name", vm.Name, "error", cause)
	if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMError, lab.Ports{}); err != nil {
		c.logger.Error("mark vm error", "vm", vm.ID, "error", err)
		return
	}
	c.ports.Release(vm.ID)
	c.publish(lab.EventVMStopped, vm)
}

func (c *Controller) loadVM(ctx context.Context, id string) (*lab.VM, *lab.Lab, error) {
	vm, err := c.store.GetVM(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	l, err := c.store.GetLab(ctx, vm.LabID)
	if err != nil {
		return nil, nil, err
	}
	return vm, l, nil
}

func (c *Controller) publish(kind lab.EventKind, vm *lab.VM) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(lab.Event{Kind: kind, VMID: vm.ID, LabID: vm.LabID, At: c.now()})
}

func (c *Controller) appendLog(ctx context.Context, labID string, typ lab.LogType, content string) {
	err := c.store.AppendLog(ctx, &lab.DeploymentLog{LabID: labID, Type: typ, Content: content})
	if err != nil {
		c.logger.Warn("append deployment log", "lab", labID, "error", err)
	}
}

func vmPrecondition(action string, vm *lab.VM, required string) error {
	return &lab.TransitionError{Subject: "VM", Action: action, Current: string(vm.Status), Required: required}
}

// target converts a VM into the driver's view of it.
func target(l *lab.Lab, vm *lab.VM, ports lab.Ports) provision.Target {
	t := provision.Target{
		LabName: l.Name,
		Name:    vm.Name,
		Image:   vm.Image,
		User:    image.DefaultUser(vm.Image),
		VCPU:    vm.Resources.VCPU,
		RAMMB:   vm.Resources.RAMMB,
		DiskGB:  vm.Resources.DiskGB,
	}
	if ports.Assigned() {
		t.Forwards = []provision.Forward{
			{Host: ports.SSH, Guest: provision.GuestSSHPort},
			{Host: ports.VNC, Guest: provision.GuestVNCPort},
		}
	}
	return t
}
