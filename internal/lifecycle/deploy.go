package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/javanstorm/vmlab/internal/lab"
	"github.com/javanstorm/vmlab/internal/timing"
	"github.com/javanstorm/vmlab/pkg/provision"
)

// Deploy moves a created lab to deploying and provisions it in the
// background. The outcome is recorded on the lab, its VMs and its
// deployment log.
func (c *Controller) Deploy(ctx context.Context, id string) (*lab.Lab, error) {
	unlock := c.labLocks.Lock(id)
	defer unlock()

	l, err := c.store.GetLab(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != lab.LabCreated {
		return nil, &lab.TransitionError{Subject: "lab", Action: "deploy", Current: string(l.Status),
			Required: "lab must be created to deploy"}
	}
	if err := c.store.SetLabStatus(ctx, id, lab.LabDeploying); err != nil {
		return nil, err
	}
	l.Status = lab.LabDeploying

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runDeploy(l.Clone())
	}()

	c.logger.Info("lab deploying", "lab", l.ID, "name", l.Name, "driver", c.driver.Info().Name)
	return l, nil
}

func (c *Controller) runDeploy(l *lab.Lab) {
	ctx := c.ctx
	timer := timing.New()
	c.appendLog(ctx, l.ID, lab.LogDeployment,
		fmt.Sprintf("deploying lab %s: %d VMs with driver %s", l.Name, len(l.VMs), c.driver.Info().Name))

	err := c.provision(ctx, l, timer)
	if err != nil {
		c.finishFailed(l, timer, err)
		return
	}
	c.finishDeployed(l, timer)
}

// provision allocates ports and runs the driver, streaming its output
// into the deployment log.
func (c *Controller) provision(ctx context.Context, l *lab.Lab, timer *timing.Timer) error {
	plan := &provision.Plan{LabID: l.ID, LabName: l.Name, Recipe: l.Config}
	for _, vm := range l.VMs {
		ports, err := c.ports.Allocate(vm.ID)
		if err != nil {
			return err
		}
		vm.Ports = ports
		plan.VMs = append(plan.VMs, target(l, vm, ports))
	}

	stage := provision.StageProvision
	out := func(s provision.Stage, line string) {
		if s != stage {
			timer.Mark(string(stage))
			stage = s
		}
		typ := lab.LogProvision
		if s == provision.StageConfigure {
			typ = lab.LogConfigure
		}
		c.appendLog(ctx, l.ID, typ, line)
	}

	err := c.driver.Provision(ctx, plan, out)
	timer.Mark(string(stage))
	return err
}

func (c *Controller) finishDeployed(l *lab.Lab, timer *timing.Timer) {
	// The background context may already be cancelled; the outcome is
	// recorded regardless.
	ctx := context.WithoutCancel(c.ctx)

	unlock := c.labLocks.Lock(l.ID)
	defer unlock()

	for _, vm := range l.VMs {
		if err := c.markRunning(ctx, vm); err != nil {
			c.finishFailedLocked(ctx, l, timer, err)
			return
		}
	}
	if err := c.store.SetLabStatus(ctx, l.ID, lab.LabDeployed); err != nil {
		c.logger.Error("mark lab deployed", "lab", l.ID, "error", err)
		return
	}
	c.appendLog(ctx, l.ID, lab.LogDeployment, "deployment completed: "+timer.Summary())
	c.logger.Info("lab deployed", "lab", l.ID, "name", l.Name, "took", timer.Total())
}

func (c *Controller) markRunning(ctx context.Context, vm *lab.VM) error {
	unlock := c.vmLocks.Lock(vm.ID)
	defer unlock()

	if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMRunning, vm.Ports); err != nil {
		return err
	}
	vm.Status = lab.VMRunning
	c.publish(lab.EventVMStarted, vm)
	return nil
}

func (c *Controller) finishFailed(l *lab.Lab, timer *timing.Timer, cause error) {
	ctx := context.WithoutCancel(c.ctx)

	unlock := c.labLocks.Lock(l.ID)
	defer unlock()
	c.finishFailedLocked(ctx, l, timer, cause)
}

// finishFailedLocked moves every VM of l to error and the lab to error.
// Caller holds the lab lock.
func (c *Controller) finishFailedLocked(ctx context.Context, l *lab.Lab, timer *timing.Timer, cause error) {
	if errors.Is(cause, context.Canceled) {
		cause = fmt.Errorf("deployment interrupted: %w", cause)
	}
	c.logger.Error("lab deployment failed", "lab", l.ID, "name", l.Name, "error", cause)
	c.appendLog(ctx, l.ID, lab.LogError, cause.Error())

	for _, vm := range l.VMs {
		c.markError(ctx, vm)
	}
	if err := c.store.SetLabStatus(ctx, l.ID, lab.LabError); err != nil {
		c.logger.Error("mark lab error", "lab", l.ID, "error", err)
	}
	c.appendLog(ctx, l.ID, lab.LogDeployment, "deployment failed: "+timer.Summary())
}

func (c *Controller) markError(ctx context.Context, vm *lab.VM) {
	unlock := c.vmLocks.Lock(vm.ID)
	defer unlock()

	current, err := c.store.GetVM(ctx, vm.ID)
	if err != nil {
		c.logger.Error("load vm", "vm", vm.ID, "error", err)
		return
	}
	if current.Status == lab.VMRunning {
		c.publish(lab.EventVMStopping, current)
	}
	if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMError, lab.Ports{}); err != nil {
		c.logger.Error("mark vm error", "vm", vm.ID, "error", err)
		return
	}
	c.ports.Release(vm.ID)
}
