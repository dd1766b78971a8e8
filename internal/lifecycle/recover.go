package lifecycle

import (
	"context"
	"fmt"

	"github.com/javanstorm/vmlab/internal/lab"
)

// Recover reconciles stored state after a restart. Running VMs get their
// ports back; deploys that were in flight when the process died are
// marked failed.
func (c *Controller) Recover(ctx context.Context) error {
	labs, err := c.store.ListLabs(ctx)
	if err != nil {
		return fmt.Errorf("list labs: %w", err)
	}

	for _, l := range labs {
		if l.Status == lab.LabDeleted {
			continue
		}
		if l.Status == lab.LabDeploying {
			c.recoverDeploy(ctx, l)
			continue
		}
		for _, vm := range l.VMs {
			if vm.Status != lab.VMRunning {
				continue
			}
			if err := c.ports.Reserve(vm.ID, vm.Ports); err != nil {
				c.logger.Warn("recover vm ports", "vm", vm.ID, "error", err)
				if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMError, lab.Ports{}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Controller) recoverDeploy(ctx context.Context, l *lab.Lab) {
	c.logger.Warn("deployment interrupted", "lab", l.ID, "name", l.Name)
	c.appendLog(ctx, l.ID, lab.LogError, "deployment interrupted by a control plane restart")

	for _, vm := range l.VMs {
		if vm.Status == lab.VMPending || vm.Status == lab.VMRunning {
			if err := c.store.ApplyVMStatus(ctx, vm.ID, lab.VMError, lab.Ports{}); err != nil {
				c.logger.Error("mark vm error", "vm", vm.ID, "error", err)
			}
		}
	}
	if err := c.store.SetLabStatus(ctx, l.ID, lab.LabError); err != nil {
		c.logger.Error("mark lab error", "lab", l.ID, "error", err)
	}
}
