package lifecycle

import (
	"context"
	"fmt"

	"github.com/javanstorm/vmlab/internal/image"
	"github.com/javanstorm/vmlab/internal/lab"
)

// Access tells a client where a running VM's service is reachable.
type Access struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
}

// SSHAccess returns the SSH access descriptor of a running VM.
func (c *Controller) SSHAccess(ctx context.Context, id string) (*Access, error) {
	vm, err := c.runningVM(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Access{Host: c.cfg.PublicHost, Port: vm.Ports.SSH, Username: image.DefaultUser(vm.Image)}, nil
}

// VNCAccess returns the VNC access descriptor of a running VM.
func (c *Controller) VNCAccess(ctx context.Context, id string) (*Access, error) {
	vm, err := c.runningVM(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Access{Host: c.cfg.PublicHost, Port: vm.Ports.VNC}, nil
}

func (c *Controller) runningVM(ctx context.Context, id string) (*lab.VM, error) {
	vm, err := c.store.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vm.Running() {
		return nil, fmt.Errorf("VM %s is %s: %w", vm.Name, vm.Status, lab.ErrVMNotRunning)
	}
	return vm, nil
}
