// Package store holds the authoritative Lab and VM records. It owns no
// network behavior; the lifecycle controller is its only writer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmlab/internal/lab"
)

// Store is the Lifecycle Store consumed by the controller.
//
// Reads return copies; mutating a returned value never changes stored
// state. ApplyVMStatus rejects status changes that are illegal for the
// VM's current status or that break the ports-iff-running invariant.
type Store interface {
	CreateLab(ctx context.Context, l *lab.Lab) error
	GetLab(ctx context.Context, id string) (*lab.Lab, error)
	ListLabs(ctx context.Context) ([]*lab.Lab, error)
	SetLabStatus(ctx context.Context, id string, status lab.LabStatus) error

	GetVM(ctx context.Context, id string) (*lab.VM, error)
	ListVMs(ctx context.Context, labID string) ([]*lab.VM, error)
	ApplyVMStatus(ctx context.Context, id string, status lab.VMStatus, ports lab.Ports) error

	AppendLog(ctx context.Context, entry *lab.DeploymentLog) error
	ListLogs(ctx context.Context, labID string) ([]*lab.DeploymentLog, error)

	Close() error
}

// prepareLab fills ids and timestamps of a new lab and its VMs.
func prepareLab(l *lab.Lab, now time.Time) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = lab.LabCreated
	}
	l.CreatedAt = now
	l.UpdatedAt = now
	for _, vm := range l.VMs {
		if vm.ID == "" {
			vm.ID = uuid.NewString()
		}
		vm.LabID = l.ID
		if vm.Status == "" {
			vm.Status = lab.VMPending
		}
		vm.CreatedAt = now
		vm.UpdatedAt = now
	}
}

func prepareLog(entry *lab.DeploymentLog, now time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
}

// checkVMStatus validates a status change against the VM's current status.
func checkVMStatus(vm *lab.VM, status lab.VMStatus, ports lab.Ports) error {
	if !lab.CanTransition(vm.Status, status) {
		return &lab.TransitionError{
			Subject:  "VM",
			Action:   "mark " + string(status),
			Current:  string(vm.Status),
			Required: fmt.Sprintf("%s is not reachable from %s", status, vm.Status),
		}
	}
	return lab.CheckPorts(status, ports)
}
