package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/javanstorm/vmlab/internal/lab"
)

// Memory is an in-process Store. It is the default for development and
// the backing store of most tests.
type Memory struct {
	mu   sync.RWMutex
	labs map[string]*lab.Lab
	vms  map[string]*lab.VM
	logs map[string][]*lab.DeploymentLog
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		labs: make(map[string]*lab.Lab),
		vms:  make(map[string]*lab.VM),
		logs: make(map[string][]*lab.DeploymentLog),
		now:  time.Now,
	}
}

func (m *Memory) CreateLab(ctx context.Context, l *lab.Lab) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.labs {
		if existing.Name == l.Name && existing.Status != lab.LabDeleted {
			return fmt.Errorf("lab %q: %w", l.Name, lab.ErrConflict)
		}
	}

	prepareLab(l, m.now())
	stored := l.Clone()
	m.labs[l.ID] = stored
	for _, vm := range stored.VMs {
		m.vms[vm.ID] = vm
	}
	return nil
}

func (m *Memory) GetLab(ctx context.Context, id string) (*lab.Lab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.labs[id]
	if !ok {
		return nil, lab.NotFoundError("lab", id)
	}
	return l.Clone(), nil
}

func (m *Memory) ListLabs(ctx context.Context) ([]*lab.Lab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	labs := make([]*lab.Lab, 0, len(m.labs))
	for _, l := range m.labs {
		labs = append(labs, l.Clone())
	}
	sort.Slice(labs, func(i, j int) bool { return labs[i].CreatedAt.Before(labs[j].CreatedAt) })
	return labs, nil
}

func (m *Memory) SetLabStatus(ctx context.Context, id string, status lab.LabStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.labs[id]
	if !ok {
		return lab.NotFoundError("lab", id)
	}
	l.Status = status
	l.UpdatedAt = m.now()
	return nil
}

func (m *Memory) GetVM(ctx context.Context, id string) (*lab.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vm, ok := m.vms[id]
	if !ok {
		return nil, lab.NotFoundError("VM", id)
	}
	return vm.Clone(), nil
}

func (m *Memory) ListVMs(ctx context.Context, labID string) ([]*lab.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var vms []*lab.VM
	for _, vm := range m.vms {
		if labID == "" || vm.LabID == labID {
			vms = append(vms, vm.Clone())
		}
	}
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].LabID != vms[j].LabID {
			return vms[i].LabID < vms[j].LabID
		}
		return vms[i].Name < vms[j].Name
	})
	return vms, nil
}

func (m *Memory) ApplyVMStatus(ctx context.Context, id string, status lab.VMStatus, ports lab.Ports) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return lab.NotFoundError("VM", id)
	}
	if err := checkVMStatus(vm, status, ports); err != nil {
		return err
	}
	vm.Status = status
	vm.Ports = ports
	vm.UpdatedAt = m.now()
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, entry *lab.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.labs[entry.LabID]; !ok {
		return lab.NotFoundError("lab", entry.LabID)
	}
	prepareLog(entry, m.now())
	c := *entry
	m.logs[entry.LabID] = append(m.logs[entry.LabID], &c)
	return nil
}

func (m *Memory) ListLogs(ctx context.Context, labID string) ([]*lab.DeploymentLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.labs[labID]; !ok {
		return nil, lab.NotFoundError("lab", labID)
	}
	logs := make([]*lab.DeploymentLog, 0, len(m.logs[labID]))
	for _, e := range m.logs[labID] {
		c := *e
		logs = append(logs, &c)
	}
	return logs, nil
}

func (m *Memory) Close() error { return nil }
