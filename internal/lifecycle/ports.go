package lifecycle

import (
	"fmt"
	"sync"

	"github.com/javanstorm/vmlab/internal/lab"
)

// PortRange describes the host ports handed out to running VMs.
type PortRange struct {
	SSHBase int
	VNCBase int
	Size    int
}

// PortAllocator assigns SSH/VNC host port pairs to VMs.
type PortAllocator struct {
	mu    sync.Mutex
	r     PortRange
	owner map[int]string // port -> VM id
	byVM  map[string]lab.Ports
}

// NewPortAllocator creates an allocator over r.
func NewPortAllocator(r PortRange) *PortAllocator {
	return &PortAllocator{
		r:     r,
		owner: make(map[int]string),
		byVM:  make(map[string]lab.Ports),
	}
}

// Allocate returns the lowest free SSH and VNC ports for vmID. A VM that
// already holds ports gets the same ones back.
func (a *PortAllocator) Allocate(vmID string) (lab.Ports, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byVM[vmID]; ok {
		return p, nil
	}

	ssh := a.lowestFree(a.r.SSHBase)
	vnc := a.lowestFree(a.r.VNCBase)
	if ssh == 0 || vnc == 0 {
		return lab.Ports{}, fmt.Errorf("%w: %d VMs hold ports", lab.ErrPortsExhausted, len(a.byVM))
	}

	p := lab.Ports{SSH: ssh, VNC: vnc}
	a.take(vmID, p)
	return p, nil
}

// Reserve records ports already assigned to vmID, e.g. when recovering
// state after a restart.
func (a *PortAllocator) Reserve(vmID string, p lab.Ports) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range []int{p.SSH, p.VNC} {
		if owner, ok := a.owner[port]; ok && owner != vmID {
			return fmt.Errorf("port %d held by VM %s: %w", port, owner, lab.ErrConflict)
		}
	}
	a.take(vmID, p)
	return nil
}

// Release frees the ports held by vmID. Unknown ids are ignored.
func (a *PortAllocator) Release(vmID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byVM[vmID]
	if !ok {
		return
	}
	delete(a.owner, p.SSH)
	delete(a.owner, p.VNC)
	delete(a.byVM, vmID)
}

// Held returns the ports held by vmID.
func (a *PortAllocator) Held(vmID string) (lab.Ports, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byVM[vmID]
	return p, ok
}

func (a *PortAllocator) lowestFree(base int) int {
	for port := base; port < base+a.r.Size; port++ {
		if _, used := a.owner[port]; !used {
			return port
		}
	}
	return 0
}

func (a *PortAllocator) take(vmID string, p lab.Ports) {
	a.owner[p.SSH] = vmID
	a.owner[p.VNC] = vmID
	a.byVM[vmID] = p
}
