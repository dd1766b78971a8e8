// Package lab defines the lab and VM data model shared by the lifecycle
// controller, the stores and the session layer.
package lab

import (
	"time"
)

// LabStatus is the deployment status of a Lab.
type LabStatus string

const (
	LabCreated   LabStatus = "created"
	LabDeploying LabStatus = "deploying"
	LabDeployed  LabStatus = "deployed"
	LabError     LabStatus = "error"
	LabDeleted   LabStatus = "deleted"
)

// VMStatus is the lifecycle status of a VM.
type VMStatus string

const (
	VMPending VMStatus = "pending"
	VMRunning VMStatus = "running"
	VMStopped VMStatus = "stopped"
	VMError   VMStatus = "error"
	// VMDeleted is terminal. Deleted VMs are kept as soft-deleted records.
	VMDeleted VMStatus = "deleted"
)

// vmTransitions lists the legal VM status changes. Restart is modeled as
// running -> running.
var vmTransitions = map[VMStatus][]VMStatus{
	VMPending: {VMRunning, VMError, VMDeleted},
	VMRunning: {VMRunning, VMStopped, VMError, VMDeleted},
	VMStopped: {VMRunning, VMError, VMDeleted},
	VMError:   {VMError, VMDeleted},
}

// CanTransition reports whether a VM may move from one status to another.
func CanTransition(from, to VMStatus) bool {
	for _, s := range vmTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckPorts enforces that ports are assigned if and only if the status is
// running.
func CheckPorts(status VMStatus, ports Ports) error {
	if status == VMRunning && !ports.Assigned() {
		return &TransitionError{Subject: "VM", Action: "mark running", Current: string(status), Required: "running VMs must have SSH and VNC ports"}
	}
	if status != VMRunning && !ports.IsZero() {
		return &TransitionError{Subject: "VM", Action: "mark " + string(status), Current: string(status), Required: "only running VMs may hold ports"}
	}
	return nil
}

// Resources is the resource spec of a VM.
type Resources struct {
	VCPU   int `json:"vcpu" yaml:"vcpu"`
	RAMMB  int `json:"ram_mb" yaml:"ram_mb"`
	DiskGB int `json:"disk_gb" yaml:"disk_gb"`
}

// Ports holds the host ports forwarded to a running VM's SSH and VNC
// services. The zero value means no ports are assigned.
type Ports struct {
	SSH int `json:"ssh_port,omitempty"`
	VNC int `json:"vnc_port,omitempty"`
}

// Assigned reports whether both ports are set.
func (p Ports) Assigned() bool {
	return p.SSH > 0 && p.VNC > 0
}

// IsZero reports whether neither port is set.
func (p Ports) IsZero() bool {
	return p.SSH == 0 && p.VNC == 0
}

// Lab is a named collection of VMs deployed together.
type Lab struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Config      string    `json:"config,omitempty"`
	Status      LabStatus `json:"status"`
	VMs         []*VM     `json:"vms"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VM is a virtual machine belonging to a Lab.
type VM struct {
	ID        string    `json:"id"`
	LabID     string    `json:"lab_id"`
	Name      string    `json:"name"`
	Resources Resources `json:"resources"`
	Image     string    `json:"os_image"`
	Status    VMStatus  `json:"status"`
	Ports     Ports     `json:"ports"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Running reports whether the VM is running with its ports assigned.
func (v *VM) Running() bool {
	return v.Status == VMRunning && v.Ports.Assigned()
}

// Clone returns a deep copy of the lab, including its VMs.
func (l *Lab) Clone() *Lab {
	if l == nil {
		return nil
	}
	c := *l
	c.VMs = make([]*VM, len(l.VMs))
	for i, vm := range l.VMs {
		c.VMs[i] = vm.Clone()
	}
	return &c
}

// Clone returns a copy of the VM.
func (v *VM) Clone() *VM {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// LogType classifies a deployment log entry.
type LogType string

const (
	LogDeployment LogType = "deployment"
	LogProvision  LogType = "provision"
	LogConfigure  LogType = "configure"
	LogError      LogType = "error"
)

// DeploymentLog is one entry of a lab's deployment log.
type DeploymentLog struct {
	ID        string    `json:"id"`
	LabID     string    `json:"lab_id"`
	Type      LogType   `json:"log_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
