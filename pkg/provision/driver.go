// Package provision is the boundary between the lab control plane and the
// infrastructure that actually runs VMs. A Driver creates a lab's domains,
// applies its configuration recipe and performs power actions on single
// VMs. Drivers know nothing about sessions or stored state.
package provision

import (
	"context"
)

// Guest service ports that host ports are forwarded to.
const (
	GuestSSHPort = 22
	GuestVNCPort = 5900
)

// Driver is the main interface for provisioning operations.
type Driver interface {
	// Provision creates and boots every VM of the plan with its port
	// forwards, then applies the plan's recipe. Output is streamed to out
	// as it is produced.
	Provision(ctx context.Context, plan *Plan, out Output) error

	// Start boots a stopped VM with the given forwards.
	Start(ctx context.Context, t Target) error

	// Stop shuts a VM down, forcing it off if it does not stop in time.
	Stop(ctx context.Context, t Target) error

	// Reboot restarts a running VM in place. Forwards are unchanged.
	Reboot(ctx context.Context, t Target) error

	// Destroy removes the VMs and their storage. Missing VMs are ignored.
	Destroy(ctx context.Context, targets []Target) error

	Info() Info
}

// Info contains driver metadata.
type Info struct {
	Name    string // "sim" or "virsh"
	Version string
	URI     string // connection URI, empty for sim
}

// Stage tags a line of provisioning output.
type Stage string

const (
	StageProvision Stage = "provision"
	StageConfigure Stage = "configure"
)

// Output receives provisioning output. Implementations must be safe to
// call from the goroutine running Provision.
type Output func(stage Stage, line string)

// Discard is an Output that drops everything.
func Discard(Stage, string) {}
