package lab

import "time"

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventVMStarted  EventKind = "vm_started"
	EventVMStopping EventKind = "vm_stopping"
	EventVMStopped  EventKind = "vm_stopped"
	EventVMDeleted  EventKind = "vm_deleted"
)

// Event is an ephemeral notification of a VM status transition. Events are
// delivered synchronously to subscribers and never persisted.
type Event struct {
	Kind  EventKind
	VMID  string
	LabID string
	At    time.Time
}

// EventType returns the event kind as a string, for bus routing.
func (e Event) EventType() string {
	return string(e.Kind)
}
