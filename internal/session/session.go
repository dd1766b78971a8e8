package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmlab/internal/bridge"
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Session is one interactive connection to a VM. All mutable fields are
// guarded by the owning VM's entry lock.
type Session struct {
	ID        string
	VMID      string
	Protocol  bridge.Protocol
	CreatedAt time.Time

	owner *vmSessions

	state      State
	reason     bridge.Reason
	client     bridge.ClientConn
	bridge     *bridge.Bridge
	cancelDial context.CancelFunc

	done chan struct{}
}

func newSession(vmID string, proto bridge.Protocol, owner *vmSessions, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		VMID:      vmID,
		Protocol:  proto,
		CreatedAt: now,
		owner:     owner,
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.state
}

// Reason returns why the session closed. It is empty while the session is
// live.
func (s *Session) Reason() bridge.Reason {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.reason
}

// Done is closed once the session has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string          `json:"id"`
	VMID         string          `json:"vm_id"`
	Protocol     bridge.Protocol `json:"protocol"`
	State        State           `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	BytesIn      int64           `json:"bytes_in"`
	BytesOut     int64           `json:"bytes_out"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.owner.mu.Lock()
	state, b := s.state, s.bridge
	s.owner.mu.Unlock()

	info := Info{
		ID:           s.ID,
		VMID:         s.VMID,
		Protocol:     s.Protocol,
		State:        state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.CreatedAt,
	}
	if b != nil {
		st := b.Stats()
		info.LastActivity = st.LastActivity
		info.BytesIn = st.BytesIn
		info.BytesOut = st.BytesOut
	}
	return info
}
