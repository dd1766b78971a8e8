// Package bridge relays one interactive session between a client
// transport and a VM service socket.
//
// A Bridge runs one task per direction plus a liveness watchdog. Each
// direction holds at most one buffer of Config.BufferSize bytes and
// writes synchronously, so a slow consumer pauses its producer instead of
// queueing. Termination has a single Reason: the first one recorded wins.
package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol is the upstream service a session talks to.
type Protocol string

const (
	SSH Protocol = "ssh"
	VNC Protocol = "vnc"
)

// ErrUnknownProtocol is returned by ParseProtocol.
var ErrUnknownProtocol = errors.New("unknown protocol")

// ParseProtocol parses "ssh" or "vnc", case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case SSH, VNC:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// FrameKind distinguishes binary and text client frames.
type FrameKind int

const (
	Binary FrameKind = iota
	Text
)

// Frame is one message on the client transport.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Reason is why a session ended.
type Reason string

const (
	ReasonNormal              Reason = "normal"
	ReasonTimeout             Reason = "timeout"
	ReasonVMLifecycle         Reason = "vm_lifecycle"
	ReasonUpstreamUnreachable Reason = "upstream_unreachable"
	ReasonTransportError      Reason = "transport_error"
)

// ErrClientClosed is returned by ClientConn.ReadFrame when the client
// closed the transport cleanly.
var ErrClientClosed = errors.New("client closed the connection")

// ClientConn is the client side of a session.
//
// ReadFrame is called from one goroutine and WriteFrame from another.
// WriteFrame must not retain the payload after it returns. Ping and Close
// may be called concurrently with both.
type ClientConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	// Ping sends a heartbeat. The ack handler runs when it is answered.
	Ping() error
	SetAckHandler(fn func())
	// Close ends the transport, telling the client the reason. It is
	// idempotent.
	Close(reason Reason) error
}
