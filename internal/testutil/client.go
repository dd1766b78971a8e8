package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/lab"
)

// Client is an in-memory bridge.ClientConn. Heartbeats are acknowledged
// immediately unless IgnorePings is set.
type Client struct {
	IgnorePings bool

	in  chan bridge.Frame
	out chan bridge.Frame

	mu     sync.Mutex
	ack    func()
	reason bridge.Reason
	closed chan struct{}
	once   sync.Once
	hangup sync.Once
	gone   chan struct{}
}

// NewClient returns an open client.
func NewClient() *Client {
	return &Client{
		in:     make(chan bridge.Frame),
		out:    make(chan bridge.Frame, 64),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (c *Client) ReadFrame() (bridge.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.gone:
		return bridge.Frame{}, bridge.ErrClientClosed
	case <-c.closed:
		return bridge.Frame{}, net.ErrClosed
	}
}

func (c *Client) WriteFrame(f bridge.Frame) error {
	payload := append([]byte(nil), f.Payload...)
	select {
	case c.out <- bridge.Frame{Kind: f.Kind, Payload: payload}:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *Client) Ping() error {
	c.mu.Lock()
	ack := c.ack
	c.mu.Unlock()
	if ack != nil && !c.IgnorePings {
		go ack()
	}
	return nil
}

func (c *Client) SetAckHandler(fn func()) {
	c.mu.Lock()
	c.ack = fn
	c.mu.Unlock()
}

func (c *Client) Close(reason bridge.Reason) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Closed is closed when the server side closes the client.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Reason returns the reason the client was closed with.
func (c *Client) Reason() bridge.Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Hangup simulates the user closing the connection.
func (c *Client) Hangup() {
	c.hangup.Do(func() { close(c.gone) })
}

// Send delivers a frame from the client.
func (c *Client) Send(t *testing.T, kind bridge.FrameKind, payload string) {
	t.Helper()
	select {
	case c.in <- bridge.Frame{Kind: kind, Payload: []byte(payload)}:
	case <-time.After(2 * time.Second):
		t.Fatal("client frame not consumed")
	}
}

// ReadUntil collects output delivered to the client until it contains
// want.
func (c *Client) ReadUntil(t *testing.T, want string) string {
	t.Helper()
	var got strings.Builder
	timeout := time.After(2 * time.Second)
	for !strings.Contains(got.String(), want) {
		select {
		case f := <-c.out:
			got.Write(f.Payload)
		case <-timeout:
			t.Fatalf("client output %q does not contain %q", got.String(), want)
		}
	}
	return got.String()
}

// WaitClosed waits for the server to close the client and returns the
// reason.
func (c *Client) WaitClosed(t *testing.T) bridge.Reason {
	t.Helper()
	select {
	case <-c.closed:
		return c.Reason()
	case <-time.After(3 * time.Second):
		t.Fatal("client was not closed")
		return ""
	}
}

// StaticDialer dials fixed addresses per protocol, ignoring the VM's
// ports.
type StaticDialer struct {
	mu    sync.Mutex
	addrs map[bridge.Protocol]string
	dials int
}

// NewStaticDialer returns a dialer for the given SSH and VNC addresses.
func NewStaticDialer(sshAddr, vncAddr string) *StaticDialer {
	return &StaticDialer{addrs: map[bridge.Protocol]string{bridge.SSH: sshAddr, bridge.VNC: vncAddr}}
}

// Dial implements session.Dialer.
func (d *StaticDialer) Dial(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	addr, ok := d.addrs[proto]
	d.dials++
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no address for %s", proto)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// Dials returns the number of dial attempts.
func (d *StaticDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
