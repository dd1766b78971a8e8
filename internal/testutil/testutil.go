// Package testutil provides common test helpers for vmlab tests.
package testutil

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmlab/internal/lab"
)

// LabSpec returns a valid lab spec with n VMs named vm-0 .. vm-(n-1).
func LabSpec(name string, n int) *lab.Spec {
	spec := &lab.Spec{Name: name, Description: "test lab"}
	for i := 0; i < n; i++ {
		spec.VMs = append(spec.VMs, lab.VMSpec{
			Name:   fmt.Sprintf("vm-%d", i),
			VCPU:   1,
			RAMMB:  512,
			DiskGB: 10,
			Image:  "ubuntu-22.04",
		})
	}
	return spec
}

// Echo is a TCP server standing in for a VM service. Every connection
// receives the banner, if any, and then has its input echoed back.
type Echo struct {
	ln     net.Listener
	banner string

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	total int
}

// EchoServer starts an Echo on a random loopback port. It is closed when
// the test ends.
func EchoServer(t *testing.T, banner string) *Echo {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	e := &Echo{ln: ln, banner: banner, conns: make(map[net.Conn]struct{})}
	go e.serve()
	t.Cleanup(e.Close)
	return e
}

// Addr returns the server's host:port.
func (e *Echo) Addr() string { return e.ln.Addr().String() }

// Port returns the server's port.
func (e *Echo) Port() int { return e.ln.Addr().(*net.TCPAddr).Port }

// Open returns the number of connections currently open.
func (e *Echo) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Accepted returns the number of connections accepted so far.
func (e *Echo) Accepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Close stops the listener and drops every connection.
func (e *Echo) Close() {
	e.ln.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		c.Close()
	}
}

func (e *Echo) serve() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.total++
		e.mu.Unlock()

		go func() {
			defer func() {
				conn.Close()
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
			}()
			if e.banner != "" {
				if _, err := io.WriteString(conn, e.banner); err != nil {
					return
				}
			}
			io.Copy(conn, conn)
		}()
	}
}

// ClosedPort returns a loopback port with nothing listening on it.
func ClosedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// CreateTempConfig writes a config file into a fresh temporary directory
// and returns its path.
func CreateTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}
