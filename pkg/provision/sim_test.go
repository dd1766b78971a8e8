package provision

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testTarget(name string, forwards ...Forward) Target {
	return Target{LabName: "net-lab", Name: name, Image: "ubuntu-22.04", VCPU: 1, RAMMB: 512, DiskGB: 10, Forwards: forwards}
}

func TestSimProvisionAndPower(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{})
	router := testTarget("router", Forward{Host: 2201, Guest: GuestSSHPort}, Forward{Host: 5901, Guest: GuestVNCPort})

	var lines []string
	out := func(stage Stage, line string) { lines = append(lines, string(stage)+": "+line) }
	plan := &Plan{LabID: "l1", LabName: "net-lab", VMs: []Target{router}, Recipe: "- name: base\n  hosts: all\n"}

	if err := sim.Provision(ctx, plan, out); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if sim.State(router) != DomainRunning {
		t.Fatalf("State = %s, want running", sim.State(router))
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"provision: creating domain net_lab_router", "configure: PLAY [base] hosts=all", "configure: ok: [router]"} {
		if !strings.Contains(joined, want) {
			t.Errorf("output missing %q:\n%s", want, joined)
		}
	}

	if err := sim.Start(ctx, router); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start(running) = %v, want ErrAlreadyRunning", err)
	}
	if err := sim.Reboot(ctx, router); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if sim.Boots(router) != 2 {
		t.Errorf("Boots = %d, want 2", sim.Boots(router))
	}
	if err := sim.Stop(ctx, router); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sim.Stop(ctx, router); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop(stopped) = %v, want ErrNotRunning", err)
	}
	if err := sim.Start(ctx, router); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sim.Destroy(ctx, []Target{router, testTarget("ghost")}); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if sim.State(router) != DomainUndefined {
		t.Errorf("State after destroy = %s", sim.State(router))
	}
	if err := sim.Start(ctx, router); !errors.Is(err, ErrDomainNotFound) {
		t.Errorf("Start(destroyed) = %v, want ErrDomainNotFound", err)
	}
}

func TestSimFailNext(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{})
	boom := errors.New("boom")
	plan := &Plan{LabName: "l", VMs: []Target{testTarget("a")}}

	sim.FailNext(OpProvision, boom)
	if err := sim.Provision(ctx, plan, nil); !errors.Is(err, boom) {
		t.Fatalf("Provision = %v, want boom", err)
	}
	if err := sim.Provision(ctx, plan, nil); err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if n := sim.Calls(OpProvision); n != 2 {
		t.Errorf("Calls(provision) = %d, want 2", n)
	}
}

func TestSimRejectsInvalidPlan(t *testing.T) {
	sim := NewSim(SimConfig{})
	bad := &Plan{LabName: "l", VMs: []Target{{Name: "x"}}}
	if err := sim.Provision(context.Background(), bad, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("Provision = %v, want ErrInvalidTarget", err)
	}
	recipe := &Plan{LabName: "l", VMs: []Target{testTarget("a")}, Recipe: "hosts: all"}
	if err := sim.Provision(context.Background(), recipe, nil); !errors.Is(err, ErrInvalidRecipe) {
		t.Errorf("Provision = %v, want ErrInvalidRecipe", err)
	}
	if len(sim.domains) != 0 {
		t.Errorf("domains = %d after rejected plan, want 0", len(sim.domains))
	}
}

func TestSimDelayHonorsContext(t *testing.T) {
	sim := NewSim(SimConfig{Delay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sim.Start(ctx, testTarget("a")); !errors.Is(err, context.Canceled) {
		t.Errorf("Start = %v, want context.Canceled", err)
	}
}

func TestSimListenEndpoints(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{Listen: true})
	ssh := freePort(t)
	target := testTarget("web", Forward{Host: ssh, Guest: GuestSSHPort})

	if err := sim.Provision(ctx, &Plan{LabName: "net-lab", VMs: []Target{target}}, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ssh)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)
	banner, err := r.ReadString('\n')
	if err != nil || banner != SimSSHBanner {
		t.Fatalf("banner = %q, %v", banner, err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}

	if err := sim.Stop(ctx, target); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := r.ReadByte(); err == nil {
		t.Error("connection should be closed after stop")
	}
	if c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ssh)), time.Second); err == nil {
		c.Close()
		t.Error("endpoint should stop listening after stop")
	}
}

func TestSimListenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	sim := NewSim(SimConfig{Listen: true})
	target := testTarget("web", Forward{Host: busy, Guest: GuestSSHPort})
	err = sim.Provision(context.Background(), &Plan{LabName: "l", VMs: []Target{target}}, nil)
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("Provision = %v, want ErrPortInUse", err)
	}
}

func TestTargetDomainAndPorts(t *testing.T) {
	target := Target{LabName: "my lab-1", Name: "web-01", Forwards: []Forward{{Host: 2205, Guest: GuestSSHPort}}}
	if got := target.Domain(); got != "my_lab_1_web_01" {
		t.Errorf("Domain() = %q", got)
	}
	if got := target.HostPort(GuestSSHPort); got != 2205 {
		t.Errorf("HostPort(ssh) = %d", got)
	}
	if got := target.HostPort(GuestVNCPort); got != 0 {
		t.Errorf("HostPort(vnc) = %d, want 0", got)
	}
}

func TestNewDriver(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr error
	}{
		{"", "sim", nil},
		{"sim", "sim", nil},
		{"virsh", "virsh", nil},
		{"vmware", "", ErrUnknownDriver},
	}
	for _, tt := range tests {
		d, err := NewDriver(Config{Name: tt.name})
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewDriver(%q) = %v, want %v", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewDriver(%q): %v", tt.name, err)
		}
		if d.Info().Name != tt.want {
			t.Errorf("NewDriver(%q).Info().Name = %q", tt.name, d.Info().Name)
		}
	}
}
