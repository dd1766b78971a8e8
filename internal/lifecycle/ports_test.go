package lifecycle

import (
	"errors"
	"testing"

	"github.com/javanstorm/vmlab/internal/lab"
)

func TestPortAllocator(t *testing.T) {
	a := NewPortAllocator(PortRange{SSHBase: 2201, VNCBase: 5901, Size: 2})

	p1, err := a.Allocate("vm1")
	if err != nil || p1 != (lab.Ports{SSH: 2201, VNC: 5901}) {
		t.Fatalf("Allocate(vm1) = %+v, %v", p1, err)
	}
	again, _ := a.Allocate("vm1")
	if again != p1 {
		t.Errorf("Allocate(vm1) twice = %+v, want %+v", again, p1)
	}

	p2, err := a.Allocate("vm2")
	if err != nil || p2 != (lab.Ports{SSH: 2202, VNC: 5902}) {
		t.Fatalf("Allocate(vm2) = %+v, %v", p2, err)
	}
	if _, err := a.Allocate("vm3"); !errors.Is(err, lab.ErrPortsExhausted) {
		t.Errorf("Allocate(vm3) = %v, want ErrPortsExhausted", err)
	}

	a.Release("vm1")
	a.Release("unknown")
	p3, err := a.Allocate("vm3")
	if err != nil || p3 != p1 {
		t.Errorf("Allocate after release = %+v, %v; want lowest %+v", p3, err, p1)
	}
}

func TestPortAllocatorReserve(t *testing.T) {
	a := NewPortAllocator(PortRange{SSHBase: 2201, VNCBase: 5901, Size: 5})

	if err := a.Reserve("vm1", lab.Ports{SSH: 2203, VNC: 5903}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := a.Reserve("vm2", lab.Ports{SSH: 2203, VNC: 5904}); !errors.Is(err, lab.ErrConflict) {
		t.Errorf("conflicting Reserve = %v, want ErrConflict", err)
	}
	if p, held := a.Held("vm1"); !held || p.SSH != 2203 {
		t.Errorf("Held(vm1) = %+v, %v", p, held)
	}
	p, _ := a.Allocate("vm3")
	if p.SSH != 2201 {
		t.Errorf("Allocate = %+v, want lowest 2201", p)
	}
}

func TestKeyedMutexDropsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	if k.len() != 1 {
		t.Fatalf("len = %d, want 1", k.len())
	}
	unlock()
	if k.len() != 0 {
		t.Errorf("len after unlock = %d, want 0", k.len())
	}
}
