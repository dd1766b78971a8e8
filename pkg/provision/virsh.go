package provision

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// VirshConfig configures the libvirt driver.
type VirshConfig struct {
	URI             string        // libvirt connection, default qemu:///system
	ImageDir        string        // base images (<image>.qcow2) and VM disks
	ShutdownTimeout time.Duration // graceful shutdown budget before a hard stop
	ReadyTimeout    time.Duration // how long to wait for guest SSH before configuring
	PollInterval    time.Duration
	WorkDir         string // root of per-lab configure directories
	Run             Runner
}

// Virsh drives libvirt through virt-install, virt-xml and virsh, and
// applies recipes with ansible-playbook.
type Virsh struct {
	cfg VirshConfig
}

// NewVirsh creates a libvirt driver.
func NewVirsh(cfg VirshConfig) *Virsh {
	if cfg.URI == "" {
		cfg.URI = "qemu:///system"
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = "/var/lib/libvirt/images"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Run == nil {
		cfg.Run = ExecRunner
	}
	return &Virsh{cfg: cfg}
}

func (v *Virsh) Info() Info {
	return Info{Name: "virsh", Version: "1.0.0", URI: v.cfg.URI}
}

func (v *Virsh) virsh(ctx context.Context, args ...string) ([]byte, error) {
	out, err := v.cfg.Run(ctx, "virsh", append([]string{"-c", v.cfg.URI}, args...)...)
	if err != nil {
		return out, classify(out, err)
	}
	return out, nil
}

// classify maps well-known virsh messages onto driver errors.
func classify(out []byte, err error) error {
	msg := string(out) + " " + err.Error()
	switch {
	case strings.Contains(msg, "failed to get domain"), strings.Contains(msg, "Domain not found"):
		return fmt.Errorf("%w: %v", ErrDomainNotFound, err)
	case strings.Contains(msg, "already active"):
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	case strings.Contains(msg, "domain is not running"):
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return err
}

// DomState returns the libvirt state of the target's domain.
func (v *Virsh) DomState(ctx context.Context, t Target) (string, error) {
	out, err := v.virsh(ctx, "domstate", t.Domain())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (v *Virsh) Provision(ctx context.Context, plan *Plan, out Output) error {
	if out == nil {
		out = Discard
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	for _, t := range plan.VMs {
		args := v.installArgs(t)
		out(StageProvision, "virt-install "+strings.Join(args, " "))
		res, err := v.cfg.Run(ctx, "virt-install", args...)
		emit(out, StageProvision, res)
		if err != nil {
			return fmt.Errorf("install %s: %w", t.Domain(), err)
		}
	}

	return v.configure(ctx, plan, out)
}

func (v *Virsh) installArgs(t Target) []string {
	disk := filepath.Join(v.cfg.ImageDir, t.Domain()+".qcow2")
	base := filepath.Join(v.cfg.ImageDir, t.Image+".qcow2")
	args := []string{
		"--connect", v.cfg.URI,
		"--name", t.Domain(),
		"--vcpus", strconv.Itoa(t.VCPU),
		"--memory", strconv.Itoa(t.RAMMB),
		"--disk", fmt.Sprintf("path=%s,size=%d,backing_store=%s,format=qcow2", disk, t.DiskGB, base),
		"--import",
		"--osinfo", "detect=on,require=off",
		"--network", "none",
		"--noautoconsole",
	}
	if vnc := t.HostPort(GuestVNCPort); vnc > 0 {
		args = append(args, "--graphics", fmt.Sprintf("vnc,listen=0.0.0.0,port=%d", vnc))
	}
	if ssh := t.HostPort(GuestSSHPort); ssh > 0 {
		args = append(args, "--qemu-commandline="+netdevArgs(ssh))
	}
	return args
}

func netdevArgs(sshPort int) string {
	return fmt.Sprintf("-netdev user,id=vmlab0,hostfwd=tcp::%d-:%d -device virtio-net-pci,netdev=vmlab0", sshPort, GuestSSHPort)
}

// configure waits for guest SSH and runs the recipe with ansible-playbook.
func (v *Virsh) configure(ctx context.Context, plan *Plan, out Output) error {
	plays, err := plan.Plays()
	if err != nil {
		return err
	}
	if len(plays) == 0 {
		out(StageConfigure, "no configuration recipe, skipping")
		return nil
	}

	out(StageConfigure, "waiting for guest SSH")
	if err := v.waitForSSH(ctx, plan.VMs); err != nil {
		return err
	}

	dir := filepath.Join(v.cfg.WorkDir, "vmlab-"+plan.LabID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	inventory := filepath.Join(dir, "inventory.ini")
	playbook := filepath.Join(dir, "playbook.yml")
	ansibleCfg := filepath.Join(dir, "ansible.cfg")

	files := map[string][]byte{
		inventory:  renderInventory(plan.VMs),
		playbook:   []byte(plan.Recipe),
		ansibleCfg: []byte(ansibleConfig),
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}

	res, err := v.cfg.Run(ctx, "env",
		"ANSIBLE_CONFIG="+ansibleCfg,
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"ansible-playbook", "-i", inventory, playbook, "-v")
	emit(out, StageConfigure, res)
	if err != nil {
		return fmt.Errorf("ansible-playbook: %w", err)
	}
	return nil
}

const ansibleConfig = `[defaults]
host_key_checking = False
retry_files_enabled = False

[ssh_connection]
ssh_args = -o ControlMaster=auto -o ControlPersist=60s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null
pipelining = True
`

func renderInventory(targets []Target) []byte {
	var b bytes.Buffer
	b.WriteString("[lab_vms]\n")
	for _, t := range targets {
		user := t.User
		if user == "" {
			user = "root"
		}
		fmt.Fprintf(&b, "%s ansible_host=localhost ansible_port=%d ansible_user=%s\n", t.Name, t.HostPort(GuestSSHPort), user)
	}
	return b.Bytes()
}

func (v *Virsh) waitForSSH(ctx context.Context, targets []Target) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ReadyTimeout)
	defer cancel()

	var d net.Dialer
	for {
		ready := true
		for _, t := range targets {
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.HostPort(GuestSSHPort)))
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				ready = false
				break
			}
			conn.Close()
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest SSH not ready: %w", ctx.Err())
		case <-time.After(v.cfg.PollInterval):
		}
	}
}

func (v *Virsh) Start(ctx context.Context, t Target) error {
	if vnc := t.HostPort(GuestVNCPort); vnc > 0 {
		if _, err := v.cfg.Run(ctx, "virt-xml", "--connect", v.cfg.URI, t.Domain(),
			"--edit", "--graphics", fmt.Sprintf("port=%d", vnc)); err != nil {
			return fmt.Errorf("set vnc port of %s: %w", t.Domain(), err)
		}
	}
	if ssh := t.HostPort(GuestSSHPort); ssh > 0 {
		if _, err := v.cfg.Run(ctx, "virt-xml", "--connect", v.cfg.URI, t.Domain(),
			"--edit", "--qemu-commandline="+netdevArgs(ssh)); err != nil {
			return fmt.Errorf("set ssh forward of %s: %w", t.Domain(), err)
		}
	}
	if _, err := v.virsh(ctx, "start", t.Domain()); err != nil {
		return fmt.Errorf("start %s: %w", t.Domain(), err)
	}
	return nil
}

func (v *Virsh) Stop(ctx context.Context, t Target) error {
	if _, err := v.virsh(ctx, "shutdown", t.Domain()); err != nil {
		return fmt.Errorf("shutdown %s: %w", t.Domain(), err)
	}

	deadline := time.Now().Add(v.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		state, err := v.DomState(ctx, t)
		if err != nil {
			return err
		}
		if state == "shut off" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.cfg.PollInterval):
		}
	}

	if _, err := v.virsh(ctx, "destroy", t.Domain()); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("destroy %s: %w", t.Domain(), err)
	}
	return nil
}

func (v *Virsh) Reboot(ctx context.Context, t Target) error {
	if _, err := v.virsh(ctx, "reboot", t.Domain()); err != nil {
		return fmt.Errorf("reboot %s: %w", t.Domain(), err)
	}
	return nil
}

func (v *Virsh) Destroy(ctx context.Context, targets []Target) error {
	var errs []error
	for _, t := range targets {
		if _, err := v.virsh(ctx, "destroy", t.Domain()); err != nil &&
			!errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrDomainNotFound) {
			errs = append(errs, fmt.Errorf("destroy %s: %w", t.Domain(), err))
			continue
		}
		if _, err := v.virsh(ctx, "undefine", t.Domain(), "--remove-all-storage"); err != nil &&
			!errors.Is(err, ErrDomainNotFound) {
			errs = append(errs, fmt.Errorf("undefine %s: %w", t.Domain(), err))
		}
	}
	return errors.Join(errs...)
}

func emit(out Output, stage Stage, data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			out(stage, line)
		}
	}
}
