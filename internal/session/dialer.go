package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/vmlab/internal/bridge"
	"github.com/javanstorm/vmlab/internal/image"
	"github.com/javanstorm/vmlab/internal/lab"
)

// Dialer opens the upstream connection of a session. vm is a snapshot
// taken under the VM's lock; its ports must not be re-read later.
type Dialer interface {
	Dial(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error) {
	return f(ctx, proto, vm)
}

// TCPDialer connects to the VM's forwarded SSH or VNC port on Host and
// relays the raw byte stream.
type TCPDialer struct {
	Host string
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", d.addr(proto, vm))
}

func (d TCPDialer) addr(proto bridge.Protocol, vm *lab.VM) string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(upstreamPort(proto, vm)))
}

// SSHShellDialer terminates SSH at the gateway. It logs into the VM with
// the gateway key, requests a pty and a login shell, and relays the
// terminal bytes. Other protocols go through Fallback.
type SSHShellDialer struct {
	Host   string
	Signer ssh.Signer

	// User picks the login for a VM. By default the image's default user
	// is used.
	User func(vm *lab.VM) string

	// Term is the pty terminal type, "xterm-256color" when empty.
	Term string

	Fallback Dialer
}

// Dial implements Dialer.
func (d *SSHShellDialer) Dial(ctx context.Context, proto bridge.Protocol, vm *lab.VM) (io.ReadWriteCloser, error) {
	if proto != bridge.SSH {
		if d.Fallback == nil {
			return nil, fmt.Errorf("no dialer for protocol %s", proto)
		}
		return d.Fallback.Dial(ctx, proto, vm)
	}

	addr := TCPDialer{Host: d.Host}.addr(proto, vm)
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake is bounded by ctx.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	config := &ssh.ClientConfig{
		User:            d.user(vm),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)

	stream, err := d.openShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	if ctx.Err() != nil {
		stream.Close()
		return nil, ctx.Err()
	}
	return stream, nil
}

func (d *SSHShellDialer) openShell(client *ssh.Client) (*shellStream, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	term := d.Term
	if term == "" {
		term = "xterm-256color"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, 24, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellStream{client: client, sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (d *SSHShellDialer) user(vm *lab.VM) string {
	if d.User != nil {
		if u := d.User(vm); u != "" {
			return u
		}
	}
	if img, err := image.Get(image.ID(vm.Image)); err == nil && img.DefaultUser != "" {
		return img.DefaultUser
	}
	return "root"
}

// shellStream is a remote shell seen as a byte stream. With a pty the
// remote side merges stderr into stdout.
type shellStream struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (s *shellStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *shellStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shellStream) Close() error {
	s.sess.Close()
	return s.client.Close()
}
