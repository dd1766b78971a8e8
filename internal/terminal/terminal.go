// Package terminal attaches the local console to a remote shell session
// served by the vmlab gateway.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console is the local side of an attached session. Raw mode is only
// applied when the input is a terminal.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
	tty bool
}

// Current returns the process console.
func Current() *Console {
	fd := int(os.Stdin.Fd())
	return &Console{in: os.Stdin, out: os.Stdout, fd: fd, tty: term.IsTerminal(fd)}
}

// NewConsole returns a console over arbitrary streams. It never enters raw mode.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, fd: -1}
}

// IsTTY reports whether the console input is a terminal.
func (c *Console) IsTTY() bool {
	return c.tty
}

// SetRaw puts the terminal into raw mode and returns a restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	old, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return func() { _ = term.Restore(c.fd, old) }, nil
}

// Size returns the terminal size, or 80x24 when the input is not a terminal.
func (c *Console) Size() (width, height int, err error) {
	if !c.tty {
		return 80, 24, nil
	}
	return term.GetSize(c.fd)
}

// Attach relays console input to remote and remote output to the console.
// It returns ErrEscapeSequence when the user detaches, ctx.Err() when ctx
// ends, and otherwise whatever error ended the remote stream (nil on EOF).
func (c *Console) Attach(ctx context.Context, remote io.ReadWriter) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprint(c.out, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to exit)\r\n")

	esc := NewEscapeReader(c.in)
	go func() {
		_, _ = io.Copy(remote, esc)
	}()

	remoteDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(c.out, remote)
		remoteDone <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-esc.Escaped():
		fmt.Fprint(c.out, "\r\nEscape sequence detected, exiting...\r\n")
		return ErrEscapeSequence
	case err := <-remoteDone:
		return err
	}
}
