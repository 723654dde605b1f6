package main

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console is the controlling terminal in raw mode, used as the AT tty.
// Typing Ctrl-] ends the session.
type Console struct {
	in, out *os.File
	state   *term.State
	closed  atomic.Bool
}

const (
	consoleEscape = 0x1d
	// consolePollMs bounds how long Read blocks before checking for Close
	consolePollMs = 100
)

// NewConsole puts stdin in raw mode. Close restores it.
func NewConsole() (*Console, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, os.ErrInvalid
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Console{in: os.Stdin, out: os.Stdout, state: state}, nil
}

func (c *Console) Read(b []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, os.ErrClosed
		}
		fds := []unix.PollFd{{Fd: int32(c.in.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, consolePollMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n > 0 {
			break
		}
	}
	n, err := c.in.Read(b)
	for i := 0; i < n; i++ {
		if b[i] == consoleEscape {
			return i, os.ErrClosed
		}
	}
	return n, err
}

func (c *Console) Write(b []byte) (int, error) {
	return c.out.Write(b)
}

// Close restores the terminal state and makes pending reads return.
// Stdin itself stays open.
func (c *Console) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return term.Restore(int(c.in.Fd()), c.state)
}
