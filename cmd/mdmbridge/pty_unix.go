package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// UnixPty is a POSIX pseudo-terminal whose slave side is the AT tty
// handed to dial-up clients. The slave is kept open and in raw mode so
// that the line discipline never echoes or rewrites modem traffic.
type UnixPty struct {
	master, slave *os.File

	mu     sync.Mutex
	closed bool
}

// Close closes both sides of the pty.
func (p *UnixPty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.master.Close(), p.slave.Close())
}

// Name returns the path clients open.
func (p *UnixPty) Name() string {
	return p.slave.Name()
}

func (p *UnixPty) Read(b []byte) (n int, err error) {
	return p.master.Read(b)
}

func (p *UnixPty) Write(b []byte) (n int, err error) {
	return p.master.Write(b)
}

// Master returns the master side.
func (p *UnixPty) Master() *os.File {
	return p.master
}

// Fd returns the master file descriptor.
func (p *UnixPty) Fd() uintptr {
	return p.master.Fd()
}

// IsSlaveClosed checks if the slave end has no readers/writers.
func (p *UnixPty) IsSlaveClosed() (bool, error) {
	fds := []unix.PollFd{{
		Fd:     int32(p.master.Fd()),
		Events: unix.POLLOUT,
	}}

	_, err := unix.Poll(fds, 0) // No wait
	if err != nil {
		return false, err
	}

	// POLLHUP indicates that the slave has no processes with it open
	return (fds[0].Revents & unix.POLLHUP) != 0, nil
}

// WatchHangup polls the slave state every interval and calls fn on every
// change, starting with the current state. It returns when ctx is done or
// the pty is closed.
func (p *UnixPty) WatchHangup(ctx context.Context, interval time.Duration, fn func(hup bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	known, last := false, false
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		hup, err := p.IsSlaveClosed()
		if err == nil && (!known || hup != last) {
			known, last = true, hup
			fn(hup)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NewPty creates a new UnixPty with its slave side in raw mode.
func NewPty() (*UnixPty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	return &UnixPty{
		master: master,
		slave:  slave,
	}, nil
}
