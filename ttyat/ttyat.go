// Package ttyat exposes the DUN channel of a bridge as a tty-like byte
// stream. Bytes read from the tty are transmitted on the data plane and
// every payload received from the modem, data or encapsulated response, is
// written back to the tty.
package ttyat

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jaracil/mdmbridge"
)

var (
	// ErrBusy is returned by Open when the DUN channel is already held
	ErrBusy = errors.New("tty busy")
	// ErrClosed is returned when opening a port that was closed before
	ErrClosed = errors.New("tty closed")
)

// writeRoom is what the tty reports as free output space.
const writeRoom = 8192

// Config contains the parameters of a ttyAT port. Zero fields take defaults.
type Config struct {
	// Padding is the extra capacity allocated with every tx buffer (default: 32)
	Padding int
	// ChunkSize is the size of a single tty read (default: 2048)
	ChunkSize int
	// BusyRetries is the number of retries of a transmit rejected as busy (default: 3)
	BusyRetries int
	// BusyDelay is the delay between busy retries (default: 10ms)
	BusyDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Padding == 0 {
		c.Padding = 32
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = mdmbridge.DefaultBufferSize
	}
	if c.BusyRetries == 0 {
		c.BusyRetries = 3
	}
	if c.BusyDelay == 0 {
		c.BusyDelay = 10 * time.Millisecond
	}
	return c
}

// Metrics contains counters of a ttyAT port.
type Metrics struct {
	// ToModem is the number of chunks transmitted
	ToModem int
	// ToModemBytes is the number of bytes transmitted
	ToModemBytes int
	// ToTTY is the number of payloads written to the tty
	ToTTY int
	// ToTTYBytes is the number of bytes written to the tty
	ToTTYBytes int
	// TxDropped is the number of chunks dropped after a transmit failure
	TxDropped int
	// BusyRetries is the number of transmit retries after ErrTransportBusy
	BusyRetries int
	// ThrottleWaits is the number of times the reader waited for unthrottle
	ThrottleWaits int
	// WriteErrors is the number of failed tty writes
	WriteErrors int
	// Lines is the last inbound line state reported by the modem
	Lines mdmbridge.ControlBits
	// LastError is the last channel error reported by the bridge
	LastError error
}

// Port binds a tty to the DUN channel of a registry.
type Port struct {
	reg *mdmbridge.Registry
	tty io.ReadWriteCloser
	cfg Config

	mu         sync.Mutex
	open       bool
	used       bool
	metrics    Metrics
	unthrottle chan struct{}
	closed     chan struct{}
	done       chan struct{}
}

// New creates a ttyAT port. The port takes ownership of tty, which is
// closed by Close.
func New(reg *mdmbridge.Registry, tty io.ReadWriteCloser, config *Config) (*Port, error) {
	if reg == nil || tty == nil {
		return nil, mdmbridge.ErrConfigRequired
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	return &Port{
		reg:        reg,
		tty:        tty,
		cfg:        cfg.withDefaults(),
		unthrottle: make(chan struct{}, 1),
	}, nil
}

// WriteRoom returns the free output space reported to the tty layer.
func (p *Port) WriteRoom() int {
	return writeRoom
}

// Metrics returns a copy of the port counters.
func (p *Port) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Lines returns the last inbound line state (CTS, DSR, CD, RI).
func (p *Port) Lines() mdmbridge.ControlBits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.Lines
}

// Done is closed when the tty reader stops, either by Close or because the
// tty failed. Nil before Open.
func (p *Port) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Open attaches the tty to the DUN channel, asserts DTR and RTS and starts
// copying tty input to the modem. Returns ErrBusy if the channel is already
// held.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.open:
		return ErrBusy
	case p.used:
		return ErrClosed
	}

	port := &mdmbridge.Port{
		ID:      mdmbridge.ChannelDUN,
		Context: p,
		Ops: mdmbridge.Ops{
			SendPacket:      sendPacket,
			SendControlBits: sendControlBits,
			UnthrottleTx:    unthrottleTx,
			Error:           reportError,
		},
	}
	if err := p.reg.Open(port); err != nil {
		if errors.Is(err, mdmbridge.ErrAlreadyOpen) {
			return ErrBusy
		}
		return err
	}
	if err := p.reg.SetControlBits(mdmbridge.ChannelDUN, mdmbridge.LineDTR|mdmbridge.LineRTS); err != nil {
		mdmbridge.LogWarn(mdmbridge.ComponentTTY, "set DTR failed", "error", err)
	}

	p.open = true
	p.used = true
	p.closed = make(chan struct{})
	p.done = make(chan struct{})
	go p.reader(p.closed, p.done)
	mdmbridge.LogInfo(mdmbridge.ComponentTTY, "tty opened")
	return nil
}

// Command sends an AT command line on the control plane and waits until
// the modem has accepted it. The response is written to the tty.
func (p *Port) Command(ctx context.Context, line string) error {
	return p.reg.WriteSync(ctx, mdmbridge.ChannelDUN, []byte(line))
}

// Close drops DTR and RTS, closes both planes of the channel and closes
// the tty.
func (p *Port) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return mdmbridge.ErrNotOpen
	}
	p.open = false
	close(p.closed)
	done := p.done
	p.mu.Unlock()

	if err := p.reg.SetControlBits(mdmbridge.ChannelDUN, 0); err != nil {
		mdmbridge.LogDebug(mdmbridge.ComponentTTY, "drop DTR failed", "error", err)
	}
	err := p.reg.Close(mdmbridge.ChannelDUN)
	if errors.Is(err, mdmbridge.ErrNotOpen) {
		err = nil
	}
	err = errors.Join(err, p.tty.Close())
	<-done
	mdmbridge.LogInfo(mdmbridge.ComponentTTY, "tty closed")
	return err
}

func (p *Port) reader(closed, done chan struct{}) {
	defer close(done)
	buf := make([]byte, p.cfg.ChunkSize)
	for {
		n, err := p.tty.Read(buf)
		if n > 0 {
			p.send(buf[:n], closed)
		}
		if err != nil {
			select {
			case <-closed:
			default:
				mdmbridge.LogWarn(mdmbridge.ComponentTTY, "tty read failed", "error", err)
			}
			return
		}
	}
}

// send transmits one chunk, waiting out tx throttling and retrying busy
// rejections. Chunks that cannot be sent are dropped.
func (p *Port) send(data []byte, closed chan struct{}) {
	buf := p.reg.Allocator().Alloc(len(data) + p.cfg.Padding)
	buf.Put(data)
	busy := 0
	for {
		err := p.reg.Transmit(mdmbridge.ChannelDUN, buf, nil)
		switch {
		case err == nil:
			p.mu.Lock()
			p.metrics.ToModem++
			p.metrics.ToModemBytes += len(data)
			p.mu.Unlock()
			return

		case errors.Is(err, mdmbridge.ErrThrottled):
			p.mu.Lock()
			p.metrics.ThrottleWaits++
			p.mu.Unlock()
			select {
			case <-p.unthrottle:
				continue
			case <-closed:
			}

		case errors.Is(err, mdmbridge.ErrTransportBusy) && busy < p.cfg.BusyRetries:
			busy++
			p.mu.Lock()
			p.metrics.BusyRetries++
			p.mu.Unlock()
			select {
			case <-time.After(p.cfg.BusyDelay):
				continue
			case <-closed:
			}

		default:
			mdmbridge.LogWarn(mdmbridge.ComponentTTY, "tx dropped", "len", len(data), "error", err)
		}
		p.reg.Allocator().Free(buf)
		p.mu.Lock()
		p.metrics.TxDropped++
		p.mu.Unlock()
		return
	}
}

func sendPacket(ctx any, data []byte) error {
	p := ctx.(*Port)
	n, err := p.tty.Write(data)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.metrics.WriteErrors++
		mdmbridge.LogWarn(mdmbridge.ComponentTTY, "tty write failed", "error", err)
		return nil
	}
	p.metrics.ToTTY++
	p.metrics.ToTTYBytes += n
	return nil
}

func sendControlBits(ctx any, bits mdmbridge.ControlBits) {
	p := ctx.(*Port)
	p.mu.Lock()
	p.metrics.Lines = bits
	p.mu.Unlock()
	mdmbridge.LogDebug(mdmbridge.ComponentTTY, "modem lines", "lines", bits)
}

func unthrottleTx(ctx any) {
	p := ctx.(*Port)
	select {
	case p.unthrottle <- struct{}{}:
	default:
	}
}

func reportError(ctx any, err error) {
	p := ctx.(*Port)
	p.mu.Lock()
	p.metrics.LastError = err
	p.mu.Unlock()
	mdmbridge.LogError(mdmbridge.ComponentTTY, "channel error", "error", err)
}
