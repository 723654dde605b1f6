// Package serialtp implements the bridge Transport over a serial port.
//
// A serial modem only exposes one byte stream, so a Transport serves a
// single channel (DUN by default):
//
//   - bulk-in and bulk-out map to the byte stream
//   - the interrupt pipe reports changes of the modem status lines
//     (CTS, DSR, RI, DCD) as SERIAL_STATE notifications
//   - SET_CONTROL_LINE_STATE drives DTR and RTS
//   - encapsulated commands are written to the stream and their responses
//     come back on bulk-in, so GET_ENCAPSULATED_RESPONSE completes empty
//
// Port errors complete every outstanding operation with StatusNoDevice.
package serialtp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/jaracil/mdmbridge"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("serial transport closed")

// Port is the subset of serial.Port used by the transport.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	ResetInputBuffer() error
}

var (
	_ Port                  = (serial.Port)(nil)
	_ mdmbridge.Transport   = (*Transport)(nil)
	_ mdmbridge.HaltClearer = (*Transport)(nil)
)

// Config contains the parameters of a serial transport. Zero fields take defaults.
type Config struct {
	// Channel is the bridge channel served by the port (default: ChannelDUN)
	Channel mdmbridge.ChannelID
	// ReadTimeout bounds each port read so that close is observed (default: 100ms)
	ReadTimeout time.Duration
	// StatusPollInterval is the modem status polling period (default: 200ms)
	StatusPollInterval time.Duration
	// MaxBacklog is the number of received bytes kept while no read is armed (default: 64KiB)
	MaxBacklog int
	// ReadSize is the size of a single port read (default: 4096)
	ReadSize int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.StatusPollInterval == 0 {
		c.StatusPollInterval = 200 * time.Millisecond
	}
	if c.MaxBacklog == 0 {
		c.MaxBacklog = 64 * 1024
	}
	if c.ReadSize == 0 {
		c.ReadSize = 4096
	}
	return c
}

// Metrics contains counters of a serial transport.
type Metrics struct {
	// RxBytes is the number of bytes read from the port
	RxBytes int
	// TxBytes is the number of bytes written to the port
	TxBytes int
	// RxDropped is the number of bytes dropped on backlog overflow
	RxDropped int
	// StatusChanges is the number of SERIAL_STATE notifications queued
	StatusChanges int
	// Lines is the last status read from the modem
	Lines mdmbridge.ControlBits
	// Lost is set once the port failed
	Lost bool
}

type op struct {
	h      mdmbridge.OpHandle
	pipe   mdmbridge.Pipe
	buf    []byte
	done   mdmbridge.CompletionFunc
	active bool
}

// Transport is a bridge transport over a serial port. It implements
// mdmbridge.Transport and mdmbridge.HaltClearer.
type Transport struct {
	port Port
	cfg  Config
	cq   *mdmbridge.CompletionQueue

	mu      sync.Mutex
	next    mdmbridge.OpHandle
	handles map[mdmbridge.OpHandle]*op
	reads   [int(mdmbridge.PipeBulkIn) + 1][]*op
	writes  []*op
	notes   [][]byte
	backlog [][]byte
	pending int
	lines   mdmbridge.ControlBits
	known   bool
	closed  bool
	lost    bool
	metrics Metrics

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// Open opens a serial device at the given baud rate (8N1) and wraps it in
// a Transport. A zero baud rate selects 115200.
func Open(name string, baud int, config *Config) (*Transport, error) {
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	t, err := New(port, config)
	if err != nil {
		port.Close()
		return nil, err
	}
	return t, nil
}

// New creates a transport on an already open port and starts its
// goroutines. The transport owns the port from then on.
func New(port Port, config *Config) (*Transport, error) {
	if port == nil {
		return nil, mdmbridge.ErrConfigRequired
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg = cfg.withDefaults()
	if cfg.Channel < 0 || cfg.Channel >= mdmbridge.MaxChannels {
		return nil, fmt.Errorf("%w: channel %d", mdmbridge.ErrInvalidConfig, cfg.Channel)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	t := &Transport{
		port:    port,
		cfg:     cfg,
		cq:      mdmbridge.NewCompletionQueue(),
		handles: make(map[mdmbridge.OpHandle]*op),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	t.wg.Add(3)
	go t.reader()
	go t.writer()
	go t.poller()
	mdmbridge.LogInfo(mdmbridge.ComponentTransport, "serial transport started", "channel", cfg.Channel)
	return t, nil
}

// Metrics returns a copy of the transport counters.
func (t *Transport) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (t *Transport) check(id mdmbridge.ChannelID) error {
	if id < 0 || id >= mdmbridge.MaxChannels {
		return mdmbridge.ErrInvalidChannel
	}
	if t.closed || t.lost || id != t.cfg.Channel {
		return mdmbridge.ErrNoDevice
	}
	return nil
}

func (t *Transport) newOp(pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) *op {
	t.next++
	o := &op{h: t.next, pipe: pipe, buf: buf, done: done}
	t.handles[o.h] = o
	return o
}

func (t *Transport) complete(o *op, status mdmbridge.Status, n int) {
	delete(t.handles, o.h)
	t.cq.Complete(o.done, mdmbridge.Completion{Handle: o.h, Status: status, N: n})
}

// SubmitRead implements mdmbridge.Transport.
func (t *Transport) SubmitRead(id mdmbridge.ChannelID, pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) (mdmbridge.OpHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(id); err != nil {
		return 0, err
	}
	switch pipe {
	case mdmbridge.PipeInterrupt, mdmbridge.PipeControlIn, mdmbridge.PipeBulkIn:
	default:
		return 0, fmt.Errorf("%w: read on %s", mdmbridge.ErrTransport, pipe)
	}
	o := t.newOp(pipe, buf, done)
	t.reads[pipe] = append(t.reads[pipe], o)
	t.pump()
	return o.h, nil
}

// SubmitWrite implements mdmbridge.Transport. Writes are performed in
// submission order by the writer goroutine.
func (t *Transport) SubmitWrite(id mdmbridge.ChannelID, pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) (mdmbridge.OpHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(id); err != nil {
		return 0, err
	}
	if pipe != mdmbridge.PipeControlOut && pipe != mdmbridge.PipeBulkOut {
		return 0, fmt.Errorf("%w: write on %s", mdmbridge.ErrTransport, pipe)
	}
	o := t.newOp(pipe, buf, done)
	t.writes = append(t.writes, o)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return o.h, nil
}

// Cancel implements mdmbridge.Transport. A write already handed to the
// port completes normally.
func (t *Transport) Cancel(h mdmbridge.OpHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.handles[h]
	if !ok || o.active {
		return nil
	}
	if o.pipe == mdmbridge.PipeControlOut || o.pipe == mdmbridge.PipeBulkOut {
		t.writes = remove(t.writes, o)
	} else {
		t.reads[o.pipe] = remove(t.reads[o.pipe], o)
	}
	t.complete(o, mdmbridge.StatusCancelled, 0)
	return nil
}

func remove(ops []*op, o *op) []*op {
	for i, x := range ops {
		if x == o {
			return append(ops[:i:i], ops[i+1:]...)
		}
	}
	return ops
}

// ClearHalt implements mdmbridge.HaltClearer. Clearing bulk-in discards
// the input backlog.
func (t *Transport) ClearHalt(id mdmbridge.ChannelID, pipe mdmbridge.Pipe) error {
	t.mu.Lock()
	if err := t.check(id); err != nil {
		t.mu.Unlock()
		return err
	}
	if pipe != mdmbridge.PipeBulkIn {
		t.mu.Unlock()
		return nil
	}
	t.backlog = nil
	t.pending = 0
	t.mu.Unlock()
	return t.port.ResetInputBuffer()
}

// pump matches queued input with outstanding reads. Lock must be held.
func (t *Transport) pump() {
	for len(t.reads[mdmbridge.PipeInterrupt]) > 0 && len(t.notes) > 0 {
		o := t.reads[mdmbridge.PipeInterrupt][0]
		t.reads[mdmbridge.PipeInterrupt] = t.reads[mdmbridge.PipeInterrupt][1:]
		n := copy(o.buf, t.notes[0])
		t.notes = t.notes[1:]
		t.complete(o, mdmbridge.StatusOK, n)
	}
	for _, o := range t.reads[mdmbridge.PipeControlIn] {
		t.complete(o, mdmbridge.StatusOK, 0)
	}
	t.reads[mdmbridge.PipeControlIn] = nil
	for len(t.reads[mdmbridge.PipeBulkIn]) > 0 && len(t.backlog) > 0 {
		o := t.reads[mdmbridge.PipeBulkIn][0]
		t.reads[mdmbridge.PipeBulkIn] = t.reads[mdmbridge.PipeBulkIn][1:]
		n := 0
		for n < len(o.buf) && len(t.backlog) > 0 {
			c := copy(o.buf[n:], t.backlog[0])
			n += c
			if c < len(t.backlog[0]) {
				t.backlog[0] = t.backlog[0][c:]
			} else {
				t.backlog = t.backlog[1:]
			}
		}
		t.pending -= n
		t.complete(o, mdmbridge.StatusOK, n)
	}
}

// fail completes every outstanding operation with StatusNoDevice. Lock must be held.
func (t *Transport) fail() {
	for p := range t.reads {
		for _, o := range t.reads[p] {
			t.complete(o, mdmbridge.StatusNoDevice, 0)
		}
		t.reads[p] = nil
	}
	for _, o := range t.writes {
		if !o.active {
			t.complete(o, mdmbridge.StatusNoDevice, 0)
		}
	}
	t.writes = nil
	t.backlog = nil
	t.pending = 0
}

func (t *Transport) lose(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.lost {
		return
	}
	t.lost = true
	t.metrics.Lost = true
	mdmbridge.LogError(mdmbridge.ComponentTransport, "serial port lost", "channel", t.cfg.Channel, "error", err)
	t.fail()
}

func (t *Transport) stopped() bool {
	select {
	case <-t.quit:
		return true
	default:
		return false
	}
}

func (t *Transport) reader() {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.ReadSize)
	for !t.stopped() {
		n, err := t.port.Read(buf)
		if err != nil {
			if !t.stopped() {
				t.lose(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		t.mu.Lock()
		t.metrics.RxBytes += n
		keep := min(n, t.cfg.MaxBacklog-t.pending)
		if keep < n {
			t.metrics.RxDropped += n - keep
			mdmbridge.LogWarn(mdmbridge.ComponentTransport, "serial backlog overflow", "dropped", n-keep)
		}
		if keep > 0 {
			t.backlog = append(t.backlog, append([]byte(nil), buf[:keep]...))
			t.pending += keep
		}
		t.pump()
		t.mu.Unlock()
	}
}

func (t *Transport) writer() {
	defer t.wg.Done()
	for {
		select {
		case <-t.wake:
		case <-t.quit:
			return
		}
		for {
			t.mu.Lock()
			if len(t.writes) == 0 || t.closed || t.lost {
				t.mu.Unlock()
				break
			}
			o := t.writes[0]
			o.active = true
			t.mu.Unlock()

			n, err := t.perform(o)

			t.mu.Lock()
			t.writes = remove(t.writes, o)
			t.metrics.TxBytes += n
			if err != nil {
				t.complete(o, mdmbridge.StatusNoDevice, 0)
			} else {
				t.complete(o, mdmbridge.StatusOK, len(o.buf))
			}
			t.mu.Unlock()
			if err != nil {
				t.lose(err)
			}
		}
	}
}

// perform executes a write on the port and returns the number of stream
// bytes written.
func (t *Transport) perform(o *op) (int, error) {
	if o.pipe == mdmbridge.PipeBulkOut {
		return t.port.Write(o.buf)
	}
	h, body, err := mdmbridge.DecodeRequest(o.buf)
	if err != nil {
		mdmbridge.LogWarn(mdmbridge.ComponentTransport, "serial: bad control request", "error", err)
		return 0, nil
	}
	switch h.Request {
	case mdmbridge.RequestSendEncapsulatedCommand:
		return t.port.Write(body)
	case mdmbridge.RequestSetControlLineState:
		bits := mdmbridge.DecodeLineState(h.Value)
		if err := t.port.SetDTR(bits&mdmbridge.LineDTR != 0); err != nil {
			return 0, err
		}
		if err := t.port.SetRTS(bits&mdmbridge.LineRTS != 0); err != nil {
			return 0, err
		}
		mdmbridge.LogDebug(mdmbridge.ComponentTransport, "serial lines set", "lines", bits)
	default:
		mdmbridge.LogDebug(mdmbridge.ComponentTransport, "serial: request ignored", "request", h.Request)
	}
	return 0, nil
}

func statusBits(s *serial.ModemStatusBits) mdmbridge.ControlBits {
	var bits mdmbridge.ControlBits
	if s.CTS {
		bits |= mdmbridge.LineCTS
	}
	if s.DSR {
		bits |= mdmbridge.LineDSR
	}
	if s.DCD {
		bits |= mdmbridge.LineCD
	}
	if s.RI {
		bits |= mdmbridge.LineRI
	}
	return bits
}

func (t *Transport) poll() error {
	s, err := t.port.GetModemStatusBits()
	if err != nil {
		return err
	}
	bits := statusBits(s)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && bits == t.lines {
		return nil
	}
	t.known = true
	t.lines = bits
	t.metrics.Lines = bits
	t.metrics.StatusChanges++
	t.notes = append(t.notes, mdmbridge.EncodeNotification(mdmbridge.NotificationSerialState, uint16(t.cfg.Channel), mdmbridge.EncodeSerialState(bits)))
	t.pump()
	return nil
}

func (t *Transport) poller() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.StatusPollInterval)
	defer ticker.Stop()
	for {
		if err := t.poll(); err != nil {
			if !t.stopped() {
				t.lose(err)
			}
			return
		}
		select {
		case <-ticker.C:
		case <-t.quit:
			return
		}
	}
}

// Close stops the transport and closes the port. Outstanding operations
// complete with StatusNoDevice before Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	close(t.quit)
	err := t.port.Close()
	t.wg.Wait()

	t.mu.Lock()
	t.fail()
	t.mu.Unlock()
	t.cq.Stop()
	mdmbridge.LogInfo(mdmbridge.ComponentTransport, "serial transport closed", "channel", t.cfg.Channel)
	return err
}
