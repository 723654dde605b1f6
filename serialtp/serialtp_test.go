package serialtp

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/jaracil/mdmbridge"
)

var errPortClosed = errors.New("port closed")

// fakePort is an in-memory serial port. Data pushed with Feed is returned
// by Read; Fail makes the next Read return an error.
type fakePort struct {
	mu       sync.Mutex
	rx       chan []byte
	fail     chan error
	closeCh  chan struct{}
	closed   bool
	timeout  time.Duration
	written  bytes.Buffer
	dtr, rts bool
	status   serial.ModemStatusBits
	resets   int
}

func newFakePort() *fakePort {
	return &fakePort{
		rx:      make(chan []byte, 16),
		fail:    make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (p *fakePort) Feed(data []byte) { p.rx <- data }
func (p *fakePort) Fail(err error)   { p.fail <- err }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	select {
	case d := <-p.rx:
		return copy(b, d), nil
	case err := <-p.fail:
		return 0, err
	case <-p.closeCh:
		return 0, errPortClosed
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) SetDTR(dtr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = dtr
	return nil
}

func (p *fakePort) SetRTS(rts bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = rts
	return nil
}

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPortClosed
	}
	s := p.status
	return &s, nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) SetStatus(s serial.ModemStatusBits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) Lines() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtr, p.rts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestTransport(t *testing.T) (*Transport, *fakePort) {
	t.Helper()
	p := newFakePort()
	p.SetStatus(serial.ModemStatusBits{DSR: true, CTS: true})
	tp, err := New(p, &Config{ReadTimeout: 5 * time.Millisecond, StatusPollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tp.Close() })
	return tp, p
}

type result struct {
	c    mdmbridge.Completion
	data []byte
}

func read(t *testing.T, tp *Transport, pipe mdmbridge.Pipe, size int) (mdmbridge.OpHandle, <-chan result) {
	t.Helper()
	buf := make([]byte, size)
	ch := make(chan result, 1)
	h, err := tp.SubmitRead(mdmbridge.ChannelDUN, pipe, buf, func(c mdmbridge.Completion) {
		ch <- result{c: c, data: buf[:c.N]}
	})
	if err != nil {
		t.Fatal(err)
	}
	return h, ch
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for completion")
	}
	return result{}
}

func writeSync(t *testing.T, tp *Transport, pipe mdmbridge.Pipe, data []byte) mdmbridge.Completion {
	t.Helper()
	ch := make(chan mdmbridge.Completion, 1)
	if _, err := tp.SubmitWrite(mdmbridge.ChannelDUN, pipe, data, func(c mdmbridge.Completion) { ch <- c }); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for write completion")
	}
	return mdmbridge.Completion{}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, mdmbridge.ErrConfigRequired) {
		t.Errorf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := New(newFakePort(), &Config{Channel: 5}); !errors.Is(err, mdmbridge.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	p := newFakePort()
	tp, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()
	if tp.cfg.ReadTimeout != 100*time.Millisecond || tp.cfg.MaxBacklog != 64*1024 {
		t.Errorf("unexpected defaults %+v", tp.cfg)
	}
	if p.timeout != 100*time.Millisecond {
		t.Errorf("read timeout not applied: %v", p.timeout)
	}
}

func TestTransport_BulkStream(t *testing.T) {
	tp, p := newTestTransport(t)

	_, ch := read(t, tp, mdmbridge.PipeBulkIn, 64)
	p.Feed([]byte("\r\nOK\r\n"))
	if r := wait(t, ch); string(r.data) != "\r\nOK\r\n" {
		t.Errorf("unexpected rx %q", r.data)
	}

	// Data received with no read armed waits in the backlog.
	p.Feed([]byte("abc"))
	p.Feed([]byte("def"))
	waitFor(t, "backlog", func() bool { return tp.Metrics().RxBytes == 12 })
	_, ch = read(t, tp, mdmbridge.PipeBulkIn, 4)
	if r := wait(t, ch); string(r.data) != "abcd" {
		t.Errorf("unexpected rx %q", r.data)
	}
	_, ch = read(t, tp, mdmbridge.PipeBulkIn, 64)
	if r := wait(t, ch); string(r.data) != "ef" {
		t.Errorf("unexpected rx %q", r.data)
	}

	c := writeSync(t, tp, mdmbridge.PipeBulkOut, []byte("ATZ\r"))
	if c.Status != mdmbridge.StatusOK || c.N != 4 {
		t.Errorf("unexpected completion %+v", c)
	}
	if got := p.Written(); got != "ATZ\r" {
		t.Errorf("unexpected tx %q", got)
	}
}

func TestTransport_BacklogOverflow(t *testing.T) {
	p := newFakePort()
	tp, err := New(p, &Config{ReadTimeout: 5 * time.Millisecond, MaxBacklog: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	p.Feed([]byte("123456"))
	waitFor(t, "overflow", func() bool { return tp.Metrics().RxDropped == 2 })
	_, ch := read(t, tp, mdmbridge.PipeBulkIn, 64)
	if r := wait(t, ch); string(r.data) != "1234" {
		t.Errorf("unexpected rx %q", r.data)
	}
}

func TestTransport_StatusNotifications(t *testing.T) {
	tp, p := newTestTransport(t)

	expect := func(want mdmbridge.ControlBits) {
		t.Helper()
		_, ch := read(t, tp, mdmbridge.PipeInterrupt, 16)
		r := wait(t, ch)
		h, data, err := mdmbridge.DecodeNotification(r.data)
		if err != nil || h.Request != mdmbridge.NotificationSerialState {
			t.Fatalf("bad notification % x: %v", r.data, err)
		}
		bits, _, _ := mdmbridge.DecodeSerialState(data)
		if bits != want {
			t.Errorf("expected %v, got %v", want, bits)
		}
	}

	expect(mdmbridge.LineDSR | mdmbridge.LineCTS)
	p.SetStatus(serial.ModemStatusBits{DSR: true, CTS: true, DCD: true})
	expect(mdmbridge.LineDSR | mdmbridge.LineCTS | mdmbridge.LineCD)
	p.SetStatus(serial.ModemStatusBits{RI: true})
	expect(mdmbridge.LineRI)

	if m := tp.Metrics(); m.StatusChanges != 3 || m.Lines != mdmbridge.LineRI {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestTransport_ControlRequests(t *testing.T) {
	tp, p := newTestTransport(t)

	tests := []struct {
		name     string
		bits     mdmbridge.ControlBits
		dtr, rts bool
	}{
		{"DTR and RTS", mdmbridge.LineDTR | mdmbridge.LineRTS, true, true},
		{"DTR only", mdmbridge.LineDTR, true, false},
		{"none", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := mdmbridge.EncodeRequest(mdmbridge.RequestSetControlLineState, mdmbridge.EncodeLineState(tt.bits), 0, nil)
			if c := writeSync(t, tp, mdmbridge.PipeControlOut, msg); c.Status != mdmbridge.StatusOK {
				t.Fatalf("unexpected completion %+v", c)
			}
			if dtr, rts := p.Lines(); dtr != tt.dtr || rts != tt.rts {
				t.Errorf("got dtr=%v rts=%v", dtr, rts)
			}
		})
	}

	msg := mdmbridge.EncodeRequest(mdmbridge.RequestSendEncapsulatedCommand, 0, 0, []byte("AT+CSQ\r"))
	if c := writeSync(t, tp, mdmbridge.PipeControlOut, msg); c.Status != mdmbridge.StatusOK || c.N != len(msg) {
		t.Errorf("unexpected completion %+v", c)
	}
	if got := p.Written(); got != "AT+CSQ\r" {
		t.Errorf("encapsulated command not written to the stream: %q", got)
	}

	_, ch := read(t, tp, mdmbridge.PipeControlIn, 64)
	if r := wait(t, ch); r.c.Status != mdmbridge.StatusOK || r.c.N != 0 {
		t.Errorf("expected empty response, got %+v", r.c)
	}
}

func TestTransport_ChannelChecks(t *testing.T) {
	tp, _ := newTestTransport(t)
	noop := func(mdmbridge.Completion) {}

	if _, err := tp.SubmitRead(mdmbridge.ChannelRmnet, mdmbridge.PipeBulkIn, make([]byte, 8), noop); !errors.Is(err, mdmbridge.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
	if _, err := tp.SubmitWrite(mdmbridge.ChannelID(9), mdmbridge.PipeBulkOut, []byte{1}, noop); !errors.Is(err, mdmbridge.ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := tp.SubmitRead(mdmbridge.ChannelDUN, mdmbridge.PipeBulkOut, make([]byte, 8), noop); !errors.Is(err, mdmbridge.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestTransport_CancelAndClearHalt(t *testing.T) {
	tp, p := newTestTransport(t)

	h, ch := read(t, tp, mdmbridge.PipeBulkIn, 64)
	if err := tp.Cancel(h); err != nil {
		t.Fatal(err)
	}
	if r := wait(t, ch); r.c.Status != mdmbridge.StatusCancelled {
		t.Errorf("expected cancelled, got %v", r.c.Status)
	}

	p.Feed([]byte("garbage"))
	waitFor(t, "rx", func() bool { return tp.Metrics().RxBytes == 7 })
	if err := tp.ClearHalt(mdmbridge.ChannelDUN, mdmbridge.PipeBulkIn); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	resets := p.resets
	p.mu.Unlock()
	if resets != 1 {
		t.Errorf("expected one input reset, got %d", resets)
	}
	p.Feed([]byte("ok"))
	_, ch = read(t, tp, mdmbridge.PipeBulkIn, 64)
	if r := wait(t, ch); string(r.data) != "ok" {
		t.Errorf("backlog not discarded, got %q", r.data)
	}
}

func TestTransport_PortFailure(t *testing.T) {
	tp, p := newTestTransport(t)

	_, ch := read(t, tp, mdmbridge.PipeBulkIn, 64)
	p.Fail(errors.New("usb unplugged"))
	if r := wait(t, ch); r.c.Status != mdmbridge.StatusNoDevice {
		t.Errorf("expected no-device, got %v", r.c.Status)
	}
	if !tp.Metrics().Lost {
		t.Error("transport not marked lost")
	}
	if _, err := tp.SubmitWrite(mdmbridge.ChannelDUN, mdmbridge.PipeBulkOut, []byte("x"), func(mdmbridge.Completion) {}); !errors.Is(err, mdmbridge.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestTransport_Close(t *testing.T) {
	p := newFakePort()
	tp, err := New(p, &Config{ReadTimeout: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	_, ch := read(t, tp, mdmbridge.PipeBulkIn, 64)
	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}
	if r := wait(t, ch); r.c.Status != mdmbridge.StatusNoDevice {
		t.Errorf("expected no-device, got %v", r.c.Status)
	}
	if !p.closed {
		t.Error("port not closed")
	}
	if tp.Metrics().Lost {
		t.Error("close reported as a port loss")
	}
	if err := tp.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// The bridge runs unchanged on top of a serial port.
func TestTransport_Bridge(t *testing.T) {
	tp, p := newTestTransport(t)
	reg, err := mdmbridge.New(tp, &mdmbridge.Config{PoolSize: 2, RxHighWater: 8, RxLowWater: 4, TxHighWater: 8, TxLowWater: 4})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var rx []byte
	var bits mdmbridge.ControlBits
	port := &mdmbridge.Port{
		ID: mdmbridge.ChannelDUN,
		Ops: mdmbridge.Ops{
			SendPacket: func(_ any, data []byte) error {
				mu.Lock()
				rx = append(rx, data...)
				mu.Unlock()
				return nil
			},
			SendControlBits: func(_ any, b mdmbridge.ControlBits) {
				mu.Lock()
				bits = b
				mu.Unlock()
			},
		},
	}
	if err := reg.Open(port); err != nil {
		t.Fatal(err)
	}
	defer reg.Close(mdmbridge.ChannelDUN)

	waitFor(t, "status lines", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bits == mdmbridge.LineDSR|mdmbridge.LineCTS
	})

	if err := reg.SetControlBits(mdmbridge.ChannelDUN, mdmbridge.LineDTR|mdmbridge.LineRTS); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "DTR", func() bool { dtr, rts := p.Lines(); return dtr && rts })

	done := make(chan error, 1)
	if err := reg.Transmit(mdmbridge.ChannelDUN, reg.NewBuffer([]byte("ATI\r")), func(err error) { done <- err }); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if got := p.Written(); got != "ATI\r" {
		t.Errorf("unexpected tx %q", got)
	}

	p.Feed([]byte("\r\nOK\r\n"))
	waitFor(t, "rx", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(rx) == "\r\nOK\r\n"
	})
}
