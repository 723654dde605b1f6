package mdmbridge

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// mockOp is an operation accepted by MockTransport and not yet completed.
type mockOp struct {
	h         OpHandle
	id        ChannelID
	pipe      Pipe
	buf       []byte
	write     bool
	done      CompletionFunc
	cancelled bool
}

// MockTransport records submissions per pipe and completes them only when
// the test says so, in any order.
type MockTransport struct {
	mu      sync.Mutex
	next    OpHandle
	ops     map[OpHandle]*mockOp
	order   []OpHandle
	written [][]byte

	// submitErr, when set, is returned by the next submissions on a pipe
	submitErr map[Pipe]error
	// completeOnCancel makes Cancel complete the operation with StatusCancelled
	completeOnCancel bool
	// cancelDelay defers the cancellation completion
	cancelDelay time.Duration
	// haltErr is returned by ClearHalt
	haltErr error
	halts   []Pipe

	submits map[Pipe]int
	cancels int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		ops:              make(map[OpHandle]*mockOp),
		submitErr:        make(map[Pipe]error),
		submits:          make(map[Pipe]int),
		completeOnCancel: true,
	}
}

func (m *MockTransport) submit(id ChannelID, pipe Pipe, buf []byte, write bool, done CompletionFunc) (OpHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.submitErr[pipe]; err != nil {
		return 0, err
	}
	m.next++
	op := &mockOp{h: m.next, id: id, pipe: pipe, buf: buf, write: write, done: done}
	m.ops[op.h] = op
	m.order = append(m.order, op.h)
	m.submits[pipe]++
	if write {
		m.written = append(m.written, append([]byte(nil), buf...))
	}
	return op.h, nil
}

func (m *MockTransport) SubmitRead(id ChannelID, pipe Pipe, buf []byte, done CompletionFunc) (OpHandle, error) {
	return m.submit(id, pipe, buf, false, done)
}

func (m *MockTransport) SubmitWrite(id ChannelID, pipe Pipe, buf []byte, done CompletionFunc) (OpHandle, error) {
	return m.submit(id, pipe, buf, true, done)
}

func (m *MockTransport) Cancel(h OpHandle) error {
	m.mu.Lock()
	m.cancels++
	op, ok := m.ops[h]
	if !ok || op.cancelled {
		m.mu.Unlock()
		return nil
	}
	op.cancelled = true
	complete := m.completeOnCancel
	delay := m.cancelDelay
	m.mu.Unlock()

	if !complete {
		return nil
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { m.Complete(h, StatusCancelled, 0) })
		return nil
	}
	m.Complete(h, StatusCancelled, 0)
	return nil
}

func (m *MockTransport) ClearHalt(id ChannelID, pipe Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halts = append(m.halts, pipe)
	return m.haltErr
}

// Complete finishes an operation. For reads, data is copied into the
// submitted buffer first.
func (m *MockTransport) Complete(h OpHandle, status Status, n int) bool {
	m.mu.Lock()
	op, ok := m.ops[h]
	if ok {
		delete(m.ops, h)
		for i, oh := range m.order {
			if oh == h {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	op.done(Completion{Handle: h, Status: status, N: n})
	return true
}

// CompleteRead copies data into the read buffer and completes it.
func (m *MockTransport) CompleteRead(h OpHandle, data []byte) bool {
	m.mu.Lock()
	op, ok := m.ops[h]
	m.mu.Unlock()
	if !ok {
		return false
	}
	n := copy(op.buf, data)
	return m.Complete(h, StatusOK, n)
}

// Pending returns the handles outstanding on a pipe in submission order.
func (m *MockTransport) Pending(id ChannelID, pipe Pipe) []OpHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hs []OpHandle
	for _, h := range m.order {
		op := m.ops[h]
		if op.id == id && op.pipe == pipe {
			hs = append(hs, h)
		}
	}
	return hs
}

func (m *MockTransport) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

func (m *MockTransport) SetSubmitErr(pipe Pipe, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.submitErr, pipe)
		return
	}
	m.submitErr[pipe] = err
}

func (m *MockTransport) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *MockTransport) Submits(pipe Pipe) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[pipe]
}

// MockConsumer records everything the bridge hands to a Port.
type MockConsumer struct {
	mu          sync.Mutex
	packets     [][]byte
	bits        []ControlBits
	unthrottles int
	errs        []error
	// throttleAfter makes SendPacket return ErrThrottled once this many
	// packets were accepted (0 disables)
	throttleAfter int
	sendErr       error
	notify        chan struct{}
	// gate, when set, blocks SendPacket after recording until it receives
	gate chan struct{}
	// onUnthrottle runs from the UnthrottleTx callback
	onUnthrottle func()
}

func NewMockConsumer() *MockConsumer {
	return &MockConsumer{notify: make(chan struct{}, 1024)}
}

func (c *MockConsumer) Port(id ChannelID) *Port {
	return &Port{
		ID:      id,
		Context: c,
		Ops: Ops{
			SendPacket: func(ctx any, data []byte) error {
				mc := ctx.(*MockConsumer)
				mc.mu.Lock()
				mc.packets = append(mc.packets, append([]byte(nil), data...))
				n := len(mc.packets)
				err := mc.sendErr
				if mc.throttleAfter > 0 && n >= mc.throttleAfter {
					err = ErrThrottled
				}
				gate := mc.gate
				mc.mu.Unlock()
				mc.notify <- struct{}{}
				if gate != nil {
					<-gate
				}
				return err
			},
			SendControlBits: func(ctx any, bits ControlBits) {
				mc := ctx.(*MockConsumer)
				mc.mu.Lock()
				mc.bits = append(mc.bits, bits)
				mc.mu.Unlock()
				mc.notify <- struct{}{}
			},
			UnthrottleTx: func(ctx any) {
				mc := ctx.(*MockConsumer)
				mc.mu.Lock()
				mc.unthrottles++
				fn := mc.onUnthrottle
				mc.mu.Unlock()
				if fn != nil {
					fn()
				}
			},
			Error: func(ctx any, err error) {
				mc := ctx.(*MockConsumer)
				mc.mu.Lock()
				mc.errs = append(mc.errs, err)
				mc.mu.Unlock()
			},
		},
	}
}

func (c *MockConsumer) Packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.packets...)
}

func (c *MockConsumer) Bits() []ControlBits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ControlBits(nil), c.bits...)
}

func (c *MockConsumer) Unthrottles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unthrottles
}

func (c *MockConsumer) HasError(target error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range c.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// SetGate makes every SendPacket wait for a value on gate. Closing gate
// releases all deliveries.
func (c *MockConsumer) SetGate(gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

func (c *MockConsumer) SetOnUnthrottle(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnthrottle = fn
}

func (c *MockConsumer) ErrorCount(target error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, err := range c.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func (c *MockConsumer) SetThrottleAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleAfter = n
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestRegistry(t *testing.T, cfg *Config) (*Registry, *MockTransport) {
	t.Helper()
	tp := NewMockTransport()
	r, err := New(tp, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, tp
}
