// Package mdmbridge multiplexes a modem's control and data channels over an
// asynchronous transport. Each logical channel (DUN and tethered RMNET) has
// a control plane, relaying AT encapsulated commands and modem status lines
// over an interrupt-style pipe, and a data plane, moving pooled payload
// buffers over bulk pipes with flow control in both directions.
//
// The core component is the Registry, which owns the per-channel sessions.
// Consumers (a tty, a network device, a test harness) describe themselves
// with a Port carrying an opaque context and a set of Ops callbacks, and
// the transport is anything implementing Transport.
//
// Example usage:
//
//	reg, err := mdmbridge.New(transport, &mdmbridge.Config{PoolSize: 8})
//	if err != nil {
//		log.Fatal(err)
//	}
//	port := &mdmbridge.Port{
//		ID: mdmbridge.ChannelDUN,
//		Ops: mdmbridge.Ops{
//			SendPacket: func(_ any, data []byte) error { _, err := tty.Write(data); return err },
//		},
//	}
//	if err := reg.Open(port); err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Close(mdmbridge.ChannelDUN)
package mdmbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ChannelID addresses one logical bridge.
type ChannelID int

const (
	// ChannelDUN is the dial-up networking / AT channel
	ChannelDUN ChannelID = 0
	// ChannelRmnet is the tethered RMNET channel
	ChannelRmnet ChannelID = 1
	// MaxChannels is the number of logical channels in a registry
	MaxChannels = 2
)

// String returns a human-readable channel name.
func (id ChannelID) String() string {
	switch id {
	case ChannelDUN:
		return "dun"
	case ChannelRmnet:
		return "rmnet"
	default:
		return fmt.Sprintf("channel-%d", int(id))
	}
}

func (id ChannelID) valid() bool {
	return id >= 0 && id < MaxChannels
}

// SendPacketType delivers a payload (data-plane packet or control-plane
// encapsulated response) to the consumer. The slice is only valid during
// the call. Returning ErrThrottled accepts the payload and stops further
// deliveries until UnthrottleRx is called.
type SendPacketType func(ctx any, data []byte) error

// SendControlBitsType reports a change of the inbound control lines.
type SendControlBitsType func(ctx any, bits ControlBits)

// UnthrottleTxType is called once each time TX_THROTTLED is released.
type UnthrottleTxType func(ctx any)

// ErrorType reports channel-fatal conditions (ErrChannelLost, ErrDegraded).
type ErrorType func(ctx any, err error)

// Ops is the capability set a consumer exposes to the bridge. Any field may
// be nil.
type Ops struct {
	SendPacket      SendPacketType
	SendControlBits SendControlBitsType
	UnthrottleTx    UnthrottleTxType
	Error           ErrorType
}

// Port is the consumer side of a bridge.
type Port struct {
	// ID is the channel this port binds to
	ID ChannelID
	// Context is passed back unchanged to every Ops callback
	Context any
	// Ops are the consumer callbacks
	Ops Ops
}

func (p *Port) sendPacket(data []byte) error {
	if p.Ops.SendPacket == nil {
		return nil
	}
	return p.Ops.SendPacket(p.Context, data)
}

func (p *Port) sendControlBits(bits ControlBits) {
	if p.Ops.SendControlBits != nil {
		p.Ops.SendControlBits(p.Context, bits)
	}
}

func (p *Port) unthrottleTx() {
	if p.Ops.UnthrottleTx != nil {
		p.Ops.UnthrottleTx(p.Context)
	}
}

func (p *Port) reportError(err error) {
	if p.Ops.Error != nil {
		p.Ops.Error(p.Context, err)
	}
}

// Config contains the tunables of a registry. Zero fields take defaults.
type Config struct {
	// PoolSize is the number of rx reads kept armed per channel (default: 8)
	PoolSize int
	// BufferSize is the capacity of rx buffers (default: 2048)
	BufferSize int
	// TxHighWater throttles tx when this many writes are pending (default: 500)
	TxHighWater int
	// TxLowWater releases tx throttling below this many pending writes (default: 400)
	TxLowWater int
	// RxHighWater bounds queued plus in-flight rx buffers (default: 500)
	RxHighWater int
	// RxLowWater resumes rx replenishment at or below this queue depth (default: 400)
	RxLowWater int
	// DrainTimeout bounds how long close waits for cancelled operations (default: 2s)
	DrainTimeout time.Duration
	// RxRetryLimit is the number of consecutive rx re-arm failures tolerated (default: 3)
	RxRetryLimit int
	// RxRetryDelay is the delay between rx re-arm attempts (default: 50ms)
	RxRetryDelay time.Duration
	// Timestamps enables the per-channel timestamp debug log
	Timestamps bool
	// Allocator overrides the buffer allocator
	Allocator *Allocator
}

func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 8
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.TxHighWater == 0 {
		c.TxHighWater = 500
	}
	if c.TxLowWater == 0 {
		c.TxLowWater = 400
	}
	if c.RxHighWater == 0 {
		c.RxHighWater = 500
	}
	if c.RxLowWater == 0 {
		c.RxLowWater = 400
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.RxRetryLimit == 0 {
		c.RxRetryLimit = 3
	}
	if c.RxRetryDelay == 0 {
		c.RxRetryDelay = 50 * time.Millisecond
	}
	return c
}

// Validate checks the watermark and pool relations.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("%w: pool size %d", ErrInvalidConfig, c.PoolSize)
	}
	if err := validWatermarks("tx", c.TxHighWater, c.TxLowWater); err != nil {
		return err
	}
	if err := validWatermarks("rx", c.RxHighWater, c.RxLowWater); err != nil {
		return err
	}
	if c.RxHighWater <= c.PoolSize {
		return fmt.Errorf("%w: rx high watermark %d must exceed pool size %d", ErrInvalidConfig, c.RxHighWater, c.PoolSize)
	}
	if c.DrainTimeout < 0 || c.RxRetryDelay < 0 || c.RxRetryLimit < 0 {
		return fmt.Errorf("%w: negative duration or retry limit", ErrInvalidConfig)
	}
	return nil
}

// Stats is a snapshot of both planes of a channel.
type Stats struct {
	ID   ChannelID
	Ctrl CtrlStats
	Data DataStats
}

// Registry owns the control and data sessions of every channel. All
// methods are safe for concurrent use. Open/Close/Disconnect of one channel
// are serialized; they must not be called from inside an Ops callback of
// the same channel.
type Registry struct {
	tp    Transport
	cfg   Config
	alloc *Allocator

	mu   sync.Mutex
	ctrl [MaxChannels]*ctrlSession
	data [MaxChannels]*dataSession
	logs [MaxChannels]*TimestampLog

	lifecycle [MaxChannels]sync.Mutex
}

// New creates a registry on top of the given transport.
// Returns ErrConfigRequired if transport is nil and ErrInvalidConfig if the
// configuration is inconsistent. A nil config selects the defaults.
func New(transport Transport, config *Config) (*Registry, error) {
	if transport == nil {
		return nil, ErrConfigRequired
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		tp:    transport,
		cfg:   cfg,
		alloc: cfg.Allocator,
	}
	if r.alloc == nil {
		r.alloc = NewAllocator(cfg.BufferSize)
	}
	for i := range r.logs {
		r.logs[i] = NewTimestampLog()
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Allocator returns the allocator used for data-plane buffers.
func (r *Registry) Allocator() *Allocator {
	return r.alloc
}

// NewBuffer returns a registry buffer holding a copy of p, ready for Transmit.
func (r *Registry) NewBuffer(p []byte) *Buffer {
	b := r.alloc.Alloc(len(p))
	b.Put(p)
	return b
}

// Open opens both planes of port.ID. Returns ErrAlreadyOpen, leaving the
// channel untouched, if either plane is held by a session that is not lost.
// If the data plane fails to open the control plane is closed again.
func (r *Registry) Open(port *Port) error {
	if port == nil {
		return ErrConfigRequired
	}
	if !port.ID.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[port.ID].Lock()
	defer r.lifecycle[port.ID].Unlock()

	if err := r.planesFree(port.ID); err != nil {
		return err
	}
	if err := r.openControl(port); err != nil {
		return err
	}
	if err := r.openData(port); err != nil {
		if cerr := r.closeControl(port.ID); cerr != nil {
			LogWarn(ComponentRegistry, "control rollback failed", "channel", port.ID, "error", cerr)
		}
		return err
	}
	LogInfo(ComponentRegistry, "bridge opened", "channel", port.ID)
	return nil
}

// Close closes both planes of a channel and blocks until the transport has
// acknowledged every outstanding operation. Returns ErrNotOpen if neither
// plane was open, ErrTimeout if draining did not finish in time.
func (r *Registry) Close(id ChannelID) error {
	if !id.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[id].Lock()
	defer r.lifecycle[id].Unlock()

	derr := r.closeData(id)
	cerr := r.closeControl(id)
	if errors.Is(derr, ErrNotOpen) && errors.Is(cerr, ErrNotOpen) {
		return ErrNotOpen
	}
	if errors.Is(derr, ErrNotOpen) {
		derr = nil
	}
	if errors.Is(cerr, ErrNotOpen) {
		cerr = nil
	}
	LogInfo(ComponentRegistry, "bridge closed", "channel", id)
	return errors.Join(derr, cerr)
}

// OpenControl opens only the control plane of port.ID.
func (r *Registry) OpenControl(port *Port) error {
	if port == nil {
		return ErrConfigRequired
	}
	if !port.ID.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[port.ID].Lock()
	defer r.lifecycle[port.ID].Unlock()
	return r.openControl(port)
}

// CloseControl closes only the control plane of a channel.
func (r *Registry) CloseControl(id ChannelID) error {
	if !id.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[id].Lock()
	defer r.lifecycle[id].Unlock()
	return r.closeControl(id)
}

// OpenData opens only the data plane of port.ID.
func (r *Registry) OpenData(port *Port) error {
	if port == nil {
		return ErrConfigRequired
	}
	if !port.ID.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[port.ID].Lock()
	defer r.lifecycle[port.ID].Unlock()
	return r.openData(port)
}

// CloseData closes only the data plane of a channel.
func (r *Registry) CloseData(id ChannelID) error {
	if !id.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[id].Lock()
	defer r.lifecycle[id].Unlock()
	return r.closeData(id)
}

// Disconnect handles loss of the transport under a channel: outstanding
// operations are cancelled and drained and the channel stays in the lost
// state, failing every operation with ErrChannelLost until it is reopened.
// ErrChannelLost is reported once, through the port of the first plane
// that was not lost already.
func (r *Registry) Disconnect(id ChannelID) error {
	if !id.valid() {
		return ErrInvalidChannel
	}
	r.lifecycle[id].Lock()
	defer r.lifecycle[id].Unlock()

	r.mu.Lock()
	cs, ds := r.ctrl[id], r.data[id]
	r.mu.Unlock()

	var report *Port
	if ds != nil && ds.markLost() {
		report = &ds.port
	}
	if cs != nil && cs.markLost() && report == nil {
		report = &cs.port
	}
	if report != nil {
		report.reportError(ErrChannelLost)
	}

	var errs []error
	if ds != nil {
		errs = append(errs, ds.drain())
	}
	if cs != nil {
		errs = append(errs, cs.drain())
	}
	LogWarn(ComponentRegistry, "bridge disconnected", "channel", id)
	return errors.Join(errs...)
}

// planeLost carries the loss seen by one plane of a channel over to the
// other plane, so that the whole channel fails with ErrChannelLost until it
// is reopened. Exactly one of cs and ds is set. Sessions that were already
// replaced by a reopen are ignored.
func (r *Registry) planeLost(id ChannelID, cs *ctrlSession, ds *dataSession) {
	r.mu.Lock()
	var sibling interface{ markLost() bool }
	switch {
	case cs != nil && r.ctrl[id] == cs && r.data[id] != nil:
		sibling = r.data[id]
	case ds != nil && r.data[id] == ds && r.ctrl[id] != nil:
		sibling = r.ctrl[id]
	}
	r.mu.Unlock()

	if sibling != nil && sibling.markLost() {
		LogWarn(ComponentRegistry, "channel lost", "channel", id)
	}
}

// planesFree returns ErrAlreadyOpen if either plane of a channel is held by
// a session that is not lost.
func (r *Registry) planesFree(id ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs := r.ctrl[id]; cs != nil && !cs.isLost() {
		return ErrAlreadyOpen
	}
	if ds := r.data[id]; ds != nil && !ds.isLost() {
		return ErrAlreadyOpen
	}
	return nil
}

func (r *Registry) openControl(port *Port) error {
	r.mu.Lock()
	old := r.ctrl[port.ID]
	if old != nil && !old.isLost() {
		r.mu.Unlock()
		return ErrAlreadyOpen
	}
	r.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil && !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	s := newCtrlSession(r, *port)
	r.mu.Lock()
	r.ctrl[port.ID] = s
	r.mu.Unlock()
	s.start()
	return nil
}

func (r *Registry) closeControl(id ChannelID) error {
	r.mu.Lock()
	s := r.ctrl[id]
	r.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}
	err := s.close()
	r.mu.Lock()
	if r.ctrl[id] == s {
		r.ctrl[id] = nil
	}
	r.mu.Unlock()
	return err
}

func (r *Registry) openData(port *Port) error {
	r.mu.Lock()
	old := r.data[port.ID]
	if old != nil && !old.isLost() {
		r.mu.Unlock()
		return ErrAlreadyOpen
	}
	r.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil && !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	s, err := newDataSession(r, *port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.data[port.ID] = s
	r.mu.Unlock()
	s.start()
	return nil
}

func (r *Registry) closeData(id ChannelID) error {
	r.mu.Lock()
	s := r.data[id]
	r.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}
	err := s.close()
	r.mu.Lock()
	if r.data[id] == s {
		r.data[id] = nil
	}
	r.mu.Unlock()
	return err
}

func (r *Registry) ctrlSession(id ChannelID) (*ctrlSession, error) {
	if !id.valid() {
		return nil, ErrInvalidChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctrl[id] == nil {
		return nil, ErrNotOpen
	}
	return r.ctrl[id], nil
}

func (r *Registry) dataSession(id ChannelID) (*dataSession, error) {
	if !id.valid() {
		return nil, ErrInvalidChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data[id] == nil {
		return nil, ErrNotOpen
	}
	return r.data[id], nil
}

// Write sends an encapsulated command on the control plane. done, if not
// nil, is called once the transport completes the write, with ErrCancelled
// if the write was aborted by close or disconnect.
func (r *Registry) Write(id ChannelID, payload []byte, done func(error)) error {
	s, err := r.ctrlSession(id)
	if err != nil {
		return err
	}
	return s.write(payload, done)
}

// WriteSync sends an encapsulated command and waits for its completion.
func (r *Registry) WriteSync(ctx context.Context, id ChannelID, payload []byte) error {
	result := make(chan error, 1)
	if err := r.Write(id, payload, func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetControlBits sets the outbound control lines (DTR, RTS) and sends a
// SET_CONTROL_LINE_STATE request.
func (r *Registry) SetControlBits(id ChannelID, bits ControlBits) error {
	s, err := r.ctrlSession(id)
	if err != nil {
		return err
	}
	return s.setControlBits(bits)
}

// InboundBits returns the last inbound control lines reported by the modem.
// It never blocks on the transport. Returns ErrNotOpen if the control plane
// is not open. A lost channel reports the last known lines together with
// ErrChannelLost.
func (r *Registry) InboundBits(id ChannelID) (ControlBits, error) {
	s, err := r.ctrlSession(id)
	if err != nil {
		return 0, err
	}
	bits := s.inboundBits()
	if s.isLost() {
		return bits, ErrChannelLost
	}
	return bits, nil
}

// Transmit queues buf for the modem. On success the bridge owns buf and
// frees it when the write completes; done, if not nil, receives the
// completion result. On error the caller keeps ownership of buf.
func (r *Registry) Transmit(id ChannelID, buf *Buffer, done func(error)) error {
	if buf == nil {
		return ErrConfigRequired
	}
	s, err := r.dataSession(id)
	if err != nil {
		return err
	}
	return s.transmit(buf, done)
}

// UnthrottleRx clears RX_THROTTLED and resumes delivery and replenishment.
func (r *Registry) UnthrottleRx(id ChannelID) error {
	s, err := r.dataSession(id)
	if err != nil {
		return err
	}
	return s.unthrottleRx()
}

// TxThrottled reports whether TX_THROTTLED is set on the channel.
func (r *Registry) TxThrottled(id ChannelID) bool {
	s, err := r.dataSession(id)
	if err != nil {
		return false
	}
	return s.flow.TxThrottled()
}

// Stats returns a snapshot of a channel's counters and states.
func (r *Registry) Stats(id ChannelID) (Stats, error) {
	if !id.valid() {
		return Stats{}, ErrInvalidChannel
	}
	st := Stats{ID: id}
	r.mu.Lock()
	cs, ds := r.ctrl[id], r.data[id]
	r.mu.Unlock()
	if cs != nil {
		st.Ctrl = cs.stats()
	}
	if ds != nil {
		st.Data = ds.stats()
	}
	return st, nil
}

// Timestamps returns the timestamp debug log of a channel, oldest first.
func (r *Registry) Timestamps(id ChannelID) []string {
	if !id.valid() {
		return nil
	}
	return r.logs[id].Entries()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func submitError(err error) error {
	switch {
	case errors.Is(err, ErrNoDevice):
		return fmt.Errorf("%w: %w", ErrChannelLost, err)
	case errors.Is(err, ErrTransportBusy):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransportBusy, err)
	}
}
