package mdmbridge

import (
	"errors"
	"sync"
	"time"
)

// RxState is the receive state of a control session.
type RxState int

const (
	// RxIdle means no interrupt read is queued
	RxIdle RxState = iota
	// RxWait means a read is queued and waiting for the modem
	RxWait
	// RxBusy means a read completed and its notification is being processed
	RxBusy
)

// String returns a human-readable representation of the state.
func (s RxState) String() string {
	switch s {
	case RxIdle:
		return "Idle"
	case RxWait:
		return "Wait"
	case RxBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// CtrlStats is a snapshot of a control session.
type CtrlStats struct {
	Open  bool
	Lost  bool
	State RxState
	// InboundBits are the lines from the modem (DSR, CTS, CD, RI)
	InboundBits ControlBits
	// OutboundBits are the lines to the modem (DTR, RTS)
	OutboundBits ControlBits
	// PendingWrites is the number of writes not yet completed
	PendingWrites int

	SendEncapCmd   uint64
	GetEncapRes    uint64
	RespAvail      uint64
	SetCtrlLineSts uint64
	NotifySerState uint64
}

type ctrlWrite struct {
	h         OpHandle
	done      func(error)
	completed bool
}

// ctrlSession is the control plane of one channel. It keeps exactly one
// read outstanding while open: the interrupt read, or the encapsulated
// response fetch that a RESPONSE_AVAILABLE notification triggers.
type ctrlSession struct {
	mu   sync.Mutex
	id   ChannelID
	reg  *Registry
	tp   Transport
	port Port
	cfg  *Config

	state   RxState
	readH   OpHandle
	readGen uint64
	intBuf  []byte
	respBuf []byte

	cbitsToHost ControlBits
	cbitsToMdm  ControlBits

	writes  map[*ctrlWrite]struct{}
	closing bool
	lost    bool
	// fails counts consecutive failed read completions
	fails int

	sndEncapCmd    uint64
	getEncapRes    uint64
	respAvail      uint64
	setCtrlLineSts uint64
	notifySerState uint64

	wg sync.WaitGroup
}

func newCtrlSession(r *Registry, port Port) *ctrlSession {
	return &ctrlSession{
		id:      port.ID,
		reg:     r,
		tp:      r.tp,
		port:    port,
		cfg:     &r.cfg,
		state:   RxIdle,
		intBuf:  make([]byte, HeaderSize+MaxResponseSize),
		respBuf: make([]byte, MaxResponseSize),
		writes:  make(map[*ctrlWrite]struct{}),
	}
}

func (s *ctrlSession) start() {
	LogDebug(ComponentCtrl, "control session opened", "channel", s.id)
	s.arm(PipeInterrupt, s.intBuf, s.onNotify)
}

func (s *ctrlSession) isLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// arm submits the next control read. A busy transport is retried after
// RxRetryDelay, at most RxRetryLimit times; any other failure loses the
// channel.
func (s *ctrlSession) arm(pipe Pipe, buf []byte, done CompletionFunc) {
	s.armAttempt(pipe, buf, done, 0)
}

func (s *ctrlSession) armAttempt(pipe Pipe, buf []byte, done CompletionFunc, attempt int) {
	s.mu.Lock()
	if s.closing || s.lost {
		s.state = RxIdle
		s.mu.Unlock()
		return
	}
	if pipe == PipeInterrupt {
		s.state = RxWait
	}
	s.readGen++
	s.readH = 0
	gen := s.readGen
	s.wg.Add(1)
	s.mu.Unlock()

	h, err := s.tp.SubmitRead(s.id, pipe, buf, done)
	if err == nil {
		s.mu.Lock()
		if s.readGen == gen {
			s.readH = h
		}
		closing := s.closing
		s.mu.Unlock()
		if closing {
			s.tp.Cancel(h)
		}
		return
	}

	if errors.Is(err, ErrTransportBusy) && attempt < s.cfg.RxRetryLimit {
		LogDebug(ComponentCtrl, "control read busy, retrying", "channel", s.id, "attempt", attempt+1)
		// The pending retry keeps the wait group slot taken above.
		time.AfterFunc(s.cfg.RxRetryDelay, func() {
			defer s.wg.Done()
			s.armAttempt(pipe, buf, done, attempt+1)
		})
		return
	}
	s.wg.Done()
	LogError(ComponentCtrl, "control read re-arm failed", "channel", s.id, "pipe", pipe, "error", err)
	s.lose()
}

// failed records a failed read completion and reports whether the run of
// consecutive failures is over the retry limit.
func (s *ctrlSession) failed(pipe Pipe, c Completion) bool {
	s.mu.Lock()
	s.fails++
	fails := s.fails
	s.mu.Unlock()
	if fails > s.cfg.RxRetryLimit {
		LogError(ComponentCtrl, "control read keeps failing", "channel", s.id, "pipe", pipe, "status", c.Status, "failures", fails)
		return true
	}
	LogWarn(ComponentCtrl, "control read failed", "channel", s.id, "pipe", pipe, "status", c.Status, "attempt", fails)
	return false
}

func (s *ctrlSession) onNotify(c Completion) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.closing || s.lost {
		s.state = RxIdle
		s.mu.Unlock()
		return
	}
	s.state = RxBusy
	msg := append([]byte(nil), s.intBuf[:clampLen(c.N, len(s.intBuf))]...)
	if c.Status == StatusOK {
		s.fails = 0
	}
	s.mu.Unlock()

	switch c.Status {
	case StatusOK:
	case StatusNoDevice:
		s.lose()
		return
	default:
		if s.failed(PipeInterrupt, c) {
			s.lose()
			return
		}
		s.arm(PipeInterrupt, s.intBuf, s.onNotify)
		return
	}

	h, data, err := DecodeNotification(msg)
	if err != nil {
		LogWarn(ComponentCtrl, "malformed notification", "channel", s.id, "len", len(msg), "error", err)
		s.arm(PipeInterrupt, s.intBuf, s.onNotify)
		return
	}

	switch h.Request {
	case NotificationResponseAvailable:
		s.mu.Lock()
		s.respAvail++
		s.mu.Unlock()
		LogDebug(ComponentCtrl, "response available", "channel", s.id)
		s.arm(PipeControlIn, s.respBuf, s.onResponse)
		return

	case NotificationSerialState:
		bits, errBits, err := DecodeSerialState(data)
		if err != nil {
			LogWarn(ComponentCtrl, "malformed serial state", "channel", s.id, "error", err)
			break
		}
		s.mu.Lock()
		s.notifySerState++
		s.cbitsToHost = bits
		s.mu.Unlock()
		LogDebug(ComponentCtrl, "serial state", "channel", s.id, "bits", bits, "errors", errBits)
		s.port.sendControlBits(bits)

	case NotificationNetworkConnection:
		LogDebug(ComponentCtrl, "network connection", "channel", s.id, "connected", h.Value != 0)

	default:
		LogDebug(ComponentCtrl, "unknown notification", "channel", s.id, "code", h.Request)
	}
	s.arm(PipeInterrupt, s.intBuf, s.onNotify)
}

func (s *ctrlSession) onResponse(c Completion) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.closing || s.lost {
		s.state = RxIdle
		s.mu.Unlock()
		return
	}
	var payload []byte
	if c.Status == StatusOK {
		s.getEncapRes++
		s.fails = 0
		payload = append([]byte(nil), s.respBuf[:clampLen(c.N, len(s.respBuf))]...)
	}
	s.mu.Unlock()

	switch c.Status {
	case StatusOK:
		if len(payload) > 0 {
			if err := s.port.sendPacket(payload); err != nil {
				LogWarn(ComponentCtrl, "response delivery failed", "channel", s.id, "error", err)
			}
		}
	case StatusNoDevice:
		s.lose()
		return
	default:
		if s.failed(PipeControlIn, c) {
			s.lose()
			return
		}
	}
	s.arm(PipeInterrupt, s.intBuf, s.onNotify)
}

func (s *ctrlSession) submitWrite(msg []byte, done func(error), counter *uint64) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.lost {
		s.mu.Unlock()
		return ErrChannelLost
	}
	w := &ctrlWrite{done: done}
	s.writes[w] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	h, err := s.tp.SubmitWrite(s.id, PipeControlOut, msg, func(c Completion) {
		s.onWriteDone(w, c)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.writes, w)
		s.mu.Unlock()
		s.wg.Done()
		err = submitError(err)
		if errors.Is(err, ErrChannelLost) {
			s.lose()
		}
		return err
	}

	s.mu.Lock()
	if !w.completed {
		w.h = h
	}
	*counter++
	closing := s.closing
	s.mu.Unlock()
	if closing {
		s.tp.Cancel(h)
	}
	return nil
}

func (s *ctrlSession) onWriteDone(w *ctrlWrite, c Completion) {
	defer s.wg.Done()

	s.mu.Lock()
	w.completed = true
	delete(s.writes, w)
	aborted := s.closing || s.lost
	s.mu.Unlock()

	err := c.Status.Err()
	if err != nil && aborted {
		err = ErrCancelled
	}
	if err != nil && !errors.Is(err, ErrCancelled) {
		LogWarn(ComponentCtrl, "control write failed", "channel", s.id, "status", c.Status)
	}
	if w.done != nil {
		w.done(err)
	}
	if c.Status == StatusNoDevice && !aborted {
		s.lose()
	}
}

func (s *ctrlSession) write(payload []byte, done func(error)) error {
	msg := EncodeRequest(RequestSendEncapsulatedCommand, 0, uint16(s.id), payload)
	return s.submitWrite(msg, done, &s.sndEncapCmd)
}

func (s *ctrlSession) setControlBits(bits ControlBits) error {
	bits &= OutboundLines
	s.mu.Lock()
	s.cbitsToMdm = bits
	s.mu.Unlock()
	LogDebug(ComponentCtrl, "set control bits", "channel", s.id, "bits", bits)
	msg := EncodeRequest(RequestSetControlLineState, EncodeLineState(bits), uint16(s.id), nil)
	return s.submitWrite(msg, nil, &s.setCtrlLineSts)
}

func (s *ctrlSession) inboundBits() ControlBits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cbitsToHost
}

// cancelAll cancels the outstanding read and writes. Caller must not hold
// the session lock.
func (s *ctrlSession) cancelAll() {
	s.mu.Lock()
	handles := make([]OpHandle, 0, len(s.writes)+1)
	if s.state != RxIdle && s.readH != 0 {
		handles = append(handles, s.readH)
	}
	for w := range s.writes {
		if w.h != 0 {
			handles = append(handles, w.h)
		}
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.tp.Cancel(h)
	}
}

// markLost moves the session to the lost state and cancels everything
// outstanding. Returns false if it was already lost or is closing.
func (s *ctrlSession) markLost() bool {
	s.mu.Lock()
	if s.lost || s.closing {
		s.mu.Unlock()
		return false
	}
	s.lost = true
	s.state = RxIdle
	s.mu.Unlock()

	s.cancelAll()
	return true
}

// lose marks the channel lost after the transport went away. The data
// plane of the channel is lost with it.
func (s *ctrlSession) lose() {
	if !s.markLost() {
		return
	}
	LogError(ComponentCtrl, "control channel lost", "channel", s.id)
	s.reg.planeLost(s.id, s, nil)
	s.port.reportError(ErrChannelLost)
}

// drain waits for the operations cancelled by markLost.
func (s *ctrlSession) drain() error {
	if !waitTimeout(&s.wg, s.cfg.DrainTimeout) {
		LogError(ComponentCtrl, "control drain timed out", "channel", s.id)
		return ErrTimeout
	}
	return nil
}

func (s *ctrlSession) close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.cancelAll()
	ok := waitTimeout(&s.wg, s.cfg.DrainTimeout)

	s.mu.Lock()
	s.state = RxIdle
	pending := len(s.writes)
	s.mu.Unlock()

	if !ok {
		LogError(ComponentCtrl, "control drain timed out", "channel", s.id, "pendingWrites", pending)
		return ErrTimeout
	}
	LogDebug(ComponentCtrl, "control session closed", "channel", s.id)
	return nil
}

func (s *ctrlSession) stats() CtrlStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CtrlStats{
		Open:           !s.closing && !s.lost,
		Lost:           s.lost,
		State:          s.state,
		InboundBits:    s.cbitsToHost,
		OutboundBits:   s.cbitsToMdm,
		PendingWrites:  len(s.writes),
		SendEncapCmd:   s.sndEncapCmd,
		GetEncapRes:    s.getEncapRes,
		RespAvail:      s.respAvail,
		SetCtrlLineSts: s.setCtrlLineSts,
		NotifySerState: s.notifySerState,
	}
}

func clampLen(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}
