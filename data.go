package mdmbridge

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DataStats is a snapshot of a data session.
type DataStats struct {
	Open     bool
	Lost     bool
	Degraded bool

	// PendingTx is the number of writes submitted and not yet completed
	PendingTx int
	// ActiveRx is the number of reads outstanding on the transport
	ActiveRx int
	// IdleRx is the number of rx slots waiting to be re-armed
	IdleRx int
	// Queued is the number of completed reads not yet delivered
	Queued int

	ToHost       uint64
	ToHostBytes  uint64
	ToModem      uint64
	ToModemBytes uint64
	TxDropped    uint64
	RxDropped    uint64
	RxErrors     uint64
	RxRetries    uint64
	Halts        uint64

	Flow FlowStats
}

type rxSlot struct {
	buf *Buffer
	h   OpHandle
	seq uint64
}

type txOp struct {
	buf       *Buffer
	done      func(error)
	h         OpHandle
	completed bool
}

// dataSession is the data plane of one channel.
//
// Reads are numbered when submitted and completed buffers are released to
// the ready FIFO strictly in that order, whatever order the transport
// completes them in. A single worker goroutine drains the FIFO toward the
// consumer. Reads are re-armed both by completions and by the worker, so a
// slow consumer lets the queue grow up to the rx high watermark. The session lock guards queue and counter manipulation only; it
// is never held across transport calls or consumer callbacks.
type dataSession struct {
	mu    sync.Mutex
	id    ChannelID
	reg   *Registry
	tp    Transport
	port  Port
	cfg   *Config
	alloc *Allocator
	flow  *FlowControl
	tslog *TimestampLog

	idle    []*rxSlot
	active  map[*rxSlot]struct{}
	nextSeq uint64
	headSeq uint64
	reorder map[uint64]*Buffer // nil marks a read that produced nothing
	ready   []*Buffer
	queued  int
	held    bool
	// fails counts consecutive rx failures, submissions and completions
	// alike. Only a successful completion resets it.
	fails int

	txOps     map[*txOp]struct{}
	pendingTx int
	halting   [PipeBulkOut + 1]bool

	closing  bool
	lost     bool
	degraded bool

	toHost       uint64
	toHostBytes  uint64
	toModem      uint64
	toModemBytes uint64
	txDropped    uint64
	rxDropped    uint64
	rxErrors     uint64
	rxRetries    uint64
	halts        uint64

	wg         sync.WaitGroup
	kick       chan struct{}
	quit       chan struct{}
	workerDone chan struct{}
}

func newDataSession(r *Registry, port Port) (*dataSession, error) {
	s := &dataSession{
		id:         port.ID,
		reg:        r,
		tp:         r.tp,
		port:       port,
		cfg:        &r.cfg,
		alloc:      r.alloc,
		active:     make(map[*rxSlot]struct{}),
		reorder:    make(map[uint64]*Buffer),
		txOps:      make(map[*txOp]struct{}),
		kick:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	if r.cfg.Timestamps {
		s.tslog = r.logs[port.ID]
	}
	flow, err := NewFlowControl(r.cfg.TxHighWater, r.cfg.TxLowWater, r.cfg.RxHighWater, r.cfg.RxLowWater, s.port.unthrottleTx)
	if err != nil {
		return nil, err
	}
	s.flow = flow
	for i := 0; i < r.cfg.PoolSize; i++ {
		s.idle = append(s.idle, &rxSlot{})
	}
	return s, nil
}

func (s *dataSession) start() {
	go s.worker()
	s.replenish()
	LogDebug(ComponentData, "data session opened", "channel", s.id, "pool", s.cfg.PoolSize)
}

func (s *dataSession) isLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *dataSession) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *dataSession) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.quit:
			return
		case <-s.kick:
		}
		for s.deliverOne() {
			s.replenish()
		}
		s.replenish()
	}
}

// deliverOne hands the oldest ready buffer to the consumer. Returns false
// when nothing was delivered or delivery must stop.
func (s *dataSession) deliverOne() bool {
	s.mu.Lock()
	if s.closing || s.held || len(s.ready) == 0 {
		s.mu.Unlock()
		return false
	}
	buf := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	s.queued--
	buf.Stamps.RxDoneSent = s.alloc.Now()
	s.toHost++
	s.toHostBytes += uint64(buf.Len())
	s.mu.Unlock()

	err := s.port.sendPacket(buf.Bytes())
	if s.tslog != nil {
		s.tslog.Add("rx ch=%s len=%d %s", s.id, buf.Len(), buf.Stamps)
	}
	buf.release()

	switch {
	case err == nil:
	case errors.Is(err, ErrThrottled):
		s.mu.Lock()
		s.held = true
		s.mu.Unlock()
		s.flow.ThrottleRx()
		LogDebug(ComponentData, "consumer throttled rx", "channel", s.id)
		return false
	default:
		s.mu.Lock()
		s.rxDropped++
		s.mu.Unlock()
		LogWarn(ComponentData, "rx delivery failed", "channel", s.id, "error", err)
	}
	return true
}

// replenish re-arms idle rx slots while the watermarks allow it.
func (s *dataSession) replenish() {
	s.mu.Lock()
	if !s.held {
		s.flow.RxDrained(s.queued)
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closing || s.lost || s.degraded || s.halting[PipeBulkIn] || len(s.idle) == 0 {
			s.mu.Unlock()
			return
		}
		if !s.flow.RxAdmit(s.queued, len(s.active)) {
			s.mu.Unlock()
			return
		}
		slot := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		buf := s.alloc.Alloc(s.cfg.BufferSize)
		buf.SetLen(buf.Cap())
		buf.Stamps.RxQueued = s.alloc.Now()
		seq := s.nextSeq
		s.nextSeq++
		buf.seq = seq
		slot.buf, slot.seq, slot.h = buf, seq, 0
		s.active[slot] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		h, err := s.tp.SubmitRead(s.id, PipeBulkIn, buf.Bytes(), func(c Completion) {
			s.onRead(slot, buf, c)
		})
		if err != nil {
			s.mu.Lock()
			delete(s.active, slot)
			slot.buf = nil
			s.idle = append(s.idle, slot)
			s.reorder[seq] = nil
			s.advance()
			s.fails++
			s.rxRetries++
			fails := s.fails
			s.mu.Unlock()
			buf.release()
			s.wg.Done()
			s.submitReadFailed(err, fails)
			return
		}

		s.mu.Lock()
		if slot.buf == buf {
			slot.h = h
		}
		closing := s.closing || s.lost
		s.mu.Unlock()
		if closing {
			s.tp.Cancel(h)
		}
	}
}

func (s *dataSession) submitReadFailed(err error, fails int) {
	if errors.Is(submitError(err), ErrChannelLost) {
		s.lose()
		return
	}
	if fails > s.cfg.RxRetryLimit {
		s.degrade(err)
		return
	}
	LogDebug(ComponentData, "rx re-arm failed, retrying", "channel", s.id, "attempt", fails, "error", err)
	time.AfterFunc(s.cfg.RxRetryDelay, s.signal)
}

// advance moves contiguous completed reads from the reorder map to the
// ready FIFO. Caller holds the lock.
func (s *dataSession) advance() {
	for {
		buf, ok := s.reorder[s.headSeq]
		if !ok {
			return
		}
		delete(s.reorder, s.headSeq)
		s.headSeq++
		if buf != nil {
			s.ready = append(s.ready, buf)
		}
	}
}

func (s *dataSession) onRead(slot *rxSlot, buf *Buffer, c Completion) {
	defer s.wg.Done()

	s.mu.Lock()
	delete(s.active, slot)
	slot.buf, slot.h = nil, 0
	s.idle = append(s.idle, slot)

	keep, failed := false, false
	switch {
	case s.closing:
	case c.Status == StatusOK && c.N > 0:
		buf.SetLen(c.N)
		buf.Stamps.RxDone = s.alloc.Now()
		keep = true
		s.fails = 0
	case c.Status == StatusOK:
		s.fails = 0
	case c.Status == StatusCancelled && s.lost:
	default:
		s.rxErrors++
		s.fails++
		failed = true
	}
	fails := s.fails
	if keep {
		s.reorder[buf.seq] = buf
		s.queued++
	} else {
		s.reorder[buf.seq] = nil
	}
	s.advance()
	s.mu.Unlock()

	if !keep {
		buf.release()
	}

	switch {
	case c.Status == StatusNoDevice:
		s.lose()
	case failed && fails > s.cfg.RxRetryLimit:
		s.degrade(fmt.Errorf("%d consecutive rx failures, last %s: %w", fails, c.Status, c.Status.Err()))
	case c.Status == StatusStall:
		s.clearHalt(PipeBulkIn)
	case failed:
		LogWarn(ComponentData, "rx failed", "channel", s.id, "status", c.Status, "attempt", fails)
	}
	s.replenish()
	s.signal()
}

func (s *dataSession) transmit(buf *Buffer, done func(error)) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrNotOpen
	case s.lost:
		s.mu.Unlock()
		return ErrChannelLost
	case s.degraded:
		s.mu.Unlock()
		return ErrDegraded
	case s.halting[PipeBulkOut]:
		s.mu.Unlock()
		return ErrTransportBusy
	case s.flow.TxThrottled():
		s.mu.Unlock()
		return ErrThrottled
	}
	op := &txOp{buf: buf, done: done}
	s.txOps[op] = struct{}{}
	s.pendingTx++
	s.flow.TxSubmitted(s.pendingTx)
	buf.Stamps.TxQueued = s.alloc.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	h, err := s.tp.SubmitWrite(s.id, PipeBulkOut, buf.Bytes(), func(c Completion) {
		s.onWrite(op, c)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.txOps, op)
		s.pendingTx--
		s.txDropped++
		release := s.flow.txRelease(s.pendingTx)
		s.mu.Unlock()
		s.wg.Done()
		if release != nil {
			release()
		}
		err = submitError(err)
		if errors.Is(err, ErrChannelLost) {
			s.lose()
		}
		return err
	}

	s.mu.Lock()
	if !op.completed {
		op.h = h
	}
	s.toModem++
	s.toModemBytes += uint64(buf.Len())
	closing := s.closing
	s.mu.Unlock()
	if closing {
		s.tp.Cancel(h)
	}
	return nil
}

func (s *dataSession) onWrite(op *txOp, c Completion) {
	defer s.wg.Done()

	s.mu.Lock()
	op.completed = true
	delete(s.txOps, op)
	s.pendingTx--
	aborted := s.closing || s.lost
	var release func()
	if !aborted {
		release = s.flow.txRelease(s.pendingTx)
	}
	s.mu.Unlock()

	err := c.Status.Err()
	if err != nil && aborted {
		err = ErrCancelled
	}
	if s.tslog != nil {
		s.tslog.Add("tx ch=%s len=%d status=%s %s", s.id, op.buf.Len(), c.Status, op.buf.Stamps)
	}
	op.buf.release()
	if op.done != nil {
		op.done(err)
	}

	switch c.Status {
	case StatusNoDevice:
		s.lose()
	case StatusStall:
		s.clearHalt(PipeBulkOut)
	}
	if release != nil {
		release()
	}
}

// clearHalt recovers a stalled pipe in the background. Reads stay parked
// and writes are refused while the halt is being cleared.
func (s *dataSession) clearHalt(pipe Pipe) {
	hc, ok := s.tp.(HaltClearer)
	if !ok {
		LogWarn(ComponentData, "pipe stalled and transport cannot clear halt", "channel", s.id, "pipe", pipe)
		return
	}
	s.mu.Lock()
	if s.closing || s.lost || s.halting[pipe] {
		s.mu.Unlock()
		return
	}
	s.halting[pipe] = true
	s.halts++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := hc.ClearHalt(s.id, pipe)
		s.mu.Lock()
		s.halting[pipe] = false
		s.mu.Unlock()
		if err != nil {
			LogError(ComponentData, "clear halt failed", "channel", s.id, "pipe", pipe, "error", err)
			if errors.Is(err, ErrNoDevice) {
				s.lose()
			} else {
				s.degrade(err)
			}
			return
		}
		LogInfo(ComponentData, "halt cleared", "channel", s.id, "pipe", pipe)
		s.signal()
	}()
}

func (s *dataSession) unthrottleRx() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.lost {
		s.mu.Unlock()
		return ErrChannelLost
	}
	s.held = false
	s.mu.Unlock()
	s.flow.UnthrottleRx()
	s.signal()
	return nil
}

func (s *dataSession) degrade(err error) {
	s.mu.Lock()
	if s.degraded || s.closing || s.lost {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	s.mu.Unlock()
	LogError(ComponentData, "data channel degraded", "channel", s.id, "error", err)
	s.port.reportError(ErrDegraded)
}

func (s *dataSession) cancelAll() {
	s.mu.Lock()
	handles := make([]OpHandle, 0, len(s.active)+len(s.txOps))
	for slot := range s.active {
		if slot.h != 0 {
			handles = append(handles, slot.h)
		}
	}
	for op := range s.txOps {
		if op.h != 0 {
			handles = append(handles, op.h)
		}
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.tp.Cancel(h)
	}
}

// markLost moves the session to the lost state and cancels everything
// outstanding. Returns false if it was already lost or is closing.
func (s *dataSession) markLost() bool {
	s.mu.Lock()
	if s.lost || s.closing {
		s.mu.Unlock()
		return false
	}
	s.lost = true
	s.mu.Unlock()

	s.cancelAll()
	return true
}

// lose marks the channel lost after the transport went away. The control
// plane of the channel is lost with it.
func (s *dataSession) lose() {
	if !s.markLost() {
		return
	}
	LogError(ComponentData, "data channel lost", "channel", s.id)
	s.reg.planeLost(s.id, nil, s)
	s.port.reportError(ErrChannelLost)
}

// drain waits for the operations cancelled by markLost.
func (s *dataSession) drain() error {
	if !waitTimeout(&s.wg, s.cfg.DrainTimeout) {
		LogError(ComponentData, "data drain timed out", "channel", s.id)
		return ErrTimeout
	}
	return nil
}

// close cancels every outstanding operation and blocks until the transport
// has completed all of them, then frees the queued buffers. Buffers still
// owned by the transport after DrainTimeout are not freed.
func (s *dataSession) close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.cancelAll()
	close(s.quit)
	<-s.workerDone
	ok := waitTimeout(&s.wg, s.cfg.DrainTimeout)

	s.mu.Lock()
	var free []*Buffer
	free = append(free, s.ready...)
	for _, b := range s.reorder {
		if b != nil {
			free = append(free, b)
		}
	}
	s.ready = nil
	s.reorder = make(map[uint64]*Buffer)
	s.queued = 0
	active, pending := len(s.active), s.pendingTx
	s.mu.Unlock()

	for _, b := range free {
		b.release()
	}
	if !ok {
		LogError(ComponentData, "data drain timed out", "channel", s.id, "activeRx", active, "pendingTx", pending)
		return ErrTimeout
	}
	LogDebug(ComponentData, "data session closed", "channel", s.id)
	return nil
}

func (s *dataSession) stats() DataStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DataStats{
		Open:         !s.closing && !s.lost,
		Lost:         s.lost,
		Degraded:     s.degraded,
		PendingTx:    s.pendingTx,
		ActiveRx:     len(s.active),
		IdleRx:       len(s.idle),
		Queued:       s.queued,
		ToHost:       s.toHost,
		ToHostBytes:  s.toHostBytes,
		ToModem:      s.toModem,
		ToModemBytes: s.toModemBytes,
		TxDropped:    s.txDropped,
		RxDropped:    s.rxDropped,
		RxErrors:     s.rxErrors,
		RxRetries:    s.rxRetries,
		Halts:        s.halts,
		Flow:         s.flow.Stats(),
	}
}
