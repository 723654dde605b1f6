// Package simmodem is an in-process modem that implements the bridge
// Transport. It lets the bridge, the ttyAT glue and the CLI run without
// hardware.
//
// The DUN channel runs a Hayes-style AT engine. Encapsulated commands sent
// on the control pipe are answered through RESPONSE_AVAILABLE and the
// control-in pipe, while bytes written on bulk-out are parsed as a command
// stream and answered on bulk-in. After ATD the modem is connected to an
// echo peer that returns every byte, "+++" escapes to command mode and
// dropping DTR hangs up. Line changes (DSR, CTS, CD, RI) are reported with
// SERIAL_STATE notifications.
//
// The RMNET channel loops every bulk-out packet back on bulk-in.
//
// Example usage:
//
//	sim := simmodem.New(&simmodem.Config{ConnectStr: "CONNECT 115200"})
//	defer sim.Close()
//	reg, err := mdmbridge.New(sim, nil)
package simmodem

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaracil/mdmbridge"
)

var (
	// ErrModemBusy is returned by Ring when the modem is not idle
	ErrModemBusy = errors.New("modem busy")
	// ErrInvalidStateTransition is raised on an impossible status change
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrUnsupportedPipe is returned for operations on a pipe in the wrong direction
	ErrUnsupportedPipe = errors.New("unsupported pipe")
)

// Status is the call state of the simulated modem.
type Status int

const (
	// StatusIdle is the command state without a call
	StatusIdle Status = iota
	// StatusConnected is the online data state
	StatusConnected
	// StatusConnectedCmd is the command state with a call held
	StatusConnectedCmd
	// StatusRinging is an incoming call not yet answered
	StatusRinging
	// StatusClosed is the terminal state; every operation fails with ErrNoDevice
	StatusClosed
)

// String returns a human-readable string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnected:
		return "Connected"
	case StatusConnectedCmd:
		return "ConnectedCmd"
	case StatusRinging:
		return "Ringing"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CommandHookType is called for every parsed AT command before the
// built-in handler. Returning RetCodeSkip falls through to it. The modem
// lock is held.
type CommandHookType func(m *Modem, cmd Command) RetCode

// DialHookType decides the outcome of ATD. Returning RetCodeConnect
// connects to the echo peer, any other code is reported as is. The modem
// lock is held.
type DialHookType func(m *Modem, number string) RetCode

// StatusTransitionType is called on every status change with the modem
// lock held.
type StatusTransitionType func(m *Modem, prevStatus Status, newStatus Status)

// Config contains the parameters of a simulated modem. Every field is optional.
type Config struct {
	// ConnectStr is the string sent when a connection is established (default: "CONNECT")
	ConnectStr string
	// Model is the ATI answer (default: "mdmbridge simulated modem")
	Model string
	// RingMax is the number of rings before an unanswered call is dropped (default: 5)
	RingMax int
	// GuardTime is the +++ guard time in 50ms units; 0 disables guarding
	GuardTime int
	// CommandHook handles custom AT commands
	CommandHook CommandHookType
	// DialHook decides ATD outcomes
	DialHook DialHookType
	// StatusTransition is notified of status changes
	StatusTransition StatusTransitionType
}

// Metrics contains counters of a simulated modem.
type Metrics struct {
	// Status is the current call state
	Status Status
	// HostTxBytes is the number of bytes written by the host on bulk-out
	HostTxBytes int
	// HostRxBytes is the number of bytes delivered to the host on bulk-in
	HostRxBytes int
	// PeerTxBytes is the number of bytes sent to the echo peer
	PeerTxBytes int
	// PeerRxBytes is the number of bytes received from the echo peer
	PeerRxBytes int
	// NumConns is the number of calls established
	NumConns int
	// AtCommands is the number of command lines processed
	AtCommands int
	// EncapCommands is the number of encapsulated commands received
	EncapCommands int
	// Responses is the number of encapsulated responses queued
	Responses int
	// Notifications is the number of interrupt notifications queued
	Notifications int
	// Halts is the number of ClearHalt requests
	Halts int
	// LastAtCmdTime is the time of the last command line
	LastAtCmdTime time.Time
	// LastConnTime is the time of the last connection
	LastConnTime time.Time
}

// source is where AT input came from and where its output goes.
type source int

const (
	srcBulk source = iota
	srcCtrl
)

const numPipes = int(mdmbridge.PipeBulkOut) + 1

type op struct {
	h    mdmbridge.OpHandle
	id   mdmbridge.ChannelID
	pipe mdmbridge.Pipe
	buf  []byte
	done mdmbridge.CompletionFunc
}

type channel struct {
	id      mdmbridge.ChannelID
	reads   [numPipes][]*op
	queued  [numPipes][][]byte
	lines   mdmbridge.ControlBits
	inbound mdmbridge.ControlBits
}

// Modem is a simulated modem. It implements mdmbridge.Transport and
// mdmbridge.HaltClearer; all methods are safe for concurrent use.
//
// Methods without the Sync suffix require the modem lock to be held, which
// is the case inside hooks. Use the Sync variants elsewhere.
type Modem struct {
	sync.Mutex
	st  Status
	gen uint64

	ch      [mdmbridge.MaxChannels]*channel
	next    mdmbridge.OpHandle
	handles map[mdmbridge.OpHandle]*op
	cq      *mdmbridge.CompletionQueue

	src              source
	out              [2][]byte
	parsers          [2]lineParser
	echo             bool
	shortForm        bool
	quietMode        bool
	sregs            map[byte]byte
	ringCount        int
	ringMax          int
	connectStr       string
	model            string
	plusCnt          int
	lastPlus         time.Time
	lastNotPlus      time.Time
	commandHook      CommandHookType
	dialHook         DialHookType
	statusTransition StatusTransitionType

	metrics *Metrics
}

var (
	_ mdmbridge.Transport   = (*Modem)(nil)
	_ mdmbridge.HaltClearer = (*Modem)(nil)
)

// New creates a simulated modem in StatusIdle. A nil config selects the
// defaults. DSR and CTS are reported on both channels from the start.
func New(config *Config) *Modem {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.ConnectStr == "" {
		cfg.ConnectStr = "CONNECT"
	}
	if cfg.Model == "" {
		cfg.Model = "mdmbridge simulated modem"
	}
	if cfg.RingMax == 0 {
		cfg.RingMax = 5
	}
	m := &Modem{
		st:               StatusIdle,
		handles:          make(map[mdmbridge.OpHandle]*op),
		cq:               mdmbridge.NewCompletionQueue(),
		echo:             true,
		sregs:            make(map[byte]byte),
		ringMax:          cfg.RingMax,
		connectStr:       cfg.ConnectStr,
		model:            cfg.Model,
		commandHook:      cfg.CommandHook,
		dialHook:         cfg.DialHook,
		statusTransition: cfg.StatusTransition,
		metrics:          &Metrics{},
	}
	m.sregs[12] = byte(cfg.GuardTime)
	for i := range m.ch {
		m.ch[i] = &channel{id: mdmbridge.ChannelID(i)}
	}
	m.updateLines()
	return m
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		panic("Modem lock not held")
	}
}

func (m *Modem) write(b []byte) {
	m.out[m.src] = append(m.out[m.src], b...)
}

func (m *Modem) writeStr(s string) {
	m.write([]byte(s))
}

// WriteStr sends unsolicited text to the host on the DUN data stream, or
// as part of the current response when called from a hook.
// The modem lock must be held before calling this method.
func (m *Modem) WriteStr(s string) {
	m.checkLock()
	m.writeStr(s)
}

// WriteStrSync is WriteStr with automatic lock management.
func (m *Modem) WriteStrSync(s string) {
	m.Lock()
	defer m.Unlock()
	m.src = srcBulk
	m.writeStr(s)
	m.flush()
}

// Cr returns the line terminator for the current verbose setting.
// The modem lock must be held before calling this method.
func (m *Modem) Cr() string {
	m.checkLock()
	return m.cr()
}

// Status returns the call state.
// The modem lock must be held before calling this method.
func (m *Modem) Status() Status {
	m.checkLock()
	return m.st
}

// StatusSync returns the call state with automatic lock management.
func (m *Modem) StatusSync() Status {
	m.Lock()
	defer m.Unlock()
	return m.st
}

// Metrics returns a copy of the modem counters.
// The modem lock must be held before calling this method.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	c := *m.metrics
	c.Status = m.st
	return &c
}

// MetricsSync returns a copy of the modem counters with automatic lock management.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

func (m *Modem) setStatus(status Status) {
	prev := m.st
	if prev == status {
		return
	}
	if prev == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	m.gen++
	m.st = status
	switch status {
	case StatusIdle:
		if prev == StatusConnected || prev == StatusConnectedCmd {
			m.result(RetCodeNoCarrier)
		}
		m.ringCount = 0
		m.plusCnt = 0
	case StatusConnected:
		if prev == StatusRinging || prev == StatusIdle {
			m.metrics.NumConns++
			m.metrics.LastConnTime = time.Now()
		}
		m.plusCnt = 0
		m.lastNotPlus = time.Now()
		m.result(RetCodeConnect)
	case StatusConnectedCmd:
		if prev != StatusConnected {
			panic(ErrInvalidStateTransition)
		}
		m.result(RetCodeOk)
	case StatusRinging:
		if prev != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
	case StatusClosed:
		for _, c := range m.ch {
			for p := range c.reads {
				for _, o := range c.reads[p] {
					m.complete(o, mdmbridge.StatusNoDevice, 0)
				}
				c.reads[p] = nil
				c.queued[p] = nil
			}
		}
	}
	mdmbridge.LogDebug(mdmbridge.ComponentTransport, "sim modem status", "from", prev, "to", status)
	m.updateLines()
	if m.statusTransition != nil {
		m.statusTransition(m, prev, status)
	}
}

// updateLines recomputes the inbound lines of every channel and queues a
// SERIAL_STATE notification for each change.
func (m *Modem) updateLines() {
	if m.st == StatusClosed {
		return
	}
	for _, c := range m.ch {
		bits := mdmbridge.LineDSR | mdmbridge.LineCTS
		if c.id == mdmbridge.ChannelDUN {
			switch m.st {
			case StatusConnected, StatusConnectedCmd:
				bits |= mdmbridge.LineCD
			case StatusRinging:
				bits |= mdmbridge.LineRI
			}
		}
		if bits == c.inbound {
			continue
		}
		c.inbound = bits
		m.notify(c, mdmbridge.NotificationSerialState, mdmbridge.EncodeSerialState(bits))
	}
}

func (m *Modem) notify(c *channel, code uint8, data []byte) {
	msg := mdmbridge.EncodeNotification(code, uint16(c.id), data)
	c.queued[mdmbridge.PipeInterrupt] = append(c.queued[mdmbridge.PipeInterrupt], msg)
	m.metrics.Notifications++
	m.pump(c)
}

// flush moves the output produced by the AT engine to the DUN queues.
func (m *Modem) flush() {
	c := m.ch[mdmbridge.ChannelDUN]
	if resp := m.out[srcCtrl]; len(resp) > 0 {
		m.out[srcCtrl] = nil
		for len(resp) > 0 {
			n := min(len(resp), mdmbridge.MaxResponseSize)
			c.queued[mdmbridge.PipeControlIn] = append(c.queued[mdmbridge.PipeControlIn], resp[:n])
			resp = resp[n:]
			m.metrics.Responses++
			m.notify(c, mdmbridge.NotificationResponseAvailable, nil)
		}
	}
	if data := m.out[srcBulk]; len(data) > 0 {
		m.out[srcBulk] = nil
		c.queued[mdmbridge.PipeBulkIn] = append(c.queued[mdmbridge.PipeBulkIn], data)
	}
	m.pump(c)
}

// pump matches queued data with outstanding reads. Control-in reads
// complete empty when nothing is queued.
func (m *Modem) pump(c *channel) {
	for _, pipe := range []mdmbridge.Pipe{mdmbridge.PipeInterrupt, mdmbridge.PipeControlIn, mdmbridge.PipeBulkIn} {
		for len(c.reads[pipe]) > 0 {
			var data []byte
			if q := c.queued[pipe]; len(q) > 0 {
				data = q[0]
				c.queued[pipe] = q[1:]
			} else if pipe != mdmbridge.PipeControlIn {
				break
			}
			o := c.reads[pipe][0]
			c.reads[pipe] = c.reads[pipe][1:]
			n := copy(o.buf, data)
			if pipe == mdmbridge.PipeBulkIn {
				if n < len(data) {
					c.queued[pipe] = append([][]byte{data[n:]}, c.queued[pipe]...)
				}
				m.metrics.HostRxBytes += n
			}
			m.complete(o, mdmbridge.StatusOK, n)
		}
	}
}

func (m *Modem) complete(o *op, status mdmbridge.Status, n int) {
	delete(m.handles, o.h)
	m.cq.Complete(o.done, mdmbridge.Completion{Handle: o.h, Status: status, N: n})
}

func (m *Modem) newOp(id mdmbridge.ChannelID, pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) *op {
	m.next++
	o := &op{h: m.next, id: id, pipe: pipe, buf: buf, done: done}
	m.handles[o.h] = o
	return o
}

func (m *Modem) lookup(id mdmbridge.ChannelID) (*channel, error) {
	if m.st == StatusClosed {
		return nil, mdmbridge.ErrNoDevice
	}
	if id < 0 || id >= mdmbridge.MaxChannels {
		return nil, mdmbridge.ErrInvalidChannel
	}
	return m.ch[id], nil
}

// SubmitRead implements mdmbridge.Transport.
func (m *Modem) SubmitRead(id mdmbridge.ChannelID, pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) (mdmbridge.OpHandle, error) {
	m.Lock()
	defer m.Unlock()
	c, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	switch pipe {
	case mdmbridge.PipeInterrupt, mdmbridge.PipeControlIn, mdmbridge.PipeBulkIn:
	default:
		return 0, fmt.Errorf("%w: read on %s", ErrUnsupportedPipe, pipe)
	}
	o := m.newOp(id, pipe, buf, done)
	c.reads[pipe] = append(c.reads[pipe], o)
	m.pump(c)
	return o.h, nil
}

// SubmitWrite implements mdmbridge.Transport. Writes are processed
// immediately and complete with their full length.
func (m *Modem) SubmitWrite(id mdmbridge.ChannelID, pipe mdmbridge.Pipe, buf []byte, done mdmbridge.CompletionFunc) (mdmbridge.OpHandle, error) {
	m.Lock()
	defer m.Unlock()
	c, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	data := append([]byte(nil), buf...)
	switch pipe {
	case mdmbridge.PipeControlOut:
		m.control(c, data)
	case mdmbridge.PipeBulkOut:
		m.metrics.HostTxBytes += len(data)
		if c.id == mdmbridge.ChannelDUN {
			m.src = srcBulk
			m.feed(data)
		} else {
			c.queued[mdmbridge.PipeBulkIn] = append(c.queued[mdmbridge.PipeBulkIn], data)
		}
	default:
		return 0, fmt.Errorf("%w: write on %s", ErrUnsupportedPipe, pipe)
	}
	o := m.newOp(id, pipe, buf, done)
	m.complete(o, mdmbridge.StatusOK, len(buf))
	m.src = srcBulk
	m.flush()
	m.pump(c)
	return o.h, nil
}

// Cancel implements mdmbridge.Transport. Only queued reads can be
// cancelled; writes have completed by the time SubmitWrite returns.
func (m *Modem) Cancel(h mdmbridge.OpHandle) error {
	m.Lock()
	defer m.Unlock()
	o, ok := m.handles[h]
	if !ok {
		return nil
	}
	c := m.ch[o.id]
	reads := c.reads[o.pipe]
	for i, r := range reads {
		if r == o {
			c.reads[o.pipe] = append(reads[:i:i], reads[i+1:]...)
			break
		}
	}
	m.complete(o, mdmbridge.StatusCancelled, 0)
	return nil
}

// ClearHalt implements mdmbridge.HaltClearer.
func (m *Modem) ClearHalt(id mdmbridge.ChannelID, pipe mdmbridge.Pipe) error {
	m.Lock()
	defer m.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.metrics.Halts++
	return nil
}

// Stall completes the oldest read queued on a pipe with StatusStall.
// Returns false if no read was queued.
func (m *Modem) Stall(id mdmbridge.ChannelID, pipe mdmbridge.Pipe) bool {
	m.Lock()
	defer m.Unlock()
	c, err := m.lookup(id)
	if err != nil || len(c.reads[pipe]) == 0 {
		return false
	}
	o := c.reads[pipe][0]
	c.reads[pipe] = c.reads[pipe][1:]
	m.complete(o, mdmbridge.StatusStall, 0)
	return true
}

// Lines returns the outbound lines last set by the host on a channel.
func (m *Modem) Lines(id mdmbridge.ChannelID) mdmbridge.ControlBits {
	m.Lock()
	defer m.Unlock()
	if id < 0 || id >= mdmbridge.MaxChannels {
		return 0
	}
	return m.ch[id].lines
}

func (m *Modem) control(c *channel, msg []byte) {
	h, body, err := mdmbridge.DecodeRequest(msg)
	if err != nil {
		mdmbridge.LogWarn(mdmbridge.ComponentTransport, "sim modem: bad control request", "channel", c.id, "error", err)
		return
	}
	switch h.Request {
	case mdmbridge.RequestSendEncapsulatedCommand:
		m.metrics.EncapCommands++
		if c.id == mdmbridge.ChannelDUN {
			m.src = srcCtrl
			m.feed(body)
		}
	case mdmbridge.RequestSetControlLineState:
		m.setLines(c, mdmbridge.DecodeLineState(h.Value))
	default:
		mdmbridge.LogDebug(mdmbridge.ComponentTransport, "sim modem: request ignored", "channel", c.id, "request", h.Request)
	}
}

// setLines applies SET_CONTROL_LINE_STATE. Dropping DTR on DUN hangs up.
func (m *Modem) setLines(c *channel, bits mdmbridge.ControlBits) {
	prev := c.lines
	c.lines = bits
	if c.id != mdmbridge.ChannelDUN || prev&mdmbridge.LineDTR == 0 || bits&mdmbridge.LineDTR != 0 {
		return
	}
	switch m.st {
	case StatusConnected, StatusConnectedCmd, StatusRinging:
		m.src = srcBulk
		m.setStatus(StatusIdle)
	}
}

func (m *Modem) feed(data []byte) {
	for _, b := range data {
		switch {
		case m.st == StatusClosed:
			return
		case m.src == srcBulk && m.st == StatusConnected:
			m.online(b)
		default:
			m.parseByte(b)
		}
	}
}

// Ring simulates one ring of an incoming call. The call is answered
// automatically when S0 is set and dropped after RingMax rings.
// The modem lock must be held before calling this method.
func (m *Modem) Ring() error {
	m.checkLock()
	switch m.st {
	case StatusIdle:
		m.setStatus(StatusRinging)
	case StatusRinging:
	default:
		return ErrModemBusy
	}
	m.ringCount++
	m.result(RetCodeRing)
	switch {
	case m.ringCount > m.ringMax:
		m.setStatus(StatusIdle)
	case m.sregs[0] > 0 && m.ringCount >= int(m.sregs[0]):
		m.setStatus(StatusConnected)
	}
	return nil
}

// RingSync simulates one ring with automatic lock management.
func (m *Modem) RingSync() error {
	m.Lock()
	defer m.Unlock()
	m.src = srcBulk
	err := m.Ring()
	m.flush()
	return err
}

// Close unplugs the modem: outstanding reads complete with StatusNoDevice
// and later submissions fail with ErrNoDevice.
func (m *Modem) Close() error {
	m.Lock()
	if m.st == StatusClosed {
		m.Unlock()
		return nil
	}
	m.setStatus(StatusClosed)
	m.Unlock()
	m.cq.Stop()
	return nil
}
