package mdmbridge

import (
	"fmt"
	"sync"
)

// FlowStats holds the throttle transition counters of a channel.
type FlowStats struct {
	TxThrottled   bool
	RxThrottled   bool
	TxThrottles   uint64
	TxUnthrottles uint64
	RxThrottles   uint64
	RxUnthrottles uint64
}

// FlowControl tracks the TX_THROTTLED and RX_THROTTLED flags of a channel.
// It does no I/O: callers report pending-write and queue-depth counters and
// the coordinator flips flags when they cross the configured watermarks.
//
// Every transition happens at most once: setting a set flag or clearing a
// clear flag is a no-op, so the unthrottle callback runs once per release.
type FlowControl struct {
	mu sync.Mutex

	txThrottled bool
	rxThrottled bool

	txHigh, txLow int
	rxHigh, rxLow int

	onTxUnthrottle func()

	txThrottles   uint64
	txUnthrottles uint64
	rxThrottles   uint64
	rxUnthrottles uint64
}

func validWatermarks(name string, high, low int) error {
	if low < 0 || high <= 0 || low >= high {
		return fmt.Errorf("%w: %s watermarks need 0 <= low < high (low=%d high=%d)", ErrInvalidConfig, name, low, high)
	}
	return nil
}

// NewFlowControl creates a coordinator. onTxUnthrottle may be nil.
func NewFlowControl(txHigh, txLow, rxHigh, rxLow int, onTxUnthrottle func()) (*FlowControl, error) {
	if err := validWatermarks("tx", txHigh, txLow); err != nil {
		return nil, err
	}
	if err := validWatermarks("rx", rxHigh, rxLow); err != nil {
		return nil, err
	}
	return &FlowControl{
		txHigh:         txHigh,
		txLow:          txLow,
		rxHigh:         rxHigh,
		rxLow:          rxLow,
		onTxUnthrottle: onTxUnthrottle,
	}, nil
}

// TxThrottled reports whether TX_THROTTLED is set.
func (f *FlowControl) TxThrottled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txThrottled
}

// RxThrottled reports whether RX_THROTTLED is set.
func (f *FlowControl) RxThrottled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxThrottled
}

// ThrottleTx sets TX_THROTTLED. Returns true if the flag changed.
func (f *FlowControl) ThrottleTx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txThrottled {
		return false
	}
	f.txThrottled = true
	f.txThrottles++
	LogDebug(ComponentFlow, "tx throttled")
	return true
}

// UnthrottleTx clears TX_THROTTLED and runs the unthrottle callback if the
// flag changed. Returns true if the flag changed.
func (f *FlowControl) UnthrottleTx() bool {
	cb, ok := f.releaseTx()
	if ok && cb != nil {
		cb()
	}
	return ok
}

func (f *FlowControl) releaseTx() (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.txThrottled {
		return nil, false
	}
	f.txThrottled = false
	f.txUnthrottles++
	LogDebug(ComponentFlow, "tx unthrottled")
	return f.onTxUnthrottle, true
}

// ThrottleRx sets RX_THROTTLED. Returns true if the flag changed.
func (f *FlowControl) ThrottleRx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rxThrottled {
		return false
	}
	f.rxThrottled = true
	f.rxThrottles++
	LogDebug(ComponentFlow, "rx throttled")
	return true
}

// UnthrottleRx clears RX_THROTTLED. Returns true if the flag changed.
func (f *FlowControl) UnthrottleRx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rxThrottled {
		return false
	}
	f.rxThrottled = false
	f.rxUnthrottles++
	LogDebug(ComponentFlow, "rx unthrottled")
	return true
}

// TxSubmitted reports the pending write count after a submission and
// throttles once it reaches the high watermark.
func (f *FlowControl) TxSubmitted(pending int) bool {
	if pending >= f.txHigh {
		return f.ThrottleTx()
	}
	return false
}

// TxCompleted reports the pending write count after a completion and
// unthrottles once it falls below the low watermark. The low mark itself
// is still throttled.
func (f *FlowControl) TxCompleted(pending int) bool {
	if pending < f.txLow {
		return f.UnthrottleTx()
	}
	return false
}

// txRelease is TxCompleted for callers that hold their own lock while the
// pending count is evaluated. The unthrottle callback is not run; it is
// returned for the caller to run once unlocked.
func (f *FlowControl) txRelease(pending int) func() {
	if pending >= f.txLow {
		return nil
	}
	cb, ok := f.releaseTx()
	if !ok || cb == nil {
		return nil
	}
	return cb
}

// RxAdmit reports whether another read may be armed given the number of
// completed-but-undelivered buffers and reads in flight. The queue can
// never exceed the rx high watermark: a denial sets RX_THROTTLED.
func (f *FlowControl) RxAdmit(queued, active int) bool {
	f.mu.Lock()
	throttled := f.rxThrottled
	f.mu.Unlock()
	if throttled {
		return false
	}
	if queued+active >= f.rxHigh {
		f.ThrottleRx()
		return false
	}
	return true
}

// RxDrained reports the queue depth after delivery and clears RX_THROTTLED
// once it is at or below the low watermark.
func (f *FlowControl) RxDrained(queued int) bool {
	if queued <= f.rxLow {
		return f.UnthrottleRx()
	}
	return false
}

// Stats returns the flags and transition counters.
func (f *FlowControl) Stats() FlowStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FlowStats{
		TxThrottled:   f.txThrottled,
		RxThrottled:   f.rxThrottled,
		TxThrottles:   f.txThrottles,
		TxUnthrottles: f.txUnthrottles,
		RxThrottles:   f.rxThrottles,
		RxUnthrottles: f.rxUnthrottles,
	}
}
