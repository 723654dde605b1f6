package mdmbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the capacity of rx buffers and the default for Alloc.
const DefaultBufferSize = 2048

// Timestamps records the life cycle of a buffer in the pipeline as
// monotonic offsets from the allocator epoch. It is stored inline in the
// Buffer and must stay within 48 bytes.
type Timestamps struct {
	Created    time.Duration // buffer entered the pipeline
	RxQueued   time.Duration // read submitted to the transport
	RxDone     time.Duration // read completed
	RxDoneSent time.Duration // handed to the consumer
	TxQueued   time.Duration // write submitted to the transport
}

// String formats the timestamps in microseconds, matching the debug log.
func (ts Timestamps) String() string {
	return fmt.Sprintf("created=%d rx_queued=%d rx_done=%d rx_done_sent=%d tx_queued=%d",
		ts.Created.Microseconds(), ts.RxQueued.Microseconds(), ts.RxDone.Microseconds(),
		ts.RxDoneSent.Microseconds(), ts.TxQueued.Microseconds())
}

// Buffer is a payload buffer moving through the data plane.
type Buffer struct {
	data   []byte
	n      int
	Stamps Timestamps

	seq   uint64
	freed atomic.Bool
	alloc *Allocator
}

// Bytes returns the valid payload.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the payload length.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// SetLen sets the payload length, clamped to the capacity.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.n = n
}

// Put replaces the payload with a copy of p and returns the bytes copied.
func (b *Buffer) Put(p []byte) int {
	b.n = copy(b.data, p)
	return b.n
}

// AllocStats reports allocator accounting.
type AllocStats struct {
	Allocs      int64
	Frees       int64
	DoubleFrees int64
}

// Live returns the number of buffers not yet freed.
func (s AllocStats) Live() int64 {
	return s.Allocs - s.Frees
}

// Allocator hands out buffers and counts allocations and frees so that
// leaks and double frees are observable.
type Allocator struct {
	epoch time.Time
	size  int
	pool  sync.Pool

	allocs      atomic.Int64
	frees       atomic.Int64
	doubleFrees atomic.Int64
}

// NewAllocator creates an allocator whose default capacity is size.
func NewAllocator(size int) *Allocator {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Allocator{
		epoch: time.Now(),
		size:  size,
	}
}

// Now returns the monotonic offset used for buffer timestamps.
func (a *Allocator) Now() time.Duration {
	return time.Since(a.epoch)
}

// Alloc returns a buffer with capacity of at least size bytes and zero
// length. A size of zero or less selects the allocator default.
func (a *Allocator) Alloc(size int) *Buffer {
	if size <= 0 {
		size = a.size
	}
	var b *Buffer
	if v := a.pool.Get(); v != nil {
		b = v.(*Buffer)
		if cap(b.data) < size {
			b.data = make([]byte, size)
		}
		b.data = b.data[:size]
	} else {
		b = &Buffer{data: make([]byte, size)}
	}
	b.n = 0
	b.seq = 0
	b.alloc = a
	b.Stamps = Timestamps{Created: a.Now()}
	b.freed.Store(false)
	a.allocs.Add(1)
	return b
}

// Free releases a buffer. Freeing a buffer twice is counted and logged but
// otherwise ignored.
func (a *Allocator) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.freed.Swap(true) {
		a.doubleFrees.Add(1)
		LogError(ComponentData, "buffer freed twice", "seq", b.seq)
		return
	}
	a.frees.Add(1)
	a.pool.Put(b)
}

// Stats returns the allocator accounting.
func (a *Allocator) Stats() AllocStats {
	return AllocStats{
		Allocs:      a.allocs.Load(),
		Frees:       a.frees.Load(),
		DoubleFrees: a.doubleFrees.Load(),
	}
}

func (b *Buffer) release() {
	if b.alloc != nil {
		b.alloc.Free(b)
	}
}
