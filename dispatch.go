package mdmbridge

import "sync"

// CompletionQueue runs completion callbacks in FIFO order on a dedicated
// goroutine. Transports use it so that callbacks never run under their own
// locks nor re-enter the submitting goroutine.
type CompletionQueue struct {
	mu      sync.Mutex
	pending []func()
	stopped bool
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// NewCompletionQueue creates a queue and starts its goroutine.
func NewCompletionQueue() *CompletionQueue {
	q := &CompletionQueue{
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Complete schedules done(c). It returns false once the queue is stopped.
func (q *CompletionQueue) Complete(done CompletionFunc, c Completion) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, func() { done(c) })
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
	return true
}

// Stop runs every callback already scheduled and terminates the goroutine.
// It must not be called from a callback.
func (q *CompletionQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.quit)
	<-q.done
}

func (q *CompletionQueue) run() {
	defer close(q.done)
	for {
		stop := false
		select {
		case <-q.kick:
		case <-q.quit:
			stop = true
		}
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
		if stop {
			return
		}
	}
}
