package gateway

import (
	"sync"
	"time"
)

// SendQueueConfig bounds a per-session outbound queue.
type SendQueueConfig struct {
	MaxMessages  int
	MaxBytes     int64
	StallTimeout time.Duration
}

// DefaultSendQueueConfig matches a slow-but-alive browser client: the
// queue may briefly exceed its soft limits, but a session that stays
// over limit for StallTimeout is closed for backpressure.
func DefaultSendQueueConfig() SendQueueConfig {
	return SendQueueConfig{
		MaxMessages:  500,
		MaxBytes:     15 << 20,
		StallTimeout: 20 * time.Second,
	}
}

// SendQueue is the bounded outbound queue for one session. Payloads are
// handed to startWrite one at a time; the owner calls OnWriteComplete
// when the write has finished. QueuedBytes counts both queued and
// in-flight payloads, so the stall timer only disarms once the client
// has actually drained below the limits.
type SendQueue struct {
	cfg SendQueueConfig

	startWrite           func(p []byte)
	closeForBackpressure func()

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int64
	inFlight    int64
	writing     bool
	closed      bool
	stallTimer  *time.Timer
}

// NewSendQueue creates a queue. startWrite must not block indefinitely;
// closeForBackpressure is invoked at most once, from the timer goroutine.
func NewSendQueue(cfg SendQueueConfig, startWrite func(p []byte), closeForBackpressure func()) *SendQueue {
	return &SendQueue{
		cfg:                  cfg,
		startWrite:           startWrite,
		closeForBackpressure: closeForBackpressure,
	}
}

// Enqueue adds a payload. Messages enqueued after close are dropped.
func (q *SendQueue) Enqueue(p []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queuedBytes += int64(len(p))

	var start []byte
	if !q.writing {
		q.writing = true
		q.inFlight = int64(len(p))
		start = p
	} else {
		q.queue = append(q.queue, p)
	}
	q.adjustStallTimerLocked()
	q.mu.Unlock()

	if start != nil {
		q.startWrite(start)
	}
}

// OnWriteComplete acknowledges the in-flight payload and starts the next
// write, if any.
func (q *SendQueue) OnWriteComplete() {
	q.mu.Lock()
	q.queuedBytes -= q.inFlight
	q.inFlight = 0
	q.writing = false

	var next []byte
	if !q.closed && len(q.queue) > 0 {
		next = q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.writing = true
		q.inFlight = int64(len(next))
	}
	q.adjustStallTimerLocked()
	q.mu.Unlock()

	if next != nil {
		q.startWrite(next)
	}
}

// Len reports queued (not in-flight) messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Bytes reports queued plus in-flight payload bytes.
func (q *SendQueue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Shutdown stops the queue permanently. Idempotent.
func (q *SendQueue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	if q.stallTimer != nil {
		q.stallTimer.Stop()
		q.stallTimer = nil
	}
	q.mu.Unlock()
}

// adjustStallTimerLocked arms the stall timer when the queue is over
// either limit and disarms it once back under both.
func (q *SendQueue) adjustStallTimerLocked() {
	over := len(q.queue) > q.cfg.MaxMessages || q.queuedBytes > q.cfg.MaxBytes
	switch {
	case over && q.stallTimer == nil && !q.closed:
		q.stallTimer = time.AfterFunc(q.cfg.StallTimeout, q.stallFired)
	case !over && q.stallTimer != nil:
		q.stallTimer.Stop()
		q.stallTimer = nil
	}
}

func (q *SendQueue) stallFired() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.queue = nil
	q.stallTimer = nil
	q.mu.Unlock()

	q.closeForBackpressure()
}
