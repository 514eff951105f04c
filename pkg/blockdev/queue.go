package blockdev

import (
	"sync"
	"sync/atomic"
)

// QueueConfig configures a [Queue].
type QueueConfig struct {
	// Workers is the number of goroutines executing requests.
	Workers int `json:"workers"`

	// Depth is the number of requests that may wait for a worker before
	// Submit blocks.
	Depth int `json:"queue_depth"`

	// CongestedAt is the number of waiting requests at which
	// [Queue.Congested] starts reporting true. Zero means 3/4 of Depth.
	CongestedAt int `json:"congested_at"`
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers: 4,
		Depth:   256,
	}
}

// Queue is a [Transport] that executes requests on a fixed worker pool.
//
// Submit blocks only while Depth requests are already waiting. Done
// callbacks run on worker goroutines.
type Queue struct {
	dev         Device
	requests    chan *Request
	congestedAt int

	mu     sync.RWMutex // guards closed against Submit
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue starts cfg.Workers workers executing requests against dev.
func NewQueue(dev Device, cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}

	if cfg.CongestedAt <= 0 {
		cfg.CongestedAt = max(1, cfg.Depth*3/4)
	}

	q := &Queue{
		dev:         dev,
		requests:    make(chan *Request, cfg.Depth),
		congestedAt: cfg.CongestedAt,
	}

	for range cfg.Workers {
		q.wg.Add(1)

		go q.worker()
	}

	return q
}

// Submit queues req. After Close, req completes immediately with
// [ErrClosed].
func (q *Queue) Submit(req *Request) {
	q.mu.RLock()

	if q.closed {
		q.mu.RUnlock()
		req.Done(ErrClosed)

		return
	}

	q.submitted.Add(1)
	q.requests <- req
	q.mu.RUnlock()
}

// Device returns the device requests run against.
func (q *Queue) Device() Device { return q.dev }

// Congested reports whether the backlog has reached the congestion mark.
func (q *Queue) Congested() bool {
	return len(q.requests) >= q.congestedAt
}

// QueueStats contains request counters.
type QueueStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Pending   int
}

// Stats returns the current counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Pending:   len(q.requests),
	}
}

// Close stops accepting requests, waits for queued requests to finish and
// stops the workers. It does not close the device. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	close(q.requests)
	q.mu.Unlock()

	q.wg.Wait()

	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for req := range q.requests {
		err := Execute(q.dev, req)
		if err != nil {
			q.failed.Add(1)
		}

		q.completed.Add(1)
		req.Done(err)
	}
}
