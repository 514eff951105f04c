package bufcache

import "sync"

// workqueue runs I/O completions on a bounded number of goroutines.
//
// The backlog is unbounded so that queueing never blocks: completions are
// queued from transport callbacks and from completions that resubmit.
type workqueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	active int
	closed bool
	wg     sync.WaitGroup
}

func newWorkqueue(workers int) *workqueue {
	q := &workqueue{}
	q.cond = sync.NewCond(&q.mu)

	for range workers {
		q.wg.Add(1)

		go q.worker()
	}

	return q
}

func (q *workqueue) queue(fn func()) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		fn()

		return
	}

	q.tasks = append(q.tasks, fn)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// flush waits until every queued task, including tasks queued by running
// tasks, has finished.
func (q *workqueue) flush() {
	q.mu.Lock()
	for len(q.tasks) > 0 || q.active > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *workqueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *workqueue) worker() {
	defer q.wg.Done()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.tasks) == 0 {
			return
		}

		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.active++
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		q.active--

		if len(q.tasks) == 0 && q.active == 0 {
			q.cond.Broadcast()
		}
	}
}
