package queue

import "sync"

// MaxConcurrentDownloads bounds simultaneous transfer workers. Submissions
// beyond the bound wait in the admission queue, they are never rejected.
const MaxConcurrentDownloads = 5

// TaskHandle tracks one submitted task through completion.
type TaskHandle struct {
	done chan struct{}
}

// Finished reports whether the task has run to completion.
func (h *TaskHandle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task completes.
func (h *TaskHandle) Wait() {
	<-h.done
}

type poolTask struct {
	fn     func()
	handle *TaskHandle
}

// Pool is a fixed-size worker pool with an unbounded admission queue.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []poolTask
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = MaxConcurrentDownloads
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues fn and returns its handle. Submit never blocks on pool
// capacity.
func (p *Pool) Submit(fn func()) *TaskHandle {
	handle := &TaskHandle{done: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(handle.done)
		return handle
	}
	p.queue = append(p.queue, poolTask{fn: fn, handle: handle})
	p.mu.Unlock()
	p.cond.Signal()
	return handle
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		task.fn()
		close(task.handle.done)
	}
}

// Close drains the queue and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
