package coordinator

import (
	"sync"
)

// Pool is a fixed set of long-lived workers draining a bounded task queue.
// Session pipelines block their worker for the duration of their waits, so
// the pool should be sized to the expected number of concurrent sessions.
type Pool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts workers goroutines over a queue of queueSize tasks.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// Submit enqueues a task, blocking while the queue is full. Returns false
// once the pool has been shut down.
func (p *Pool) Submit(task func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	case <-p.quit:
		return false
	}
}

// Shutdown stops the workers after their current task. Queued tasks that
// never started are dropped.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
