package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/AnandSundar/go-plantid/internal/metrics"
)

// DefaultWorkers is the pool size used when none is configured
const DefaultWorkers = 4

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work run by the pool
type Task func()

// Pool is a fixed-size worker pool shared by every identification in the
// process. Construct one at startup and inject it into the orchestrator.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines. queue is the number of submitted
// tasks that may wait for a free worker before Submit blocks.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queue < 0 {
		queue = 0
	}

	p := &Pool{tasks: make(chan Task, queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		metrics.PoolInFlight.Inc()
		task()
		metrics.PoolInFlight.Dec()
	}
}

// Submit hands task to the pool. It blocks while all workers are busy and
// the queue is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.PoolRejected.Inc()
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		metrics.PoolRejected.Inc()
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the queued ones and waits for the
// workers to exit
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
