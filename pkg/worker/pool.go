// Package worker runs best-effort side effects (terminate notifications,
// over-limit emails) off the request and batch paths. Task errors are logged
// here and never reach the dispatcher.
package worker

import (
	"log"
	"sync"
)

type task struct {
	name string
	fn   func() error
}

// Pool is a bounded fire-and-forget dispatcher. A full queue drops the task
// rather than blocking the caller.
type Pool struct {
	tasks   chan task
	workers int

	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{tasks: make(chan task, queueSize), workers: workers}
}

// Start launches the workers; calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.tasks {
		if err := t.fn(); err != nil {
			log.Printf("background task %s failed: %v", t.name, err)
		}
	}
}

// Stop drains queued tasks and waits for the workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.tasks)
	p.wg.Wait()
}

// Dispatch enqueues fn; it never blocks and never returns task errors.
// Dispatching on a stopped pool drops the task.
func (p *Pool) Dispatch(name string, fn func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		log.Printf("worker pool stopped; dropping task %s", name)
		return
	}
	select {
	case p.tasks <- task{name: name, fn: fn}:
	default:
		log.Printf("background queue full; dropping task %s", name)
	}
}
