// Package parallel runs kernel blocks on a fixed set of worker goroutines and
// tracks which patches a pass touched.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of block work. worker identifies the goroutine running it,
// so callers can bind per-worker scratch to that index.
type Task func(worker int)

// Pool is a set of workers, each with its own queue. A worker whose queue is
// empty steals from the others before blocking.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int
	queues  []chan Task
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPool starts a pool. If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan Task, workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan Task, queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(id)
			return
		case task := <-own:
			task(id)
		default:
			if task := p.steal(id); task != nil {
				task(id)
				continue
			}
			select {
			case <-p.done:
				p.drain(id)
				return
			case task := <-own:
				task(id)
			}
		}
	}
}

func (p *Pool) drain(id int) {
	for {
		select {
		case task := <-p.queues[id]:
			task(id)
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) Task {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case task := <-p.queues[i]:
			return task
		default:
		}
	}
	return nil
}

// Execute distributes tasks round-robin and waits for all of them. It is a
// no-op on a closed pool.
func (p *Pool) Execute(tasks []Task) {
	if len(tasks) == 0 || !p.running.Load() {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		wrapped := func(worker int) {
			defer wg.Done()
			task(worker)
		}
		select {
		case p.queues[i%p.workers] <- wrapped:
		case <-p.done:
			wg.Done()
		}
	}
	wg.Wait()
}

// Close stops accepting work, runs what is queued and stops the workers.
// Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Queued returns the approximate number of queued tasks.
func (p *Pool) Queued() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
