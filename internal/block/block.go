// Package block models one cooperative group of workers that processes a
// single patch: the unit that owns a scratch arena for the duration of a
// kernel invocation.
package block

import "sync"

// Block is a group of threads sharing one scratch region.
//
// Work is fanned out with Go and joined with Sync. Scratch written inside Go
// is only visible to other threads after Sync returns. A panic in a thread
// is re-raised by the Sync that joins it.
type Block struct {
	threads int
	wg      sync.WaitGroup

	mu    sync.Mutex
	fault any
}

// New returns a block with the given number of threads (minimum 1).
func New(threads int) *Block {
	if threads < 1 {
		threads = 1
	}
	return &Block{threads: threads}
}

// Threads returns the number of threads in the block.
func (b *Block) Threads() int { return b.threads }

// Go runs fn(i) for every i in [0, n), strided across the block's threads,
// without waiting for completion. Callers must Sync before reading results.
func (b *Block) Go(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := min(b.threads, n)
	for t := range workers {
		b.wg.Go(func() {
			defer b.catch()
			for i := t; i < n; i += workers {
				fn(i)
			}
		})
	}
}

func (b *Block) catch() {
	if r := recover(); r != nil {
		b.mu.Lock()
		if b.fault == nil {
			b.fault = r
		}
		b.mu.Unlock()
	}
}

// Sync is the block barrier: it returns once every outstanding Go loop has
// finished, then re-panics with the first panic any of them raised.
func (b *Block) Sync() {
	b.wg.Wait()
	b.mu.Lock()
	fault := b.fault
	b.fault = nil
	b.mu.Unlock()
	if fault != nil {
		panic(fault)
	}
}

// For runs fn over [0, n) and waits for it.
func (b *Block) For(n int, fn func(i int)) {
	b.Go(n, fn)
	b.Sync()
}
