package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Arena/internal/core"
	"github.com/rs/zerolog/log"
)

// WorkerPool assigns media workers to new rooms in strict round-robin order.
// The pool is fixed at start; a dead worker is not replaced.
type WorkerPool struct {
	workers []core.Worker

	mu   sync.Mutex
	next int
}

// NewWorkerPool creates size workers on the engine. Already created workers
// are closed if any creation fails.
func NewWorkerPool(ctx context.Context, engine core.Engine, size int) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool: size must be positive, got %d", size)
	}
	p := &WorkerPool{workers: make([]core.Worker, 0, size)}
	for i := 0; i < size; i++ {
		w, err := engine.CreateWorker(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("worker pool: create worker %d: %w", i, err)
		}
		log.Info().Str("module", "app.pool").Str("worker", w.ID()).Int("index", i).Msg("worker created")
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Next returns the worker for the next room.
func (p *WorkerPool) Next() core.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

func (p *WorkerPool) Size() int { return len(p.workers) }

// Watch blocks until a worker dies or ctx is done. A dead worker is fatal for
// the process: rooms routed through it cannot be migrated.
func (p *WorkerPool) Watch(ctx context.Context) error {
	died := make(chan core.Worker, len(p.workers))
	for _, w := range p.workers {
		go func(w core.Worker) {
			select {
			case <-w.Done():
				died <- w
			case <-ctx.Done():
			}
		}(w)
	}
	select {
	case <-ctx.Done():
		return nil
	case w := <-died:
		err := w.Err()
		if err == nil {
			err = core.ErrWorkerDied
		}
		if !errors.Is(err, core.ErrWorkerDied) {
			err = fmt.Errorf("%w: %w", core.ErrWorkerDied, err)
		}
		log.Error().Err(err).Str("module", "app.pool").Str("worker", w.ID()).Msg("media worker died")
		return fmt.Errorf("worker %s: %w", w.ID(), err)
	}
}

func (p *WorkerPool) Close() {
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.pool").Str("worker", w.ID()).Msg("worker close")
		}
	}
}
