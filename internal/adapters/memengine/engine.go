// Package memengine is an in-process media engine without any network I/O.
// It keeps the same object graph and cascade rules as a real SFU engine and is
// used by tests and by the memory engine mode for protocol work.
package memengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Arena/internal/core"
	"github.com/google/uuid"
)

// Options tune the engine. Zero value is usable.
type Options struct {
	Codecs []core.RTPCodec
	// Latency is applied to every blocking engine call and honours ctx.
	Latency time.Duration
}

type Engine struct {
	opts Options

	mu      sync.Mutex
	workers []*Worker
	// routerErr, when set, makes every CreateRouter fail.
	routerErr error
}

var _ core.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	if len(opts.Codecs) == 0 {
		opts.Codecs = core.DefaultCodecs()
	}
	return &Engine{opts: opts}
}

// FailRouters makes subsequent CreateRouter calls return err. nil restores.
func (e *Engine) FailRouters(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerErr = err
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) CreateWorker(ctx context.Context) (core.Worker, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	w := &Worker{id: uuid.NewString(), engine: e, done: make(chan struct{})}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// SetLatency changes the delay applied to blocking calls.
func (e *Engine) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Latency = d
}

func (e *Engine) wait(ctx context.Context) error {
	e.mu.Lock()
	latency := e.opts.Latency
	e.mu.Unlock()
	if latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Worker struct {
	id     string
	engine *Engine

	mu      sync.Mutex
	routers int
	done    chan struct{}
	err     error
	dead    bool
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Routers returns how many routers were created on this worker.
func (w *Worker) Routers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routers
}

// Kill simulates the engine process dying.
func (w *Worker) Kill(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	if err == nil {
		err = core.ErrWorkerDied
	}
	w.dead, w.err = true, err
	close(w.done)
}

func (w *Worker) Close() error { return nil }

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := w.engine.wait(ctx); err != nil {
		return nil, err
	}
	w.engine.mu.Lock()
	rerr := w.engine.routerErr
	w.engine.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, w.err
	}
	w.routers++
	caps := core.MustMarshal(core.RTPCapabilities{Codecs: w.engine.opts.Codecs})
	return &Router{
		id:         uuid.NewString(),
		engine:     w.engine,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}, nil
}

// fakeJSON renders placeholder ICE/DTLS blobs for a transport.
func fakeJSON(v any) json.RawMessage { return core.MustMarshal(v) }
