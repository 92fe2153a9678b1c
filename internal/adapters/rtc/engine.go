// Package rtc is the pion based media engine. Each transport is an ORTC stack
// (ICE gatherer, ICE transport, DTLS transport) and media is fanned out by the
// relays of its router.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/Arena/internal/app/sfu"
	"github.com/dkeye/Arena/internal/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errWorkerClosed = errors.New("worker closed")

type Options struct {
	Codecs []core.RTPCodec
	// MinPort and MaxPort bound the UDP ports used for ICE. Zero means any.
	MinPort uint16
	MaxPort uint16
	// ListenIP restricts candidates to one local address.
	ListenIP string
	// AnnouncedIP replaces host candidate addresses, for servers behind 1:1 NAT.
	AnnouncedIP string
	// VerboseLogs keeps pion's own log levels.
	VerboseLogs bool
}

type Engine struct {
	opts Options
}

var _ core.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	if len(opts.Codecs) == 0 {
		opts.Codecs = core.DefaultCodecs()
	}
	return &Engine{opts: opts}
}

func (e *Engine) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Verbose: e.opts.VerboseLogs}}
	if e.opts.MinPort != 0 || e.opts.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(e.opts.MinPort, e.opts.MaxPort); err != nil {
			return se, fmt.Errorf("rtc: port range %d-%d: %w", e.opts.MinPort, e.opts.MaxPort, err)
		}
	}
	if ip := e.opts.ListenIP; ip != "" && ip != "0.0.0.0" {
		listen := net.ParseIP(ip)
		if listen == nil {
			return se, fmt.Errorf("rtc: invalid listen ip %q", ip)
		}
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(listen) })
	}
	if e.opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	return se, nil
}

// CreateWorker builds an isolated pion API. Workers live in-process, so a
// worker only finishes when it is closed.
func (e *Engine) CreateWorker(ctx context.Context) (core.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me, e.opts.Codecs); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("rtc: interceptors: %w", err)
	}
	se, err := e.settingEngine()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:      uuid.NewString(),
		codecs:  e.opts.Codecs,
		done:    make(chan struct{}),
		routers: make(map[string]*Router),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithSettingEngine(se),
			webrtc.WithInterceptorRegistry(ir),
		),
	}
	log.Info().Str("module", "webrtc").Str("worker", w.id).Int("codecs", len(w.codecs)).Msg("worker started")
	return w, nil
}

type Worker struct {
	id     string
	api    *webrtc.API
	codecs []core.RTPCodec

	mu      sync.Mutex
	routers map[string]*Router
	done    chan struct{}
	err     error
}

var _ core.Worker = (*Worker)(nil)

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       core.RTPCapabilities{Codecs: w.codecs},
		relays:     sfu.NewRelayManager(),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) forget(r *Router) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, r.id)
}

// Close closes every router of the worker and finishes it.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return nil
	}
	w.err = errWorkerClosed
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	close(w.done)
	log.Info().Str("module", "webrtc").Str("worker", w.id).Msg("worker closed")
	return nil
}
