package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Arena/internal/app/sfu"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Router guards the object graph below it with one mutex. Pion objects are
// stopped outside of it.
type Router struct {
	id     string
	worker *Worker
	caps   core.RTPCapabilities
	relays *sfu.RelayManager

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

var _ core.Router = (*Router)(nil)

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() json.RawMessage { return core.MustMarshal(r.caps) }

// codec returns the router codec for mime; consumers always use the router's payload types.
func (r *Router) codec(mime string) (core.RTPCodec, bool) {
	for _, c := range r.caps.Codecs {
		if strings.EqualFold(c.MimeType, mime) {
			return c, true
		}
	}
	return core.RTPCodec{}, false
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}

	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.release()
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	log.Info().
		Str("module", "webrtc").
		Str("router", r.id).
		Str("transport", t.id).
		Str("direction", string(opts.Direction)).
		Msg("transport created")
	return t, nil
}

// CanConsume is true when the producer is open and caps carry its codec.
func (r *Router) CanConsume(producerID string, caps json.RawMessage) bool {
	parsed, err := core.ParseRTPCapabilities(caps)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	if !ok {
		return false
	}
	return parsed.Supports(p.codec.MimeType)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var g garbage
	for _, t := range r.transports {
		t.detachLocked(&g)
	}
	r.mu.Unlock()

	g.release()
	r.relays.StopAll()
	r.worker.forget(r)
	log.Info().Str("module", "webrtc").Str("router", r.id).Msg("router closed")
	return nil
}

// garbage collects detached objects so pion teardown runs without the router lock.
type garbage struct {
	transports []*Transport
	producers  []*Producer
	consumers  []*Consumer
}

func (g *garbage) release() {
	for _, c := range g.consumers {
		c.release()
	}
	for _, p := range g.producers {
		p.release()
	}
	for _, t := range g.transports {
		t.release()
	}
}

func newID() string { return uuid.NewString() }

func senderSSRC(s *webrtc.RTPSender) uint32 {
	params := s.GetParameters()
	if len(params.Encodings) == 0 {
		return 0
	}
	return uint32(params.Encodings[0].SSRC)
}

func isVideo(k domain.MediaKind) bool { return k == domain.KindVideo }
