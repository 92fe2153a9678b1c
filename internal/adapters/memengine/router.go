package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/google/uuid"
)

// Router guards the whole object graph below it with one mutex.
type Router struct {
	id     string
	engine *Engine
	caps   json.RawMessage

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

var _ core.Router = (*Router)(nil)

func (r *Router) ID() string                       { return r.id }
func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if err := r.engine.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	id := uuid.NewString()
	t := &Transport{
		id:        id,
		router:    r,
		opts:      opts,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		params: core.TransportParameters{
			ID: id,
			ICEParameters: fakeJSON(map[string]any{
				"usernameFragment": id[:8],
				"password":         uuid.NewString(),
				"iceLite":          true,
			}),
			ICECandidates: fakeJSON([]map[string]any{{
				"foundation": "udpcandidate",
				"priority":   1076302079,
				"ip":         "127.0.0.1",
				"protocol":   "udp",
				"port":       10000,
				"type":       "host",
			}}),
			DTLSParameters: fakeJSON(map[string]any{
				"role": "auto",
				"fingerprints": []map[string]string{{
					"algorithm": "sha-256",
					"value":     id,
				}},
			}),
		},
	}
	r.transports[id] = t
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
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, t := range r.transports {
		t.closeLocked()
	}
	return nil
}

type Transport struct {
	id     string
	router *Router
	opts   core.TransportOptions
	params core.TransportParameters

	// guarded by router.mu
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

var _ core.Transport = (*Transport)(nil)

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) Parameters() core.TransportParameters { return t.params }
func (t *Transport) Direction() domain.Direction          { return t.opts.Direction }

func (t *Transport) Closed() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.closed
}

func (t *Transport) Connected() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context, opts core.ConnectOptions) error {
	if err := t.router.engine.wait(ctx); err != nil {
		return err
	}
	if len(opts.DTLSParameters) == 0 {
		return core.Protocolf("dtlsParameters missing")
	}
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	if t.connected {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := t.router.engine.wait(ctx); err != nil {
		return nil, err
	}
	params, err := core.ParseRTPParameters(opts.RTPParameters, opts.Kind)
	if err != nil {
		return nil, err
	}
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	if t.opts.Direction != domain.DirectionSend {
		return nil, fmt.Errorf("transport %s is not a send transport", t.id)
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		codec:     params.Codecs[0],
		transport: t,
		consumers: make(map[string]*Consumer),
	}
	t.producers[p.id] = p
	t.router.producers[p.id] = p
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := t.router.engine.wait(ctx); err != nil {
		return nil, err
	}
	caps, err := core.ParseRTPCapabilities(opts.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	p, ok := r.producers[opts.ProducerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProducerNotFound, opts.ProducerID)
	}
	if !caps.Supports(p.codec.MimeType) {
		return nil, fmt.Errorf("%w: %s", core.ErrEngineCannotConsume, p.codec.MimeType)
	}
	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		paused:    opts.Paused,
	}
	codec := p.codec
	codec.Kind = p.kind
	c.params = core.MustMarshal(core.RTPParameters{
		Codecs:    []core.RTPCodec{codec},
		Encodings: []core.RTPEncoding{{SSRC: uuid.New().ID()}},
	})
	t.consumers[c.id] = c
	p.consumers[c.id] = c
	return c, nil
}

func (t *Transport) Close() error {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	for _, p := range t.producers {
		p.closeLocked()
	}
	for _, c := range t.consumers {
		c.closeLocked()
	}
	delete(t.router.transports, t.id)
}

type Producer struct {
	id        string
	kind      domain.MediaKind
	codec     core.RTPCodec
	transport *Transport

	// guarded by router.mu
	closed    bool
	consumers map[string]*Consumer
}

var _ core.Producer = (*Producer)(nil)

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Closed() bool {
	p.transport.router.mu.Lock()
	defer p.transport.router.mu.Unlock()
	return p.closed
}

// Close closes the producer and every consumer bound to it.
func (p *Producer) Close() error {
	p.transport.router.mu.Lock()
	defer p.transport.router.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Producer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.consumers {
		c.closeLocked()
	}
	delete(p.transport.producers, p.id)
	delete(p.transport.router.producers, p.id)
}

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    json.RawMessage

	// guarded by router.mu
	paused bool
	closed bool
}

var _ core.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind         { return c.producer.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Paused() bool {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	return c.closed
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.transport.router.engine.wait(ctx); err != nil {
		return err
	}
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", core.ErrConsumerNotFound, c.id)
	}
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Consumer) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.producer.consumers, c.id)
	delete(c.transport.consumers, c.id)
}
