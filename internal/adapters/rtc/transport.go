package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Transport struct {
	id     string
	router *Router
	opts   core.TransportOptions
	params core.TransportParameters

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	ctx    context.Context
	cancel context.CancelFunc
	// ready is closed once ICE and DTLS are up.
	ready     chan struct{}
	readyOnce sync.Once

	// guarded by router.mu
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

var _ core.Transport = (*Transport)(nil)

// newTransport builds the ORTC stack and waits for local candidate gathering.
func newTransport(ctx context.Context, r *Router, opts core.TransportOptions) (*Transport, error) {
	api := r.worker.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("rtc: ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: dtls transport: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        newID(),
		router:    r,
		opts:      opts,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ctx:       tctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		t.release()
		return nil, fmt.Errorf("rtc: gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.release()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		t.release()
		return nil, fmt.Errorf("rtc: local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		t.release()
		return nil, fmt.Errorf("rtc: local candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		t.release()
		return nil, fmt.Errorf("rtc: local dtls parameters: %w", err)
	}
	t.params = core.TransportParameters{
		ID:             t.id,
		ICEParameters:  encodeICEParameters(iceParams),
		ICECandidates:  encodeICECandidates(candidates),
		DTLSParameters: encodeDTLSParameters(dtlsParams),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		log.Info().Str("module", "webrtc").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Info().Str("module", "webrtc").Str("transport", t.id).Str("dtls_state", s.String()).Msg("DTLS state")
	})
	return t, nil
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) Parameters() core.TransportParameters { return t.params }
func (t *Transport) Direction() domain.Direction          { return t.opts.Direction }

// Connect applies the remote parameters and returns; ICE and DTLS complete in
// the background.
func (t *Transport) Connect(_ context.Context, opts core.ConnectOptions) error {
	remoteDTLS, err := decodeDTLSParameters(opts.DTLSParameters)
	if err != nil {
		return err
	}
	remoteICE, err := decodeICEParameters(opts.ICEParameters)
	if err != nil {
		return err
	}
	t.router.mu.Lock()
	if t.closed {
		t.router.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	if t.connected {
		t.router.mu.Unlock()
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	t.router.mu.Unlock()

	go t.start(remoteICE, remoteDTLS)
	return nil
}

func (t *Transport) start(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	logger := log.With().Str("module", "webrtc").Str("transport", t.id).Logger()
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		if t.ctx.Err() == nil {
			logger.Error().Err(err).Msg("ice start failed")
		}
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		if t.ctx.Err() == nil {
			logger.Error().Err(err).Msg("dtls start failed")
		}
		return
	}
	t.readyOnce.Do(func() { close(t.ready) })
	logger.Info().Msg("transport connected")
}

// await blocks until the transport is connected or closed.
func (t *Transport) await() bool {
	select {
	case <-t.ready:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) writeRTCP(pkts ...rtcp.Packet) {
	select {
	case <-t.ready:
	default:
		return
	}
	if _, err := t.dtls.WriteRTCP(pkts); err != nil && t.ctx.Err() == nil {
		log.Debug().Err(err).Str("module", "webrtc").Str("transport", t.id).Msg("write RTCP")
	}
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	params, err := core.ParseRTPParameters(opts.RTPParameters, opts.Kind)
	if err != nil {
		return nil, err
	}
	codec, ok := t.router.codec(params.Codecs[0].MimeType)
	if !ok {
		return nil, core.Protocolf("rtpParameters: codec %s not supported", params.Codecs[0].MimeType)
	}
	// Incoming packets are matched against the media engine by payload type.
	if pt := params.Codecs[0].PayloadType; pt != 0 && pt != codec.PayloadType {
		return nil, core.Protocolf("rtpParameters: payload type %d for %s, router uses %d", pt, codec.MimeType, codec.PayloadType)
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, core.Protocolf("rtpParameters: encodings[0].ssrc missing")
	}
	if t.opts.Direction != domain.DirectionSend {
		return nil, fmt.Errorf("transport %s is not a send transport", t.id)
	}
	receiver, err := t.router.worker.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: rtp receiver: %w", err)
	}
	codec.Kind = opts.Kind
	p := &Producer{
		id:        newID(),
		kind:      opts.Kind,
		codec:     codec,
		ssrc:      params.Encodings[0].SSRC,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*Consumer),
	}

	r := t.router
	r.mu.Lock()
	if t.closed {
		r.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	t.producers[p.id] = p
	r.producers[p.id] = p
	r.relays.Open(p.id)
	r.mu.Unlock()

	go p.run()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	caps, err := core.ParseRTPCapabilities(opts.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	r := t.router
	r.mu.Lock()
	p, ok := r.producers[opts.ProducerID]
	closed := t.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProducerNotFound, opts.ProducerID)
	}
	if !caps.Supports(p.codec.MimeType) {
		return nil, fmt.Errorf("%w: %s", core.ErrEngineCannotConsume, p.codec.MimeType)
	}
	codec, _ := r.codec(p.codec.MimeType)
	codec.Kind = p.kind

	id := newID()
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, p.id)
	if err != nil {
		return nil, fmt.Errorf("rtc: local track: %w", err)
	}
	sender, err := r.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: rtp sender: %w", err)
	}
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		params: core.MustMarshal(core.RTPParameters{
			Codecs:    []core.RTPCodec{codec},
			Encodings: []core.RTPEncoding{{SSRC: senderSSRC(sender)}},
		}),
	}

	r.mu.Lock()
	if t.closed || p.closed {
		r.mu.Unlock()
		_ = sender.Stop()
		if p.closed {
			return nil, fmt.Errorf("%w: %s", core.ErrProducerNotFound, p.id)
		}
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, t.id)
	}
	ot, ok := r.relays.AddSubscriber(p.id, c.id, track)
	if !ok {
		r.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: %s", core.ErrProducerNotFound, p.id)
	}
	c.out = ot
	if !opts.Paused {
		ot.MarkOk()
	}
	t.consumers[c.id] = c
	p.consumers[c.id] = c
	r.mu.Unlock()

	go c.run()
	return c, nil
}

func (t *Transport) Close() error {
	t.router.mu.Lock()
	var g garbage
	t.detachLocked(&g)
	t.router.mu.Unlock()
	g.release()
	return nil
}

func (t *Transport) detachLocked(g *garbage) {
	if t.closed {
		return
	}
	t.closed = true
	for _, p := range t.producers {
		p.detachLocked(g)
	}
	for _, c := range t.consumers {
		c.detachLocked(g)
	}
	delete(t.router.transports, t.id)
	g.transports = append(g.transports, t)
}

// release stops the pion stack. Safe to call more than once.
func (t *Transport) release() {
	t.cancel()
	logger := log.With().Str("module", "webrtc").Str("transport", t.id).Logger()
	if err := t.dtls.Stop(); err != nil {
		logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		logger.Debug().Err(err).Msg("gatherer close")
	}
}
