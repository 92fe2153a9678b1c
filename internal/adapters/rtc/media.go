package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Arena/internal/app/sfu"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// keyFrameInterval throttles keyframe requests sent to one producer.
const keyFrameInterval = 500 * time.Millisecond

type Producer struct {
	id        string
	kind      domain.MediaKind
	codec     core.RTPCodec
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver

	// guarded by router.mu
	closed       bool
	consumers    map[string]*Consumer
	lastKeyFrame time.Time
}

var _ core.Producer = (*Producer)(nil)

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// run starts receiving once the transport is connected and hands the track to
// the relay.
func (p *Producer) run() {
	t := p.transport
	if !t.await() {
		return
	}
	logger := log.With().Str("module", "webrtc").Str("producer", p.id).Logger()
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.codec.PayloadType),
			},
		}},
	})
	if err != nil {
		logger.Error().Err(err).Msg("receive failed")
		return
	}
	track := p.receiver.Track()
	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	if !t.router.relays.StartRelay(t.ctx, p.id, read) {
		return
	}
	if limit := t.opts.MaxIncomingBitrate; limit > 0 {
		t.writeRTCP(&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(limit), SSRCs: []uint32{p.ssrc}})
	}
	p.RequestKeyFrame()

	// Drain receiver RTCP so interceptors keep running.
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// RequestKeyFrame asks the sender for a keyframe. Audio producers ignore it.
func (p *Producer) RequestKeyFrame() {
	if !isVideo(p.kind) {
		return
	}
	r := p.transport.router
	r.mu.Lock()
	if p.closed || time.Since(p.lastKeyFrame) < keyFrameInterval {
		r.mu.Unlock()
		return
	}
	p.lastKeyFrame = time.Now()
	r.mu.Unlock()
	p.transport.writeRTCP(&rtcp.PictureLossIndication{MediaSSRC: p.ssrc})
}

// Close closes the producer and every consumer bound to it.
func (p *Producer) Close() error {
	r := p.transport.router
	r.mu.Lock()
	var g garbage
	p.detachLocked(&g)
	r.mu.Unlock()
	g.release()
	return nil
}

func (p *Producer) detachLocked(g *garbage) {
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.consumers {
		c.detachLocked(g)
	}
	delete(p.transport.producers, p.id)
	delete(p.transport.router.producers, p.id)
	g.producers = append(g.producers, p)
}

func (p *Producer) release() {
	p.transport.router.relays.StopRelay(p.id)
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "webrtc").Str("producer", p.id).Msg("receiver stop")
	}
}

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	params    json.RawMessage

	// guarded by router.mu
	closed bool
}

var _ core.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind         { return c.producer.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

// Paused reports whether the relay is holding packets back.
func (c *Consumer) Paused() bool { return c.out.GetState() == sfu.TrackStateMuted }

// run starts sending once the transport is connected and forwards keyframe
// requests to the producer.
func (c *Consumer) run() {
	if !c.transport.await() {
		return
	}
	logger := log.With().Str("module", "webrtc").Str("consumer", c.id).Logger()
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		logger.Error().Err(err).Msg("send failed")
		c.out.MarkDelete()
		return
	}
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyFrame()
			}
		}
	}
}

func (c *Consumer) Resume(_ context.Context) error {
	r := c.transport.router
	r.mu.Lock()
	closed := c.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %s", core.ErrConsumerNotFound, c.id)
	}
	c.out.MarkOk()
	c.producer.RequestKeyFrame()
	return nil
}

func (c *Consumer) Close() error {
	r := c.transport.router
	r.mu.Lock()
	var g garbage
	c.detachLocked(&g)
	r.mu.Unlock()
	g.release()
	return nil
}

func (c *Consumer) detachLocked(g *garbage) {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.producer.consumers, c.id)
	delete(c.transport.consumers, c.id)
	g.consumers = append(g.consumers, c)
}

func (c *Consumer) release() {
	c.out.MarkDelete()
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "webrtc").Str("consumer", c.id).Msg("sender stop")
	}
}
