package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Arena/internal/app"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/rs/zerolog/log"
)

type CreateTransportParams struct {
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"`
}

// CreateWebRtcTransport authorizes the direction for the peer's role before
// the engine is asked for anything.
func (o *Orchestrator) CreateWebRtcTransport(ctx context.Context, m *Membership, p CreateTransportParams) (core.TransportParameters, error) {
	room, peer, err := o.joinedRoom(m, p.RoomID)
	if err != nil {
		return core.TransportParameters{}, err
	}
	dir, err := domain.ParseDirection(p.Direction)
	if err != nil {
		return core.TransportParameters{}, core.Protocolf("direction: %v", err)
	}
	if err := o.Policy.Authorize(peer.Role(), app.TransportOp(dir)); err != nil {
		return core.TransportParameters{}, err
	}

	t, err := room.Router().CreateWebRtcTransport(ctx, core.TransportOptions{
		Direction:                       dir,
		MaxIncomingBitrate:              o.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: o.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return core.TransportParameters{}, fmt.Errorf("create transport: %w", err)
	}
	if !room.AddTransport(peer, &app.TransportHandle{Transport: t, Direction: dir}) {
		closeQuietly("transport", t.ID(), t.Close)
		return core.TransportParameters{}, fmt.Errorf("%w: left during transport creation", core.ErrPeerNotFound)
	}
	log.Debug().Str("module", "orch").Str("peer", string(peer.ID())).Str("transport", t.ID()).Str("direction", string(dir)).Msg("transport created")
	params := t.Parameters()
	params.Direction = dir
	return params, nil
}

type ConnectTransportParams struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
}

func (o *Orchestrator) ConnectWebRtcTransport(ctx context.Context, m *Membership, p ConnectTransportParams) (Success, error) {
	_, peer, err := o.member(m)
	if err != nil {
		return Success{}, err
	}
	t, found := peer.Transport(p.TransportID)
	if !found {
		return Success{}, fmt.Errorf("%w: %s", core.ErrTransportNotFound, p.TransportID)
	}
	if err := t.Connect(ctx, core.ConnectOptions{DTLSParameters: p.DTLSParameters, ICEParameters: p.ICEParameters}); err != nil {
		return Success{}, fmt.Errorf("connect transport %s: %w", t.ID(), err)
	}
	return success, nil
}

type ProduceParams struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

type ProduceResult struct {
	ProducerID string `json:"producerId"`
}

// Produce checks the role first, so a denied peer never creates a producer.
func (o *Orchestrator) Produce(ctx context.Context, m *Membership, p ProduceParams) (ProduceResult, error) {
	room, peer, err := o.member(m)
	if err != nil {
		return ProduceResult{}, err
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		return ProduceResult{}, core.Protocolf("kind: %v", err)
	}
	if err := o.Policy.Authorize(peer.Role(), app.ProduceOp(kind)); err != nil {
		return ProduceResult{}, err
	}
	t, found := peer.Transport(p.TransportID)
	if !found {
		return ProduceResult{}, fmt.Errorf("%w: %s", core.ErrTransportNotFound, p.TransportID)
	}
	if t.Direction != domain.DirectionSend {
		return ProduceResult{}, core.Protocolf("transport %s is not a send transport", t.ID())
	}

	pr, err := t.Produce(ctx, core.ProduceOptions{Kind: kind, RTPParameters: p.RTPParameters, AppData: p.AppData})
	if err != nil {
		return ProduceResult{}, fmt.Errorf("produce: %w", err)
	}
	if !room.AddProducer(peer, &app.ProducerHandle{Producer: pr, TransportID: t.ID()}) {
		closeQuietly("producer", pr.ID(), pr.Close)
		return ProduceResult{}, fmt.Errorf("%w: left during produce", core.ErrPeerNotFound)
	}
	log.Info().Str("module", "orch").Str("room", string(room.ID())).Str("peer", string(peer.ID())).Str("producer", pr.ID()).Str("kind", string(kind)).Msg("producing")
	return ProduceResult{ProducerID: pr.ID()}, nil
}

type ConsumeParams struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeResult struct {
	ID            string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          domain.MediaKind `json:"kind"`
	RTPParameters json.RawMessage  `json:"rtpParameters"`
}

// Consume creates a paused consumer on the given recv transport, or on the
// peer's recv transport when transportId is omitted; the client starts it with resumeConsumer
// once its side is ready. The producer must still be open when the consumer
// is registered.
func (o *Orchestrator) Consume(ctx context.Context, m *Membership, p ConsumeParams) (ConsumeResult, error) {
	room, peer, err := o.member(m)
	if err != nil {
		return ConsumeResult{}, err
	}
	if err := o.Policy.Authorize(peer.Role(), app.OpConsume); err != nil {
		return ConsumeResult{}, err
	}
	t, found := peer.Transport(p.TransportID)
	if p.TransportID == "" {
		t, found = peer.TransportByDirection(domain.DirectionRecv)
	}
	if !found {
		return ConsumeResult{}, fmt.Errorf("%w: %s", core.ErrTransportNotFound, p.TransportID)
	}
	if t.Direction != domain.DirectionRecv {
		return ConsumeResult{}, core.Protocolf("transport %s is not a recv transport", t.ID())
	}
	if len(p.RTPCapabilities) == 0 {
		return ConsumeResult{}, core.Protocolf("rtpCapabilities missing")
	}
	if _, _, found := room.FindProducer(p.ProducerID); !found {
		return ConsumeResult{}, fmt.Errorf("%w: %s", core.ErrProducerNotFound, p.ProducerID)
	}
	if !room.Router().CanConsume(p.ProducerID, p.RTPCapabilities) {
		return ConsumeResult{}, fmt.Errorf("%w: producer %s", core.ErrEngineCannotConsume, p.ProducerID)
	}

	c, err := t.Consume(ctx, core.ConsumeOptions{ProducerID: p.ProducerID, RTPCapabilities: p.RTPCapabilities, Paused: true})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}
	if err := room.AddConsumer(peer, &app.ConsumerHandle{Consumer: c, TransportID: t.ID()}); err != nil {
		closeQuietly("consumer", c.ID(), c.Close)
		return ConsumeResult{}, err
	}
	log.Debug().Str("module", "orch").Str("peer", string(peer.ID())).Str("consumer", c.ID()).Str("producer", p.ProducerID).Msg("consuming")
	return ConsumeResult{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	}, nil
}

type ConsumerParams struct {
	ConsumerID string `json:"consumerId"`
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, m *Membership, p ConsumerParams) (Success, error) {
	_, peer, err := o.member(m)
	if err != nil {
		return Success{}, err
	}
	c, found := peer.Consumer(p.ConsumerID)
	if !found {
		return Success{}, fmt.Errorf("%w: %s", core.ErrConsumerNotFound, p.ConsumerID)
	}
	if err := c.Resume(ctx); err != nil {
		return Success{}, fmt.Errorf("resume consumer: %w", err)
	}
	return success, nil
}

type ProducerParams struct {
	ProducerID string `json:"producerId"`
}

func (o *Orchestrator) CloseProducer(_ context.Context, m *Membership, p ProducerParams) (Success, error) {
	room, peer, err := o.member(m)
	if err != nil {
		return Success{}, err
	}
	if err := room.CloseProducer(peer, p.ProducerID); err != nil {
		return Success{}, err
	}
	log.Info().Str("module", "orch").Str("room", string(room.ID())).Str("peer", string(peer.ID())).Str("producer", p.ProducerID).Msg("producer closed")
	return success, nil
}

// closeQuietly releases an engine object nobody will own. Errors are logged only.
func closeQuietly(what, id string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str(what, id).Msg("close")
	}
}
