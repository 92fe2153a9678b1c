package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/Arena/internal/adapters/memengine"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/stretchr/testify/require"
)

// recorder is an EventSink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Notify(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

var vp8Params = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)

func newTestRegistry(t *testing.T, workers int) (*RoomRegistry, *WorkerPool, *memengine.Engine) {
	t.Helper()
	eng := memengine.New(memengine.Options{})
	pool, err := NewWorkerPool(context.Background(), eng, workers)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRoomRegistry(pool, nil), pool, eng
}

// publish creates a send transport on p and a video producer on it.
func publish(t *testing.T, r *Room, p *Peer) *ProducerHandle {
	t.Helper()
	ctx := context.Background()
	tr, err := r.Router().CreateWebRtcTransport(ctx, core.TransportOptions{Direction: domain.DirectionSend})
	require.NoError(t, err)
	th := &TransportHandle{Transport: tr, Direction: domain.DirectionSend}
	require.True(t, r.AddTransport(p, th))
	prod, err := tr.Produce(ctx, core.ProduceOptions{Kind: domain.KindVideo, RTPParameters: vp8Params})
	require.NoError(t, err)
	ph := &ProducerHandle{Producer: prod, TransportID: tr.ID()}
	require.True(t, r.AddProducer(p, ph))
	return ph
}

// subscribe creates a recv transport on p and a consumer of producerID.
func subscribe(t *testing.T, r *Room, p *Peer, producerID string) *ConsumerHandle {
	t.Helper()
	ctx := context.Background()
	tr, err := r.Router().CreateWebRtcTransport(ctx, core.TransportOptions{Direction: domain.DirectionRecv})
	require.NoError(t, err)
	require.True(t, r.AddTransport(p, &TransportHandle{Transport: tr, Direction: domain.DirectionRecv}))
	c, err := tr.Consume(ctx, core.ConsumeOptions{ProducerID: producerID, RTPCapabilities: r.Router().RTPCapabilities(), Paused: true})
	require.NoError(t, err)
	ch := &ConsumerHandle{Consumer: c, TransportID: tr.ID()}
	require.NoError(t, r.AddConsumer(p, ch))
	return ch
}
