package memengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	opusParams = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}],"encodings":[{"ssrc":1111}]}`)
	vp8Params  = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}],"encodings":[{"ssrc":2222}]}`)
	audioOnly  = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
)

func newRouter(t *testing.T) (*Engine, *Router) {
	t.Helper()
	e := New(Options{})
	w, err := e.CreateWorker(context.Background())
	require.NoError(t, err)
	r, err := w.CreateRouter(context.Background())
	require.NoError(t, err)
	return e, r.(*Router)
}

func transport(t *testing.T, r *Router, dir domain.Direction) *Transport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), core.TransportOptions{Direction: dir})
	require.NoError(t, err)
	return tr.(*Transport)
}

func TestRouterCapabilities(t *testing.T) {
	_, r := newRouter(t)
	caps, err := core.ParseRTPCapabilities(r.RTPCapabilities())
	require.NoError(t, err)
	assert.True(t, caps.Supports("audio/opus"))
	assert.True(t, caps.Supports("video/vp8"))
	assert.True(t, caps.Supports("video/H264"))
}

func TestTransportParameters(t *testing.T) {
	_, r := newRouter(t)
	tr := transport(t, r, domain.DirectionSend)
	p := tr.Parameters()
	assert.Equal(t, tr.ID(), p.ID)
	assert.NotEmpty(t, p.ICEParameters)
	assert.NotEmpty(t, p.ICECandidates)
	assert.NotEmpty(t, p.DTLSParameters)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	_, r := newRouter(t)
	tr := transport(t, r, domain.DirectionSend)

	err := tr.Connect(ctx, core.ConnectOptions{})
	assert.ErrorIs(t, err, core.ErrProtocol)

	require.NoError(t, tr.Connect(ctx, core.ConnectOptions{DTLSParameters: json.RawMessage(`{"role":"client"}`)}))
	assert.True(t, tr.Connected())
	assert.Error(t, tr.Connect(ctx, core.ConnectOptions{DTLSParameters: json.RawMessage(`{}`)}))
}

func TestProduceKindMismatch(t *testing.T) {
	_, r := newRouter(t)
	tr := transport(t, r, domain.DirectionSend)
	_, err := tr.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindVideo, RTPParameters: opusParams})
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestProduceOnRecvTransport(t *testing.T) {
	_, r := newRouter(t)
	tr := transport(t, r, domain.DirectionRecv)
	_, err := tr.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindAudio, RTPParameters: opusParams})
	assert.Error(t, err)
}

func TestConsumeLifecycle(t *testing.T) {
	ctx := context.Background()
	_, r := newRouter(t)
	send := transport(t, r, domain.DirectionSend)
	recv := transport(t, r, domain.DirectionRecv)

	prod, err := send.Produce(ctx, core.ProduceOptions{Kind: domain.KindVideo, RTPParameters: vp8Params})
	require.NoError(t, err)

	assert.True(t, r.CanConsume(prod.ID(), r.RTPCapabilities()))
	assert.False(t, r.CanConsume(prod.ID(), audioOnly))
	assert.False(t, r.CanConsume("missing", r.RTPCapabilities()))

	_, err = recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID(), RTPCapabilities: audioOnly})
	assert.ErrorIs(t, err, core.ErrEngineCannotConsume)

	c, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID(), RTPCapabilities: r.RTPCapabilities(), Paused: true})
	require.NoError(t, err)
	cons := c.(*Consumer)
	assert.Equal(t, prod.ID(), cons.ProducerID())
	assert.Equal(t, domain.KindVideo, cons.Kind())
	assert.True(t, cons.Paused())

	params, err := core.ParseRTPParameters(cons.RTPParameters(), domain.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, "video/VP8", params.Codecs[0].MimeType)

	require.NoError(t, cons.Resume(ctx))
	assert.False(t, cons.Paused())

	require.NoError(t, prod.Close())
	assert.True(t, cons.Closed())
	assert.ErrorIs(t, cons.Resume(ctx), core.ErrConsumerNotFound)

	_, err = recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID(), RTPCapabilities: r.RTPCapabilities()})
	assert.ErrorIs(t, err, core.ErrProducerNotFound)
}

func TestTransportCloseCascades(t *testing.T) {
	ctx := context.Background()
	_, r := newRouter(t)
	send := transport(t, r, domain.DirectionSend)
	recv := transport(t, r, domain.DirectionRecv)

	prod, err := send.Produce(ctx, core.ProduceOptions{Kind: domain.KindAudio, RTPParameters: opusParams})
	require.NoError(t, err)
	c, err := recv.Consume(ctx, core.ConsumeOptions{ProducerID: prod.ID(), RTPCapabilities: r.RTPCapabilities()})
	require.NoError(t, err)

	require.NoError(t, send.Close())
	require.NoError(t, send.Close())
	assert.True(t, send.Closed())
	assert.True(t, prod.(*Producer).Closed())
	assert.True(t, c.(*Consumer).Closed())
	assert.False(t, recv.Closed())
}

func TestRouterCloseCascades(t *testing.T) {
	_, r := newRouter(t)
	tr := transport(t, r, domain.DirectionRecv)
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())
	assert.True(t, tr.Closed())
	_, err := r.CreateWebRtcTransport(context.Background(), core.TransportOptions{Direction: domain.DirectionSend})
	assert.Error(t, err)
}

func TestWorkerKill(t *testing.T) {
	e := New(Options{})
	w, err := e.CreateWorker(context.Background())
	require.NoError(t, err)

	boom := errors.New("boom")
	w.(*Worker).Kill(boom)
	w.(*Worker).Kill(nil)

	select {
	case <-w.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, boom, w.Err())
	_, err = w.CreateRouter(context.Background())
	assert.Equal(t, boom, err)
}

func TestFailRouters(t *testing.T) {
	e := New(Options{})
	w, err := e.CreateWorker(context.Background())
	require.NoError(t, err)
	boom := errors.New("no router")
	e.FailRouters(boom)
	_, err = w.CreateRouter(context.Background())
	assert.ErrorIs(t, err, boom)
	e.FailRouters(nil)
	_, err = w.CreateRouter(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, w.(*Worker).Routers())
}

func TestLatencyHonoursContext(t *testing.T) {
	e := New(Options{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.CreateWorker(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
