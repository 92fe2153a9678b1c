package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Arena/internal/adapters/memengine"
	"github.com/dkeye/Arena/internal/app"
	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	srv     *httptest.Server
	ctl     *SignalWSController
	rooms   *app.RoomRegistry
	engine  *memengine.Engine
	metrics *metrics.Metrics
}

func newGateway(t *testing.T, mutate func(*Options)) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	eng := memengine.New(memengine.Options{})
	pool, err := app.NewWorkerPool(ctx, eng, 2)
	require.NoError(t, err)
	rooms := app.NewRoomRegistry(pool, nil)
	o := &orch.Orchestrator{Rooms: rooms, Policy: app.StrictPolicy{}}

	opts := DefaultOptions()
	opts.RPCTimeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}
	m := metrics.New()
	ctl := NewSignalWSController(o, NewRoomRateLimiter(100, time.Minute), m, opts)

	var seq atomic.Int64
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", fmt.Sprintf("token-%d", seq.Add(1)))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		ctl.Wait()
		pool.Close()
	})
	return &gateway{srv: srv, ctl: ctl, rooms: rooms, engine: eng, metrics: m}
}

type frame map[string]json.RawMessage

func (f frame) str(key string) string {
	var s string
	_ = json.Unmarshal(f[key], &s)
	return s
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	seq    int
	// backlog keeps frames read while waiting for something else.
	backlog []frame
}

func (g *gateway) dial(t *testing.T, dialect string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	if dialect != "" {
		url += "?dialect=" + dialect
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn, frames: make(chan frame, 128)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				c.frames <- f
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// next returns the first frame matching pred, keeping the others for later.
func (c *wsClient) next(pred func(frame) bool) frame {
	c.t.Helper()
	for i, f := range c.backlog {
		if pred(f) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return f
		}
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatal("connection closed while waiting for frame")
			}
			if pred(f) {
				return f
			}
			c.backlog = append(c.backlog, f)
		case <-timeout:
			c.t.Fatal("timed out waiting for frame")
		}
	}
}

func (c *wsClient) event(name string) frame {
	c.t.Helper()
	return c.next(func(f frame) bool { return f.str("event") == name })
}

// noEvent asserts no event with name arrives within a short window.
func (c *wsClient) noEvent(name string) {
	c.t.Helper()
	for _, f := range c.backlog {
		assert.NotEqual(c.t, name, f.str("event"))
	}
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			assert.NotEqual(c.t, name, f.str("event"))
			c.backlog = append(c.backlog, f)
		case <-deadline:
			return
		}
	}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// call sends an rpc request and returns its response frame.
func (c *wsClient) call(method string, params any) frame {
	c.t.Helper()
	c.seq++
	id := c.seq
	c.send(map[string]any{"id": id, "method": method, "params": params})
	return c.next(func(f frame) bool { return string(f["id"]) == fmt.Sprint(id) })
}

func (c *wsClient) mustCall(method string, params any, out any) {
	c.t.Helper()
	f := c.call(method, params)
	require.Nil(c.t, f["error"], "%s: %s", method, f["error"])
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f["result"], out))
	}
}

func errCode(f frame) string {
	var e ErrorBody
	_ = json.Unmarshal(f["error"], &e)
	return string(e.Code)
}

var vp8 = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}],"encodings":[{"ssrc":42}]}`)

func (c *wsClient) join(room, user, role string) orch.JoinResult {
	c.t.Helper()
	var res orch.JoinResult
	c.mustCall(orch.MethodJoinRoom, map[string]any{"roomId": room, "userId": user, "role": role}, &res)
	return res
}

func (c *wsClient) transport(direction string) string {
	c.t.Helper()
	var tp struct {
		ID string `json:"id"`
	}
	c.mustCall(orch.MethodCreateWebRtcTransport, map[string]any{"direction": direction}, &tp)
	c.mustCall(orch.MethodConnectWebRtcTransport, map[string]any{"transportId": tp.ID, "dtlsParameters": map[string]any{"role": "client"}}, nil)
	return tp.ID
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayGreeting(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t, "")
	f := c.event(EventConnected)
	var data Connected
	require.NoError(t, json.Unmarshal(f["data"], &data))
	assert.NotEmpty(t, data.PeerID)
}

func TestGatewayModeratorAudienceScenario(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, "rpc")
	b := g.dial(t, "rpc")

	resA := a.join("R1", "alice", "moderator")
	assert.Empty(t, resA.ExistingProducers)
	resB := b.join("R1", "bob", "audience")
	a.event("peer-joined")

	// audience can neither open a send transport nor produce
	f := b.call(orch.MethodCreateWebRtcTransport, map[string]any{"direction": "send"})
	assert.Equal(t, "PermissionDenied", errCode(f))
	recvB := b.transport("recv")
	f = b.call(orch.MethodProduce, map[string]any{"transportId": recvB, "kind": "video", "rtpParameters": vp8})
	assert.Equal(t, "PermissionDenied", errCode(f))

	sendA := a.transport("send")
	var produced orch.ProduceResult
	a.mustCall(orch.MethodProduce, map[string]any{"transportId": sendA, "kind": "video", "rtpParameters": vp8}, &produced)

	np := b.event("new-producer")
	assert.Contains(t, string(np["data"]), produced.ProducerID)
	a.noEvent("new-producer")

	var consumed orch.ConsumeResult
	b.mustCall(orch.MethodConsume, map[string]any{
		"transportId": recvB, "producerId": produced.ProducerID, "rtpCapabilities": resB.RTPCapabilities,
	}, &consumed)
	assert.Equal(t, produced.ProducerID, consumed.ProducerID)
	b.mustCall(orch.MethodResumeConsumer, map[string]any{"consumerId": consumed.ID}, nil)

	var list orch.ProducersResult
	b.mustCall(orch.MethodListProducers, map[string]any{"roomId": "R1"}, &list)
	require.Len(t, list.Producers, 1)

	// A drops the socket without leaving
	require.NoError(t, a.conn.Close())
	cc := b.event("consumer-closed")
	assert.Contains(t, string(cc["data"]), consumed.ID)
	pl := b.event("peer-left")
	assert.Contains(t, string(pl["data"]), string(resA.MyPeerID))
	b.noEvent("peer-left")
	assert.Equal(t, 1, g.rooms.Count())

	b.mustCall(orch.MethodLeaveRoom, nil, nil)
	eventually(t, func() bool { return g.rooms.Count() == 0 })
}

func TestGatewayAlreadyJoined(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t, "")
	c.join("R1", "u", "speaker")
	f := c.call(orch.MethodJoinRoom, map[string]any{"roomId": "R2", "userId": "u", "role": "speaker"})
	assert.Equal(t, "AlreadyJoined", errCode(f))
	assert.Equal(t, 1, g.rooms.Count())
}

func TestGatewayRejectsUnknownRole(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t, "")
	f := c.call(orch.MethodJoinRoom, map[string]any{"roomId": "R1", "userId": "u", "role": "owner"})
	assert.Equal(t, "ProtocolError", errCode(f))
	assert.Zero(t, g.rooms.Count())
}

func TestGatewayProtocolErrors(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t, "")

	f := c.call("fly", nil)
	assert.Equal(t, "ProtocolError", errCode(f))

	// no id: dropped, but the connection keeps serving
	c.send(map[string]any{"method": "listProducers"})
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))

	f = c.call(orch.MethodCreateWebRtcTransport, map[string]any{"direction": "recv"})
	assert.Equal(t, "PeerNotFound", errCode(f))
	f = c.call(orch.MethodGetRouterRtpCapabilities, map[string]any{"roomId": "ghost"})
	assert.Equal(t, "RoomNotFound", errCode(f))
}

func TestGatewayTimeout(t *testing.T) {
	g := newGateway(t, func(o *Options) { o.RPCTimeout = 50 * time.Millisecond })
	c := g.dial(t, "")
	c.join("R1", "u", "speaker")

	g.engine.SetLatency(500 * time.Millisecond)
	f := c.call(orch.MethodCreateWebRtcTransport, map[string]any{"direction": "send"})
	assert.Equal(t, "Timeout", errCode(f))

	g.engine.SetLatency(0)
	c.transport("send")
}

func TestGatewayLeaveTwice(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, "")
	b := g.dial(t, "")
	a.join("R1", "a", "speaker")
	b.join("R1", "b", "speaker")

	a.mustCall(orch.MethodLeaveRoom, nil, nil)
	b.event("peer-left")

	// the socket stays up after leave and keeps answering
	var again orch.Success
	a.mustCall(orch.MethodLeaveRoom, nil, &again)
	assert.True(t, again.Success)
	f := a.call(orch.MethodCreateWebRtcTransport, map[string]any{"direction": "recv"})
	assert.Equal(t, "PeerNotFound", errCode(f))
	f = a.call(orch.MethodJoinRoom, map[string]any{"roomId": "R1", "userId": "a", "role": "speaker"})
	assert.Equal(t, "ProtocolError", errCode(f))

	b.noEvent("peer-left")
	assert.Equal(t, 1, g.rooms.Count())
}

func TestGatewayPipelinedLeaveAnswersEveryRequest(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, "")
	a.join("R1", "a", "speaker")

	// queued behind the first leave, before any reply is read
	a.send(map[string]any{"id": 100, "method": orch.MethodLeaveRoom})
	a.send(map[string]any{"id": 101, "method": orch.MethodLeaveRoom})
	a.send(map[string]any{"id": 102, "method": orch.MethodCreateWebRtcTransport, "params": map[string]any{"direction": "send"}})

	byID := func(id int) func(frame) bool {
		return func(f frame) bool { return string(f["id"]) == fmt.Sprint(id) }
	}
	for _, id := range []int{100, 101} {
		f := a.next(byID(id))
		require.Nil(t, f["error"], "leave %d: %s", id, f["error"])
		assert.JSONEq(t, `{"success":true}`, string(f["result"]))
	}
	f := a.next(byID(102))
	assert.Equal(t, "PeerNotFound", errCode(f))
	eventually(t, func() bool { return g.rooms.Count() == 0 })
}

// A socket dropped while a request is still inside the engine runs the same
// cleanup as a plain disconnect, and the request is not counted as a timeout.
func TestGatewayDisconnectDuringRequest(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, "")
	b := g.dial(t, "")
	resA := a.join("R1", "a", "speaker")
	b.join("R1", "b", "speaker")

	g.engine.SetLatency(300 * time.Millisecond)
	a.send(map[string]any{"id": 7, "method": orch.MethodCreateWebRtcTransport, "params": map[string]any{"direction": "send"}})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.conn.Close())

	pl := b.event("peer-left")
	assert.Contains(t, string(pl["data"]), string(resA.MyPeerID))
	g.engine.SetLatency(0)

	room, err := g.rooms.Get("R1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.Info().PeerCount)

	eventually(t, func() bool {
		body := scrape(t, g.metrics)
		return strings.Contains(body, `arena_rpc_requests_total{code="Closed",method="createWebRtcTransport"} 1`)
	})
	assert.NotContains(t, scrape(t, g.metrics), `code="Timeout"`)

	b.mustCall(orch.MethodLeaveRoom, nil, nil)
	eventually(t, func() bool { return g.rooms.Count() == 0 })
	assert.True(t, room.Router().(*memengine.Router).Closed())
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestGatewayTypedDialect(t *testing.T) {
	g := newGateway(t, nil)
	a := g.dial(t, "typed")
	b := g.dial(t, "typed")
	byType := func(typ string) func(frame) bool {
		return func(f frame) bool { return f.str("type") == typ }
	}

	a.next(byType("connected"))
	a.send(map[string]any{"type": "join-room", "requestId": "j1", "data": map[string]any{"roomId": "T", "userId": "a", "role": "speaker"}})
	joined := a.next(byType("room-joined"))
	assert.JSONEq(t, `"j1"`, string(joined["requestId"]))

	a.send(map[string]any{"type": "create-transport", "data": map[string]any{"direction": "send"}})
	created := a.next(byType("transport-created"))
	var tp struct {
		ID        string `json:"id"`
		Direction string `json:"direction"`
	}
	require.NoError(t, json.Unmarshal(created["data"], &tp))
	assert.Equal(t, "send", tp.Direction)

	a.send(map[string]any{"type": "connect-transport", "data": map[string]any{"transportId": tp.ID, "dtlsParameters": map[string]any{"role": "client"}}})
	a.next(byType("transport-connected"))
	a.send(map[string]any{"type": "produce", "data": map[string]any{"transportId": tp.ID, "kind": "video", "rtpParameters": vp8}})
	a.next(byType("produced"))

	b.send(map[string]any{"type": "join-room", "data": map[string]any{"roomId": "T", "userId": "b", "role": "audience"}})
	bj := b.next(byType("room-joined"))
	var res orch.JoinResult
	require.NoError(t, json.Unmarshal(bj["data"], &res))
	require.Len(t, res.ExistingProducers, 1)

	b.send(map[string]any{"type": "produce", "data": map[string]any{"transportId": "x", "kind": "audio", "rtpParameters": vp8}})
	errFrame := b.next(byType("error"))
	assert.Contains(t, string(errFrame["data"]), "PermissionDenied")

	b.send(map[string]any{"type": "get-producers"})
	list := b.next(byType("producers-list"))
	assert.Contains(t, string(list["data"]), res.ExistingProducers[0].ProducerID)

	b.send(map[string]any{"type": "leave-room"})
	b.next(byType("left"))
	a.next(byType("peer-left"))
}

func TestGatewayUnknownDialect(t *testing.T) {
	g := newGateway(t, nil)
	resp, err := http.Get(g.srv.URL + "/ws?dialect=soap")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayJoinRateLimit(t *testing.T) {
	g := newGateway(t, nil)
	g.ctl.Limiter = NewRoomRateLimiter(1, time.Minute)
	c := g.dial(t, "")
	// the limiter is keyed by client token, one token per dial here
	g.ctl.Limiter.Allow("token-1")
	f := c.call(orch.MethodJoinRoom, map[string]any{"roomId": "R1", "userId": "u", "role": "speaker"})
	assert.Equal(t, "RateLimited", errCode(f))
}
