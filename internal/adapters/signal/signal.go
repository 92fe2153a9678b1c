package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Options tune every signaling connection.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	RPCTimeout time.Duration
	// Dialect is used when the client does not pick one with ?dialect=.
	Dialect string
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 * 1024,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
		RPCTimeout: 10 * time.Second,
		Dialect:    RPCDialect{}.Name(),
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	Metrics *metrics.Metrics
	Opts    Options

	wg sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, m *metrics.Metrics, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		Metrics: m,
		Opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Send queues f, waiting for room in the buffer. Used for responses, which
// must not be dropped while the connection is alive.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames. The write pump flushes what is queued,
// sends a close frame and drops the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs one signaling session until the
// socket closes or ctx is done.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	name := c.DefaultQuery("dialect", ctl.Opts.Dialect)
	dialect, ok := DialectByName(name)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown dialect", "dialects": DialectNames()})
		return
	}
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", token).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Opts.SendBuffer),
	}
	s := newSession(ctl, conn, dialect, token)
	log.Info().Str("module", "signal").Str("sid", token).Str("peer", string(s.id)).Str("dialect", dialect.Name()).Msg("new WS connection")

	sctx, cancel := context.WithCancel(ctx)
	ctl.wg.Add(3)
	go func() {
		defer ctl.wg.Done()
		ctl.writePump(sctx, conn)
	}()
	go func() {
		defer ctl.wg.Done()
		defer cancel()
		ctl.readPump(sctx, s)
	}()
	go func() {
		defer ctl.wg.Done()
		s.run(sctx)
	}()
}

// Wait blocks until every session started by this controller has finished.
func (ctl *SignalWSController) Wait() {
	ctl.wg.Wait()
}
