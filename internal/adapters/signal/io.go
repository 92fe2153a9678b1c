package signal

import (
	"context"
	"time"

	"github.com/dkeye/Arena/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, s *session) {
	c := s.conn.conn
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(s.id)).Msg("readPump closing")
		close(s.inbox)
	}()

	_ = c.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(s.id)).Msg("readPump read error")
			}
			return
		}
		req, derr := s.dialect.Decode(data)
		select {
		case s.inbox <- inbound{req: req, err: derr}:
		case <-ctx.Done():
			return
		}
	}
}

// sendEvent is fire-and-forget: a slow client loses events, never blocks the room.
func (s *session) sendEvent(data []byte, name string) {
	if err := s.conn.TrySend(core.Frame(data)); err != nil {
		s.ctl.Metrics.EventDropped()
		log.Debug().Err(err).Str("module", "signal").Str("peer", string(s.id)).Str("event", name).Msg("event dropped")
	}
}

// sendResponse waits for buffer space; it only fails once the connection is gone.
func (s *session) sendResponse(ctx context.Context, data []byte, method string) {
	if err := s.conn.Send(ctx, core.Frame(data)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("peer", string(s.id)).Str("method", method).Msg("response not delivered")
	}
}
