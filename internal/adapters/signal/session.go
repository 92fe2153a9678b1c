package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State of one signaling connection.
type State int32

const (
	StateConnected State = iota
	StateJoined
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EventConnected greets a new connection with its peer id.
const EventConnected = "connected"

type Connected struct {
	PeerID domain.PeerID `json:"peerId"`
}

type inbound struct {
	req Request
	err error
}

// session serves one connection. Requests run one at a time on the session
// goroutine, so a peer never has two RPCs in flight.
type session struct {
	id      domain.PeerID
	token   string
	ctl     *SignalWSController
	conn    *WsSignalConn
	dialect Dialect
	pending *pendingTable
	inbox   chan inbound

	mu     sync.Mutex
	state  State
	member *orch.Membership
}

func newSession(ctl *SignalWSController, conn *WsSignalConn, d Dialect, token string) *session {
	return &session{
		id:      domain.PeerID(uuid.NewString()),
		token:   token,
		ctl:     ctl,
		conn:    conn,
		dialect: d,
		pending: newPendingTable(),
		inbox:   make(chan inbound, ctl.Opts.SendBuffer),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) membership() *orch.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.member
}

// Notify implements core.EventSink for the peer behind this connection.
func (s *session) Notify(ev core.Event) {
	data, err := s.dialect.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", ev.Name).Msg("encode event")
		return
	}
	s.sendEvent(data, ev.Name)
}

func (s *session) run(ctx context.Context) {
	defer s.close()
	s.Notify(core.Event{Name: EventConnected, Data: Connected{PeerID: s.id}})

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.inbox:
			if !ok {
				return
			}
			if in.err != nil {
				s.reject(ctx, in)
				continue
			}
			s.serve(ctx, in.req)
		}
	}
}

// reject answers a message that could not be decoded, if it can be addressed.
func (s *session) reject(ctx context.Context, in inbound) {
	s.ctl.Metrics.ObserveRPC(metricMethod(in.req.Method), string(core.CodeOf(in.err)), 0)
	if !in.req.Addressable {
		log.Warn().Err(in.err).Str("module", "signal").Str("peer", string(s.id)).Msg("message dropped")
		return
	}
	s.reply(ctx, in.req, nil, in.err)
}

// serve runs one request under the RPC timeout. If the deadline passes first
// the client gets a Timeout error and the late result is dropped; the next
// request still waits until this one has settled. A request cut short by the
// connection going away settles as closed, not as a timeout.
func (s *session) serve(ctx context.Context, req Request) {
	start := time.Now()
	key, c := s.pending.push(req)
	callCtx, cancel := context.WithTimeout(ctx, s.ctl.Opts.RPCTimeout)
	defer cancel()

	settled := make(chan struct{})
	go func() {
		defer close(settled)
		result, err := s.dispatch(callCtx, req)
		if !s.pending.resolve(key, result, err) {
			log.Warn().Err(err).Str("module", "signal").Str("peer", string(s.id)).Str("method", req.Method).Msg("late result dropped")
		}
	}()

	var (
		result any
		err    error
	)
	select {
	case <-c.done:
		result, err = c.result, c.err
	case <-callCtx.Done():
		if s.pending.pop(key) != nil {
			err = callCtx.Err()
		} else {
			<-c.done
			result, err = c.result, c.err
		}
	}
	err = s.settleErr(ctx, req, err)

	s.reply(ctx, req, result, err)
	<-settled

	code := "ok"
	switch {
	case errors.Is(err, ErrClosed):
		code = codeClosed
	case err != nil:
		code = string(core.CodeOf(err))
	}
	s.ctl.Metrics.ObserveRPC(metricMethod(req.Method), code, time.Since(start))
	ev := log.Debug()
	if err != nil {
		ev = log.Info().Err(err)
	}
	ev.Str("module", "signal").Str("peer", string(s.id)).Str("method", req.Method).Str("code", code).Dur("took", time.Since(start)).Msg("rpc")
}

// settleErr names a request cut short by its context: Timeout when the RPC
// deadline passed, ErrClosed when the connection went away. Errors that
// already carry a code are kept.
func (s *session) settleErr(ctx context.Context, req Request, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && core.CodeOf(err) == core.CodeInternal:
		return fmt.Errorf("%w: %s: %v", ErrClosed, req.Method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", core.ErrTimeout, req.Method, s.ctl.Opts.RPCTimeout)
	}
	return err
}

func (s *session) dispatch(ctx context.Context, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("peer", string(s.id)).Str("method", req.Method).Interface("panic", r).Msg("rpc panic")
			result, err = nil, fmt.Errorf("internal error in %s", req.Method)
		}
	}()

	switch req.Method {
	case orch.MethodJoinRoom:
		return s.join(ctx, req.Params)
	case orch.MethodLeaveRoom:
		s.leave()
		return orch.Success{Success: true}, nil
	}
	return s.ctl.Orch.Call(ctx, s.membership(), req.Method, req.Params)
}

func (s *session) join(ctx context.Context, raw json.RawMessage) (any, error) {
	switch s.State() {
	case StateJoined:
		return nil, core.ErrAlreadyJoined
	case StateLeaving, StateClosed:
		return nil, core.Protocolf("connection already left its room, reconnect to join again")
	}
	if s.ctl.Limiter != nil && !s.ctl.Limiter.Allow(s.token) {
		return nil, fmt.Errorf("%w: join", core.ErrRateLimited)
	}
	var p orch.JoinParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.Protocolf("join params: %v", err)
	}

	m, res, err := s.ctl.Orch.Join(ctx, s.id, p, s)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.member = m
	s.state = StateJoined
	s.mu.Unlock()
	return res, nil
}

// leave runs Joined -> Leaving -> Closed once; later calls are no-ops.
// The socket stays open afterwards: a repeated leave-room still succeeds and
// room methods answer PeerNotFound until the client hangs up.
func (s *session) leave() {
	s.mu.Lock()
	if s.state == StateLeaving || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	m := s.member
	s.member = nil
	s.state = StateLeaving
	s.mu.Unlock()

	s.ctl.Orch.Leave(m)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *session) reply(ctx context.Context, req Request, result any, err error) {
	data, encErr := s.dialect.EncodeResponse(req, result, err)
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "signal").Str("method", req.Method).Msg("encode response")
		data, _ = s.dialect.EncodeResponse(req, nil, fmt.Errorf("encode response: %v", encErr))
	}
	s.sendResponse(ctx, data, req.Method)
}

// close runs the disconnect cleanup after the last request has settled.
func (s *session) close() {
	s.leave()
	s.pending.releaseQueue(ErrClosed)
	s.conn.Close()
	log.Info().Str("module", "signal").Str("peer", string(s.id)).Str("sid", s.token).Msg("session closed")
}

// codeClosed labels requests abandoned because the connection went away.
const codeClosed = "Closed"

// metricMethod keeps the method label bounded.
func metricMethod(m string) string {
	if orch.IsMethod(m) {
		return m
	}
	return "unknown"
}
