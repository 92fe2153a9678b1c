package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Arena/internal/app"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/metrics"
)

// RPC method names.
const (
	MethodJoinRoom                 = "join-room"
	MethodLeaveRoom                = "leave-room"
	MethodGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MethodCreateWebRtcTransport    = "createWebRtcTransport"
	MethodConnectWebRtcTransport   = "connectWebRtcTransport"
	MethodProduce                  = "produce"
	MethodConsume                  = "consume"
	MethodResumeConsumer           = "resumeConsumer"
	MethodCloseProducer            = "closeProducer"
	MethodListProducers            = "listProducers"
)

// Orchestrator carries the RPC semantics on top of rooms and peers. It is
// stateless per connection: the caller keeps the Membership returned by Join
// and passes it back on every call.
type Orchestrator struct {
	Rooms   *app.RoomRegistry
	Policy  app.Authorizer
	Metrics *metrics.Metrics

	MaxIncomingBitrate              int
	InitialAvailableOutgoingBitrate int
}

// Membership ties one connection to its peer in a room.
type Membership struct {
	Room *app.Room
	Peer *app.Peer
}

// Success is the result of calls that carry no data.
type Success struct {
	Success bool `json:"success"`
}

var success = Success{Success: true}

type handler func(o *Orchestrator, ctx context.Context, m *Membership, params json.RawMessage) (any, error)

func bind[P, R any](fn func(o *Orchestrator, ctx context.Context, m *Membership, p P) (R, error)) handler {
	return func(o *Orchestrator, ctx context.Context, m *Membership, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, core.Protocolf("params: %v", err)
			}
		}
		res, err := fn(o, ctx, m, p)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

var handlers = map[string]handler{
	MethodGetRouterRtpCapabilities: bind((*Orchestrator).GetRouterRtpCapabilities),
	MethodCreateWebRtcTransport:    bind((*Orchestrator).CreateWebRtcTransport),
	MethodConnectWebRtcTransport:   bind((*Orchestrator).ConnectWebRtcTransport),
	MethodProduce:                  bind((*Orchestrator).Produce),
	MethodConsume:                  bind((*Orchestrator).Consume),
	MethodResumeConsumer:           bind((*Orchestrator).ResumeConsumer),
	MethodCloseProducer:            bind((*Orchestrator).CloseProducer),
	MethodListProducers:            bind((*Orchestrator).ListProducers),
}

// IsMethod reports whether name is a known RPC method, join and leave included.
func IsMethod(name string) bool {
	if name == MethodJoinRoom || name == MethodLeaveRoom {
		return true
	}
	_, found := handlers[name]
	return found
}

// Call dispatches one RPC. join-room and leave-room change connection state
// and are handled by the caller, not here.
func (o *Orchestrator) Call(ctx context.Context, m *Membership, method string, params json.RawMessage) (any, error) {
	h, found := handlers[method]
	if !found {
		return nil, core.Protocolf("unknown method %q", method)
	}
	return h(o, ctx, m, params)
}

func (o *Orchestrator) member(m *Membership) (*app.Room, *app.Peer, error) {
	if m == nil || m.Room == nil || m.Peer == nil || !m.Room.Has(m.Peer) {
		return nil, nil, fmt.Errorf("%w: not joined", core.ErrPeerNotFound)
	}
	return m.Room, m.Peer, nil
}
