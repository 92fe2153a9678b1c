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

type JoinParams struct {
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	Role   string          `json:"role"`
	Device json.RawMessage `json:"device,omitempty"`
}

type JoinResult struct {
	RTPCapabilities   json.RawMessage     `json:"rtpCapabilities"`
	MyPeerID          domain.PeerID       `json:"myPeerId"`
	ExistingProducers []core.ProducerInfo `json:"existingProducers"`
}

// Join puts peerID into the requested room. Unknown roles are rejected here,
// never defaulted.
func (o *Orchestrator) Join(ctx context.Context, peerID domain.PeerID, p JoinParams, sink core.EventSink) (*Membership, JoinResult, error) {
	roomID, err := domain.ParseRoomID(p.RoomID)
	if err != nil {
		return nil, JoinResult{}, core.Protocolf("roomId: %v", err)
	}
	userID, err := domain.ParseUserID(p.UserID)
	if err != nil {
		return nil, JoinResult{}, core.Protocolf("userId: %v", err)
	}
	role, err := domain.ParseRole(p.Role)
	if err != nil {
		return nil, JoinResult{}, core.Protocolf("role: %v", err)
	}

	room, peer, err := o.Rooms.Join(ctx, roomID, peerID, userID, role, sink)
	if err != nil {
		return nil, JoinResult{}, err
	}
	o.Metrics.PeerJoined()
	room.Broadcast(peerID, core.Event{Name: core.EventPeerJoined, Data: peer.Member()})

	log.Info().
		Str("module", "orch").
		Str("room", string(roomID)).
		Str("peer", string(peerID)).
		Str("user", string(userID)).
		Str("role", role.String()).
		Msg("joined")

	return &Membership{Room: room, Peer: peer}, JoinResult{
		RTPCapabilities:   room.Router().RTPCapabilities(),
		MyPeerID:          peerID,
		ExistingProducers: room.ListProducers(peerID),
	}, nil
}

// Leave removes the peer and announces peer-left once. Safe to call again.
func (o *Orchestrator) Leave(m *Membership) bool {
	if m == nil || m.Room == nil || m.Peer == nil {
		return false
	}
	if !m.Room.RemovePeer(m.Peer.ID()) {
		return false
	}
	o.Metrics.PeerLeft()
	m.Room.Broadcast(m.Peer.ID(), core.Event{Name: core.EventPeerLeft, Data: core.PeerLeft{PeerID: m.Peer.ID()}})
	log.Info().Str("module", "orch").Str("room", string(m.Room.ID())).Str("peer", string(m.Peer.ID())).Msg("left")
	return true
}

type RoomParams struct {
	RoomID string `json:"roomId"`
}

type CapabilitiesResult struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ProducersResult struct {
	Producers []core.ProducerInfo `json:"producers"`
}

// room resolves an explicit roomId through the registry, or falls back to the
// joined room when it is omitted.
func (o *Orchestrator) room(m *Membership, roomID string) (*app.Room, error) {
	if roomID == "" {
		r, _, err := o.member(m)
		if err != nil {
			return nil, fmt.Errorf("%w: roomId missing", core.ErrRoomNotFound)
		}
		return r, nil
	}
	id, err := domain.ParseRoomID(roomID)
	if err != nil {
		return nil, core.Protocolf("roomId: %v", err)
	}
	return o.Rooms.Get(id)
}

func (o *Orchestrator) GetRouterRtpCapabilities(_ context.Context, m *Membership, p RoomParams) (CapabilitiesResult, error) {
	r, err := o.room(m, p.RoomID)
	if err != nil {
		return CapabilitiesResult{}, err
	}
	return CapabilitiesResult{RTPCapabilities: r.Router().RTPCapabilities()}, nil
}

func (o *Orchestrator) ListProducers(_ context.Context, m *Membership, p RoomParams) (ProducersResult, error) {
	r, err := o.room(m, p.RoomID)
	if err != nil {
		return ProducersResult{}, err
	}
	var self domain.PeerID
	if m != nil && m.Peer != nil {
		self = m.Peer.ID()
	}
	return ProducersResult{Producers: r.ListProducers(self)}, nil
}

// joinedRoom checks that roomId, when given, names the room the peer is in.
func (o *Orchestrator) joinedRoom(m *Membership, roomID string) (*app.Room, *app.Peer, error) {
	if roomID != "" {
		if _, err := o.room(m, roomID); err != nil {
			return nil, nil, err
		}
	}
	r, p, err := o.member(m)
	if err != nil {
		return nil, nil, err
	}
	if roomID != "" && string(r.ID()) != roomID {
		return nil, nil, fmt.Errorf("%w: peer %s is not in room %s", core.ErrPeerNotFound, p.ID(), roomID)
	}
	return r, p, nil
}
