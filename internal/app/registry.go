package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/dkeye/Arena/internal/metrics"
	"github.com/rs/zerolog/log"
)

// WorkerSource hands out the worker for a new room.
type WorkerSource interface {
	Next() core.Worker
}

// RoomRegistry maps room ids to live rooms. It is the only structure shared
// across rooms; its lock is never held while a room lock is waited on by
// another path, and room locks never wait on it.
type RoomRegistry struct {
	workers WorkerSource
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[domain.RoomID]*Room
}

func NewRoomRegistry(workers WorkerSource, m *metrics.Metrics) *RoomRegistry {
	return &RoomRegistry{
		workers: workers,
		metrics: m,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

// GetOrCreate returns the live room for id or creates it on the next worker.
// The router is created outside the registry lock; concurrent callers for the
// same id wait for it. A closed room still in the map is waited out until its
// router is closed, so an id never has two live routers.
func (rr *RoomRegistry) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	for {
		rr.mu.Lock()
		r, ok := rr.rooms[id]
		if ok && !r.isClosed() {
			rr.mu.Unlock()
			return rr.await(ctx, r)
		}
		if ok {
			rr.mu.Unlock()
			select {
			case <-r.released:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r = newRoom(id, rr.workers.Next(), rr.Remove)
		rr.rooms[id] = r
		rr.mu.Unlock()
		return rr.open(ctx, r)
	}
}

func (rr *RoomRegistry) open(ctx context.Context, r *Room) (*Room, error) {
	router, err := r.worker.CreateRouter(ctx)
	if err != nil {
		r.initErr = fmt.Errorf("create router for room %s: %w", r.id, err)
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.ready)
		rr.Remove(r)
		log.Error().Err(err).Str("module", "app.registry").Str("room", string(r.id)).Msg("router create failed")
		return nil, r.initErr
	}
	r.router = router
	close(r.ready)
	rr.metrics.RoomOpened()
	log.Info().Str("module", "app.registry").Str("room", string(r.id)).Str("worker", r.worker.ID()).Str("router", router.ID()).Msg("room created")
	return r, nil
}

func (rr *RoomRegistry) await(ctx context.Context, r *Room) (*Room, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.initErr != nil {
		return nil, r.initErr
	}
	return r, nil
}

// Join puts a new peer into room id, creating the room if needed. If the room
// is released between lookup and join, the join is retried on a fresh room.
func (rr *RoomRegistry) Join(ctx context.Context, id domain.RoomID, peerID domain.PeerID, userID domain.UserID, role domain.Role, sink core.EventSink) (*Room, *Peer, error) {
	for {
		r, err := rr.GetOrCreate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		p, err := r.AddPeer(peerID, userID, role, sink)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			r.releaseIfEmpty()
			return nil, nil, err
		}
		return r, p, nil
	}
}

// Get returns the live room for id or ErrRoomNotFound.
func (rr *RoomRegistry) Get(id domain.RoomID) (*Room, error) {
	rr.mu.Lock()
	r, ok := rr.rooms[id]
	rr.mu.Unlock()
	if !ok || r.isClosed() {
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	select {
	case <-r.ready:
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	if r.initErr != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	return r, nil
}

// Remove closes an emptied room's router exactly once, then drops the entry
// if it still points at r. A join for the same id waits until both are done.
func (rr *RoomRegistry) Remove(r *Room) {
	<-r.ready
	r.closeOnce.Do(func() {
		defer close(r.released)
		if r.initErr == nil {
			if err := r.router.Close(); err != nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("room", string(r.id)).Msg("router close")
			}
			rr.metrics.RoomClosed()
			log.Info().Str("module", "app.registry").Str("room", string(r.id)).Msg("room removed")
		}
		rr.drop(r)
	})
}

func (rr *RoomRegistry) drop(r *Room) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if cur, ok := rr.rooms[r.id]; ok && cur == r {
		delete(rr.rooms, r.id)
	}
}

func (rr *RoomRegistry) Count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.rooms)
}

// List returns info for every live room ordered by id.
func (rr *RoomRegistry) List() []core.RoomInfo {
	out := make([]core.RoomInfo, 0)
	for _, r := range rr.snapshot() {
		if _, err := rr.Get(r.id); err != nil {
			continue
		}
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll tears every room down. Used on shutdown.
func (rr *RoomRegistry) CloseAll() {
	for _, r := range rr.snapshot() {
		r.shutdown()
	}
}

func (rr *RoomRegistry) snapshot() []*Room {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]*Room, 0, len(rr.rooms))
	for _, r := range rr.rooms {
		out = append(out, r)
	}
	return out
}
