package app

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/rs/zerolog/log"
)

// errRoomClosed is returned by AddPeer when the room emptied and was released
// between lookup and join. The caller retries on a fresh room.
var errRoomClosed = errors.New("room closed")

// Room owns one router and the peers joined to it. All peer membership and
// producer/consumer bookkeeping happens under mu; engine objects are closed
// after mu is released.
type Room struct {
	id        domain.RoomID
	createdAt time.Time
	worker    core.Worker

	// router and initErr are written once before ready is closed.
	ready   chan struct{}
	router  core.Router
	initErr error

	mu      sync.Mutex
	peers   map[domain.PeerID]*Peer
	closed  bool
	release func(*Room)

	closeOnce sync.Once
	// released is closed once the router is closed and the registry entry is gone.
	released chan struct{}
}

func newRoom(id domain.RoomID, worker core.Worker, release func(*Room)) *Room {
	return &Room{
		id:        id,
		createdAt: time.Now(),
		worker:    worker,
		ready:     make(chan struct{}),
		released:  make(chan struct{}),
		peers:     make(map[domain.PeerID]*Peer),
		release:   release,
	}
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() core.Router  { return r.router }
func (r *Room) CreatedAt() time.Time { return r.createdAt }
func (r *Room) Worker() core.Worker  { return r.worker }

// AddPeer registers a new peer. Fails with ErrDuplicatePeer if peerID is taken.
func (r *Room) AddPeer(peerID domain.PeerID, userID domain.UserID, role domain.Role, sink core.EventSink) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRoomClosed
	}
	if _, ok := r.peers[peerID]; ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicatePeer, peerID)
	}
	p := newPeer(peerID, userID, role, sink)
	r.peers[peerID] = p
	log.Info().Str("module", "app.room").Str("room", string(r.id)).Str("peer", string(peerID)).Str("role", role.String()).Msg("peer added")
	return p, nil
}

// RemovePeer closes the peer and drops it. Consumers that other peers hold on
// its producers are closed first, each with a consumer-closed to its owner.
// The last peer out releases the room. Returns false if the peer was not here.
func (r *Room) RemovePeer(peerID domain.PeerID) bool {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	var dropped []detachedConsumer
	for _, pr := range p.Producers() {
		dropped = append(dropped, r.detachConsumersLocked(pr.ID())...)
	}
	transports := p.detach()
	delete(r.peers, peerID)
	empty := len(r.peers) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	closeDetached(dropped)
	p.closeTransports(transports)
	log.Info().Str("module", "app.room").Str("room", string(r.id)).Str("peer", string(peerID)).Bool("empty", empty).Msg("peer removed")
	if empty && r.release != nil {
		r.release(r)
	}
	return true
}

// releaseIfEmpty hands an unused room back when a join never landed in it.
func (r *Room) releaseIfEmpty() {
	r.mu.Lock()
	empty := len(r.peers) == 0 && !r.closed
	if empty {
		r.closed = true
	}
	r.mu.Unlock()
	if empty && r.release != nil {
		r.release(r)
	}
}

// Has reports whether p is currently a member of the room.
func (r *Room) Has(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasLocked(p)
}

func (r *Room) hasLocked(p *Peer) bool {
	return !r.closed && r.peers[p.id] == p
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ListProducers returns every producer in the room except those of excludePeerID,
// ordered by peer then producer id.
func (r *Room) ListProducers(excludePeerID domain.PeerID) []core.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ProducerInfo, 0)
	for _, p := range r.peers {
		if p.id == excludePeerID {
			continue
		}
		for _, pr := range p.Producers() {
			out = append(out, producerInfo(p, pr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].ProducerID < out[j].ProducerID
	})
	return out
}

// FindProducer looks a producer up across all peers.
func (r *Room) FindProducer(producerID string) (*ProducerHandle, *Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findProducerLocked(producerID)
}

func (r *Room) findProducerLocked(producerID string) (*ProducerHandle, *Peer, bool) {
	for _, p := range r.peers {
		if pr, ok := p.Producer(producerID); ok {
			return pr, p, true
		}
	}
	return nil, nil, false
}

// AddTransport registers t on p if p is still in the room. On false the
// caller owns t and must close it.
func (r *Room) AddTransport(p *Peer, t *TransportHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasLocked(p) && p.AddTransport(t)
}

// AddProducer registers pr on p and announces it to the other peers.
func (r *Room) AddProducer(p *Peer, pr *ProducerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasLocked(p) || !p.AddProducer(pr) {
		return false
	}
	r.broadcastLocked(p.id, core.Event{Name: core.EventNewProducer, Data: producerInfo(p, pr)})
	return true
}

// AddConsumer registers c on p. The source producer must still be open,
// otherwise ErrProducerNotFound is returned and the caller closes c.
func (r *Room) AddConsumer(p *Peer, c *ConsumerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasLocked(p) {
		return core.ErrPeerNotFound
	}
	if _, _, ok := r.findProducerLocked(c.ProducerID()); !ok {
		return fmt.Errorf("%w: %s", core.ErrProducerNotFound, c.ProducerID())
	}
	if !p.AddConsumer(c) {
		return core.ErrPeerNotFound
	}
	return nil
}

// CloseProducer closes a producer owned by p. Every dependent consumer is
// removed from its owner with one consumer-closed each, then the rest of the
// room gets producer-closed.
func (r *Room) CloseProducer(p *Peer, producerID string) error {
	r.mu.Lock()
	if !r.hasLocked(p) {
		r.mu.Unlock()
		return core.ErrPeerNotFound
	}
	pr, ok := p.removeProducer(producerID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrProducerNotFound, producerID)
	}
	dropped := r.detachConsumersLocked(producerID)
	r.mu.Unlock()

	closeDetached(dropped)
	if err := pr.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.room").Str("room", string(r.id)).Str("producer", producerID).Msg("producer close")
	}
	r.Broadcast(p.id, core.Event{
		Name: core.EventProducerClosed,
		Data: core.ProducerClosed{PeerID: p.id, ProducerID: producerID},
	})
	return nil
}

// detachedConsumer is a consumer taken out of its owner, waiting to be closed.
type detachedConsumer struct {
	owner *Peer
	c     *ConsumerHandle
}

func (r *Room) detachConsumersLocked(producerID string) []detachedConsumer {
	var out []detachedConsumer
	for _, other := range r.peers {
		for _, cid := range other.consumersOf(producerID) {
			if c, ok := other.takeConsumer(cid); ok {
				out = append(out, detachedConsumer{owner: other, c: c})
			}
		}
	}
	return out
}

func closeDetached(dropped []detachedConsumer) {
	for _, d := range dropped {
		d.owner.closeConsumer(d.c)
	}
}

// Broadcast sends ev to every peer except from.
func (r *Room) Broadcast(from domain.PeerID, ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(from, ev)
}

func (r *Room) broadcastLocked(from domain.PeerID, ev core.Event) {
	for id, p := range r.peers {
		if id == from {
			continue
		}
		p.Notify(ev)
	}
}

func (r *Room) Info() core.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	producers := 0
	for _, p := range r.peers {
		_, n, _ := p.Counts()
		producers += n
	}
	return core.RoomInfo{
		ID:        r.id,
		PeerCount: len(r.peers),
		Producers: producers,
		WorkerID:  r.worker.ID(),
		CreatedAt: r.createdAt,
	}
}

// Members lists joined peers ordered by id.
func (r *Room) Members() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Member, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Member())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// shutdown closes all peers without announcing anything and releases the room.
func (r *Room) shutdown() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[domain.PeerID]*Peer)
	wasClosed := r.closed
	r.closed = true
	r.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	if !wasClosed && r.release != nil {
		r.release(r)
	}
}

func producerInfo(p *Peer, pr *ProducerHandle) core.ProducerInfo {
	return core.ProducerInfo{
		ProducerID: pr.ID(),
		PeerID:     p.id,
		UserID:     p.userID,
		Role:       p.role,
		Kind:       pr.Kind(),
	}
}
