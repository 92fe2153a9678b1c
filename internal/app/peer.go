package app

import (
	"sync"
	"time"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/rs/zerolog/log"
)

// TransportHandle is an engine transport with the direction fixed at creation.
type TransportHandle struct {
	core.Transport
	Direction domain.Direction

	seq uint64
}

// ProducerHandle is an engine producer owned by exactly one peer.
type ProducerHandle struct {
	core.Producer
	TransportID string
}

// ConsumerHandle is an engine consumer bound to one producer of another peer.
type ConsumerHandle struct {
	core.Consumer
	TransportID string
}

// Peer is the per-connection session state inside a room.
// Methods that mutate it are called with the owning room's lock held;
// the room lock is always taken before the peer lock. Engine objects are
// closed only after the room lock is released.
type Peer struct {
	id       domain.PeerID
	userID   domain.UserID
	role     domain.Role
	sink     core.EventSink
	joinedAt time.Time

	mu         sync.Mutex
	closed     bool
	seq        uint64
	transports map[string]*TransportHandle
	producers  map[string]*ProducerHandle
	consumers  map[string]*ConsumerHandle
}

func newPeer(id domain.PeerID, userID domain.UserID, role domain.Role, sink core.EventSink) *Peer {
	return &Peer{
		id:         id,
		userID:     userID,
		role:       role,
		sink:       sink,
		joinedAt:   time.Now(),
		transports: make(map[string]*TransportHandle),
		producers:  make(map[string]*ProducerHandle),
		consumers:  make(map[string]*ConsumerHandle),
	}
}

func (p *Peer) ID() domain.PeerID     { return p.id }
func (p *Peer) UserID() domain.UserID { return p.userID }
func (p *Peer) Role() domain.Role     { return p.role }

func (p *Peer) Member() domain.Member {
	return domain.NewMember(p.id, p.userID, p.role)
}

// Notify delivers ev to this peer only. Best effort.
func (p *Peer) Notify(ev core.Event) {
	if p.sink != nil {
		p.sink.Notify(ev)
	}
}

func (p *Peer) AddTransport(t *TransportHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.seq++
	t.seq = p.seq
	p.transports[t.ID()] = t
	return true
}

func (p *Peer) Transport(id string) (*TransportHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

// TransportByDirection returns the oldest transport with direction d.
func (p *Peer) TransportByDirection(d domain.Direction) (*TransportHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found *TransportHandle
	for _, t := range p.transports {
		if t.Direction == d && (found == nil || t.seq < found.seq) {
			found = t
		}
	}
	return found, found != nil
}

func (p *Peer) AddProducer(pr *ProducerHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.producers[pr.ID()] = pr
	return true
}

func (p *Peer) Producer(id string) (*ProducerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *Peer) Producers() []*ProducerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ProducerHandle, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

func (p *Peer) removeProducer(id string) (*ProducerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	if ok {
		delete(p.producers, id)
	}
	return pr, ok
}

func (p *Peer) AddConsumer(c *ConsumerHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.ID()] = c
	return true
}

func (p *Peer) Consumer(id string) (*ConsumerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// consumersOf lists the consumer ids bound to producerID.
func (p *Peer) consumersOf(producerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, c := range p.consumers {
		if c.ProducerID() == producerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveConsumer drops a consumer whose source producer went away and tells
// this peer about it. Returns false if the consumer was already gone.
// Must not be called with the room lock held.
func (p *Peer) RemoveConsumer(id string) bool {
	c, ok := p.takeConsumer(id)
	if !ok {
		return false
	}
	p.closeConsumer(c)
	return true
}

func (p *Peer) takeConsumer(id string) (*ConsumerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	if ok {
		delete(p.consumers, id)
	}
	return c, ok
}

// closeConsumer closes a consumer already taken out of the peer and sends
// consumer-closed for it.
func (p *Peer) closeConsumer(c *ConsumerHandle) {
	id := c.ID()
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.peer").Str("peer", string(p.id)).Str("consumer", id).Msg("consumer close")
	}
	p.Notify(core.Event{Name: core.EventConsumerClosed, Data: core.ConsumerClosed{ConsumerID: id}})
}

// Close closes every owned transport. The engine cascades transport close to
// producers and consumers, so those are only forgotten here. Second call is a no-op.
func (p *Peer) Close() {
	p.closeTransports(p.detach())
}

// detach marks the peer closed and hands back its transports for closing
// once the room lock is released.
func (p *Peer) detach() map[string]*TransportHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	transports := p.transports
	p.transports = make(map[string]*TransportHandle)
	p.producers = make(map[string]*ProducerHandle)
	p.consumers = make(map[string]*ConsumerHandle)
	return transports
}

func (p *Peer) closeTransports(transports map[string]*TransportHandle) {
	for id, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.peer").Str("peer", string(p.id)).Str("transport", id).Msg("transport close")
		}
	}
}

// Counts returns the number of owned transports, producers and consumers.
func (p *Peer) Counts() (transports, producers, consumers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}
