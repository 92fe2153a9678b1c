package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// ReadFunc returns the next packet of a producer's incoming track.
type ReadFunc func() (*rtp.Packet, error)

// Relay fans the packets of one producer out to its consumers.
type Relay struct {
	ProducerID string

	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	started   bool
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(producerID string) *Relay {
	return &Relay{
		ProducerID: producerID,
		outTracks:  make(map[string]*OutTrack),
		done:       make(chan struct{}),
	}
}

// Start runs the read loop in a goroutine. It is a no-op on a started or
// stopped relay.
func (r *Relay) Start(ctx context.Context, read ReadFunc, logger *zerolog.Logger) bool {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return false
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.mu.Unlock()

	go r.loop(ctx, read, logger)
	return true
}

// Done is closed when the loop exits.
func (r *Relay) Done() <-chan struct{} { return r.done }

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, read ReadFunc, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("relay read stopped")
			}
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateMuted:
		case TrackStateOk:
			// WriteRTP rewrites SSRC and payload type, so every writer gets its own copy.
			if err := ot.Track.WriteRTP(pkt.Clone()); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", consumerID).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// AddOutTrack reports false when the relay is already stopped.
func (r *Relay) AddOutTrack(ot *OutTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		ot.MarkDelete()
		return false
	}
	r.outTracks[ot.ConsumerID] = ot
	return true
}

func (r *Relay) OutTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Stop cancels the loop and deletes every OutTrack.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
