package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (w *fakeWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seqs)
}

// chanSource feeds packets to a relay until closed.
type chanSource chan *rtp.Packet

func (c chanSource) read() (*rtp.Packet, error) {
	p, ok := <-c
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 1234}, Payload: []byte{1, 2, 3}}
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack("c1", &fakeWriter{})
	assert.Equal(t, TrackStateMuted, ot.GetState())

	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())

	ot.MarkDelete()
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState(), "delete is terminal")
	assert.Equal(t, "delete", ot.GetState().String())
}

func TestRelayForwardsOnlyToResumedTracks(t *testing.T) {
	m := NewRelayManager()
	m.Open("p1")

	resumed, muted := &fakeWriter{}, &fakeWriter{}
	otA, ok := m.AddSubscriber("p1", "a", resumed)
	require.True(t, ok)
	_, ok = m.AddSubscriber("p1", "b", muted)
	require.True(t, ok)
	otA.MarkOk()

	src := make(chanSource)
	require.True(t, m.StartRelay(context.Background(), "p1", src.read))
	assert.False(t, m.StartRelay(context.Background(), "p1", src.read), "second start is a no-op")

	for i := uint16(1); i <= 3; i++ {
		src <- pkt(i)
	}
	close(src)

	m.mu.RLock()
	relay := m.relays["p1"]
	m.mu.RUnlock()
	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("relay loop did not stop")
	}

	assert.Equal(t, []uint16{1, 2, 3}, resumed.seqs)
	assert.Zero(t, muted.count())
	assert.Equal(t, TrackStateDelete, otA.GetState(), "source end deletes all out tracks")
}

func TestRelayDropsFailingWriter(t *testing.T) {
	r := NewRelay("p1")
	bad := &fakeWriter{err: errors.New("closed pipe")}
	ot := NewOutTrack("c1", bad)
	ot.MarkOk()
	require.True(t, r.AddOutTrack(ot))

	logger := zerologNop()
	r.forward(pkt(1), logger)

	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.Zero(t, r.Len())
}

func TestRelayManagerLifecycle(t *testing.T) {
	m := NewRelayManager()
	_, ok := m.AddSubscriber("missing", "c1", &fakeWriter{})
	assert.False(t, ok)
	assert.False(t, m.StartRelay(context.Background(), "missing", chanSource(nil).read))

	m.Open("p1")
	assert.Same(t, m.Open("p1"), m.Open("p1"))
	ot, ok := m.AddSubscriber("p1", "c1", &fakeWriter{})
	require.True(t, ok)

	m.MarkSubscriberDelete("p1", "c1")
	assert.Equal(t, TrackStateDelete, ot.GetState())

	ot2, ok := m.AddSubscriber("p1", "c2", &fakeWriter{})
	require.True(t, ok)
	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	assert.Equal(t, TrackStateDelete, ot2.GetState())

	m.Open("p2")
	m.Open("p3")
	m.StopAll()
	assert.Zero(t, m.Len())
}

func TestStoppedRelayRejectsOutTracks(t *testing.T) {
	r := NewRelay("p1")
	r.Stop()
	ot := NewOutTrack("c1", &fakeWriter{})
	assert.False(t, r.AddOutTrack(ot))
	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.False(t, r.Start(context.Background(), chanSource(nil).read, zerologNop()))
}
