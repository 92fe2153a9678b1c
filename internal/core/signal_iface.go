package core

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Event is a server initiated notification, not correlated to any request.
type Event struct {
	Name string
	Data any
}

const (
	EventPeerJoined     = "peer-joined"
	EventPeerLeft       = "peer-left"
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
	EventConsumerClosed = "consumer-closed"
)

// EventSink delivers events to one peer. Delivery is best effort: no ack, no retry.
type EventSink interface {
	Notify(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Notify(ev Event) { f(ev) }
