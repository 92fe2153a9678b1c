package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Arena/internal/domain"
)

// Engine creates media workers. Implementations wrap an external SFU engine.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

// Worker hosts routers. Once Done is closed the worker is unusable and Err
// reports why.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context) (Router, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// TransportOptions are passed to the engine when a transport is created.
type TransportOptions struct {
	Direction                       domain.Direction
	MaxIncomingBitrate              int
	InitialAvailableOutgoingBitrate int
}

// TransportParameters is what the client needs to set up its side of the transport.
type TransportParameters struct {
	ID             string           `json:"id"`
	Direction      domain.Direction `json:"direction,omitempty"`
	ICEParameters  json.RawMessage  `json:"iceParameters"`
	ICECandidates  json.RawMessage  `json:"iceCandidates"`
	DTLSParameters json.RawMessage  `json:"dtlsParameters"`
}

type ConnectOptions struct {
	DTLSParameters json.RawMessage
	// ICEParameters is optional; engines that are not ICE-lite need the remote credentials.
	ICEParameters json.RawMessage
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
	AppData       json.RawMessage
}

type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities json.RawMessage
	Paused          bool
}

// Router is the per-room routing context.
type Router interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume reports whether a peer with caps can receive the producer.
	CanConsume(producerID string, caps json.RawMessage) bool
	Close() error
}

// Transport closing cascades to every producer and consumer created on it.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RTPParameters() json.RawMessage
	Resume(ctx context.Context) error
	Close() error
}
