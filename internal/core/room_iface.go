package core

import (
	"time"

	"github.com/dkeye/Arena/internal/domain"
)

// ProducerInfo describes a publisher, used to let late joiners discover it.
type ProducerInfo struct {
	ProducerID string           `json:"producerId"`
	PeerID     domain.PeerID    `json:"peerId"`
	UserID     domain.UserID    `json:"userId"`
	Role       domain.Role      `json:"role"`
	Kind       domain.MediaKind `json:"kind"`
}

type RoomInfo struct {
	ID        domain.RoomID `json:"id"`
	PeerCount int           `json:"peer_count"`
	Producers int           `json:"producer_count"`
	WorkerID  string        `json:"worker"`
	CreatedAt time.Time     `json:"created_at"`
}

// Event payloads.

type PeerLeft struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerClosed struct {
	PeerID     domain.PeerID `json:"peerId"`
	ProducerID string        `json:"producerId"`
}

type ConsumerClosed struct {
	ConsumerID string `json:"consumerId"`
}
