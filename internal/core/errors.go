package core

import (
	"context"
	"errors"
	"fmt"
)

// Code is the error identifier carried in RPC error responses.
type Code string

const (
	CodeRoomNotFound        Code = "RoomNotFound"
	CodePeerNotFound        Code = "PeerNotFound"
	CodeTransportNotFound   Code = "TransportNotFound"
	CodeProducerNotFound    Code = "ProducerNotFound"
	CodeConsumerNotFound    Code = "ConsumerNotFound"
	CodePermissionDenied    Code = "PermissionDenied"
	CodeEngineCannotConsume Code = "EngineCannotConsume"
	CodeProtocolError       Code = "ProtocolError"
	CodeAlreadyJoined       Code = "AlreadyJoined"
	CodeDuplicatePeer       Code = "DuplicatePeer"
	CodeTimeout             Code = "Timeout"
	CodeRateLimited         Code = "RateLimited"
	CodeInternal            Code = "Internal"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrEngineCannotConsume = errors.New("engine cannot consume")
	ErrProtocol            = errors.New("protocol error")
	ErrAlreadyJoined       = errors.New("already joined")
	ErrDuplicatePeer       = errors.New("duplicate peer")
	ErrTimeout             = errors.New("request timed out")
	ErrRateLimited         = errors.New("too many requests")

	// ErrWorkerDied is reported by a Worker whose engine process is gone.
	// Routing state on that worker cannot be recovered in-process.
	ErrWorkerDied = errors.New("media worker died")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrRoomNotFound, CodeRoomNotFound},
	{ErrPeerNotFound, CodePeerNotFound},
	{ErrTransportNotFound, CodeTransportNotFound},
	{ErrProducerNotFound, CodeProducerNotFound},
	{ErrConsumerNotFound, CodeConsumerNotFound},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrEngineCannotConsume, CodeEngineCannotConsume},
	{ErrProtocol, CodeProtocolError},
	{ErrAlreadyJoined, CodeAlreadyJoined},
	{ErrDuplicatePeer, CodeDuplicatePeer},
	{ErrTimeout, CodeTimeout},
	{context.DeadlineExceeded, CodeTimeout},
	{ErrRateLimited, CodeRateLimited},
}

// CodeOf maps an error chain to its wire code. Unknown errors are Internal.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Protocolf wraps ErrProtocol with details about the malformed message.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
