package app

import (
	"fmt"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
)

// Operation is a media operation subject to role checks.
type Operation int

const (
	OpCreateSendTransport Operation = iota + 1
	OpCreateRecvTransport
	OpProduceAudio
	OpProduceVideo
	OpConsume
)

func (op Operation) String() string {
	switch op {
	case OpCreateSendTransport:
		return "create send transport"
	case OpCreateRecvTransport:
		return "create recv transport"
	case OpProduceAudio:
		return "produce audio"
	case OpProduceVideo:
		return "produce video"
	case OpConsume:
		return "consume"
	}
	return "unknown operation"
}

// TransportOp maps a transport direction to the operation being authorized.
func TransportOp(d domain.Direction) Operation {
	if d == domain.DirectionSend {
		return OpCreateSendTransport
	}
	return OpCreateRecvTransport
}

// ProduceOp maps a media kind to the operation being authorized.
func ProduceOp(k domain.MediaKind) Operation {
	if k == domain.KindVideo {
		return OpProduceVideo
	}
	return OpProduceAudio
}

// Authorizer is evaluated before a request reaches the media engine.
// A denial is always an error wrapping core.ErrPermissionDenied.
type Authorizer interface {
	Authorize(role domain.Role, op Operation) error
}

type table map[Operation]map[domain.Role]bool

var strictTable = table{
	OpCreateSendTransport: {domain.RoleSpeaker: true, domain.RoleModerator: true},
	OpCreateRecvTransport: {domain.RoleAudience: true, domain.RoleSpeaker: true, domain.RoleModerator: true},
	OpProduceAudio:        {domain.RoleSpeaker: true, domain.RoleModerator: true},
	OpProduceVideo:        {domain.RoleSpeaker: true, domain.RoleModerator: true},
	OpConsume:             {domain.RoleAudience: true, domain.RoleSpeaker: true, domain.RoleModerator: true},
}

func (t table) authorize(role domain.Role, op Operation) error {
	if t[op][role] {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", core.ErrPermissionDenied, role, op)
}

// StrictPolicy denies audience send transports at creation time.
type StrictPolicy struct{}

func (StrictPolicy) Authorize(role domain.Role, op Operation) error {
	return strictTable.authorize(role, op)
}

// LenientPolicy lets audience create a send transport; producing on it is
// still denied.
type LenientPolicy struct{}

func (LenientPolicy) Authorize(role domain.Role, op Operation) error {
	if op == OpCreateSendTransport && role == domain.RoleAudience {
		return nil
	}
	return strictTable.authorize(role, op)
}

// PolicyFor picks the policy from the audience_send_transport config value.
func PolicyFor(audienceSendTransport string) (Authorizer, error) {
	switch audienceSendTransport {
	case "", "deny":
		return StrictPolicy{}, nil
	case "allow":
		return LenientPolicy{}, nil
	}
	return nil, fmt.Errorf("policy: unknown audience_send_transport %q", audienceSendTransport)
}
