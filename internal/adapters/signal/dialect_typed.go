package signal

import (
	"encoding/json"

	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/core"
)

// TypedDialect frames every message as {type, data}. A request is answered
// with a reply of the matching type; an optional requestId is echoed back.
type TypedDialect struct{}

type typedRoute struct {
	method string
	reply  string
}

var typedRoutes = map[string]typedRoute{
	"join-room":            {orch.MethodJoinRoom, "room-joined"},
	"leave-room":           {orch.MethodLeaveRoom, "left"},
	"get-rtp-capabilities": {orch.MethodGetRouterRtpCapabilities, "rtp-capabilities"},
	"create-transport":     {orch.MethodCreateWebRtcTransport, "transport-created"},
	"connect-transport":    {orch.MethodConnectWebRtcTransport, "transport-connected"},
	"produce":              {orch.MethodProduce, "produced"},
	"consume":              {orch.MethodConsume, "consumed"},
	"resume-consumer":      {orch.MethodResumeConsumer, "consumer-resumed"},
	"close-producer":       {orch.MethodCloseProducer, "producer-close-done"},
	"get-producers":        {orch.MethodListProducers, "producers-list"},
}

var typedReplies = func() map[string]string {
	m := make(map[string]string, len(typedRoutes))
	for _, r := range typedRoutes {
		m[r.method] = r.reply
	}
	return m
}()

type typedMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
}

type typedOut struct {
	Type      string          `json:"type"`
	Data      any             `json:"data"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
}

type typedError struct {
	ErrorBody
	Request string `json:"request,omitempty"`
}

func (TypedDialect) Name() string { return "typed" }

func (TypedDialect) Decode(data []byte) (Request, error) {
	var m typedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Request{}, core.Protocolf("malformed message: %v", err)
	}
	req := Request{ID: m.RequestID, Params: m.Data, Addressable: m.Type != ""}
	if m.Type == "" {
		return req, core.Protocolf("message without type")
	}
	route, ok := typedRoutes[m.Type]
	if !ok {
		req.Method = m.Type
		return req, core.Protocolf("unknown message type %q", m.Type)
	}
	req.Method = route.method
	return req, nil
}

func (TypedDialect) EncodeResponse(req Request, result any, err error) ([]byte, error) {
	out := typedOut{RequestID: req.ID}
	if err != nil {
		out.Type = "error"
		out.Data = typedError{ErrorBody: errorBody(err), Request: typedTypeOf(req.Method)}
		return json.Marshal(out)
	}
	out.Type = typedReplies[req.Method]
	out.Data = result
	if result == nil {
		out.Data = struct{}{}
	}
	return json.Marshal(out)
}

func (TypedDialect) EncodeEvent(ev core.Event) ([]byte, error) {
	return json.Marshal(typedOut{Type: ev.Name, Data: ev.Data})
}

// typedTypeOf maps a method back to the client-facing message type.
func typedTypeOf(method string) string {
	for typ, r := range typedRoutes {
		if r.method == method {
			return typ
		}
	}
	return method
}
