package signal

import (
	"encoding/json"

	"github.com/dkeye/Arena/internal/core"
)

// RPCDialect frames messages as {id, method, params} requests answered by
// {id, result} or {id, error}. Events go out as {event, data}.
type RPCDialect struct{}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type rpcEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (RPCDialect) Name() string { return "rpc" }

func (RPCDialect) Decode(data []byte) (Request, error) {
	var m rpcRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return Request{}, core.Protocolf("malformed message: %v", err)
	}
	req := Request{ID: m.ID, Method: m.Method, Params: m.Params}
	req.Addressable = len(m.ID) > 0 && string(m.ID) != "null"
	if !req.Addressable {
		return req, core.Protocolf("request without id")
	}
	if m.Method == "" {
		return req, core.Protocolf("request without method")
	}
	return req, nil
}

func (RPCDialect) EncodeResponse(req Request, result any, err error) ([]byte, error) {
	res := rpcResponse{ID: req.ID}
	if err != nil {
		body := errorBody(err)
		res.Error = &body
	} else {
		res.Result = result
		if result == nil {
			res.Result = struct{}{}
		}
	}
	return json.Marshal(res)
}

func (RPCDialect) EncodeEvent(ev core.Event) ([]byte, error) {
	return json.Marshal(rpcEvent{Event: ev.Name, Data: ev.Data})
}
