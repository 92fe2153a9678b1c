package signal

import (
	"encoding/json"
	"sort"

	"github.com/dkeye/Arena/internal/core"
)

// Request is one decoded client message in dialect-neutral form.
type Request struct {
	// ID is echoed back verbatim. Empty when the client sent none.
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	// Addressable is false when no reply can be correlated to the message.
	Addressable bool
}

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	Code    core.Code `json:"code"`
	Message string    `json:"message"`
}

func errorBody(err error) ErrorBody {
	return ErrorBody{Code: core.CodeOf(err), Message: err.Error()}
}

// Dialect frames requests, responses and events for one wire protocol.
// The coordinator behind it is the same for every dialect.
type Dialect interface {
	Name() string
	// Decode parses a frame. On error the returned Request still carries
	// whatever correlation data could be recovered.
	Decode(data []byte) (Request, error)
	EncodeResponse(req Request, result any, err error) ([]byte, error)
	EncodeEvent(ev core.Event) ([]byte, error)
}

var dialects = map[string]Dialect{
	RPCDialect{}.Name():   RPCDialect{},
	TypedDialect{}.Name(): TypedDialect{},
}

// DialectByName returns a registered dialect.
func DialectByName(name string) (Dialect, bool) {
	d, ok := dialects[name]
	return d, ok
}

// DialectNames lists registered dialects.
func DialectNames() []string {
	out := make([]string, 0, len(dialects))
	for name := range dialects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
