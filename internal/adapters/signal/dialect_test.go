package signal

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCDialectDecode(t *testing.T) {
	d := RPCDialect{}
	tests := []struct {
		name        string
		in          string
		method      string
		addressable bool
		wantErr     bool
	}{
		{"numeric id", `{"id":7,"method":"produce","params":{"kind":"audio"}}`, "produce", true, false},
		{"string id", `{"id":"a1","method":"listProducers"}`, "listProducers", true, false},
		{"missing id", `{"method":"produce"}`, "produce", false, true},
		{"null id", `{"id":null,"method":"produce"}`, "produce", false, true},
		{"missing method", `{"id":3}`, "", true, true},
		{"garbage", `{"id":`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := d.Decode([]byte(tt.in))
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.addressable, req.Addressable)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRPCDialectEncode(t *testing.T) {
	d := RPCDialect{}
	req := Request{ID: json.RawMessage(`7`), Method: "produce"}

	out, err := d.EncodeResponse(req, orch.ProduceResult{ProducerID: "p1"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"result":{"producerId":"p1"}}`, string(out))

	out, err = d.EncodeResponse(req, nil, fmt.Errorf("%w: nope", core.ErrPermissionDenied))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"error":{"code":"PermissionDenied","message":"permission denied: nope"}}`, string(out))

	out, err = d.EncodeResponse(req, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"result":{}}`, string(out))

	out, err = d.EncodeEvent(core.Event{Name: core.EventPeerLeft, Data: core.PeerLeft{PeerID: "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"peer-left","data":{"peerId":"x"}}`, string(out))
}

func TestTypedDialectDecode(t *testing.T) {
	d := TypedDialect{}

	req, err := d.Decode([]byte(`{"type":"create-transport","data":{"direction":"send"},"requestId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, orch.MethodCreateWebRtcTransport, req.Method)
	assert.JSONEq(t, `{"direction":"send"}`, string(req.Params))
	assert.JSONEq(t, `"r1"`, string(req.ID))

	req, err = d.Decode([]byte(`{"type":"get-producers"}`))
	require.NoError(t, err)
	assert.Equal(t, orch.MethodListProducers, req.Method)
	assert.True(t, req.Addressable)

	req, err = d.Decode([]byte(`{"type":"dance"}`))
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.True(t, req.Addressable)

	req, err = d.Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.False(t, req.Addressable)
}

func TestTypedDialectEncode(t *testing.T) {
	d := TypedDialect{}

	out, err := d.EncodeResponse(Request{Method: orch.MethodConsume}, orch.ConsumeResult{ID: "c", ProducerID: "p", Kind: "video"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"consumed","data":{"id":"c","producerId":"p","kind":"video","rtpParameters":null}}`, string(out))

	out, err = d.EncodeResponse(Request{Method: orch.MethodJoinRoom, ID: json.RawMessage(`5`)}, nil, core.ErrAlreadyJoined)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","requestId":5,"data":{"code":"AlreadyJoined","message":"already joined","request":"join-room"}}`, string(out))

	out, err = d.EncodeEvent(core.Event{Name: core.EventConsumerClosed, Data: core.ConsumerClosed{ConsumerID: "c"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"consumer-closed","data":{"consumerId":"c"}}`, string(out))
}

func TestEveryTypedRouteHasReply(t *testing.T) {
	for typ, r := range typedRoutes {
		assert.True(t, orch.IsMethod(r.method), typ)
		assert.NotEmpty(t, typedReplies[r.method], typ)
		assert.Equal(t, typ, typedTypeOf(r.method))
	}
}

func TestDialectByName(t *testing.T) {
	d, ok := DialectByName("typed")
	require.True(t, ok)
	assert.Equal(t, "typed", d.Name())
	_, ok = DialectByName("soap")
	assert.False(t, ok)
	assert.Equal(t, []string{"rpc", "typed"}, DialectNames())
}
