package rtc

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/Arena/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDTLSParameters(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		role    webrtc.DTLSRole
		wantErr bool
	}{
		{"client", `{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`, webrtc.DTLSRoleClient, false},
		{"server", `{"role":"server","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`, webrtc.DTLSRoleServer, false},
		{"auto when omitted", `{"fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`, webrtc.DTLSRoleAuto, false},
		{"no fingerprints", `{"role":"client","fingerprints":[]}`, 0, true},
		{"unknown role", `{"role":"peer","fingerprints":[{"algorithm":"sha-256","value":"AA"}]}`, 0, true},
		{"not json", `[`, 0, true},
		{"missing", ``, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeDTLSParameters(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, core.CodeProtocolError, core.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.role, got.Role)
			require.Len(t, got.Fingerprints, 1)
			assert.Equal(t, "sha-256", got.Fingerprints[0].Algorithm)
		})
	}
}

func TestDecodeICEParameters(t *testing.T) {
	got, err := decodeICEParameters(json.RawMessage(`{"usernameFragment":"u1","password":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UsernameFragment)
	assert.Equal(t, "p1", got.Password)

	_, err = decodeICEParameters(nil)
	assert.Equal(t, core.CodeProtocolError, core.CodeOf(err))
	_, err = decodeICEParameters(json.RawMessage(`{"usernameFragment":"u1"}`))
	assert.Equal(t, core.CodeProtocolError, core.CodeOf(err))
}

func TestEncodeTransportParameters(t *testing.T) {
	cands := encodeICECandidates([]webrtc.ICECandidate{{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       40000,
		Typ:        webrtc.ICECandidateTypeHost,
	}})
	assert.JSONEq(t,
		`[{"foundation":"1","priority":2130706431,"ip":"10.0.0.1","protocol":"udp","port":40000,"type":"host"}]`,
		string(cands))

	dtls := encodeDTLSParameters(webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleServer,
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	})
	assert.JSONEq(t, `{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"AA"}]}`, string(dtls))

	ice := encodeICEParameters(webrtc.ICEParameters{UsernameFragment: "u", Password: "p"})
	assert.JSONEq(t, `{"usernameFragment":"u","password":"p","iceLite":false}`, string(ice))
}

func TestFmtpLine(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t,
		"level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032",
		fmtpLine(map[string]any{
			"profile-level-id":        "4d0032",
			"packetization-mode":      1,
			"level-asymmetry-allowed": float64(1),
		}))
}

func TestRegisterCodecs(t *testing.T) {
	require.NoError(t, registerCodecs(&webrtc.MediaEngine{}, core.DefaultCodecs()))

	err := registerCodecs(&webrtc.MediaEngine{}, nil)
	assert.Error(t, err)

	err = registerCodecs(&webrtc.MediaEngine{}, []core.RTPCodec{{MimeType: "text/plain", ClockRate: 1000, PayloadType: 100}})
	assert.ErrorContains(t, err, "unknown kind")

	err = registerCodecs(&webrtc.MediaEngine{}, []core.RTPCodec{{MimeType: "audio/opus", ClockRate: 48000}})
	assert.ErrorContains(t, err, "no payload type")
}
