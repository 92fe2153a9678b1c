package rtc

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/domain"
	"github.com/pion/webrtc/v4"
)

type iceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type dtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParameters struct {
	Role         string            `json:"role"`
	Fingerprints []dtlsFingerprint `json:"fingerprints"`
}

func encodeICEParameters(p webrtc.ICEParameters) json.RawMessage {
	return core.MustMarshal(iceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite})
}

func encodeICECandidates(cands []webrtc.ICECandidate) json.RawMessage {
	out := make([]iceCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, iceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return core.MustMarshal(out)
}

func encodeDTLSParameters(p webrtc.DTLSParameters) json.RawMessage {
	out := dtlsParameters{Role: "auto"}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, dtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return core.MustMarshal(out)
}

func decodeICEParameters(raw json.RawMessage) (webrtc.ICEParameters, error) {
	if len(raw) == 0 {
		return webrtc.ICEParameters{}, core.Protocolf("iceParameters missing")
	}
	var p iceParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.ICEParameters{}, core.Protocolf("iceParameters: %v", err)
	}
	if p.UsernameFragment == "" || p.Password == "" {
		return webrtc.ICEParameters{}, core.Protocolf("iceParameters: usernameFragment and password required")
	}
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}, nil
}

func decodeDTLSParameters(raw json.RawMessage) (webrtc.DTLSParameters, error) {
	if len(raw) == 0 {
		return webrtc.DTLSParameters{}, core.Protocolf("dtlsParameters missing")
	}
	var p dtlsParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.DTLSParameters{}, core.Protocolf("dtlsParameters: %v", err)
	}
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, core.Protocolf("dtlsParameters: no fingerprints")
	}
	out := webrtc.DTLSParameters{}
	switch strings.ToLower(p.Role) {
	case "", "auto":
		out.Role = webrtc.DTLSRoleAuto
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSParameters{}, core.Protocolf("dtlsParameters: unknown role %q", p.Role)
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out, nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters in a stable key order.
func fmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func codecCapability(c core.RTPCodec) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: fmtpLine(c.Parameters),
	}
}

// registerCodecs loads the router codec set into a media engine.
func registerCodecs(m *webrtc.MediaEngine, codecs []core.RTPCodec) error {
	if len(codecs) == 0 {
		return fmt.Errorf("rtc: no codecs configured")
	}
	for _, c := range codecs {
		kind := c.KindOf()
		if kind != domain.KindAudio && kind != domain.KindVideo {
			return fmt.Errorf("rtc: codec %s has unknown kind", c.MimeType)
		}
		if c.PayloadType == 0 {
			return fmt.Errorf("rtc: codec %s has no payload type", c.MimeType)
		}
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PayloadType),
		}, codecType(kind))
		if err != nil {
			return fmt.Errorf("rtc: register %s: %w", c.MimeType, err)
		}
	}
	return nil
}
