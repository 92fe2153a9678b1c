package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dkeye/Arena/internal/domain"
)

// RTPCodec is the subset of a codec description both engines understand.
type RTPCodec struct {
	Kind        domain.MediaKind `json:"kind,omitempty"`
	MimeType    string           `json:"mimeType"`
	ClockRate   uint32           `json:"clockRate"`
	Channels    uint16           `json:"channels,omitempty"`
	PayloadType uint8            `json:"payloadType,omitempty"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
}

// KindOf derives the media kind from the mime type prefix when Kind is unset.
func (c RTPCodec) KindOf() domain.MediaKind {
	if c.Kind != "" {
		return c.Kind
	}
	if i := strings.IndexByte(c.MimeType, '/'); i > 0 {
		return domain.MediaKind(strings.ToLower(c.MimeType[:i]))
	}
	return ""
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// Supports reports whether any codec matches mime, case-insensitively.
func (c RTPCapabilities) Supports(mime string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mime) {
			return true
		}
	}
	return false
}

// FirstOfKind returns the first codec of the given kind.
func (c RTPCapabilities) FirstOfKind(kind domain.MediaKind) (RTPCodec, bool) {
	for _, codec := range c.Codecs {
		if codec.KindOf() == kind {
			return codec, true
		}
	}
	return RTPCodec{}, false
}

func ParseRTPCapabilities(raw json.RawMessage) (RTPCapabilities, error) {
	var caps RTPCapabilities
	if len(raw) == 0 {
		return caps, Protocolf("rtpCapabilities missing")
	}
	if err := json.Unmarshal(raw, &caps); err != nil {
		return caps, Protocolf("rtpCapabilities: %v", err)
	}
	return caps, nil
}

// RTPEncoding identifies one RTP stream of a producer or consumer.
type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// RTPParameters describe what a producer sends or a consumer receives.
type RTPParameters struct {
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings,omitempty"`
}

func ParseRTPParameters(raw json.RawMessage, kind domain.MediaKind) (RTPParameters, error) {
	var params RTPParameters
	if len(raw) == 0 {
		return params, Protocolf("rtpParameters missing")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, Protocolf("rtpParameters: %v", err)
	}
	if len(params.Codecs) == 0 {
		return params, Protocolf("rtpParameters: no codecs")
	}
	if got := params.Codecs[0].KindOf(); got != kind {
		return params, Protocolf("rtpParameters: codec %s does not match kind %s", params.Codecs[0].MimeType, kind)
	}
	return params, nil
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("core: marshal %T: %v", v, err))
	}
	return b
}

// DefaultCodecs is the router codec set used when none is configured.
func DefaultCodecs() []RTPCodec {
	return []RTPCodec{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
		{
			Kind: domain.KindVideo, MimeType: "video/H264", ClockRate: 90000, PayloadType: 102,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}
