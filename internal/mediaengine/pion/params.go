package pion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// defaultAudioLevelID is assumed when the client's rtpParameters do
// not name an id for the ssrc-audio-level extension.
const defaultAudioLevelID = 1

// iceParametersJSON is the wire shape of ICE parameters.
type iceParametersJSON struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

// iceCandidateJSON is the wire shape of one local ICE candidate.
type iceCandidateJSON struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type dtlsFingerprintJSON struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// dtlsParametersJSON is the wire shape of DTLS parameters. Clients
// attach their ICE parameters alongside the fingerprints so the
// connect step carries everything the transport needs to start.
type dtlsParametersJSON struct {
	Role          string                `json:"role"`
	Fingerprints  []dtlsFingerprintJSON `json:"fingerprints"`
	ICEParameters *iceParametersJSON    `json:"iceParameters,omitempty"`
}

func marshalICEParameters(p webrtc.ICEParameters) json.RawMessage {
	raw, _ := json.Marshal(iceParametersJSON{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
	})
	return raw
}

func marshalICECandidates(candidates []webrtc.ICECandidate) json.RawMessage {
	out := make([]iceCandidateJSON, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, iceCandidateJSON{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	raw, _ := json.Marshal(out)
	return raw
}

func marshalDTLSParameters(p webrtc.DTLSParameters) json.RawMessage {
	fps := make([]dtlsFingerprintJSON, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, dtlsFingerprintJSON{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	raw, _ := json.Marshal(dtlsParametersJSON{Role: "auto", Fingerprints: fps})
	return raw
}

func parseDTLSParameters(raw json.RawMessage) (webrtc.DTLSParameters, *webrtc.ICEParameters, error) {
	var p dtlsParametersJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.DTLSParameters{}, nil, fmt.Errorf("parse dtlsParameters: %w", err)
	}
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, nil, fmt.Errorf("dtlsParameters: no fingerprints")
	}

	var role webrtc.DTLSRole
	switch p.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	default:
		role = webrtc.DTLSRoleAuto
	}

	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	var ice *webrtc.ICEParameters
	if p.ICEParameters != nil {
		ice = &webrtc.ICEParameters{
			UsernameFragment: p.ICEParameters.UsernameFragment,
			Password:         p.ICEParameters.Password,
		}
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fps}, ice, nil
}

// rtpCodecJSON is one codec entry of rtpParameters or rtpCapabilities.
type rtpCodecJSON struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

type rtpHeaderExtensionJSON struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type rtpEncodingJSON struct {
	SSRC uint32 `json:"ssrc"`
}

// rtpParametersJSON is the wire shape of producer rtpParameters and
// consumer rtpParameters.
type rtpParametersJSON struct {
	MID              string                   `json:"mid,omitempty"`
	Codecs           []rtpCodecJSON           `json:"codecs"`
	HeaderExtensions []rtpHeaderExtensionJSON `json:"headerExtensions,omitempty"`
	Encodings        []rtpEncodingJSON        `json:"encodings"`
}

type rtpCapabilitiesJSON struct {
	Codecs           []rtpCodecJSON           `json:"codecs"`
	HeaderExtensions []rtpHeaderExtensionJSON `json:"headerExtensions,omitempty"`
}

func parseRTPParameters(raw json.RawMessage) (rtpParametersJSON, error) {
	var p rtpParametersJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse rtpParameters: %w", err)
	}
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return p, fmt.Errorf("rtpParameters: missing encoding ssrc")
	}
	return p, nil
}

// audioLevelID returns the client's extension id for ssrc-audio-level.
func (p rtpParametersJSON) audioLevelID() uint8 {
	for _, ext := range p.HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return defaultAudioLevelID
}

// capsSupportMimeType reports whether client capabilities include a
// codec with the given mime type.
func capsSupportMimeType(raw json.RawMessage, mimeType string) bool {
	var caps rtpCapabilitiesJSON
	if err := json.Unmarshal(raw, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return true
		}
	}
	return false
}
