package signal

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

const (
	TypeBroadcasterReady = "broadcaster-ready"
	TypeViewerReady      = "viewer-ready"
	TypeViewerJoin       = "viewer-join"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICE              = "ice"
	TypeViewerLeft       = "viewer-left"
	TypeBroadcasterLeft  = "broadcaster-left"
	TypeBye              = "bye"
	TypeError            = "error"
)

// Kind is the closed set of message types the sessions react to.
type Kind int

const (
	KindUnknown Kind = iota
	KindBroadcasterReady
	KindViewerReady
	KindOffer
	KindAnswer
	KindICE
	KindViewerLeft
	KindBroadcasterLeft
	KindBye
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindBroadcasterReady:
		return TypeBroadcasterReady
	case KindViewerReady:
		return TypeViewerReady
	case KindOffer:
		return TypeOffer
	case KindAnswer:
		return TypeAnswer
	case KindICE:
		return TypeICE
	case KindViewerLeft:
		return TypeViewerLeft
	case KindBroadcasterLeft:
		return TypeBroadcasterLeft
	case KindBye:
		return TypeBye
	case KindError:
		return TypeError
	default:
		return "unknown"
	}
}

// Message is one signaling frame. Servers put the text of their own errors
// in the top-level Message field; peers use Payload.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (m Message) Kind() Kind {
	switch m.Type {
	case TypeBroadcasterReady:
		return KindBroadcasterReady
	case TypeViewerReady, TypeViewerJoin:
		return KindViewerReady
	case TypeOffer:
		return KindOffer
	case TypeAnswer:
		return KindAnswer
	case TypeICE:
		return KindICE
	case TypeViewerLeft:
		return KindViewerLeft
	case TypeBroadcasterLeft:
		return KindBroadcasterLeft
	case TypeBye:
		return KindBye
	case TypeError:
		return KindError
	default:
		return KindUnknown
	}
}

type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Description decodes the payload as a session description. It reports
// false unless both type and sdp are present and the type is known.
func (m Message) Description() (webrtc.SessionDescription, bool) {
	if !isObject(m.Payload) {
		return webrtc.SessionDescription{}, false
	}

	var d description
	if err := json.Unmarshal(m.Payload, &d); err != nil {
		return webrtc.SessionDescription{}, false
	}

	if d.SDP == "" || d.Type == "" {
		return webrtc.SessionDescription{}, false
	}

	sdpType := webrtc.NewSDPType(d.Type)
	if sdpType == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, false
	}

	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}, true
}

// Candidate decodes the payload as an ICE candidate in the browser
// RTCIceCandidateInit shape.
func (m Message) Candidate() (webrtc.ICECandidateInit, bool) {
	if !isObject(m.Payload) {
		return webrtc.ICECandidateInit{}, false
	}

	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, false
	}

	return c, true
}

// ErrorText returns the server supplied error text, preferring the
// top-level field over payload.message. Empty when neither is set.
func (m Message) ErrorText() string {
	if text := strings.TrimSpace(m.Message); text != "" {
		return text
	}

	if !isObject(m.Payload) {
		return ""
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return ""
	}

	return strings.TrimSpace(body.Message)
}

func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	if msg.Type == "" {
		return Message{}, errors.Wrap(ErrMalformedMessage, "missing type")
	}

	return msg, nil
}

// NewMessage builds a message addressed to peer (empty for the whole room)
// with payload encoded as JSON. A nil payload is omitted.
func NewMessage(msgType, to string, payload any) (Message, error) {
	msg := Message{Type: msgType, To: to}

	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "encode %s payload", msgType)
	}

	msg.Payload = raw

	return msg, nil
}

// DescriptionPayload converts a session description to the wire shape.
func DescriptionPayload(d webrtc.SessionDescription) any {
	return description{Type: d.Type.String(), SDP: d.SDP}
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))

	return strings.HasPrefix(trimmed, "{")
}
