package signal

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKind(t *testing.T) {
	cases := map[string]Kind{
		"broadcaster-ready": KindBroadcasterReady,
		"viewer-ready":      KindViewerReady,
		"viewer-join":       KindViewerReady,
		"offer":             KindOffer,
		"answer":            KindAnswer,
		"ice":               KindICE,
		"viewer-left":       KindViewerLeft,
		"broadcaster-left":  KindBroadcasterLeft,
		"bye":               KindBye,
		"error":             KindError,
		"streams-info":      KindUnknown,
	}

	for typ, want := range cases {
		assert.Equal(t, want, Message{Type: typ}.Kind(), typ)
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"offer","from":"b","to":"v","payload":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindOffer, msg.Kind())
	assert.Equal(t, "b", msg.From)
	assert.Equal(t, "v", msg.To)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode([]byte(`{"from":"b"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMessageDescription(t *testing.T) {
	d, ok := Message{Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}.Description()
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeAnswer, d.Type)
	assert.Equal(t, "v=0", d.SDP)

	for _, payload := range []string{``, `null`, `"offer"`, `{"type":"offer"}`, `{"sdp":"v=0"}`, `{"type":"bogus","sdp":"v=0"}`} {
		_, ok := Message{Payload: json.RawMessage(payload)}.Description()
		assert.False(t, ok, payload)
	}
}

func TestMessageCandidate(t *testing.T) {
	c, ok := Message{Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)}.Candidate()
	require.True(t, ok)
	assert.Contains(t, c.Candidate, "10.0.0.1")
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)

	_, ok = Message{Payload: json.RawMessage(`42`)}.Candidate()
	assert.False(t, ok)
}

func TestMessageErrorText(t *testing.T) {
	assert.Equal(t, "top", Message{Message: "top", Payload: json.RawMessage(`{"message":"nested"}`)}.ErrorText())
	assert.Equal(t, "nested", Message{Payload: json.RawMessage(`{"message":"nested"}`)}.ErrorText())
	assert.Equal(t, "", Message{Payload: json.RawMessage(`{"message":42}`)}.ErrorText())
	assert.Equal(t, "", Message{}.ErrorText())
}

func TestNewMessageEncodesDescription(t *testing.T) {
	msg, err := NewMessage(TypeOffer, "viewer-1", DescriptionPayload(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0",
	}))
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","to":"viewer-1","payload":{"type":"offer","sdp":"v=0"}}`, string(raw))

	back, err := Decode(raw)
	require.NoError(t, err)

	d, ok := back.Description()
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, d.Type)

	bare, err := NewMessage(TypeViewerReady, "", nil)
	require.NoError(t, err)

	raw, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"viewer-ready"}`, string(raw))
}
