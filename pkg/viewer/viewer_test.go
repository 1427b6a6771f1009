package viewer

import (
	"context"
	"net/url"
	gosync "sync"
	"testing"
	"time"

	"peercast/pkg/media"
	"peercast/pkg/notify"
	"peercast/pkg/peer"
	"peercast/pkg/peer/peertest"
	"peercast/pkg/signal"
	"peercast/pkg/signal/signaltest"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond

	offerFrame = `{"type":"offer","from":"broadcaster-1","payload":{"type":"offer","sdp":"v=0 remote-offer"}}`
)

type sink struct {
	mu       gosync.Mutex
	attached []*media.RemoteStream
	releases int
}

func (s *sink) Attach(stream *media.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached = append(s.attached, stream)
}

func (s *sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases++
}

func (s *sink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.attached), s.releases
}

type notes struct {
	mu  gosync.Mutex
	all []notify.Notification
}

func (n *notes) Notify(note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.all = append(n.all, note)
}

func (n *notes) list() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]notify.Notification(nil), n.all...)
}

type harness struct {
	v      *Viewer
	cfg    Config
	dialer *signaltest.Dialer
	peers  *peertest.Factory
	sink   *sink
	notes  *notes
}

func newHarness(t *testing.T, setup ...func(*harness)) *harness {
	t.Helper()

	origin, err := url.Parse("https://stream.example")
	require.NoError(t, err)

	h := &harness{
		dialer: &signaltest.Dialer{},
		peers:  &peertest.Factory{},
		sink:   &sink{},
		notes:  &notes{},
	}
	h.cfg = Config{
		Room:     "room",
		PeerID:   "viewer-1",
		Origin:   origin,
		Dialer:   h.dialer,
		Peers:    h.peers,
		Sink:     h.sink,
		Notifier: h.notes,
	}

	for _, fn := range setup {
		fn(h)
	}

	h.v = New(h.cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.v.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

func (h *harness) waitPhase(t *testing.T, phase Phase) State {
	t.Helper()

	var s State
	require.Eventually(t, func() bool {
		s = h.v.State()

		return s.Phase == phase
	}, waitFor, tick, "phase %s", phase)

	return s
}

func (h *harness) connected(t *testing.T) *signaltest.Link {
	t.Helper()

	h.v.Connect()
	h.waitPhase(t, PhaseWaitingOffer)

	link := h.dialer.Last()
	require.NotNil(t, link)
	require.True(t, link.Listening())

	return link
}

// answered delivers an offer and waits for the answer to go out.
func (h *harness) answered(t *testing.T, link *signaltest.Link) *peertest.Conn {
	t.Helper()

	before := len(link.SentOfType(signal.TypeAnswer))
	require.True(t, link.Deliver(offerFrame))

	require.Eventually(t, func() bool {
		return len(link.SentOfType(signal.TypeAnswer)) > before
	}, waitFor, tick)

	return h.peers.Last()
}

func TestConnectRequestsOffer(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	assert.Equal(t, []string{"wss://stream.example/ws?room=room&peer=viewer-1"}, h.dialer.Endpoints())
	assert.Len(t, link.SentOfType(signal.TypeViewerReady), 1)

	s := h.v.State()
	assert.Empty(t, s.LastError)
	assert.Empty(t, s.ConnState)
}

func TestConnectIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.dialer.Gate = gate
	})

	h.v.Connect()
	h.v.Connect()
	assert.Equal(t, PhaseConnecting, h.v.State().Phase)

	close(gate)
	h.waitPhase(t, PhaseWaitingOffer)

	h.v.Connect()

	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, PhaseWaitingOffer, h.v.State().Phase)
}

func TestConnectValidatesInput(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Room = "   "
	})

	h.v.Connect()

	s := h.v.State()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, ErrValidation.Error(), s.LastError)
	assert.Zero(t, h.dialer.Dials())

	got := h.notes.list()
	require.Len(t, got, 1)
	assert.Equal(t, notify.LevelWarning, got[0].Level)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	conn := h.answered(t, link)
	require.NotNil(t, conn)

	require.NotNil(t, conn.Remote())
	assert.Equal(t, "v=0 remote-offer", conn.Remote().SDP)
	require.NotNil(t, conn.Local())
	assert.Equal(t, webrtc.SDPTypeAnswer, conn.Local().Type)

	answer := link.SentOfType(signal.TypeAnswer)[0]
	assert.Equal(t, "broadcaster-1", answer.To)
	desc, ok := answer.Description()
	require.True(t, ok)
	assert.Equal(t, conn.Local().SDP, desc.SDP)

	s := h.v.State()
	assert.Equal(t, PhaseAnswering, s.Phase)
	assert.Equal(t, "broadcaster-1", s.Broadcaster)
	assert.Equal(t, peer.StateNew, s.ConnState)

	require.True(t, conn.EmitState(peer.StateConnected))
	s = h.waitPhase(t, PhaseWatching)
	assert.Equal(t, peer.StateConnected, s.ConnState)
}

func TestRenegotiationKeepsWatching(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	conn := h.answered(t, link)
	require.True(t, conn.EmitState(peer.StateConnected))
	h.waitPhase(t, PhaseWatching)

	again := h.answered(t, link)

	assert.Same(t, conn, again)
	assert.Equal(t, PhaseWatching, h.v.State().Phase)
}

func TestInvalidOffersAreIgnored(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	require.True(t, link.Deliver(`{"type":"offer","payload":{"type":"offer","sdp":"v=0"}}`))
	require.True(t, link.Deliver(`{"type":"offer","from":"broadcaster-1","payload":{"type":"answer","sdp":"v=0"}}`))
	require.True(t, link.Deliver(`{"type":"offer","from":"broadcaster-1","payload":{"type":"offer"}}`))
	require.True(t, link.Deliver(`{"type":"offer","from":"broadcaster-1"}`))

	s := h.v.State()
	assert.Equal(t, PhaseWaitingOffer, s.Phase)
	assert.Empty(t, s.LastError)
	assert.Empty(t, h.peers.Conns())
}

func TestFailedLinkIsRenegotiatedOnce(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)
	conn := h.answered(t, link)

	require.True(t, conn.EmitTrack(peertest.Track{TrackID: "video", Stream: "s1", Type: webrtc.RTPCodecTypeVideo}))
	require.Eventually(t, func() bool {
		return h.v.State().Stream != nil
	}, waitFor, tick)

	require.True(t, conn.EmitState(peer.StateFailed))

	require.Eventually(t, func() bool {
		return len(link.SentOfType(signal.TypeViewerReady)) == 2
	}, waitFor, tick)

	s := h.v.State()
	assert.Equal(t, PhaseWaitingOffer, s.Phase)
	assert.Equal(t, ErrPeerFailed.Error(), s.LastError)
	assert.Empty(t, s.ConnState)
	assert.Nil(t, s.Stream)
	assert.True(t, conn.Closed())

	_, releases := h.sink.counts()
	assert.Equal(t, 1, releases)

	// Nothing from the old link reaches the session any more.
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:late"}
	assert.False(t, conn.EmitCandidate(&candidate))
	assert.False(t, conn.EmitTrack(peertest.Track{TrackID: "audio", Stream: "s1", Type: webrtc.RTPCodecTypeAudio}))
	assert.False(t, conn.EmitState(peer.StateFailed))

	assert.Len(t, link.SentOfType(signal.TypeViewerReady), 2)
	assert.Empty(t, link.SentOfType(signal.TypeICE))

	// The next offer builds a new link.
	next := h.answered(t, link)
	assert.NotSame(t, conn, next)
}

func TestDisconnectedLinkRenegotiatesSilently(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)
	conn := h.answered(t, link)

	require.True(t, conn.EmitState(peer.StateDisconnected))

	require.Eventually(t, func() bool {
		return len(link.SentOfType(signal.TypeViewerReady)) == 2
	}, waitFor, tick)

	s := h.v.State()
	assert.Equal(t, PhaseWaitingOffer, s.Phase)
	assert.Empty(t, s.LastError)
	assert.Empty(t, h.notes.list())
	assert.True(t, conn.Closed())
}

func TestOfferFailureWaitsForNextOffer(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.peers.Configure = func(c *peertest.Conn) {
			c.SetRemoteErr = errors.New("bad sdp")
		}
	})
	link := h.connected(t)

	require.True(t, link.Deliver(offerFrame))

	require.Eventually(t, func() bool {
		return h.v.State().LastError != ""
	}, waitFor, tick)

	s := h.v.State()
	assert.Equal(t, PhaseWaitingOffer, s.Phase)
	assert.Contains(t, s.LastError, ErrOffer.Error())
	assert.True(t, h.peers.Last().Closed())
	assert.Empty(t, link.SentOfType(signal.TypeAnswer))
	assert.Len(t, link.SentOfType(signal.TypeViewerReady), 1)
}

func TestStaleOfferIsDropped(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.peers.Configure = func(c *peertest.Conn) {
			c.Gate = gate
		}
	})
	link := h.connected(t)

	require.True(t, link.Deliver(offerFrame))
	require.True(t, link.Deliver(`{"type":"broadcaster-left","from":"broadcaster-1"}`))
	h.waitPhase(t, PhaseWaitingOffer)

	close(gate)

	// Let the answer task finish and post its continuation.
	time.Sleep(20 * time.Millisecond)

	s := h.v.State()
	assert.Empty(t, link.SentOfType(signal.TypeAnswer))
	assert.Equal(t, PhaseWaitingOffer, s.Phase)
	assert.Empty(t, s.LastError)
}

func TestRemoteCandidates(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.peers.Configure = func(c *peertest.Conn) {
			c.ICEErr = errors.New("bad candidate")
		}
	})
	link := h.connected(t)

	// Candidates before any peer link are ignored.
	require.True(t, link.Deliver(`{"type":"ice","from":"broadcaster-1","payload":{"candidate":"candidate:1"}}`))
	assert.Empty(t, h.v.State().LastError)

	conn := h.answered(t, link)
	require.True(t, link.Deliver(`{"type":"ice","from":"broadcaster-1","payload":{"candidate":"candidate:2"}}`))

	require.Eventually(t, func() bool {
		return h.v.State().LastError != ""
	}, waitFor, tick)

	s := h.v.State()
	assert.Contains(t, s.LastError, ErrICE.Error())
	assert.Equal(t, PhaseAnswering, s.Phase)
	assert.False(t, conn.Closed())
}

func TestLocalCandidatesFollowTheAnswer(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.peers.Configure = func(c *peertest.Conn) {
			c.Gate = gate
		}
	})
	link := h.connected(t)

	require.True(t, link.Deliver(offerFrame))
	h.waitPhase(t, PhaseAnswering)

	conn := h.peers.Last()
	early := webrtc.ICECandidateInit{Candidate: "candidate:early"}
	require.True(t, conn.EmitCandidate(&early))
	require.True(t, conn.EmitCandidate(nil))

	require.Eventually(t, func() bool {
		var n int
		h.v.loop.Do(func() { n = len(h.v.current.pending) })

		return n == 1
	}, waitFor, tick)
	assert.Empty(t, link.SentOfType(signal.TypeICE))

	close(gate)

	require.Eventually(t, func() bool {
		return len(link.SentOfType(signal.TypeICE)) == 1
	}, waitFor, tick)

	var order []string
	for _, msg := range link.Sent() {
		switch msg.Type {
		case signal.TypeAnswer:
			order = append(order, "answer")
		case signal.TypeICE:
			assert.Equal(t, "broadcaster-1", msg.To)
			order = append(order, "ice")
		}
	}

	assert.Equal(t, []string{"answer", "ice"}, order)
}

func TestBroadcasterReadyRequestsOffer(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	require.True(t, link.Deliver(`{"type":"broadcaster-ready","from":"broadcaster-1"}`))

	require.Eventually(t, func() bool {
		return len(link.SentOfType(signal.TypeViewerReady)) == 2
	}, waitFor, tick)
}

func TestBroadcasterLeftKeepsLinkOpen(t *testing.T) {
	for _, frame := range []string{
		`{"type":"broadcaster-left","from":"broadcaster-1"}`,
		`{"type":"bye","from":"broadcaster-1"}`,
	} {
		h := newHarness(t)
		link := h.connected(t)
		conn := h.answered(t, link)

		require.True(t, link.Deliver(frame))

		require.Eventually(t, func() bool {
			return conn.Closed()
		}, waitFor, tick)

		s := h.v.State()
		assert.Equal(t, PhaseWaitingOffer, s.Phase)
		assert.Empty(t, s.ConnState)

		closed, _ := link.Closed()
		assert.False(t, closed)
		assert.Len(t, link.SentOfType(signal.TypeViewerReady), 1)
	}
}

func TestServerErrorText(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)

	require.True(t, link.Deliver(`{"type":"error","payload":{"message":"unknown room"}}`))
	require.Eventually(t, func() bool {
		return h.v.State().LastError == "unknown room"
	}, waitFor, tick)

	require.True(t, link.Deliver(`{"type":"error","message":"top level","payload":{"message":"nested"}}`))
	require.Eventually(t, func() bool {
		return h.v.State().LastError == "top level"
	}, waitFor, tick)

	require.True(t, link.Deliver(`{"type":"error"}`))
	require.Eventually(t, func() bool {
		return h.v.State().LastError == ErrSignaling.Error()
	}, waitFor, tick)
}

func TestRemoteTracksFormCompositeStream(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)
	conn := h.answered(t, link)

	require.True(t, conn.EmitTrack(peertest.Track{TrackID: "audio", Stream: "s1", Type: webrtc.RTPCodecTypeAudio}))
	require.True(t, conn.EmitTrack(peertest.Track{TrackID: "video", Stream: "s1", Type: webrtc.RTPCodecTypeVideo}))

	require.Eventually(t, func() bool {
		s := h.v.State()

		return s.Stream != nil && s.Stream.Len() == 2
	}, waitFor, tick)

	first := h.v.State().Stream
	assert.Equal(t, "s1", first.ID())

	require.True(t, conn.EmitTrack(peertest.Track{TrackID: "video", Stream: "s2", Type: webrtc.RTPCodecTypeVideo}))

	require.Eventually(t, func() bool {
		s := h.v.State()

		return s.Stream != nil && s.Stream.ID() == "s2"
	}, waitFor, tick)

	assert.Equal(t, 1, h.v.State().Stream.Len())

	attached, _ := h.sink.counts()
	assert.Equal(t, 3, attached)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)
	conn := h.answered(t, link)

	h.v.Disconnect()

	s := h.v.State()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.ConnState)
	assert.True(t, conn.Closed())
	assert.Len(t, link.SentOfType(signal.TypeViewerLeft), 1)

	closed, reason := link.Closed()
	assert.True(t, closed)
	assert.Equal(t, closeReason, reason)

	h.v.Disconnect()
	assert.Len(t, link.SentOfType(signal.TypeViewerLeft), 1)
	assert.Empty(t, h.notes.list())

	// A later connect opens a fresh link.
	second := h.connected(t)
	assert.NotSame(t, link, second)
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestDisconnectWhileDialingDropsLateLink(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness) {
		h.dialer.Gate = gate
	})

	h.v.Connect()
	h.v.Disconnect()
	close(gate)

	require.Eventually(t, func() bool {
		link := h.dialer.Last()
		if link == nil {
			return false
		}

		closed, _ := link.Closed()

		return closed
	}, waitFor, tick)

	assert.Equal(t, PhaseIdle, h.v.State().Phase)
	assert.False(t, h.dialer.Last().Listening())
}

func TestLinkCloseDescriptions(t *testing.T) {
	cases := []struct {
		name    string
		info    signal.CloseInfo
		warning string
	}{
		{"going away", signal.CloseInfo{Code: 1001}, "the broadcaster ended the session"},
		{"interrupted", signal.Unreachable(""), "network or server connection was interrupted (code: 1006)"},
		{"with reason", signal.CloseInfo{Code: 4000, Reason: "kicked"}, "kicked (code: 4000)"},
		{"own", signal.CloseInfo{Code: 1000, Reason: closeReason}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			link := h.connected(t)
			conn := h.answered(t, link)

			link.Drop(tc.info)

			s := h.waitPhase(t, PhaseIdle)
			assert.True(t, conn.Closed())
			assert.Empty(t, s.ConnState)

			if tc.warning == "" {
				assert.Empty(t, s.LastError)
				assert.Empty(t, h.notes.list())

				return
			}

			assert.Contains(t, s.LastError, tc.warning)

			got := h.notes.list()
			require.Len(t, got, 1)
			assert.Equal(t, notify.LevelWarning, got[0].Level)
		})
	}
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.dialer.Err = errors.New("connection refused")
	})

	h.v.Connect()

	require.Eventually(t, func() bool {
		return h.v.State().LastError != ""
	}, waitFor, tick)

	s := h.v.State()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Contains(t, s.LastError, "(code: 1006)")
}

func TestUnknownFramesLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	link := h.connected(t)
	h.answered(t, link)

	before := h.v.State()

	require.True(t, link.Deliver(`{"type":"dance"}`))
	require.True(t, link.Deliver(`{"type":"viewer-ready","from":"viewer-2"}`))
	require.True(t, link.Deliver(`{"type":"answer","from":"viewer-2","payload":{"type":"answer","sdp":"v=0"}}`))
	require.True(t, link.Deliver(`[1,2,3]`))

	assert.Equal(t, before, h.v.State())
	assert.Len(t, h.peers.Conns(), 1)
}
