// Package viewer runs the viewing side of a room: one peer link to the
// broadcaster that is renegotiated whenever it drops.
package viewer

import (
	"context"
	"net/url"
	"strings"

	"peercast/pkg/log"
	"peercast/pkg/media"
	"peercast/pkg/notify"
	"peercast/pkg/peer"
	"peercast/pkg/signal"
	"peercast/pkg/sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseWaitingOffer Phase = "waiting-offer"
	PhaseAnswering    Phase = "answering"
	PhaseWatching     Phase = "watching"
)

// closeReason marks links the viewer closed itself.
const closeReason = "viewer disconnected"

var closeTexts = signal.CloseTexts{
	websocket.CloseGoingAway: "the broadcaster ended the session",
}

var (
	ErrValidation = errors.New("room and peer id are required")
	ErrOffer      = errors.New("failed to process offer")
	ErrICE        = errors.New("failed to apply remote ICE candidate")
	ErrPeerFailed = errors.New("peer connection failed")
	ErrLinkLost   = errors.New("signaling connection closed")
	ErrSignaling  = errors.New("signaling server reported an error")
)

type Config struct {
	Room   string
	PeerID string

	// SignalURL overrides the endpoint derived from Origin.
	SignalURL string
	Origin    *url.URL

	Dialer   signal.Dialer
	Peers    peer.Factory
	Sink     media.Sink
	Notifier notify.Notifier
}

// State is a point-in-time copy of the session. ConnState is empty while
// there is no peer link.
type State struct {
	Phase       Phase
	Status      string
	LastError   string
	ConnState   peer.State
	Broadcaster string
	Stream      *media.RemoteStream
}

// session is one negotiation attempt with the broadcaster.
type session struct {
	conn        peer.Conn
	strand      *sync.Strand
	broadcaster string
	state       peer.State
	stream      *media.RemoteStream

	// Local candidates wait for the answer they belong to.
	answerSent bool
	pending    []webrtc.ICECandidateInit
}

// Viewer is driven by its own loop; see broadcast.Broadcaster.
type Viewer struct {
	cfg    Config
	logger *logrus.Entry
	loop   *sync.Loop
	ctx    context.Context

	phase     Phase
	status    string
	lastError error
	epoch     uint64
	link      signal.Link
	current   *session
}

func New(cfg Config) *Viewer {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}

	if cfg.Sink == nil {
		cfg.Sink = media.DiscardSink{}
	}

	return &Viewer{
		cfg:    cfg,
		logger: log.WithFields(log.Fields{"role": "viewer", "peer": strings.TrimSpace(cfg.PeerID)}),
		loop:   sync.NewLoop(64),
		ctx:    context.Background(),
		phase:  PhaseIdle,
		status: "not connected",
	}
}

// Run drives the session until ctx is cancelled, then disconnects.
func (v *Viewer) Run(ctx context.Context) {
	v.ctx = ctx
	v.loop.Run(ctx, v.disconnect)
}

func (v *Viewer) Connect() {
	v.loop.Do(v.connect)
}

func (v *Viewer) Disconnect() {
	v.loop.Do(v.disconnect)
}

func (v *Viewer) State() State {
	var s State

	v.loop.Do(func() {
		s = State{
			Phase:  v.phase,
			Status: v.status,
		}

		if v.lastError != nil {
			s.LastError = v.lastError.Error()
		}

		if v.current != nil {
			s.ConnState = v.current.state
			s.Broadcaster = v.current.broadcaster
			s.Stream = v.current.stream
		}
	})

	return s
}

func (v *Viewer) connect() {
	if v.phase != PhaseIdle {
		v.logger.Debugf("connect ignored in phase %s", v.phase)

		return
	}

	room := strings.TrimSpace(v.cfg.Room)
	peerID := strings.TrimSpace(v.cfg.PeerID)

	if room == "" || peerID == "" {
		v.status = ErrValidation.Error()
		v.report(notify.LevelWarning, ErrValidation)

		return
	}

	v.epoch++
	epoch := v.epoch
	ctx := v.ctx

	v.phase = PhaseConnecting
	v.status = "connecting to signaling server"
	v.lastError = nil

	endpoint := signal.ResolveURL(v.cfg.SignalURL, v.cfg.Origin, room, peerID)
	v.logger.WithField("endpoint", endpoint).Info("connecting to signaling server")

	v.loop.Go(func() func() {
		link, err := v.cfg.Dialer.Dial(ctx, endpoint)

		return func() { v.onDialed(epoch, link, err) }
	})
}

func (v *Viewer) onDialed(epoch uint64, link signal.Link, err error) {
	if epoch != v.epoch || v.phase != PhaseConnecting {
		if link != nil {
			_ = link.Close(closeReason)
		}

		return
	}

	if err != nil {
		v.logger.WithError(err).Warn("signaling dial failed")
		v.onLinkClosed(epoch, signal.Unreachable(""))

		return
	}

	v.link = link
	v.phase = PhaseWaitingOffer
	v.status = "waiting for an offer from the broadcaster"

	link.Listen(signal.Handler{
		OnMessage: func(raw []byte) {
			v.loop.Post(func() { v.onMessage(epoch, raw) })
		},
		OnClose: func(info signal.CloseInfo) {
			v.loop.Post(func() { v.onLinkClosed(epoch, info) })
		},
	})

	v.requestOffer()
}

func (v *Viewer) onLinkClosed(epoch uint64, info signal.CloseInfo) {
	if epoch != v.epoch || v.phase == PhaseIdle {
		return
	}

	v.epoch++
	v.link = nil
	v.teardown()
	v.phase = PhaseIdle
	v.status = "signaling connection closed"

	if info.IsOwn(closeReason) {
		v.logger.Info("signaling link closed")

		return
	}

	v.report(notify.LevelWarning, errors.Wrap(ErrLinkLost, info.Describe(closeTexts)))
}

func (v *Viewer) disconnect() {
	v.epoch++

	if v.link != nil {
		v.send(signal.TypeViewerLeft, "", nil)

		if err := v.link.Close(closeReason); err != nil {
			v.logger.WithError(err).Debug("closing signaling link")
		}

		v.link = nil
	}

	v.teardown()

	if v.phase != PhaseIdle {
		v.logger.Info("stopped watching")
		v.status = "stopped watching"
	}

	v.phase = PhaseIdle
}

// teardown closes the current peer link and releases received media.
func (v *Viewer) teardown() {
	s := v.current
	if s == nil {
		return
	}

	v.current = nil

	s.strand.Stop()
	s.pending = nil

	if err := s.conn.Close(); err != nil {
		v.logger.WithError(err).Debug("closing peer link")
	}

	v.cfg.Sink.Release()
}

// restart drops the peer link and asks the broadcaster for a fresh offer.
func (v *Viewer) restart() {
	v.teardown()
	v.phase = PhaseWaitingOffer
	v.requestOffer()
}

func (v *Viewer) requestOffer() {
	v.logger.Debug("requesting offer")
	v.send(signal.TypeViewerReady, "", nil)
}

func (v *Viewer) onMessage(epoch uint64, raw []byte) {
	if epoch != v.epoch {
		return
	}

	msg, err := signal.Decode(raw)
	if err != nil {
		v.logger.WithError(err).Debug("ignoring signaling frame")

		return
	}

	switch msg.Kind() {
	case signal.KindOffer:
		v.handleOffer(msg)
	case signal.KindICE:
		v.applyCandidate(msg)
	case signal.KindBroadcasterReady:
		v.status = "broadcaster is online, preparing connection"
		v.requestOffer()
	case signal.KindBye, signal.KindBroadcasterLeft:
		v.logger.Info("broadcast ended")
		v.teardown()
		v.phase = PhaseWaitingOffer
		v.status = "broadcast ended, waiting for it to resume"
	case signal.KindError:
		if text := msg.ErrorText(); text != "" {
			v.report(notify.LevelError, errors.New(text))
		} else {
			v.report(notify.LevelError, ErrSignaling)
		}
	default:
		v.logger.Debugf("ignoring %q message", msg.Type)
	}
}

func (v *Viewer) handleOffer(msg signal.Message) {
	if msg.From == "" {
		return
	}

	desc, ok := msg.Description()
	if !ok || desc.Type != webrtc.SDPTypeOffer {
		v.logger.WithField("from", msg.From).Debug("offer without a valid description")

		return
	}

	s, err := v.ensureSession()
	if err != nil {
		v.phase = PhaseWaitingOffer
		v.status = "failed to process offer"
		v.report(notify.LevelError, errors.Wrap(err, ErrOffer.Error()))

		return
	}

	from := msg.From
	s.broadcaster = from

	v.phase = PhaseAnswering
	v.status = "processing offer"

	conn := s.conn

	s.strand.Go(func() func() {
		err := conn.SetRemoteDescription(desc)

		var answer webrtc.SessionDescription
		if err == nil {
			answer, err = conn.CreateAnswer()
		}

		if err == nil {
			err = conn.SetLocalDescription(answer)
		}

		return func() {
			if v.current != s {
				return
			}

			if err != nil {
				v.teardown()
				v.phase = PhaseWaitingOffer
				v.status = "failed to process offer"
				v.report(notify.LevelError, errors.Wrap(err, ErrOffer.Error()))

				return
			}

			v.send(signal.TypeAnswer, from, signal.DescriptionPayload(answer))
			v.status = "answer sent, establishing connection"

			s.answerSent = true
			for _, c := range s.pending {
				v.send(signal.TypeICE, s.broadcaster, c)
			}
			s.pending = nil

			// A renegotiation of a live link does not produce another
			// connected event.
			if s.state == peer.StateConnected {
				v.phase = PhaseWatching
			}
		}
	})
}

func (v *Viewer) ensureSession() (*session, error) {
	if v.current != nil {
		return v.current, nil
	}

	conn, err := v.cfg.Peers.NewConn()
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:   conn,
		strand: sync.NewStrand(v.loop),
		state:  peer.StateNew,
	}

	conn.OnStateChange(func(state peer.State) {
		v.loop.Post(func() { v.onPeerState(s, state) })
	})
	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}

		candidate := *c
		v.loop.Post(func() { v.onLocalCandidate(s, candidate) })
	})
	conn.OnTrack(func(track media.RemoteTrack) {
		v.loop.Post(func() { v.onTrack(s, track) })
	})

	v.current = s

	return s, nil
}

func (v *Viewer) onPeerState(s *session, state peer.State) {
	if v.current != s {
		return
	}

	s.state = state
	v.logger.Debugf("connection state %s", state)

	switch state {
	case peer.StateConnected:
		v.phase = PhaseWatching
		v.status = "watching the broadcast"
	case peer.StateFailed:
		v.status = ErrPeerFailed.Error()
		v.report(notify.LevelError, ErrPeerFailed)
		v.restart()
	case peer.StateDisconnected, peer.StateClosed:
		v.status = "connection ended, waiting for the broadcast to resume"
		v.restart()
	}
}

func (v *Viewer) onLocalCandidate(s *session, c webrtc.ICECandidateInit) {
	if v.current != s {
		return
	}

	if s.broadcaster == "" {
		v.logger.Debug("no broadcaster for local candidate")

		return
	}

	if !s.answerSent {
		s.pending = append(s.pending, c)

		return
	}

	v.send(signal.TypeICE, s.broadcaster, c)
}

// onTrack folds received tracks into one composite stream. A track of a
// different stream starts a new composite.
func (v *Viewer) onTrack(s *session, track media.RemoteTrack) {
	if v.current != s {
		return
	}

	if s.stream == nil || s.stream.ID() != track.StreamID() {
		s.stream = media.NewRemoteStream(track.StreamID())
	}

	s.stream.Add(track)
	v.logger.Debugf("received %s track %s", track.Kind(), track.ID())

	v.cfg.Sink.Attach(s.stream)
}

func (v *Viewer) applyCandidate(msg signal.Message) {
	s := v.current
	if s == nil {
		return
	}

	candidate, ok := msg.Candidate()
	if !ok {
		v.logger.Debug("ice message without a candidate")

		return
	}

	conn := s.conn

	s.strand.Go(func() func() {
		err := conn.AddICECandidate(candidate)

		return func() {
			if err == nil || v.current != s {
				return
			}

			v.report(notify.LevelError, errors.Wrap(err, ErrICE.Error()))
		}
	})
}

func (v *Viewer) send(msgType, to string, payload any) {
	if v.link == nil {
		v.logger.Debugf("no signaling link, dropping %s", msgType)

		return
	}

	msg, err := signal.NewMessage(msgType, to, payload)
	if err != nil {
		v.logger.WithError(err).Errorf("encode %s", msgType)

		return
	}

	if err := v.link.Send(msg); err != nil {
		v.logger.WithError(err).Warnf("send %s", msgType)
	}
}

// report keeps err as the last error and hands it to the notifier.
func (v *Viewer) report(level notify.Level, err error) {
	v.lastError = err

	if level == notify.LevelError {
		v.logger.Error(err)
	} else {
		v.logger.Warn(err)
	}

	v.cfg.Notifier.Notify(notify.Notification{
		Level:   level,
		Source:  "viewer",
		Message: err.Error(),
	})
}
