// Package broadcast runs the broadcaster side of a room: it captures local
// media once and keeps one independent peer link per viewer.
package broadcast

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

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhasePreparingMedia Phase = "preparing-media"
	PhaseConnecting     Phase = "connecting"
	PhaseReady          Phase = "ready"
)

// closeReason marks links the broadcaster closed itself.
const closeReason = "broadcast finished"

var (
	ErrCapture   = errors.New("failed to acquire camera and microphone")
	ErrNoMedia   = errors.New("local media is not available")
	ErrOffer     = errors.New("failed to create offer")
	ErrAnswer    = errors.New("failed to apply viewer answer")
	ErrICE       = errors.New("failed to apply ICE candidate")
	ErrLinkLost  = errors.New("signaling connection closed")
	ErrSignaling = errors.New("signaling server reported an error")
)

type Config struct {
	Room   string
	PeerID string

	// SignalURL overrides the endpoint derived from Origin.
	SignalURL string
	Origin    *url.URL

	Capturer media.Capturer
	Dialer   signal.Dialer
	Peers    peer.Factory
	Notifier notify.Notifier
}

// State is a point-in-time copy of the session.
type State struct {
	Phase        Phase
	LastError    string
	Viewers      []ViewerSummary
	HasMedia     bool
	AudioEnabled bool
	VideoEnabled bool
}

// Broadcaster is driven by its own loop: every field below is touched only
// from loop functions.
type Broadcaster struct {
	cfg    Config
	logger *logrus.Entry
	loop   *sync.Loop
	ctx    context.Context

	phase     Phase
	lastError error
	epoch     uint64
	link      signal.Link
	media     *media.Source
	viewers   *registry

	audioEnabled bool
	videoEnabled bool
}

func New(cfg Config) *Broadcaster {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}

	cfg.Room = strings.TrimSpace(cfg.Room)
	cfg.PeerID = strings.TrimSpace(cfg.PeerID)

	logger := log.WithFields(log.Fields{"role": "broadcaster", "peer": cfg.PeerID})

	return &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		loop:    sync.NewLoop(64),
		ctx:     context.Background(),
		phase:   PhaseIdle,
		viewers: newRegistry(logger),
	}
}

// Run drives the session until ctx is cancelled, then stops the broadcast.
func (b *Broadcaster) Run(ctx context.Context) {
	b.ctx = ctx
	b.loop.Run(ctx, b.stop)
}

func (b *Broadcaster) Start() {
	b.loop.Do(b.start)
}

func (b *Broadcaster) Stop() {
	b.loop.Do(b.stop)
}

func (b *Broadcaster) ToggleAudio() {
	b.loop.Do(func() { b.toggle(webrtc.RTPCodecTypeAudio) })
}

func (b *Broadcaster) ToggleVideo() {
	b.loop.Do(func() { b.toggle(webrtc.RTPCodecTypeVideo) })
}

func (b *Broadcaster) State() State {
	var s State

	b.loop.Do(func() {
		s = State{
			Phase:        b.phase,
			Viewers:      b.viewers.snapshot(),
			HasMedia:     b.media != nil,
			AudioEnabled: b.audioEnabled,
			VideoEnabled: b.videoEnabled,
		}

		if b.lastError != nil {
			s.LastError = b.lastError.Error()
		}
	})

	return s
}

func (b *Broadcaster) start() {
	if b.phase != PhaseIdle {
		b.logger.Debugf("start ignored in phase %s", b.phase)

		return
	}

	b.epoch++
	epoch := b.epoch
	ctx := b.ctx

	b.phase = PhasePreparingMedia
	b.lastError = nil

	b.logger.Info("preparing media")

	b.loop.Go(func() func() {
		src, err := b.cfg.Capturer.Capture(ctx)

		return func() { b.onCaptured(epoch, src, err) }
	})
}

func (b *Broadcaster) onCaptured(epoch uint64, src *media.Source, err error) {
	if epoch != b.epoch || b.phase != PhasePreparingMedia {
		if src != nil {
			src.Release()
		}

		return
	}

	if err != nil {
		if src != nil {
			src.Release()
		}

		b.phase = PhaseIdle
		b.report(notify.LevelError, errors.Wrap(err, ErrCapture.Error()))

		return
	}

	b.media = src
	b.audioEnabled = src.AudioEnabled()
	b.videoEnabled = src.VideoEnabled()
	b.phase = PhaseConnecting

	endpoint := signal.ResolveURL(b.cfg.SignalURL, b.cfg.Origin, b.cfg.Room, b.cfg.PeerID)
	ctx := b.ctx

	b.logger.WithField("endpoint", endpoint).Info("connecting to signaling server")

	b.loop.Go(func() func() {
		link, err := b.cfg.Dialer.Dial(ctx, endpoint)

		return func() { b.onDialed(epoch, link, err) }
	})
}

func (b *Broadcaster) onDialed(epoch uint64, link signal.Link, err error) {
	if epoch != b.epoch || b.phase != PhaseConnecting {
		if link != nil {
			_ = link.Close(closeReason)
		}

		return
	}

	if err != nil {
		b.logger.WithError(err).Warn("signaling dial failed")
		b.onLinkClosed(epoch, signal.Unreachable(""))

		return
	}

	b.link = link
	b.phase = PhaseReady

	link.Listen(signal.Handler{
		OnMessage: func(raw []byte) {
			b.loop.Post(func() { b.onMessage(epoch, raw) })
		},
		OnClose: func(info signal.CloseInfo) {
			b.loop.Post(func() { b.onLinkClosed(epoch, info) })
		},
	})

	b.logger.Info("broadcast ready")
	b.send(signal.TypeBroadcasterReady, "", nil)
}

func (b *Broadcaster) onLinkClosed(epoch uint64, info signal.CloseInfo) {
	if epoch != b.epoch || (b.phase != PhaseConnecting && b.phase != PhaseReady) {
		return
	}

	b.epoch++
	b.link = nil
	b.viewers.clear()
	b.releaseMedia()
	b.phase = PhaseIdle

	if info.IsOwn(closeReason) {
		b.logger.Info("signaling link closed")

		return
	}

	b.report(notify.LevelWarning, errors.Wrap(ErrLinkLost, info.Describe(nil)))
}

func (b *Broadcaster) stop() {
	b.epoch++
	b.viewers.clear()

	if b.link != nil {
		if err := b.link.Close(closeReason); err != nil {
			b.logger.WithError(err).Debug("closing signaling link")
		}

		b.link = nil
	}

	b.releaseMedia()

	if b.phase != PhaseIdle {
		b.logger.Info("broadcast stopped")
	}

	b.phase = PhaseIdle
}

func (b *Broadcaster) releaseMedia() {
	if b.media == nil {
		return
	}

	b.media.Release()
	b.media = nil
}

func (b *Broadcaster) toggle(kind webrtc.RTPCodecType) {
	if b.media == nil {
		return
	}

	if kind == webrtc.RTPCodecTypeAudio {
		if enabled, ok := b.media.ToggleAudio(); ok {
			b.audioEnabled = enabled
			b.logger.Infof("audio enabled: %t", enabled)
		}

		return
	}

	if enabled, ok := b.media.ToggleVideo(); ok {
		b.videoEnabled = enabled
		b.logger.Infof("video enabled: %t", enabled)
	}
}

func (b *Broadcaster) onMessage(epoch uint64, raw []byte) {
	if epoch != b.epoch {
		return
	}

	msg, err := signal.Decode(raw)
	if err != nil {
		b.logger.WithError(err).Debug("ignoring signaling frame")

		return
	}

	switch msg.Kind() {
	case signal.KindViewerReady:
		if msg.From != "" {
			b.offer(msg.From)
		}
	case signal.KindAnswer:
		b.applyAnswer(msg)
	case signal.KindICE:
		b.applyCandidate(msg)
	case signal.KindViewerLeft, signal.KindBye:
		if b.viewers.evict(msg.From) {
			b.logger.WithField("viewer", msg.From).Info("viewer left")
		}
	case signal.KindError:
		if text := msg.ErrorText(); text != "" {
			b.report(notify.LevelError, errors.New(text))
		} else {
			b.report(notify.LevelError, ErrSignaling)
		}
	default:
		b.logger.Debugf("ignoring %q message", msg.Type)
	}
}

// offer (re)negotiates the peer link of one viewer.
func (b *Broadcaster) offer(peerID string) {
	logger := b.logger.WithField("viewer", peerID)

	if b.media == nil {
		b.report(notify.LevelError, ErrNoMedia)

		return
	}

	entry, err := b.ensureViewer(peerID)
	if err != nil {
		b.viewers.evict(peerID)
		b.report(notify.LevelError, errors.Wrapf(err, "%s for %s", ErrOffer, peerID))

		return
	}

	conn := entry.conn

	entry.strand.Go(func() func() {
		offer, err := conn.CreateOffer()
		if err == nil {
			err = conn.SetLocalDescription(offer)
		}

		return func() {
			if !b.viewers.owns(entry) {
				return
			}

			if err != nil {
				b.viewers.evict(peerID)
				b.report(notify.LevelError, errors.Wrapf(err, "%s for %s", ErrOffer, peerID))

				return
			}

			logger.Debug("sending offer")
			b.send(signal.TypeOffer, peerID, signal.DescriptionPayload(offer))

			entry.offerSent = true
			for _, c := range entry.pending {
				b.send(signal.TypeICE, peerID, c)
			}
			entry.pending = nil
		}
	})
}

func (b *Broadcaster) ensureViewer(peerID string) (*viewerEntry, error) {
	if entry := b.viewers.get(peerID); entry != nil {
		return entry, nil
	}

	conn, err := b.cfg.Peers.NewConn()
	if err != nil {
		return nil, err
	}

	for _, track := range b.media.Tracks() {
		if err := conn.AddTrack(track.Local()); err != nil {
			_ = conn.Close()

			return nil, errors.Wrapf(err, "attach %s track", track.Kind())
		}
	}

	entry := &viewerEntry{
		peerID: peerID,
		conn:   conn,
		state:  peer.StateNew,
		strand: sync.NewStrand(b.loop),
	}

	conn.OnStateChange(func(s peer.State) {
		b.loop.Post(func() { b.onViewerState(entry, s) })
	})
	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}

		candidate := *c
		b.loop.Post(func() { b.onLocalCandidate(entry, candidate) })
	})

	b.viewers.put(entry)
	b.logger.WithField("viewer", peerID).Info("viewer joined")

	return entry, nil
}

func (b *Broadcaster) onViewerState(entry *viewerEntry, s peer.State) {
	if !b.viewers.owns(entry) {
		return
	}

	b.viewers.setState(entry.peerID, s)
	b.logger.WithField("viewer", entry.peerID).Debugf("connection state %s", s)

	if s.Terminal() {
		b.viewers.evict(entry.peerID)
		b.logger.WithField("viewer", entry.peerID).Infof("viewer dropped (%s)", s)
	}
}

func (b *Broadcaster) onLocalCandidate(entry *viewerEntry, c webrtc.ICECandidateInit) {
	if !b.viewers.owns(entry) {
		return
	}

	if !entry.offerSent {
		entry.pending = append(entry.pending, c)

		return
	}

	b.send(signal.TypeICE, entry.peerID, c)
}

func (b *Broadcaster) applyAnswer(msg signal.Message) {
	entry := b.viewers.get(msg.From)
	if entry == nil {
		b.logger.WithField("viewer", msg.From).Debug("answer for unknown viewer")

		return
	}

	desc, ok := msg.Description()
	if !ok {
		b.logger.WithField("viewer", msg.From).Debug("answer without a valid description")

		return
	}

	conn := entry.conn

	entry.strand.Go(func() func() {
		err := conn.SetRemoteDescription(desc)

		return func() {
			if err == nil || !b.viewers.owns(entry) {
				return
			}

			b.viewers.evict(entry.peerID)
			b.report(notify.LevelError, errors.Wrapf(err, "%s from %s", ErrAnswer, entry.peerID))
		}
	})
}

func (b *Broadcaster) applyCandidate(msg signal.Message) {
	entry := b.viewers.get(msg.From)
	if entry == nil {
		return
	}

	candidate, ok := msg.Candidate()
	if !ok {
		b.logger.WithField("viewer", msg.From).Debug("ice message without a candidate")

		return
	}

	conn := entry.conn

	entry.strand.Go(func() func() {
		err := conn.AddICECandidate(candidate)

		return func() {
			if err == nil || !b.viewers.owns(entry) {
				return
			}

			b.report(notify.LevelError, errors.Wrapf(err, "%s from %s", ErrICE, entry.peerID))
		}
	})
}

func (b *Broadcaster) send(msgType, to string, payload any) {
	if b.link == nil {
		b.logger.Debugf("no signaling link, dropping %s", msgType)

		return
	}

	msg, err := signal.NewMessage(msgType, to, payload)
	if err != nil {
		b.logger.WithError(err).Errorf("encode %s", msgType)

		return
	}

	if err := b.link.Send(msg); err != nil {
		b.logger.WithError(err).Warnf("send %s", msgType)
	}
}

// report keeps err as the last error and hands it to the notifier.
func (b *Broadcaster) report(level notify.Level, err error) {
	b.lastError = err

	if level == notify.LevelError {
		b.logger.Error(err)
	} else {
		b.logger.Warn(err)
	}

	b.cfg.Notifier.Notify(notify.Notification{
		Level:   level,
		Source:  "broadcaster",
		Message: err.Error(),
	})
}
