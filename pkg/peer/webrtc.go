package peer

import (
	"sync"
	"time"

	"peercast/pkg/log"
	"peercast/pkg/media"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type WebRTCConfig struct {
	STUN []string

	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// WebRTCFactory creates pion-backed peer links sharing one API instance.
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewWebRTCFactory(cfg WebRTCConfig) (*WebRTCFactory, error) {
	ice := make([]webrtc.ICEServer, 0, len(cfg.STUN)+1)

	for _, stun := range cfg.STUN {
		ice = append(ice, webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		})
	}

	if cfg.TURNServer != "" {
		ice = append(ice, webrtc.ICEServer{
			URLs:           []string{"turn:" + cfg.TURNServer},
			Username:       cfg.TURNUser,
			Credential:     cfg.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(
		orDefault(cfg.DisconnectedTimeout, 5*time.Second),
		orDefault(cfg.FailedTimeout, 25*time.Second),
		orDefault(cfg.KeepAliveInterval, 2*time.Second),
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	config := webrtc.Configuration{
		ICEServers: ice,
	}

	if cfg.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return &WebRTCFactory{api: api, config: config}, nil
}

func (f *WebRTCFactory) NewConn() (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	p := &WebRTC{conn: pc}

	pc.OnICECandidate(p.onConnICECandidate)
	pc.OnConnectionStateChange(p.onConnStateChange)
	pc.OnTrack(p.onConnTrack)

	return p, nil
}

// WebRTC adapts a pion PeerConnection to Conn.
type WebRTC struct {
	conn *webrtc.PeerConnection

	handlersMx       sync.Mutex
	candidateHandler func(*webrtc.ICECandidateInit)
	stateHandler     func(State)
	trackHandler     func(media.RemoteTrack)
}

func (p *WebRTC) AddTrack(track webrtc.TrackLocal) error {
	transceiver, err := p.conn.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return errors.Wrapf(err, "add %s track", track.Kind())
	}

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)

		for {
			if _, _, err := transceiver.Sender().Read(buf); err != nil {
				return
			}
		}
	}()

	return nil
}

func (p *WebRTC) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.conn.CreateOffer(nil)

	return offer, errors.Wrap(err, "create offer")
}

func (p *WebRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.conn.CreateAnswer(nil)

	return answer, errors.Wrap(err, "create answer")
}

func (p *WebRTC) SetLocalDescription(d webrtc.SessionDescription) error {
	return errors.Wrap(p.conn.SetLocalDescription(d), "set local description")
}

func (p *WebRTC) SetRemoteDescription(d webrtc.SessionDescription) error {
	return errors.Wrap(p.conn.SetRemoteDescription(d), "set remote description")
}

func (p *WebRTC) AddICECandidate(c webrtc.ICECandidateInit) error {
	return errors.Wrap(p.conn.AddICECandidate(c), "add ice candidate")
}

func (p *WebRTC) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.candidateHandler = h
}

func (p *WebRTC) OnStateChange(h func(State)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.stateHandler = h
}

func (p *WebRTC) OnTrack(h func(media.RemoteTrack)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.trackHandler = h
}

func (p *WebRTC) Close() error {
	p.handlersMx.Lock()
	p.candidateHandler = nil
	p.stateHandler = nil
	p.trackHandler = nil
	p.handlersMx.Unlock()

	return p.conn.Close()
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	p.handlersMx.Lock()
	h := p.candidateHandler
	p.handlersMx.Unlock()

	if h == nil {
		return
	}

	if candidate == nil {
		h(nil)

		return
	}

	c := candidate.ToJSON()
	h(&c)
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Debugf("connection state changed: %s", state)

	p.handlersMx.Lock()
	h := p.stateHandler
	p.handlersMx.Unlock()

	if h != nil {
		h(StateFromPion(state))
	}
}

func (p *WebRTC) onConnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.handlersMx.Lock()
	h := p.trackHandler
	p.handlersMx.Unlock()

	if h != nil {
		h(track)
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}
