// Package peertest provides scriptable peer links for session tests.
package peertest

import (
	"fmt"
	"sync"

	"peercast/pkg/media"
	"peercast/pkg/peer"

	"github.com/pion/webrtc/v3"
)

// Conn records every negotiation step. The error fields make the matching
// step fail; a non-nil Gate holds CreateOffer and CreateAnswer until it is
// closed.
type Conn struct {
	ID int

	AddTrackErr  error
	OfferErr     error
	AnswerErr    error
	SetLocalErr  error
	SetRemoteErr error
	ICEErr       error
	Gate         chan struct{}

	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool

	candidateHandler func(*webrtc.ICECandidateInit)
	stateHandler     func(peer.State)
	trackHandler     func(media.RemoteTrack)
}

var _ peer.Conn = (*Conn)(nil)

func (c *Conn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.AddTrackErr != nil {
		return c.AddTrackErr
	}

	c.tracks = append(c.tracks, track)

	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.wait()

	if c.OfferErr != nil {
		return webrtc.SessionDescription{}, c.OfferErr
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", c.ID)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.wait()

	if c.AnswerErr != nil {
		return webrtc.SessionDescription{}, c.AnswerErr
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer-%d", c.ID)}, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SetLocalErr != nil {
		return c.SetLocalErr
	}

	c.local = &d

	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}

	c.remote = &d

	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ICEErr != nil {
		return c.ICEErr
	}

	c.candidates = append(c.candidates, candidate)

	return nil
}

func (c *Conn) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.candidateHandler = h
}

func (c *Conn) OnStateChange(h func(peer.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateHandler = h
}

func (c *Conn) OnTrack(h func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trackHandler = h
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.candidateHandler = nil
	c.stateHandler = nil
	c.trackHandler = nil

	return nil
}

// EmitState fires the state callback as the transport would. It reports
// false when no callback is registered (for instance after Close).
func (c *Conn) EmitState(s peer.State) bool {
	c.mu.Lock()
	h := c.stateHandler
	c.mu.Unlock()

	if h == nil {
		return false
	}

	h(s)

	return true
}

func (c *Conn) EmitCandidate(candidate *webrtc.ICECandidateInit) bool {
	c.mu.Lock()
	h := c.candidateHandler
	c.mu.Unlock()

	if h == nil {
		return false
	}

	h(candidate)

	return true
}

func (c *Conn) EmitTrack(track media.RemoteTrack) bool {
	c.mu.Lock()
	h := c.trackHandler
	c.mu.Unlock()

	if h == nil {
		return false
	}

	h(track)

	return true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Conn) Local() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local
}

func (c *Conn) Remote() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remote
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) wait() {
	if c.Gate != nil {
		<-c.Gate
	}
}

// Factory creates Conns. Configure, if set, runs on every new Conn before
// it is returned.
type Factory struct {
	Err       error
	Configure func(*Conn)

	mu    sync.Mutex
	conns []*Conn
}

var _ peer.Factory = (*Factory)(nil)

func (f *Factory) NewConn() (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	c := &Conn{ID: len(f.conns) + 1}
	if f.Configure != nil {
		f.Configure(c)
	}

	f.conns = append(f.conns, c)

	return c, nil
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Conn(nil), f.conns...)
}

func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		return nil
	}

	return f.conns[len(f.conns)-1]
}

// Track is a minimal media.RemoteTrack.
type Track struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return t.Type }
