package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// RemoteTrack is a track received over a peer link. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream is the composite of the tracks a viewer receives from one
// broadcaster. It is handed to a Sink for playback.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string {
	return s.id
}

// Add appends t unless a track with the same kind and id is present.
func (s *RemoteStream) Add(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tracks {
		if existing.ID() == t.ID() && existing.Kind() == t.Kind() {
			return false
		}
	}

	s.tracks = append(s.tracks, t)

	return true
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tracks)
}

// Sink plays received media. Attach is called every time the composite
// stream changes; Release when the peer link is torn down.
type Sink interface {
	Attach(stream *RemoteStream)
	Release()
}

// DiscardSink ignores received media.
type DiscardSink struct{}

func (DiscardSink) Attach(*RemoteStream) {}

func (DiscardSink) Release() {}
