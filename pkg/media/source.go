package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
)

// ErrTrackStopped is returned when writing to a track of a released source.
var ErrTrackStopped = errors.New("track stopped")

// Track is one local audio or video track. It is attached to every peer
// link of a broadcast; the enabled flag is shared by all of them.
type Track struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(kind webrtc.RTPCodecType, mimeType, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s track", kind)
	}

	t := &Track{
		kind:  kind,
		local: local,
	}
	t.enabled.Store(true)

	return t, nil
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *Track) ID() string {
	return t.local.ID()
}

// Local is the pion side of the track, ready to be added to a peer link.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

func (t *Track) Stop() {
	t.stopped.Store(true)
}

// WriteSample forwards s to every bound peer link. Samples written while
// the track is disabled are dropped.
func (t *Track) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}

	if !t.enabled.Load() {
		return nil
	}

	return t.local.WriteSample(s)
}

// Source is the captured media of a broadcaster.
type Source struct {
	tracks []*Track

	releaseOnce sync.Once
	released    atomic.Bool
	onRelease   func()
}

// NewSource groups tracks; onRelease, if set, is called once when the
// source is released (capture pipelines use it to stop their pumps).
func NewSource(tracks []*Track, onRelease func()) *Source {
	return &Source{
		tracks:    tracks,
		onRelease: onRelease,
	}
}

func (s *Source) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *Source) AudioEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeAudio)
}

func (s *Source) VideoEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips every audio track. ok is false when there is none.
func (s *Source) ToggleAudio() (enabled, ok bool) {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

func (s *Source) ToggleVideo() (enabled, ok bool) {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

// Release stops all tracks. Only the first call has an effect.
func (s *Source) Release() {
	s.releaseOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}

		if s.onRelease != nil {
			s.onRelease()
		}

		s.released.Store(true)
	})
}

func (s *Source) Released() bool {
	return s.released.Load()
}

func (s *Source) enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t.Enabled()
		}
	}

	return false
}

func (s *Source) toggle(kind webrtc.RTPCodecType) (bool, bool) {
	var first *Track

	for _, t := range s.tracks {
		if t.kind == kind {
			first = t

			break
		}
	}

	if first == nil {
		return false, false
	}

	enabled := !first.Enabled()

	for _, t := range s.tracks {
		if t.kind == kind {
			t.SetEnabled(enabled)
		}
	}

	return enabled, true
}
