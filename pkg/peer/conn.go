package peer

import (
	"peercast/pkg/media"

	"github.com/pion/webrtc/v3"
)

// Conn is one negotiated media link to a single remote party. Callbacks may
// fire on any goroutine and stop firing once Close has been called.
type Conn interface {
	// AddTrack attaches a local track in send-only direction.
	AddTrack(track webrtc.TrackLocal) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate receives every locally gathered candidate; nil marks
	// the end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnStateChange(func(State))
	OnTrack(func(media.RemoteTrack))

	Close() error
}

type Factory interface {
	NewConn() (Conn, error)
}
