package broadcast

import (
	"sort"

	"peercast/pkg/peer"
	"peercast/pkg/sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// ViewerSummary is the observable part of a registry entry.
type ViewerSummary struct {
	PeerID string
	State  peer.State
}

// viewerEntry owns the peer link to one viewer.
type viewerEntry struct {
	peerID string
	conn   peer.Conn
	state  peer.State
	strand *sync.Strand

	// Local candidates are held back until the offer they belong to has
	// been sent.
	offerSent bool
	pending   []webrtc.ICECandidateInit
}

// registry maps viewer ids to their peer links. Only the Broadcaster loop
// touches it; entries never reference the registry back.
type registry struct {
	logger  *logrus.Entry
	entries map[string]*viewerEntry
}

func newRegistry(logger *logrus.Entry) *registry {
	return &registry{
		logger:  logger,
		entries: make(map[string]*viewerEntry),
	}
}

func (r *registry) get(peerID string) *viewerEntry {
	return r.entries[peerID]
}

func (r *registry) put(e *viewerEntry) {
	r.entries[e.peerID] = e
}

// owns reports whether e is still the registered entry for its viewer.
func (r *registry) owns(e *viewerEntry) bool {
	return e != nil && r.entries[e.peerID] == e
}

func (r *registry) setState(peerID string, state peer.State) bool {
	e, ok := r.entries[peerID]
	if !ok {
		return false
	}

	e.state = state

	return true
}

// evict closes the viewer's peer link and forgets it.
func (r *registry) evict(peerID string) bool {
	e, ok := r.entries[peerID]
	if !ok {
		return false
	}

	delete(r.entries, peerID)

	e.strand.Stop()
	e.pending = nil

	if err := e.conn.Close(); err != nil {
		r.logger.WithError(err).WithField("viewer", peerID).Debug("closing peer link")
	}

	return true
}

func (r *registry) clear() {
	for peerID := range r.entries {
		r.evict(peerID)
	}
}

func (r *registry) len() int {
	return len(r.entries)
}

func (r *registry) snapshot() []ViewerSummary {
	out := make([]ViewerSummary, 0, len(r.entries))

	for _, e := range r.entries {
		out = append(out, ViewerSummary{PeerID: e.peerID, State: e.state})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })

	return out
}
