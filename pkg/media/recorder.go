package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"peercast/pkg/log"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type codecTrack interface {
	Codec() webrtc.RTPCodecParameters
}

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Recorder is a Sink that writes received VP8 video to IVF and Opus audio
// to Ogg files under Dir. Tracks it cannot store are drained so the peer
// link keeps flowing. With an empty Dir every track is drained.
type Recorder struct {
	Dir string

	mu         sync.Mutex
	started    map[string]bool
	recordings []*recording
	seq        int
}

type recording struct {
	mu     sync.Mutex
	writer rtpWriter
	closed bool
}

func (r *Recorder) Attach(stream *RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started == nil {
		r.started = make(map[string]bool)
	}

	for _, track := range stream.Tracks() {
		key := track.Kind().String() + "/" + track.ID()
		if r.started[key] {
			continue
		}

		r.started[key] = true

		reader, ok := track.(rtpReader)
		if !ok {
			continue
		}

		rec, err := r.open(track)
		if err != nil {
			log.Errorf("record %s track %s: %v", track.Kind(), track.ID(), err)
		}

		r.recordings = append(r.recordings, rec)

		go rec.copy(reader)
	}
}

// Release closes every open recording.
func (r *Recorder) Release() {
	r.mu.Lock()
	recordings := r.recordings
	r.recordings = nil
	r.started = nil
	r.mu.Unlock()

	for _, rec := range recordings {
		rec.close()
	}
}

func (r *Recorder) open(track RemoteTrack) (*recording, error) {
	rec := &recording{}

	if r.Dir == "" {
		return rec, nil
	}

	mimeType := ""
	if c, ok := track.(codecTrack); ok {
		mimeType = c.Codec().MimeType
	}

	r.seq++

	var (
		writer rtpWriter
		err    error
	)

	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		writer, err = r.create(fmt.Sprintf("video-%d.ivf", r.seq), func(f *os.File) (rtpWriter, error) {
			return ivfwriter.NewWith(f)
		})
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		writer, err = r.create(fmt.Sprintf("audio-%d.ogg", r.seq), func(f *os.File) (rtpWriter, error) {
			return oggwriter.NewWith(f, opusSampleRate, 2)
		})
	default:
		log.Debugf("draining %s track %s with codec %q", track.Kind(), track.ID(), mimeType)
	}

	rec.writer = writer

	return rec, err
}

func (r *Recorder) create(name string, newWriter func(*os.File) (rtpWriter, error)) (rtpWriter, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create record dir")
	}

	path := filepath.Join(r.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create recording")
	}

	w, err := newWriter(f)
	if err != nil {
		f.Close()

		return nil, errors.Wrapf(err, "open writer for %s", path)
	}

	log.Infof("recording to %s", path)

	return w, nil
}

func (rec *recording) copy(reader rtpReader) {
	for {
		packet, _, err := reader.ReadRTP()
		if err != nil {
			rec.close()

			return
		}

		if !rec.write(packet) {
			return
		}
	}
}

func (rec *recording) write(packet *rtp.Packet) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.closed {
		return false
	}

	if rec.writer == nil {
		return true
	}

	if err := rec.writer.WriteRTP(packet); err != nil {
		log.Debugf("write rtp: %v", err)
	}

	return true
}

func (rec *recording) close() {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.closed {
		return
	}

	rec.closed = true

	if rec.writer != nil {
		if err := rec.writer.Close(); err != nil {
			log.Debugf("close recording: %v", err)
		}
	}
}
