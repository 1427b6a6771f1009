package media

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"peercast/pkg/log"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"
)

const (
	streamID = "peercast"

	oggPageDuration = 20 * time.Millisecond
	opusSampleRate  = 48000
)

var (
	// ErrNoMedia is returned by a capturer that has nothing to capture.
	ErrNoMedia = errors.New("no media source configured")

	errUnsupportedCodec = errors.New("unsupported codec")
)

// Capturer acquires a local media source with audio and video tracks.
type Capturer interface {
	Capture(ctx context.Context) (*Source, error)
}

type CapturerFunc func(ctx context.Context) (*Source, error)

func (f CapturerFunc) Capture(ctx context.Context) (*Source, error) {
	return f(ctx)
}

// FileCapturer plays a VP8 IVF file and an Opus Ogg file as a live source.
// Either path may be empty. Playback restarts from the beginning at EOF.
type FileCapturer struct {
	VideoPath string
	AudioPath string
}

type frameSource func() (payload []byte, duration time.Duration, err error)

type pump struct {
	track  *Track
	file   *os.File
	next   frameSource
	rewind func() (frameSource, error)
	tick   time.Duration
}

func (c FileCapturer) Capture(ctx context.Context) (*Source, error) {
	if c.VideoPath == "" && c.AudioPath == "" {
		return nil, ErrNoMedia
	}

	var pumps []*pump

	cleanup := func() {
		for _, p := range pumps {
			p.track.Stop()
			p.file.Close()
		}
	}

	if c.VideoPath != "" {
		p, err := openVideo(c.VideoPath)
		if err != nil {
			return nil, err
		}

		pumps = append(pumps, p)
	}

	if c.AudioPath != "" {
		p, err := openAudio(c.AudioPath)
		if err != nil {
			cleanup()

			return nil, err
		}

		pumps = append(pumps, p)
	}

	if err := ctx.Err(); err != nil {
		cleanup()

		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	tracks := make([]*Track, 0, len(pumps))

	for _, p := range pumps {
		tracks = append(tracks, p.track)

		wg.Add(1)
		go func(p *pump) {
			defer wg.Done()
			defer p.file.Close()

			p.run(pumpCtx)
		}(p)
	}

	return NewSource(tracks, func() {
		cancel()
		wg.Wait()
	}), nil
}

func openVideo(path string) (*pump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open video")
	}

	newReader := func() (frameSource, time.Duration, error) {
		reader, header, err := ivfreader.NewWith(f)
		if err != nil {
			return nil, 0, errors.Wrap(err, "read ivf header")
		}

		if header.FourCC != "VP80" {
			return nil, 0, errors.Wrapf(errUnsupportedCodec, "ivf fourcc %q", header.FourCC)
		}

		tick := time.Second / 30
		if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
			tick = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
		}

		return func() ([]byte, time.Duration, error) {
			frame, _, err := reader.ParseNextFrame()

			return frame, tick, err
		}, tick, nil
	}

	next, tick, err := newReader()
	if err != nil {
		f.Close()

		return nil, err
	}

	track, err := NewTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "video", streamID)
	if err != nil {
		f.Close()

		return nil, err
	}

	return &pump{
		track: track,
		file:  f,
		next:  next,
		tick:  tick,
		rewind: func() (frameSource, error) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}

			next, _, err := newReader()

			return next, err
		},
	}, nil
}

func openAudio(path string) (*pump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open audio")
	}

	newReader := func() (frameSource, error) {
		reader, _, err := oggreader.NewWith(f)
		if err != nil {
			return nil, errors.Wrap(err, "read ogg header")
		}

		var lastGranule uint64

		return func() ([]byte, time.Duration, error) {
			page, header, err := reader.ParseNextPage()
			if err != nil {
				return nil, 0, err
			}

			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition

			return page, time.Duration(samples) * time.Second / opusSampleRate, nil
		}, nil
	}

	next, err := newReader()
	if err != nil {
		f.Close()

		return nil, err
	}

	track, err := NewTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "audio", streamID)
	if err != nil {
		f.Close()

		return nil, err
	}

	return &pump{
		track: track,
		file:  f,
		next:  next,
		tick:  oggPageDuration,
		rewind: func() (frameSource, error) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}

			return newReader()
		},
	}, nil
}

func (p *pump) run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, duration, err := p.next()
		if errors.Is(err, io.EOF) {
			if p.next, err = p.rewind(); err != nil {
				log.Errorf("rewind %s source: %v", p.track.Kind(), err)

				return
			}

			continue
		}

		if err != nil {
			log.Errorf("read %s source: %v", p.track.Kind(), err)

			return
		}

		err = p.track.WriteSample(media.Sample{Data: payload, Duration: duration})
		if errors.Is(err, ErrTrackStopped) {
			return
		}

		if err != nil {
			log.Debugf("write %s sample: %v", p.track.Kind(), err)
		}
	}
}
