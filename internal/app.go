package internal

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"

	"peercast/pkg/broadcast"
	"peercast/pkg/log"
	"peercast/pkg/media"
	"peercast/pkg/notify"
	"peercast/pkg/peer"
	"peercast/pkg/signal"
	"peercast/pkg/viewer"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	roleBroadcaster = "broadcaster"
	roleViewer      = "viewer"
)

type App struct {
	role        string
	room        string
	peerID      string
	signalURL   string
	origin      string
	stunServers []string
	turnServer  string
	turnUser    string
	turnPass    string
	forceRelay  bool
	videoFile   string
	audioFile   string
	recordDir   string
	logLevel    string
	envFile     string

	in  io.Reader
	out io.Writer

	broadcaster *broadcast.Broadcaster
	viewer      *viewer.Viewer
	console     *Console
}

func NewApp() *App {
	return &App{
		in:  os.Stdin,
		out: os.Stdout,
	}
}

func (a *App) Setup(args []string) (err error) {
	if err := a.parseCmdline(args); err != nil {
		return err
	}

	envFiles := defaultEnvFiles
	if a.envFile != "" {
		envFiles = []string{a.envFile}
	}

	if _, err := loadEnv(envFiles); err != nil {
		return errors.Wrap(err, "environment")
	}

	a.applyEnv()
	log.SetupLogger(a.logLevel)

	if a.peerID == "" {
		a.peerID = defaultPeerID(a.role)
	}

	origin, err := url.Parse(a.origin)
	if err != nil {
		return errors.Wrapf(err, "origin %q", a.origin)
	}

	factory, err := peer.NewWebRTCFactory(peer.WebRTCConfig{
		STUN:       a.stunServers,
		TURNServer: a.turnServer,
		TURNUser:   a.turnUser,
		TURNPass:   a.turnPass,
		ForceRelay: a.forceRelay,
	})
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	dialer := signal.WebSocketDialer{}
	a.console = NewConsole(a.out)

	switch a.role {
	case roleBroadcaster:
		a.broadcaster = broadcast.New(broadcast.Config{
			Room:      a.room,
			PeerID:    a.peerID,
			SignalURL: a.signalURL,
			Origin:    origin,
			Capturer: media.FileCapturer{
				VideoPath: a.videoFile,
				AudioPath: a.audioFile,
			},
			Dialer:   dialer,
			Peers:    factory,
			Notifier: notify.LogNotifier{},
		})
		a.bindBroadcaster()
	case roleViewer:
		a.viewer = viewer.New(viewer.Config{
			Room:      a.room,
			PeerID:    a.peerID,
			SignalURL: a.signalURL,
			Origin:    origin,
			Dialer:    dialer,
			Peers:     factory,
			Sink:      &media.Recorder{Dir: a.recordDir},
			Notifier:  notify.LogNotifier{},
		})
		a.bindViewer()
	default:
		return errors.Errorf("unknown role %q, expected %s or %s", a.role, roleBroadcaster, roleViewer)
	}

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting peercast, role: %s, room: %s, peer: %s", a.role, a.room, a.peerID)
	defer log.Info("Ending peercast")

	a.listenOS(cancel)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if a.broadcaster != nil {
			a.broadcaster.Run(ctx)
		} else {
			a.viewer.Run(ctx)
		}
	}()

	if a.broadcaster != nil {
		a.broadcaster.Start()
	} else {
		a.viewer.Connect()
	}

	go func() {
		if err := a.console.Run(ctx, a.in); err != nil {
			log.Errorf("console: %v", err)
		}

		cancel()
	}()

	<-ctx.Done()

	return nil
}

func (a *App) parseCmdline(args []string) error {
	flags := pflag.NewFlagSet("peercast", pflag.ContinueOnError)

	// Session options.
	flags.StringVarP(&a.role, "role", "r", roleViewer, "Session role: broadcaster or viewer")
	flags.StringVarP(&a.room, "room", "R", "", "Room to broadcast to or watch")
	flags.StringVarP(&a.peerID, "peer", "p", "", "Peer id announced to the signaling server (generated when empty)")

	// Signaling options.
	flags.StringVarP(&a.signalURL, "signal-url", "u", "", "Signaling WebSocket URL, overrides the one derived from --origin ($"+envSignalURL+")")
	flags.StringVarP(&a.origin, "origin", "o", "http://localhost:8080", "Origin the signaling endpoint is derived from")
	flags.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	flags.StringVar(&a.turnServer, "turn", "", "TURN server (host:port)")
	flags.StringVar(&a.turnUser, "turn-user", "", "TURN username")
	flags.StringVar(&a.turnPass, "turn-pass", "", "TURN password")
	flags.BoolVar(&a.forceRelay, "force-relay", false, "Only use TURN relayed candidates")

	// Media options.
	flags.StringVar(&a.videoFile, "video", "", "VP8 IVF file streamed as the broadcaster's camera")
	flags.StringVar(&a.audioFile, "audio", "", "Opus Ogg file streamed as the broadcaster's microphone")
	flags.StringVarP(&a.recordDir, "record-dir", "d", "", "Directory where a viewer stores received media (discarded when empty)")

	// Common options.
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "Log level: debug, info, warn or error ($"+envLogLevel+")")
	flags.StringVar(&a.envFile, "env-file", "", "Dotenv file to load instead of .env and ../.env")

	if err := flags.Parse(args); err != nil {
		return errors.Wrap(err, "command line")
	}

	a.role = strings.ToLower(strings.TrimSpace(a.role))

	return nil
}

// applyEnv fills options that were not given on the command line.
func (a *App) applyEnv() {
	if a.signalURL == "" {
		a.signalURL = strings.TrimSpace(os.Getenv(envSignalURL))
	}

	if a.logLevel == "" {
		a.logLevel = os.Getenv(envLogLevel)
	}
}

func (a *App) bindBroadcaster() {
	b := a.broadcaster

	a.console.Handle("start", "start broadcasting", func(io.Writer) { b.Start() })
	a.console.Handle("stop", "stop broadcasting", func(io.Writer) { b.Stop() })
	a.console.Handle("audio", "toggle the microphone", func(io.Writer) { b.ToggleAudio() })
	a.console.Handle("video", "toggle the camera", func(io.Writer) { b.ToggleVideo() })
	a.console.Handle("status", "show the broadcast state", func(out io.Writer) {
		printBroadcastState(out, b.State())
	})
}

func (a *App) bindViewer() {
	v := a.viewer

	a.console.Handle("connect", "join the room", func(io.Writer) { v.Connect() })
	a.console.Handle("disconnect", "leave the room", func(io.Writer) { v.Disconnect() })
	a.console.Handle("status", "show the viewer state", func(out io.Writer) {
		printViewerState(out, v.State())
	})
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}

func defaultPeerID(role string) string {
	return role + "-" + uuid.NewString()[:8]
}

func printBroadcastState(out io.Writer, s broadcast.State) {
	fmt.Fprintf(out, "phase: %s, audio: %t, video: %t, viewers: %d\n", s.Phase, s.AudioEnabled, s.VideoEnabled, len(s.Viewers))

	for _, v := range s.Viewers {
		fmt.Fprintf(out, "  %s: %s\n", v.PeerID, v.State)
	}

	if s.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", s.LastError)
	}
}

func printViewerState(out io.Writer, s viewer.State) {
	fmt.Fprintf(out, "phase: %s, status: %s\n", s.Phase, s.Status)

	if s.ConnState != "" {
		fmt.Fprintf(out, "broadcaster: %s, connection: %s\n", s.Broadcaster, s.ConnState)
	}

	if s.Stream != nil {
		fmt.Fprintf(out, "stream: %s (%d tracks)\n", s.Stream.ID(), s.Stream.Len())
	}

	if s.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", s.LastError)
	}
}
