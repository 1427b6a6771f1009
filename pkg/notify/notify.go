// Package notify carries human-readable failure and warning events out of
// the sessions. A Notifier never influences control flow.
package notify

import (
	"peercast/pkg/log"
)

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

type Notification struct {
	Level   Level
	Source  string
	Message string
}

type Notifier interface {
	Notify(Notification)
}

// Func adapts a plain function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	entry := log.WithField("source", n.Source)

	switch n.Level {
	case LevelError:
		entry.Error(n.Message)
	case LevelWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}
