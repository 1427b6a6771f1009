// Package signaltest provides in-memory signaling links for session tests.
package signaltest

import (
	"context"
	"encoding/json"
	"sync"

	"peercast/pkg/signal"
)

// Link records outbound messages and lets a test inject inbound frames and
// closes.
type Link struct {
	mu          sync.Mutex
	sent        []signal.Message
	handler     *signal.Handler
	closed      bool
	closeReason string
}

func (l *Link) Send(msg signal.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return signal.ErrLinkClosed
	}

	l.sent = append(l.sent, msg)

	return nil
}

func (l *Link) Listen(h signal.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handler == nil {
		l.handler = &h
	}
}

func (l *Link) Close(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		l.closeReason = reason
	}

	return nil
}

func (l *Link) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handler != nil
}

// Deliver hands a raw inbound frame to the listener. It reports false when
// nobody listens yet.
func (l *Link) Deliver(raw string) bool {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()

	if h == nil || h.OnMessage == nil {
		return false
	}

	h.OnMessage([]byte(raw))

	return true
}

// DeliverMessage encodes msg and delivers it.
func (l *Link) DeliverMessage(msg signal.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	return l.Deliver(string(raw))
}

// Drop simulates the server side ending the link.
func (l *Link) Drop(info signal.CloseInfo) {
	l.mu.Lock()
	l.closed = true
	h := l.handler
	l.mu.Unlock()

	if h != nil && h.OnClose != nil {
		h.OnClose(info)
	}
}

func (l *Link) Sent() []signal.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]signal.Message(nil), l.sent...)
}

func (l *Link) SentOfType(msgType string) []signal.Message {
	var out []signal.Message

	for _, msg := range l.Sent() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}

	return out
}

func (l *Link) Closed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed, l.closeReason
}

// Dialer hands out a fresh Link per Dial. Err makes every dial fail and a
// non-nil Gate holds dials until it is closed.
type Dialer struct {
	Err  error
	Gate chan struct{}

	mu        sync.Mutex
	links     []*Link
	endpoints []string
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (signal.Link, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.endpoints = append(d.endpoints, endpoint)

	if d.Err != nil {
		return nil, d.Err
	}

	link := &Link{}
	d.links = append(d.links, link)

	return link, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.endpoints)
}

func (d *Dialer) Endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.endpoints...)
}

// Last returns the most recently created link, or nil.
func (d *Dialer) Last() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.links) == 0 {
		return nil
	}

	return d.links[len(d.links)-1]
}
