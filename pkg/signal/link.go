package signal

import (
	"context"
)

// Handler receives the inbound side of a Link. Both callbacks run on the
// link's reader goroutine; OnClose is called exactly once.
type Handler struct {
	OnMessage func(raw []byte)
	OnClose   func(CloseInfo)
}

// Link is an open, message-oriented channel to the signaling server. A
// closed Link is never reopened.
type Link interface {
	Send(Message) error

	// Listen starts delivering inbound frames to h. Only the first call
	// has an effect.
	Listen(h Handler)

	// Close performs a normal closure carrying reason.
	Close(reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Link, error)
}
