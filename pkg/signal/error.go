package signal

import (
	"github.com/pkg/errors"
)

var (
	// ErrLinkClosed is returned by Send once the link has been closed by
	// either side.
	ErrLinkClosed = errors.New("signaling link closed")

	// ErrMalformedMessage is returned when an inbound frame is not a JSON
	// object with a string type.
	ErrMalformedMessage = errors.New("malformed signaling message")
)
