package signal

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// CloseInfo describes how a signaling link ended.
type CloseInfo struct {
	Code   int
	Reason string
}

// Unreachable is used when the link never opened or dropped without a
// close frame.
func Unreachable(reason string) CloseInfo {
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: reason}
}

// IsOwn reports whether the close was initiated by this side with the
// given well-known reason.
func (c CloseInfo) IsOwn(ownReason string) bool {
	return c.Code == websocket.CloseNormalClosure && c.Reason == ownReason
}

// CloseTexts replaces the default description of particular close codes.
type CloseTexts map[int]string

// Describe renders a close for humans. An explicit reason wins, then a
// per-code override, then the built-in classification.
func (c CloseInfo) Describe(overrides CloseTexts) string {
	if c.Reason != "" {
		return fmt.Sprintf("%s (code: %d)", c.Reason, c.Code)
	}

	if text, ok := overrides[c.Code]; ok && text != "" {
		return text
	}

	switch c.Code {
	case websocket.CloseNormalClosure:
		return fmt.Sprintf("connection closed normally (code: %d)", c.Code)
	case websocket.CloseGoingAway:
		return fmt.Sprintf("connection closed by the remote side (code: %d)", c.Code)
	case websocket.CloseAbnormalClosure:
		return fmt.Sprintf("network or server connection was interrupted (code: %d)", c.Code)
	default:
		return fmt.Sprintf("connection ended (code: %d)", c.Code)
	}
}
