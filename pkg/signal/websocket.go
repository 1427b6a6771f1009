package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"peercast/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Link, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	return NewWebSocketLink(conn), nil
}

// WebSocketLink implements Link on top of a gorilla websocket connection.
type WebSocketLink struct {
	conn *websocket.Conn

	writeMx sync.Mutex

	closeMx  sync.Mutex
	closed   bool
	ownClose *CloseInfo

	listenOnce sync.Once
	done       chan struct{}
}

func NewWebSocketLink(conn *websocket.Conn) *WebSocketLink {
	return &WebSocketLink{
		conn: conn,
		done: make(chan struct{}),
	}
}

func (l *WebSocketLink) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s", msg.Type)
	}

	if l.isClosed() {
		return ErrLinkClosed
	}

	l.writeMx.Lock()
	defer l.writeMx.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}

	return errors.Wrapf(l.conn.WriteMessage(websocket.TextMessage, payload), "send %s", msg.Type)
}

func (l *WebSocketLink) Listen(h Handler) {
	l.listenOnce.Do(func() {
		l.conn.SetPongHandler(func(string) error {
			return l.conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		go l.readLoop(h)
		go l.pingLoop()
	})
}

func (l *WebSocketLink) Close(reason string) error {
	l.closeMx.Lock()
	if l.closed {
		l.closeMx.Unlock()

		return nil
	}

	l.closed = true
	l.ownClose = &CloseInfo{Code: websocket.CloseNormalClosure, Reason: reason}
	l.closeMx.Unlock()

	l.writeMx.Lock()
	err := l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second),
	)
	l.writeMx.Unlock()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debugf("signaling close frame not sent: %v", err)
	}

	return l.conn.Close()
}

func (l *WebSocketLink) readLoop(h Handler) {
	info := Unreachable("")

	defer func() {
		close(l.done)

		if h.OnClose != nil {
			h.OnClose(info)
		}
	}()

	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			info = l.closeInfo(err)

			return
		}

		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			info = l.closeInfo(err)

			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (l *WebSocketLink) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if l.isClosed() {
				return
			}

			l.writeMx.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMx.Unlock()

			if err != nil {
				log.Debugf("signaling ping failed: %v", err)

				return
			}
		}
	}
}

func (l *WebSocketLink) closeInfo(err error) CloseInfo {
	l.closeMx.Lock()
	defer l.closeMx.Unlock()

	l.closed = true

	if l.ownClose != nil {
		return *l.ownClose
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		return CloseInfo{Code: closeErr.Code, Reason: closeErr.Text}
	}

	log.Debugf("signaling link dropped: %v", err)

	return Unreachable("")
}

func (l *WebSocketLink) isClosed() bool {
	l.closeMx.Lock()
	defer l.closeMx.Unlock()

	return l.closed
}
