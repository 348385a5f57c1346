package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gorilla/websocket"
)

const (
	defaultReadLimit        = 64 * 1024
	defaultHandshakeTimeout = 10 * time.Second
)

// TransportConfig holds the liveness and write bounds of websocket connections.
type TransportConfig struct {
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout * 5 / 12
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return &websocket.Upgrader{
		HandshakeTimeout: defaultHandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// websocketTransport adapts a gorilla connection to realtime.Transport. Send is only called from
// the connection's writer goroutine; pings and the close frame go through WriteControl, which
// gorilla allows concurrently with other writes.
type websocketTransport struct {
	conn      *websocket.Conn
	cfg       TransportConfig
	done      chan struct{}
	closeOnce sync.Once
}

func newWebsocketTransport(conn *websocket.Conn, cfg TransportConfig) *websocketTransport {
	cfg = cfg.withDefaults()
	transport := &websocketTransport{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	conn.SetReadLimit(cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	go transport.pingLoop()
	return transport
}

func (t *websocketTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", realtime.ErrTransportClosed, err)
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, t.classify(err)
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	return data, nil
}

func (t *websocketTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrTransportClosed, err)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return t.classify(err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *websocketTransport) Close(reason realtime.CloseReason) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		message := websocket.FormatCloseMessage(reason.Code, reason.Text)
		_ = t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(t.cfg.WriteTimeout))
		err = t.conn.Close()
	})
	return err
}

func (t *websocketTransport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *websocketTransport) classify(err error) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %v", realtime.ErrTransportClosed, err)
	default:
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", realtime.ErrTransportTimeout, err)
	}
	return fmt.Errorf("%w: %v", realtime.ErrTransportClosed, err)
}
