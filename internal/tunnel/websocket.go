// Package tunnel carries bridge frames over WebSocket connections.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultPingTimeout  = 5 * time.Second
	DefaultReadLimit    = 4 << 20

	// close reasons are limited to 123 bytes by the protocol
	maxCloseReason = 123
)

// Options configure accepted WebSocket tunnels.
type Options struct {
	// OriginPatterns lists the allowed browser origins. "*" allows any.
	OriginPatterns []string
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// PingInterval enables keepalive pings; zero uses the default, a
	// negative value disables them.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// WebSocket is a tunnel backed by one WebSocket connection. Every text or
// binary message is one frame.
type WebSocket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	stopPing  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Accept upgrades an HTTP request into a tunnel.
func Accept(w http.ResponseWriter, r *http.Request, opts Options, logger *slog.Logger) (*WebSocket, error) {
	acceptOpts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	}
	for _, origin := range opts.OriginPatterns {
		if origin == "*" {
			acceptOpts.InsecureSkipVerify = true
			break
		}
	}
	if !acceptOpts.InsecureSkipVerify {
		acceptOpts.OriginPatterns = opts.OriginPatterns
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, err
	}
	return New(conn, opts, logger.With(slog.String("remote", r.RemoteAddr))), nil
}

// New wraps an established connection.
func New(conn *websocket.Conn, opts Options, logger *slog.Logger) *WebSocket {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocket{conn: conn, logger: logger, stopPing: cancel}

	interval := opts.PingInterval
	if interval == 0 {
		interval = DefaultPingInterval
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	if interval > 0 {
		go t.keepAlive(ctx, interval, timeout)
	}
	return t
}

// keepAlive pings the peer until ctx ends. A ping that times out closes
// the connection, which fails the pending read.
func (t *WebSocket) keepAlive(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := t.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				_ = t.conn.CloseNow()
				return
			}
		}
	}
}

// ReadFrame returns the next message.
func (t *WebSocket) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame sends frame as one text message.
func (t *WebSocket) WriteFrame(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// Close performs the closing handshake with a normal status.
func (t *WebSocket) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.stopPing()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		err := t.conn.Close(websocket.StatusNormalClosure, reason)
		if err != nil && !IsClosed(err) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// IsClosed reports whether err means the peer or the local side closed the
// connection, as opposed to a transport failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
