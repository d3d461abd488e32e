// Package transport owns a single physical WebSocket connection to the relay
// endpoint. A Session knows how to send one frame and read the next one;
// request correlation and retry logic live above it.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

// Session wraps one open WebSocket connection. Writes are serialized
// internally; reads must come from a single goroutine (the inbound pump).
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Open dials the relay endpoint and returns an established session. The
// handshake must complete within timeout; a zero timeout means no limit.
func Open(ctx context.Context, url string, timeout time.Duration) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, classifyDialError(url, err)
	}

	return &Session{conn: conn}, nil
}

// classifyDialError maps a dial failure onto the connect error taxonomy.
func classifyDialError(url string, err error) error {
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.As(err, &netErr) && netErr.Timeout():
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrConnectTimeout, url),
			"Session", "Open", "dial relay")
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrConnectRefused, url),
			"Session", "Open", "dial relay")
	default:
		return errors.WrapTransient(err, "Session", "Open", "dial relay")
	}
}

// Send writes one text frame. It fails with ErrSendFailed once the session
// is closed or the underlying connection is broken.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return errors.ErrSendFailed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSendFailed, err),
			"Session", "Send", "write frame")
	}
	return nil
}

// Receive blocks until the next inbound frame arrives or the connection
// closes. Control frames are handled by the underlying library.
func (s *Session) Receive() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.closed.Load() {
			return nil, errors.ErrConnectionLost
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Session", "Receive", "read frame")
	}
	return data, nil
}

// Close tears down the connection. Safe to call more than once; only the
// first call sends the close handshake.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Best effort close handshake; the peer may already be gone.
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	return s.conn.Close()
}
