package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

// echoServer upgrades every request and echoes text frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	var upgrader websocket.Upgrader
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestOpenSendReceive(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	session, err := Open(context.Background(), wsURL(server), 2*time.Second)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Send([]byte(`{"hello":"relay"}`)))

	data, err := session.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"relay"}`, string(data))
}

func TestOpenRefused(t *testing.T) {
	// Grab a port and close the listener so nothing is accepting.
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	_, err := Open(context.Background(), url, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestOpenTimeout(t *testing.T) {
	// A server that never completes the WebSocket handshake.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	start := time.Now()
	_, err := Open(context.Background(), wsURL(server), 200*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.IsTransient(err))
}

func TestSendAfterCloseFails(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	session, err := Open(context.Background(), wsURL(server), 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, session.Close())

	err = session.Send([]byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSendFailed)
}

func TestReceiveAfterPeerCloses(t *testing.T) {
	var upgrader websocket.Upgrader
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	session, err := Open(context.Background(), wsURL(server), 2*time.Second)
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Receive()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestCloseIsIdempotent(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	session, err := Open(context.Background(), wsURL(server), 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, session.Close())
	assert.NoError(t, session.Close())
}

func TestConcurrentSends(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	session, err := Open(context.Background(), wsURL(server), 2*time.Second)
	require.NoError(t, err)
	defer session.Close()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- session.Send([]byte(`{"n":1}`))
		}()
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-done)
	}

	for i := 0; i < 10; i++ {
		_, err := session.Receive()
		require.NoError(t, err)
	}
}
