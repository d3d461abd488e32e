package connection_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwzz3311/silent-agent-sub001/connection"
	"github.com/hwzz3311/silent-agent-sub001/errors"
	"github.com/hwzz3311/silent-agent-sub001/testutil"
	"github.com/hwzz3311/silent-agent-sub001/wire"
)

func newConnectedManager(t *testing.T, relay *testutil.Relay) *connection.Manager {
	t.Helper()

	m, err := connection.NewManager(relay.Config())
	require.NoError(t, err)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func echoRequest(name string, args map[string]any) wire.Request {
	return wire.Request{
		Method: wire.MethodExecuteTool,
		Params: wire.ExecuteParams{Name: name, Args: args},
	}
}

func TestConnectLifecycle(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	m, err := connection.NewManager(relay.Config())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, connection.StateDisconnected, m.State())
	assert.False(t, m.IsConnected())

	connected := make(chan map[string]any, 1)
	m.Bus().Subscribe(connection.EventConnected, func(payload map[string]any) {
		connected <- payload
	})

	info, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, info.State)
	assert.True(t, m.IsConnected())
	assert.False(t, info.ConnectedAt.IsZero())

	select {
	case payload := <-connected:
		assert.Contains(t, payload["url"], "ws://")
	case <-time.After(time.Second):
		t.Fatal("connected event not published")
	}

	// Connecting again while connected is a no-op.
	again, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, again.State)
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	relay := testutil.NewRelay()
	cfg := relay.Config()
	relay.Close()

	m, err := connection.NewManager(cfg)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, connection.StateDisconnected, m.State())
	assert.NotEmpty(t, m.Info().LastError)
}

func TestSendAndWaitRoundTrip(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Handle("echo", func(args map[string]any) (any, error) {
		return map[string]any{"success": true, "data": args}, nil
	})

	m := newConnectedManager(t, relay)

	raw, err := m.SendAndWait(context.Background(), echoRequest("echo", map[string]any{"x": "y"}), time.Second)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, true, result["success"])
}

func TestConcurrentCallsCorrelateCorrectly(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Handle("echo", func(args map[string]any) (any, error) {
		return args, nil
	})
	relay.DelayResponses(10 * time.Millisecond)

	m := newConnectedManager(t, relay)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := m.SendAndWait(context.Background(),
				echoRequest("echo", map[string]any{"n": fmt.Sprint(i)}), 5*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			var parsed map[string]any
			if err := json.Unmarshal(raw, &parsed); err != nil {
				errs[i] = err
				return
			}
			results[i], _ = parsed["n"].(string)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprint(i), results[i], "call %d got someone else's response", i)
	}
	assert.Equal(t, 0, m.PendingRequests())
}

func TestRemoteErrorSurfaced(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Handle("broken", func(map[string]any) (any, error) {
		return nil, stderrors.New("element not found")
	})

	m := newConnectedManager(t, relay)

	_, err := m.SendAndWait(context.Background(), echoRequest("broken", nil), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrExecution)
	assert.Contains(t, err.Error(), "element not found")
}

func TestCallTimeoutRemovesPendingEntry(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Silence("slow")

	m := newConnectedManager(t, relay)

	start := time.Now()
	_, err := m.SendAndWait(context.Background(), echoRequest("slow", nil), 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, m.PendingRequests())
}

func TestContextCancellationAbandonsCall(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Silence("slow")

	m := newConnectedManager(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := m.SendAndWait(ctx, echoRequest("slow", nil), 10*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.PendingRequests())
}

func TestDisconnectDrainsPending(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Silence("slow")

	cfg := relay.Config()
	cfg.AutoReconnect = false
	m, err := connection.NewManager(cfg)
	require.NoError(t, err)
	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	defer m.Close()

	callErr := make(chan error, 1)
	go func() {
		_, err := m.SendAndWait(context.Background(), echoRequest("slow", nil), 10*time.Second)
		callErr <- err
	}()

	require.Eventually(t, func() bool {
		return m.PendingRequests() == 1
	}, time.Second, 5*time.Millisecond)

	m.Disconnect("test teardown")

	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed by disconnect")
	}
	assert.Equal(t, 0, m.PendingRequests())

	// A second disconnect is a no-op.
	m.Disconnect("again")
}

func TestSendWhileDisconnected(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	m, err := connection.NewManager(relay.Config())
	require.NoError(t, err)
	defer m.Close()

	err = m.Send(echoRequest("echo", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDisconnected)
}

func TestSendAndWaitWithoutAutoReconnectFailsFast(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	cfg := relay.Config()
	cfg.AutoReconnect = false
	m, err := connection.NewManager(cfg)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.SendAndWait(context.Background(), echoRequest("echo", nil), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDisconnected)
}

func TestConnectionLossFailsPendingAndRecovers(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Silence("slow")

	m := newConnectedManager(t, relay)

	callErr := make(chan error, 1)
	go func() {
		_, err := m.SendAndWait(context.Background(), echoRequest("slow", nil), 10*time.Second)
		callErr <- err
	}()

	require.Eventually(t, func() bool {
		return m.PendingRequests() == 1
	}, time.Second, 5*time.Millisecond)

	relay.DropConnection()

	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed by connection loss")
	}

	// Auto-reconnect restores the session in the background.
	require.Eventually(t, func() bool {
		return m.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReconnectExhaustedBecomesFailed(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	cfg := relay.Config()
	cfg.AutoReconnect = false
	m, err := connection.NewManager(cfg)
	require.NoError(t, err)
	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	defer m.Close()

	relay.RefuseNext(3)

	_, err = m.Reconnect(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReconnectExhausted)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, connection.StateFailed, m.State())
	assert.Equal(t, 3, m.Info().ReconnectAttempts)
}

func TestReconnectAfterFailedSucceeds(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	cfg := relay.Config()
	cfg.AutoReconnect = false
	m, err := connection.NewManager(cfg)
	require.NoError(t, err)
	defer m.Close()

	relay.RefuseNext(2)
	_, err = m.Reconnect(context.Background(), 2)
	require.Error(t, err)
	require.Equal(t, connection.StateFailed, m.State())

	// An explicit reconnect leaves the terminal state once the relay is back.
	info, err := m.Reconnect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, info.State)
}

func TestConcurrentReconnectsJoin(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	m := newConnectedManager(t, relay)
	relay.DropConnection()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Reconnect(context.Background(), 5)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		assert.NoError(t, errs[i])
	}
	assert.True(t, m.IsConnected())
}

func TestExtensionEventsUpdateInfo(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	m := newConnectedManager(t, relay)

	attached := make(chan map[string]any, 1)
	m.Bus().Subscribe(wire.EventExtensionConnected, func(payload map[string]any) {
		attached <- payload
	})

	require.NoError(t, relay.SendEvent(wire.EventExtensionConnected, map[string]any{
		"tools": []any{"chrome_click", "chrome_navigate"},
	}))

	select {
	case payload := <-attached:
		assert.NotNil(t, payload["tools"])
	case <-time.After(time.Second):
		t.Fatal("extension event not delivered")
	}

	require.Eventually(t, func() bool {
		return m.Info().ExtensionConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"chrome_click", "chrome_navigate"}, m.Info().ExtensionTools)

	require.NoError(t, relay.SendEvent(wire.EventExtensionDisconnected, nil))
	require.Eventually(t, func() bool {
		return !m.Info().ExtensionConnected
	}, time.Second, 5*time.Millisecond)
}

func TestLateResponseIgnored(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()
	relay.Handle("echo", func(args map[string]any) (any, error) { return args, nil })

	m := newConnectedManager(t, relay)

	// A response for a request nobody sent.
	require.NoError(t, relay.SendRaw(map[string]any{
		"id":     "ghost-request",
		"result": map[string]any{"success": true},
	}))

	// The session keeps working afterwards.
	raw, err := m.SendAndWait(context.Background(), echoRequest("echo", map[string]any{"ok": true}), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestRegisterWaiterAndWaitForResult(t *testing.T) {
	relay := testutil.NewRelay()
	defer relay.Close()

	m := newConnectedManager(t, relay)

	m.RegisterWaiter("manual-1")
	require.NoError(t, relay.SendRaw(map[string]any{
		"id":     "manual-1",
		"result": map[string]any{"success": true},
	}))

	raw, err := m.WaitForResult(context.Background(), "manual-1", time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "success")

	// Waiting on an unknown id is an immediate error.
	_, err = m.WaitForResult(context.Background(), "never-registered", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", connection.StateDisconnected.String())
	assert.Equal(t, "connecting", connection.StateConnecting.String())
	assert.Equal(t, "connected", connection.StateConnected.String())
	assert.Equal(t, "reconnecting", connection.StateReconnecting.String())
	assert.Equal(t, "failed", connection.StateFailed.String())
	assert.Equal(t, "unknown", connection.State(99).String())
}
