// Package connection implements the relay connection lifecycle: one logical
// session over an unreliable WebSocket transport, correlation of concurrently
// in-flight requests with asynchronously arriving responses, transparent
// recovery from disconnects, heartbeating, and event fan-out.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hwzz3311/silent-agent-sub001/config"
	"github.com/hwzz3311/silent-agent-sub001/errors"
	"github.com/hwzz3311/silent-agent-sub001/eventbus"
	"github.com/hwzz3311/silent-agent-sub001/transport"
	"github.com/hwzz3311/silent-agent-sub001/wire"
)

// State represents the lifecycle state of the relay session
type State int32

// Possible connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Local lifecycle events published on the bus. Remote extension events are
// forwarded under their wire names (wire.EventExtensionConnected, ...).
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// DefaultCallTimeout bounds SendAndWait when the caller passes no timeout.
const DefaultCallTimeout = 60 * time.Second

// Info is a point-in-time snapshot of the session. Owned by the Manager;
// callers get copies.
type Info struct {
	State              State     `json:"state"`
	ConnectedAt        time.Time `json:"connected_at"`
	DisconnectedAt     time.Time `json:"disconnected_at"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	LastError          string    `json:"last_error,omitempty"`
	ExtensionConnected bool      `json:"extension_connected"`
	ExtensionTools     []string  `json:"extension_tools,omitempty"`
}

// reconnectJob lets concurrent reconnect callers join one in-flight attempt.
type reconnectJob struct {
	done chan struct{}
	info Info
	err  error
}

// Manager owns the transport session and drives connect/disconnect/reconnect
// transitions, the inbound pump, and the heartbeat loop. At most one session
// is open at any time.
type Manager struct {
	cfg     config.Connection
	logger  Logger
	bus     *eventbus.Bus
	metrics *Metrics

	state atomic.Int32

	// mu serializes connect/disconnect transitions and guards session and
	// pumpStop. It is never held across a wait inside SendAndWait.
	mu       sync.Mutex
	session  *transport.Session
	pumpStop chan struct{}
	tasks    sync.WaitGroup

	infoMu sync.RWMutex
	info   Info

	pending *pendingTable

	reconnectMu sync.Mutex
	reconnect   *reconnectJob
}

// NewManager creates a connection manager for the given relay configuration.
func NewManager(cfg config.Connection, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  &defaultLogger{},
		bus:     eventbus.NewBus(),
		pending: newPendingTable(),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapInvalid(err, "Manager", "NewManager", "apply option")
		}
	}

	m.state.Store(int32(StateDisconnected))
	m.info = Info{State: StateDisconnected}

	m.logger.Debugf("created relay connection manager for %s", cfg.URL())

	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether send/sendAndWait can proceed without a reconnect.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Bus returns the event bus carrying lifecycle and extension events.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// Info returns a snapshot of the connection information.
func (m *Manager) Info() Info {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()

	snapshot := m.info
	snapshot.State = m.State()
	if snapshot.ExtensionTools != nil {
		tools := make([]string, len(snapshot.ExtensionTools))
		copy(tools, snapshot.ExtensionTools)
		snapshot.ExtensionTools = tools
	}
	return snapshot
}

// PendingRequests returns the number of in-flight requests.
func (m *Manager) PendingRequests() int {
	return m.pending.Len()
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	if m.metrics != nil {
		m.metrics.connectionState.Set(float64(s))
	}
}

func (m *Manager) updateInfo(fn func(*Info)) {
	m.infoMu.Lock()
	fn(&m.info)
	m.infoMu.Unlock()
}

// Connect establishes the relay session, starts the inbound pump and the
// heartbeat loop, and emits a connected event. Connecting while already
// connected returns the current info.
func (m *Manager) Connect(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

// connectLocked performs the connect transition. Caller holds m.mu.
func (m *Manager) connectLocked(ctx context.Context) (Info, error) {
	if m.State() == StateConnected {
		return m.Info(), nil
	}

	m.setState(StateConnecting)
	m.updateInfo(func(i *Info) {
		i.State = StateConnecting
		i.LastError = ""
	})

	url := m.cfg.URL()
	session, err := transport.Open(ctx, url, m.cfg.ConnectionTimeout.Std())
	if err != nil {
		m.setState(StateDisconnected)
		m.updateInfo(func(i *Info) {
			i.State = StateDisconnected
			i.LastError = err.Error()
		})
		m.logger.Errorf("connect to %s failed: %v", url, err)
		return m.Info(), err
	}

	stop := make(chan struct{})
	m.session = session
	m.pumpStop = stop

	m.setState(StateConnected)
	m.updateInfo(func(i *Info) {
		i.State = StateConnected
		i.ConnectedAt = time.Now()
		i.ExtensionConnected = false
		i.ExtensionTools = nil
	})

	m.tasks.Add(2)
	go m.pump(session, stop)
	go m.heartbeat(session, stop)

	m.logger.Printf("connected to relay at %s", url)
	m.bus.Publish(EventConnected, map[string]any{"url": url})

	return m.Info(), nil
}

// Disconnect tears down the session: stops pump and heartbeat, closes the
// transport, fails every pending request, and emits a disconnected event.
// Calling it while already disconnected is a no-op.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()

	if m.session == nil && m.State() == StateDisconnected {
		m.mu.Unlock()
		return
	}

	m.logger.Printf("disconnecting: %s", reason)
	m.teardownLocked()
	m.mu.Unlock()

	if n := m.pending.DrainAll(errors.ErrDisconnected); n > 0 {
		m.logger.Debugf("failed %d pending requests on disconnect", n)
	}
	if m.metrics != nil {
		m.metrics.pendingRequests.Set(0)
	}

	m.bus.Publish(EventDisconnected, map[string]any{"reason": reason})
}

// teardownLocked closes the session and marks the state disconnected.
// Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.pumpStop != nil {
		close(m.pumpStop)
		m.pumpStop = nil
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}

	m.setState(StateDisconnected)
	m.updateInfo(func(i *Info) {
		i.State = StateDisconnected
		i.DisconnectedAt = time.Now()
		i.ExtensionConnected = false
		i.ExtensionTools = nil
	})
}

// Reconnect disconnects, then retries connect with the configured delay until
// it succeeds or maxAttempts are exhausted, at which point the state becomes
// Failed and ErrReconnectExhausted is returned. Only one reconnect sequence
// runs at a time; concurrent callers join the in-flight attempt.
// maxAttempts <= 0 uses the configured maximum.
func (m *Manager) Reconnect(ctx context.Context, maxAttempts int) (Info, error) {
	m.reconnectMu.Lock()
	if job := m.reconnect; job != nil {
		m.reconnectMu.Unlock()
		select {
		case <-job.done:
			return job.info, job.err
		case <-ctx.Done():
			return m.Info(), errors.WrapTransient(ctx.Err(), "Manager", "Reconnect", "join in-flight reconnect")
		}
	}
	job := &reconnectJob{done: make(chan struct{})}
	m.reconnect = job
	m.reconnectMu.Unlock()

	job.info, job.err = m.runReconnect(ctx, maxAttempts)

	m.reconnectMu.Lock()
	m.reconnect = nil
	m.reconnectMu.Unlock()
	close(job.done)

	return job.info, job.err
}

func (m *Manager) runReconnect(ctx context.Context, maxAttempts int) (Info, error) {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.ReconnectMaxAttempts
	}

	m.Disconnect("reconnect")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.setState(StateReconnecting)
		m.updateInfo(func(i *Info) {
			i.State = StateReconnecting
			i.ReconnectAttempts = attempt
		})
		if m.metrics != nil {
			m.metrics.reconnectAttempts.Inc()
		}
		m.logger.Printf("reconnecting (attempt %d/%d)...", attempt, maxAttempts)

		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return m.Info(), errors.WrapTransient(ctx.Err(), "Manager", "Reconnect", "wait reconnect delay")
		case <-time.After(m.cfg.ReconnectDelay.Std()):
		}

		m.mu.Lock()
		info, err := m.connectLocked(ctx)
		m.mu.Unlock()
		if err == nil {
			return info, nil
		}
	}

	m.setState(StateFailed)
	m.updateInfo(func(i *Info) {
		i.State = StateFailed
		i.LastError = errors.ErrReconnectExhausted.Error()
	})

	return m.Info(), errors.WrapFatal(
		fmt.Errorf("%w: %d attempts", errors.ErrReconnectExhausted, maxAttempts),
		"Manager", "Reconnect", "re-establish session")
}

// Send encodes and writes one message. It fails with ErrDisconnected when no
// session is live; a write failure marks the session disconnected but does
// not trigger a reconnect.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil || m.State() != StateConnected {
		return errors.WrapTransient(errors.ErrDisconnected, "Manager", "Send", "check session")
	}

	data, err := wire.Encode(v)
	if err != nil {
		return err
	}

	if err := session.Send(data); err != nil {
		m.logger.Errorf("send failed: %v", err)
		m.setState(StateDisconnected)
		m.updateInfo(func(i *Info) {
			i.State = StateDisconnected
			i.LastError = err.Error()
		})
		return err
	}
	return nil
}

// SendAndWait assigns a fresh request id, sends the request, and suspends
// until the matching response arrives or the timeout elapses. When the
// session is down and auto-reconnect is enabled it attempts one reconnect
// first; when the initial send fails it retries once through another
// reconnect before surfacing the error.
func (m *Manager) SendAndWait(ctx context.Context, req wire.Request, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	if m.State() != StateConnected {
		if !m.cfg.AutoReconnect {
			return nil, errors.WrapTransient(errors.ErrDisconnected, "Manager", "SendAndWait", "check session")
		}
		m.logger.Printf("session down, attempting reconnect before call")
		if _, err := m.Reconnect(ctx, 0); err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: reconnect failed: %v", errors.ErrDisconnected, err),
				"Manager", "SendAndWait", "restore session")
		}
	}

	req.ID = uuid.NewString()
	w := m.register(req.ID)
	start := time.Now()

	if err := m.Send(req); err != nil {
		if !m.cfg.AutoReconnect {
			m.deregister(req.ID)
			return nil, err
		}
		// One bounded retry: the reconnect drains the first waiter.
		m.logger.Printf("send failed, retrying once through reconnect: %v", err)
		if _, rerr := m.Reconnect(ctx, 0); rerr != nil {
			m.deregister(req.ID)
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: reconnect failed: %v", errors.ErrDisconnected, rerr),
				"Manager", "SendAndWait", "restore session")
		}
		w = m.register(req.ID)
		if err := m.Send(req); err != nil {
			m.deregister(req.ID)
			return nil, err
		}
	}

	if m.metrics != nil {
		m.metrics.requestsSent.Inc()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		if m.metrics != nil {
			m.metrics.requestDuration.Observe(time.Since(start).Seconds())
			m.metrics.pendingRequests.Set(float64(m.pending.Len()))
		}
		return out.result, out.err
	case <-timer.C:
		m.deregister(req.ID)
		if m.metrics != nil {
			m.metrics.requestTimeouts.Inc()
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: request %s after %v", errors.ErrTimeout, req.ID, timeout),
			"Manager", "SendAndWait", "await response")
	case <-ctx.Done():
		m.deregister(req.ID)
		return nil, errors.WrapTransient(ctx.Err(), "Manager", "SendAndWait", "await response")
	}
}

// RegisterWaiter exposes waiter registration for fire-and-forget calls that
// claim their own request ids. WaitForResult collects the outcome later.
func (m *Manager) RegisterWaiter(id string) {
	m.register(id)
}

// WaitForResult waits for the response to a previously registered request id.
func (m *Manager) WaitForResult(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	w := m.pending.lookup(id)
	if w == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no pending request %s", id),
			"Manager", "WaitForResult", "find waiter")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out.result, out.err
	case <-timer.C:
		m.deregister(id)
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: request %s after %v", errors.ErrTimeout, id, timeout),
			"Manager", "WaitForResult", "await response")
	case <-ctx.Done():
		m.deregister(id)
		return nil, errors.WrapTransient(ctx.Err(), "Manager", "WaitForResult", "await response")
	}
}

func (m *Manager) register(id string) *waiter {
	w := m.pending.Register(id)
	if m.metrics != nil {
		m.metrics.pendingRequests.Set(float64(m.pending.Len()))
	}
	return w
}

func (m *Manager) deregister(id string) {
	m.pending.Remove(id)
	if m.metrics != nil {
		m.metrics.pendingRequests.Set(float64(m.pending.Len()))
	}
}

// Close shuts the manager down and waits for its background tasks.
func (m *Manager) Close() {
	m.Disconnect("close")
	m.tasks.Wait()
	m.bus.Wait()
}

// pump reads inbound frames for the lifetime of one session and dispatches
// them: matching responses resolve their waiter, events go to the bus,
// malformed frames are logged and dropped.
func (m *Manager) pump(session *transport.Session, stop chan struct{}) {
	defer m.tasks.Done()

	for {
		data, err := session.Receive()
		if err != nil {
			select {
			case <-stop:
				// Deliberate teardown.
			default:
				m.connectionLost(err)
			}
			return
		}
		m.dispatch(data)
	}
}

// dispatch classifies one inbound frame. A frame whose id matches a pending
// request is a response and processing stops there; otherwise event-shaped
// frames go to the bus and everything else is dropped.
func (m *Manager) dispatch(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		m.logger.Debugf("dropping malformed frame: %v", err)
		m.dropFrame("malformed")
		return
	}

	if frame.ID != "" {
		if frame.Error != nil {
			if m.pending.Fail(frame.ID, errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrExecution, frame.Error.Message),
				"Manager", "dispatch", "remote execution")) {
				m.countResponse("error")
				return
			}
		} else if m.pending.Resolve(frame.ID, frame.Result) {
			m.countResponse("ok")
			return
		}
		// Late or duplicate response: id unknown, fall through to event
		// classification and otherwise ignore silently.
	}

	if frame.IsEvent() {
		name, payload := frame.Event()
		if name == "" {
			m.logger.Debugf("dropping event frame without event name")
			m.dropFrame("unnamed_event")
			return
		}
		m.handleEvent(name, payload)
		return
	}

	m.logger.Debugf("dropping frame with no matching request and no event discriminator")
	m.dropFrame("unclassified")
}

func (m *Manager) countResponse(status string) {
	if m.metrics != nil {
		m.metrics.responsesReceived.WithLabelValues(status).Inc()
		m.metrics.pendingRequests.Set(float64(m.pending.Len()))
	}
}

func (m *Manager) dropFrame(reason string) {
	if m.metrics != nil {
		m.metrics.framesDropped.WithLabelValues(reason).Inc()
	}
}

// handleEvent updates extension attachment state and forwards the event to
// the bus under its wire name.
func (m *Manager) handleEvent(name string, payload map[string]any) {
	switch name {
	case wire.EventExtensionConnected, wire.EventExtensionDisconnected:
		attached := name == wire.EventExtensionConnected
		tools := toolList(payload["tools"])
		m.updateInfo(func(i *Info) {
			i.ExtensionConnected = attached
			i.ExtensionTools = tools
		})
		m.logger.Printf("extension %s (%d tools)", name, len(tools))
	}

	m.bus.Publish(name, payload)
}

// toolList coerces the advertised tool catalogue out of an event payload.
func toolList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	tools := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			tools = append(tools, s)
		}
	}
	return tools
}

// connectionLost handles a pump read failure: tears the session down, fails
// pending requests, and kicks off a background reconnect when configured.
func (m *Manager) connectionLost(err error) {
	m.logger.Errorf("connection lost: %v", err)

	m.mu.Lock()
	m.teardownLocked()
	m.updateInfo(func(i *Info) {
		i.LastError = err.Error()
	})
	m.mu.Unlock()

	if n := m.pending.DrainAll(errors.ErrConnectionLost); n > 0 {
		m.logger.Debugf("failed %d pending requests on connection loss", n)
	}
	if m.metrics != nil {
		m.metrics.pendingRequests.Set(0)
	}

	m.bus.Publish(EventError, map[string]any{"error": err.Error()})
	m.bus.Publish(EventDisconnected, map[string]any{"reason": "connection lost"})

	if m.cfg.AutoReconnect {
		go func() {
			if _, rerr := m.Reconnect(context.Background(), 0); rerr != nil {
				m.logger.Errorf("background reconnect failed: %v", rerr)
			}
		}()
	}
}

// heartbeat sends a keepalive every interval while the session lives. A send
// failure ends the loop; discovery of the disconnect is left to the pump and
// the next call.
func (m *Manager) heartbeat(session *transport.Session, stop chan struct{}) {
	defer m.tasks.Done()

	interval := m.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := session.Send(wire.Ping()); err != nil {
				m.logger.Errorf("heartbeat send failed: %v", err)
				return
			}
		}
	}
}
