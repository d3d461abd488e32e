// Package testutil provides an in-process relay server for exercising the
// connection manager and client against real WebSocket traffic. The relay is
// scriptable: tests register per-operation responders, push events, refuse
// connections, and drop live sessions to simulate failures.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwzz3311/silent-agent-sub001/config"
)

// Responder produces the result for one executeTool request. Returning an
// error sends an error response instead of a result.
type Responder func(args map[string]any) (any, error)

// Relay is a scriptable in-process relay server.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	responders map[string]Responder
	frames     []map[string]any
	refuse     int
	delay      time.Duration
	silent     map[string]bool
}

// NewRelay starts a relay server on a random local port.
func NewRelay() *Relay {
	r := &Relay{
		responders: make(map[string]Responder),
		silent:     make(map[string]bool),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// Close shuts the relay down.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
	r.server.Close()
}

// Config returns a connection configuration pointing at this relay, with
// short delays suitable for tests.
func (r *Relay) Config() config.Connection {
	u, _ := url.Parse(r.server.URL)
	port, _ := strconv.Atoi(u.Port())

	cfg := config.Default()
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Path = "/"
	cfg.ConnectionTimeout = config.Duration(2 * time.Second)
	cfg.ReconnectDelay = config.Duration(20 * time.Millisecond)
	cfg.HeartbeatInterval = config.Duration(0)
	return cfg
}

// Handle registers a responder for an operation name.
func (r *Relay) Handle(name string, fn Responder) {
	r.mu.Lock()
	r.responders[name] = fn
	r.mu.Unlock()
}

// Silence makes the relay swallow requests for an operation without
// responding, so callers time out.
func (r *Relay) Silence(name string) {
	r.mu.Lock()
	r.silent[name] = true
	r.mu.Unlock()
}

// RefuseNext makes the relay reject the next n connection attempts at the
// HTTP layer.
func (r *Relay) RefuseNext(n int) {
	r.mu.Lock()
	r.refuse = n
	r.mu.Unlock()
}

// DelayResponses adds a fixed delay before every response.
func (r *Relay) DelayResponses(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

// Frames returns a copy of every frame received so far.
func (r *Relay) Frames() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]map[string]any, len(r.frames))
	copy(out, r.frames)
	return out
}

// SendEvent pushes an event frame to the connected peer.
func (r *Relay) SendEvent(eventType string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	params["type"] = eventType
	return r.send(map[string]any{
		"method": "event",
		"params": params,
	})
}

// SendRaw pushes an arbitrary frame to the connected peer.
func (r *Relay) SendRaw(frame map[string]any) error {
	return r.send(frame)
}

// DropConnection severs the live session without a close handshake, the way
// a crashed relay would.
func (r *Relay) DropConnection() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (r *Relay) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return websocket.ErrCloseSent
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.refuse > 0 {
		r.refuse--
		r.mu.Unlock()
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}
	r.mu.Unlock()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = conn
	r.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.serve(conn, data)
	}
}

func (r *Relay) serve(conn *websocket.Conn, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	r.mu.Lock()
	r.frames = append(r.frames, frame)
	delay := r.delay
	r.mu.Unlock()

	if frame["type"] == "ping" {
		return
	}
	if frame["method"] != "executeTool" {
		return
	}

	params, _ := frame["params"].(map[string]any)
	name, _ := params["name"].(string)
	args, _ := params["args"].(map[string]any)
	id, _ := frame["id"].(string)

	r.mu.Lock()
	if r.silent[name] {
		r.mu.Unlock()
		return
	}
	responder := r.responders[name]
	r.mu.Unlock()

	reply := map[string]any{"id": id}
	if responder == nil {
		reply["error"] = map[string]any{"message": "unknown tool: " + name}
	} else if result, err := responder(args); err != nil {
		reply["error"] = map[string]any{"message": err.Error()}
	} else {
		reply["result"] = result
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	out, _ := json.Marshal(reply)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		_ = conn.WriteMessage(websocket.TextMessage, out)
	}
}
