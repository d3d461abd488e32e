// Package client provides the call router and public facade for executing
// named operations against the browser extension. Operations registered as
// local handlers run in-process without touching the relay; everything else
// is translated to its extension-side name and forwarded through the
// connection manager. The facade also keeps the site-to-tab destination map
// fresh across reconnects.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hwzz3311/silent-agent-sub001/config"
	"github.com/hwzz3311/silent-agent-sub001/connection"
	"github.com/hwzz3311/silent-agent-sub001/destination"
	"github.com/hwzz3311/silent-agent-sub001/errors"
	"github.com/hwzz3311/silent-agent-sub001/eventbus"
	"github.com/hwzz3311/silent-agent-sub001/metric"
	"github.com/hwzz3311/silent-agent-sub001/wire"
)

// Logger is the logging interface shared with the connection manager.
type Logger = connection.Logger

// ExecContext carries per-call resources into a local handler.
type ExecContext struct {
	// Client gives handlers access to browser operations over the relay.
	Client *Client
	// SecretKey is the routing key in effect for this call.
	SecretKey string
}

// HandlerFunc is a locally executed operation. It may return a plain value
// or a Result; both are normalized before reaching the caller.
type HandlerFunc func(ctx context.Context, params map[string]any, ec *ExecContext) (any, error)

// Client routes operation calls and owns the relay session.
type Client struct {
	cfg  config.Connection
	conn *connection.Manager

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	destinations   *destination.Map
	defaultTimeout time.Duration
	logger         Logger
}

// Option is a functional option for configuring the Client
type Option func(*options)

type options struct {
	logger         Logger
	registry       *metric.MetricsRegistry
	handlers       map[string]HandlerFunc
	defaultTimeout time.Duration
}

// WithLogger sets a custom logger for the client and its connection manager
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithHandler registers a local business handler at construction time.
func WithHandler(name string, fn HandlerFunc) Option {
	return func(o *options) {
		o.handlers[name] = fn
	}
}

// WithDefaultTimeout sets the per-call timeout used when Execute gets none
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// New creates a client for the given relay configuration. The handler table
// is assembled here, at startup; there is no runtime handler discovery.
func New(cfg config.Connection, opts ...Option) (*Client, error) {
	o := &options{
		handlers:       make(map[string]HandlerFunc),
		defaultTimeout: connection.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	var connOpts []connection.Option
	if o.logger != nil {
		connOpts = append(connOpts, connection.WithLogger(o.logger))
	}
	if o.registry != nil {
		connOpts = append(connOpts, connection.WithMetrics(o.registry))
	}

	conn, err := connection.NewManager(cfg, connOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:            cfg,
		conn:           conn,
		handlers:       o.handlers,
		defaultTimeout: o.defaultTimeout,
		logger:         o.logger,
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}

	var destOpts []destination.Option
	if o.logger != nil {
		destOpts = append(destOpts, destination.WithLogger(o.logger))
	}
	c.destinations = destination.NewMap(
		func(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
			return c.invokeRemote(ctx, name, args, timeout)
		}, destOpts...)

	// Routing metadata must never be stale across reconnects: every time the
	// extension attaches, rebuild the destination map.
	conn.Bus().Subscribe(wire.EventExtensionConnected, func(map[string]any) {
		if _, err := c.destinations.Refresh(context.Background()); err != nil {
			c.logger.Debugf("destination refresh after extension attach failed: %v", err)
		}
	})

	return c, nil
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}
func (noopLogger) Errorf(string, ...any) {}
func (noopLogger) Debugf(string, ...any) {}

// Connect establishes the relay session and primes the destination map.
func (c *Client) Connect(ctx context.Context) (connection.Info, error) {
	info, err := c.conn.Connect(ctx)
	if err != nil {
		return info, err
	}

	// Best effort: the extension may not be attached yet.
	if _, err := c.destinations.Refresh(ctx); err != nil {
		c.logger.Debugf("initial destination refresh failed: %v", err)
	}

	return c.conn.Info(), nil
}

// Disconnect tears down the relay session.
func (c *Client) Disconnect(reason string) {
	c.conn.Disconnect(reason)
}

// Reconnect re-establishes the relay session.
func (c *Client) Reconnect(ctx context.Context, maxAttempts int) (connection.Info, error) {
	return c.conn.Reconnect(ctx, maxAttempts)
}

// Close shuts the client down.
func (c *Client) Close() {
	c.conn.Close()
}

// IsConnected reports whether the relay session is live.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// IsExtensionConnected reports whether the remote extension is attached.
func (c *Client) IsExtensionConnected() bool {
	return c.conn.Info().ExtensionConnected
}

// ConnectionInfo returns a snapshot of the session state.
func (c *Client) ConnectionInfo() connection.Info {
	return c.conn.Info()
}

// Tools returns the operation catalogue advertised by the extension.
func (c *Client) Tools() []string {
	return c.conn.Info().ExtensionTools
}

// Destinations returns the site-to-tab destination map.
func (c *Client) Destinations() *destination.Map {
	return c.destinations
}

// RegisterHandler adds a local business handler. Registering an existing
// name replaces it.
func (c *Client) RegisterHandler(name string, fn HandlerFunc) {
	c.handlersMu.Lock()
	c.handlers[name] = fn
	c.handlersMu.Unlock()
}

// localHandler looks up a local handler; absence means "not a local
// operation", not an error.
func (c *Client) localHandler(name string) (HandlerFunc, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	fn, ok := c.handlers[name]
	return fn, ok
}

// CallOption customizes a single Execute call.
type CallOption func(*callOptions)

type callOptions struct {
	secretKey string
}

// WithRoutingKey routes this call to a specific attached extension.
func WithRoutingKey(key string) CallOption {
	return func(o *callOptions) {
		o.secretKey = key
	}
}

// Execute runs a named operation. Operations with a registered local handler
// execute in-process; all others require a live relay session and are
// forwarded to the extension under their translated name. The timeout bounds
// the whole call; zero means the client default.
func (c *Client) Execute(
	ctx context.Context,
	name string,
	params map[string]any,
	timeout time.Duration,
	opts ...CallOption,
) (Result, error) {
	co := &callOptions{secretKey: c.cfg.SecretKey}
	for _, opt := range opts {
		opt(co)
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	if fn, ok := c.localHandler(name); ok {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.executeLocal(ctx, name, fn, params, co)
	}

	if !c.conn.IsConnected() {
		return Result{}, errors.WrapTransient(
			fmt.Errorf("%w: operation %q needs the relay", errors.ErrDisconnected, name),
			"Client", "Execute", "check session")
	}

	raw, err := c.invokeRemote(ctx, name, params, timeout, opts...)
	if err != nil {
		return Result{}, err
	}
	return normalizeRaw(raw), nil
}

// executeLocal runs a registered handler with panic isolation and normalizes
// its outcome.
func (c *Client) executeLocal(
	ctx context.Context,
	name string,
	fn HandlerFunc,
	params map[string]any,
	co *callOptions,
) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapInvalid(
				fmt.Errorf("%w: handler %q panicked: %v", errors.ErrExecution, name, r),
				"Client", "Execute", "run local handler")
			result = Result{Success: false, Error: errString(fmt.Sprint(r))}
		}
	}()

	ec := &ExecContext{Client: c, SecretKey: co.secretKey}

	value, handlerErr := fn(ctx, params, ec)
	if handlerErr != nil {
		msg := handlerErr.Error()
		return Result{Success: false, Error: &msg}, errors.WrapInvalid(
			fmt.Errorf("%w: handler %q: %v", errors.ErrExecution, name, handlerErr),
			"Client", "Execute", "run local handler")
	}

	return normalizeValue(value), nil
}

// invokeRemote builds the executeTool envelope and performs the correlated
// round trip. Also serves as the destination map's invoker.
func (c *Client) invokeRemote(
	ctx context.Context,
	name string,
	args map[string]any,
	timeout time.Duration,
	opts ...CallOption,
) (json.RawMessage, error) {
	co := &callOptions{secretKey: c.cfg.SecretKey}
	for _, opt := range opts {
		opt(co)
	}

	if args == nil {
		args = map[string]any{}
	}

	req := wire.Request{
		Method: wire.MethodExecuteTool,
		Params: wire.ExecuteParams{
			Name:      remoteName(name),
			Args:      args,
			Timeout:   timeout.Seconds(),
			SecretKey: co.secretKey,
		},
	}

	return c.conn.SendAndWait(ctx, req, timeout)
}

// ExecuteAsync sends an operation without waiting for its result and returns
// the request id. Collect the outcome with WaitForResult.
func (c *Client) ExecuteAsync(name string, params map[string]any, opts ...CallOption) (string, error) {
	if !c.conn.IsConnected() {
		return "", errors.WrapTransient(errors.ErrDisconnected, "Client", "ExecuteAsync", "check session")
	}

	co := &callOptions{secretKey: c.cfg.SecretKey}
	for _, opt := range opts {
		opt(co)
	}
	if params == nil {
		params = map[string]any{}
	}

	id := uuid.NewString()
	c.conn.RegisterWaiter(id)

	req := wire.Request{
		ID:     id,
		Method: wire.MethodExecuteTool,
		Params: wire.ExecuteParams{
			Name:      remoteName(name),
			Args:      params,
			SecretKey: co.secretKey,
		},
	}

	if err := c.conn.Send(req); err != nil {
		return "", err
	}
	return id, nil
}

// WaitForResult waits for the outcome of an ExecuteAsync call.
func (c *Client) WaitForResult(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	raw, err := c.conn.WaitForResult(ctx, id, timeout)
	if err != nil {
		return Result{}, err
	}
	return normalizeRaw(raw), nil
}

// Event hook sugar.

// OnConnected registers a handler for relay session establishment.
func (c *Client) OnConnected(fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(connection.EventConnected, fn)
}

// OnDisconnected registers a handler for relay session teardown.
func (c *Client) OnDisconnected(fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(connection.EventDisconnected, fn)
}

// OnExtensionConnected registers a handler for extension attachment.
func (c *Client) OnExtensionConnected(fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(wire.EventExtensionConnected, fn)
}

// OnExtensionDisconnected registers a handler for extension detachment.
func (c *Client) OnExtensionDisconnected(fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(wire.EventExtensionDisconnected, fn)
}

// OnError registers a handler for connection errors.
func (c *Client) OnError(fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(connection.EventError, fn)
}

// OnEvent registers a handler for an arbitrary event type.
func (c *Client) OnEvent(eventType string, fn eventbus.Handler) *eventbus.Subscription {
	return c.conn.Bus().Subscribe(eventType, fn)
}

// Unsubscribe removes a previously registered event handler.
func (c *Client) Unsubscribe(sub *eventbus.Subscription) {
	c.conn.Bus().Unsubscribe(sub)
}
