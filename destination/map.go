// Package destination maintains the mapping from a logical site domain to
// the browser tab that currently serves it. The mapping is a cache: it is
// rebuilt wholesale from the extension on refresh and is always safe to
// clear. Lookup resolves exact keys first, then strips up to two known
// subdomain prefixes, so resolution terminates in a fixed number of probes
// and never scans the whole map.
package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

// Subdomain prefixes tried during fuzzy lookup. The first strip uses the
// full list, the second strip the shorter one.
var (
	primaryPrefixes   = []string{"www.", "m.", "mobile.", "shop.", "creator.", "creatorcenter.", "work."}
	secondaryPrefixes = []string{"www.", "m.", "mobile.", "shop."}
)

// refreshTimeout bounds the tab enumeration call.
const refreshTimeout = 10 * time.Second

// InvokeFunc issues one remote operation and returns its raw result. The
// resolver uses it to enumerate active tabs; wiring it through a function
// keeps this package free of a dependency on the call router.
type InvokeFunc func(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[Destination] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[Destination ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// Map resolves site domains to tab ids. Keys are always lower-case.
type Map struct {
	mu      sync.RWMutex
	entries map[string]int
	invoke  InvokeFunc
	logger  Logger
}

// Option is a functional option for configuring the Map
type Option func(*Map)

// WithLogger sets a custom logger for the map
func WithLogger(logger Logger) Option {
	return func(m *Map) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMap creates an empty destination map backed by the given invoker.
func NewMap(invoke InvokeFunc, opts ...Option) *Map {
	m := &Map{
		entries: make(map[string]int),
		invoke:  invoke,
		logger:  &defaultLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tabEntry is one element of the extension's tab enumeration.
type tabEntry struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
}

// queryTabsResult is the normalized result of the tab enumeration call.
type queryTabsResult struct {
	Success bool       `json:"success"`
	Data    []tabEntry `json:"data"`
	Error   any        `json:"error"`
}

// Refresh enumerates the extension's active tabs and replaces the whole
// mapping atomically. Entries with no extractable host are skipped. A failed
// refresh is logged and leaves the previous mapping in place; stale routing
// data beats none.
func (m *Map) Refresh(ctx context.Context) (map[string]int, error) {
	raw, err := m.invoke(ctx, "browser_control", map[string]any{
		"action": "query_tabs",
		"params": map[string]any{},
	}, refreshTimeout)
	if err != nil {
		m.logger.Errorf("tab enumeration failed, keeping previous mapping: %v", err)
		return m.Snapshot(), errors.WrapTransient(err, "Map", "Refresh", "enumerate tabs")
	}

	var result queryTabsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		m.logger.Errorf("tab enumeration returned malformed result, keeping previous mapping: %v", err)
		return m.Snapshot(), errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"Map", "Refresh", "parse tab enumeration")
	}
	if !result.Success {
		m.logger.Errorf("tab enumeration unsuccessful, keeping previous mapping: %v", result.Error)
		return m.Snapshot(), errors.WrapTransient(
			fmt.Errorf("tab enumeration unsuccessful"),
			"Map", "Refresh", "enumerate tabs")
	}

	entries := make(map[string]int, len(result.Data))
	for _, tab := range result.Data {
		host := hostFromURL(tab.URL)
		if host == "" || tab.TabID == 0 {
			continue
		}
		entries[host] = tab.TabID
		m.logger.Debugf("mapped %q -> tab %d", host, tab.TabID)
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()

	m.logger.Printf("destination map refreshed: %d entries", len(entries))
	return m.Snapshot(), nil
}

// hostFromURL derives the lower-cased host with any port stripped. Returns
// empty when no host can be extracted.
func hostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// Lookup resolves a destination key to its tab id: exact match first, then
// one prefix strip, then a second. Keys are matched case-insensitively.
func (m *Map) Lookup(key string) (int, bool) {
	domain := strings.ToLower(key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.entries[domain]; ok {
		return id, true
	}

	for _, prefix := range primaryPrefixes {
		if !strings.HasPrefix(domain, prefix) {
			continue
		}
		base := domain[len(prefix):]
		if id, ok := m.entries[base]; ok {
			return id, true
		}
		for _, second := range secondaryPrefixes {
			if !strings.HasPrefix(base, second) {
				continue
			}
			if id, ok := m.entries[base[len(second):]]; ok {
				return id, true
			}
		}
	}

	return 0, false
}

// Set records a manual override for a destination key.
func (m *Map) Set(key string, tabID int) {
	m.mu.Lock()
	m.entries[strings.ToLower(key)] = tabID
	m.mu.Unlock()
}

// Clear removes one destination key. Clearing an absent key is a no-op.
func (m *Map) Clear(key string) {
	m.mu.Lock()
	delete(m.entries, strings.ToLower(key))
	m.mu.Unlock()
}

// Snapshot returns a copy of the current mapping.
func (m *Map) Snapshot() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]int, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	return snapshot
}

// Len returns the number of mapped destinations.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
