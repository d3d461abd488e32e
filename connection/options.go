package connection

import (
	"log"

	"github.com/hwzz3311/silent-agent-sub001/eventbus"
	"github.com/hwzz3311/silent-agent-sub001/metric"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[Relay] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[Relay ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// Option is a functional option for configuring the Manager
type Option func(*Manager) error

// WithLogger sets a custom logger for the manager
func WithLogger(logger Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		m.logger = logger
		return nil
	}
}

// WithBus injects a shared event bus. Without it the manager creates its own.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Manager) error {
		if bus != nil {
			m.bus = bus
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) error {
		if registry == nil {
			return nil // No metrics
		}
		m.metrics = newMetrics(registry, "connection")
		return nil
	}
}
