// Package observability carries the logger, metrics, and tracer that are
// injected into every component.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "swapguard"

// Observer is the observability context passed to components.
type Observer struct {
	Logger  *zap.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// NewObserver wires a logger with fresh metrics and the global tracer provider.
func NewObserver(logger *zap.Logger, namespace string) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		Logger:  logger,
		Metrics: NewMetrics(namespace),
		Tracer:  otel.Tracer(tracerName),
	}
}

// Nop returns an observer that logs nothing and records into a private registry.
func Nop() *Observer {
	return NewObserver(zap.NewNop(), "")
}

// Named returns a copy whose logger carries the component name.
func (o *Observer) Named(name string) *Observer {
	if o == nil {
		return Nop().Named(name)
	}
	cp := *o
	cp.Logger = o.Logger.Named(name)
	return &cp
}

// Close flushes buffered log entries.
func (o *Observer) Close() error {
	if o == nil || o.Logger == nil {
		return nil
	}
	return o.Logger.Sync()
}
