package permgraph

import "github.com/oarkflow/permgraph/logger"

// Logger is the minimal structured logging interface used by the Engine.
// Implementations accept alternating key/value pairs as variadic arguments,
// which keeps the interface small and easy to mock in tests.
type Logger = logger.Logger

// TraceIDFunc generates a correlation/trace ID string per authorize call.
type TraceIDFunc = logger.TraceIDFunc

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}
