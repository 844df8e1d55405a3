// Package shutdown stops a packet pipeline in dependency order.
//
// Handlers register under a phase. Phases run lowest first and handlers in
// one phase run concurrently, so intake stops before in-flight packets are
// drained and transports close last:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("rpc-server", shutdown.PhaseIntake, srv.Shutdown)
//	coord.RegisterFunc("telemetry", shutdown.PhaseDrain, provider.Shutdown)
//	coord.RegisterFunc("nats", shutdown.PhaseTransport, closeNATS)
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown

import (
	"context"
	"errors"
	"time"
)

// Pipeline phases, lowest first.
const (
	PhaseIntake    = 10 // stop accepting new packets
	PhaseDrain     = 20 // finish in-flight work, flush exporters
	PhaseTransport = 30 // close connections
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown.
	// Default: 15s
	Timeout time.Duration

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}
