// Package executor runs a tool handler once and normalises its outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single handler run when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultGrace is how long a handler may keep running after its context
	// is cancelled before its outcome is reported as unknown.
	DefaultGrace = 5 * time.Second
)

// Config holds executor settings.
type Config struct {
	Timeout time.Duration
	Grace   time.Duration
}

// Result is the outcome of one handler run. Exactly one of Output and Err is set.
type Result struct {
	Output   json.RawMessage
	Err      *toolerr.ExecutionError
	Duration time.Duration
}

// OK reports whether the handler succeeded.
func (r Result) OK() bool { return r.Err == nil }

// DurationMs is the handler run time in whole milliseconds.
func (r Result) DurationMs() int64 { return r.Duration.Milliseconds() }

// Executor invokes handlers. It never returns a Go error: every failure is
// folded into Result.Err.
type Executor struct {
	timeout time.Duration
	grace   time.Duration
	logger  *zap.Logger
}

// New creates an Executor.
func New(cfg Config, logger *zap.Logger) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Executor{timeout: timeout, grace: grace, logger: logger}
}

type handlerOutput struct {
	value any
	err   error
}

// Execute runs td's handler exactly once with args. When the deadline passes
// or the caller cancels, the handler's context is cancelled and Execute waits
// up to the grace period for it to return. A handler that still completes
// successfully is reported as a success.
func (e *Executor) Execute(ctx context.Context, td *registry.ToolDefinition, args json.RawMessage, ictx registry.InvocationContext) Result {
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan handlerOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutput{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := td.Handler(timeoutCtx, args, ictx)
		done <- handlerOutput{value: v, err: err}
	}()

	var out handlerOutput
	select {
	case out = <-done:
	case <-timeoutCtx.Done():
		msg := fmt.Sprintf("tool execution timeout after %v", e.timeout)
		if ctx.Err() != nil {
			msg = fmt.Sprintf("tool execution cancelled: %v", ctx.Err())
		}

		grace := time.NewTimer(e.grace)
		defer grace.Stop()
		select {
		case out = <-done:
			if out.err != nil {
				return e.fail(td.Name, msg, time.Since(start))
			}
			e.logger.Warn("tool completed after its deadline",
				zap.String("tool_name", td.Name),
				zap.String("session_id", ictx.SessionID),
				zap.Duration("timeout", e.timeout),
			)
		case <-grace.C:
			e.logger.Error("tool still running after grace period",
				zap.String("tool_name", td.Name),
				zap.String("session_id", ictx.SessionID),
				zap.Duration("grace", e.grace),
			)
			return e.fail(td.Name, fmt.Sprintf("%s; outcome unknown, handler still running after %v grace", msg, e.grace), time.Since(start))
		}
	}
	duration := time.Since(start)

	if out.err != nil {
		return e.fail(td.Name, out.err.Error(), duration)
	}

	encoded, err := json.Marshal(out.value)
	if err != nil {
		return e.fail(td.Name, fmt.Sprintf("tool result is not JSON-serialisable: %v", err), duration)
	}

	e.logger.Debug("tool executed",
		zap.String("tool_name", td.Name),
		zap.String("session_id", ictx.SessionID),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return Result{Output: encoded, Duration: duration}
}

func (e *Executor) fail(tool, msg string, d time.Duration) Result {
	e.logger.Warn("tool execution failed",
		zap.String("tool_name", tool),
		zap.String("error", msg),
		zap.Int64("duration_ms", d.Milliseconds()),
	)
	return Result{
		Err:      &toolerr.ExecutionError{Tool: tool, Message: msg},
		Duration: d,
	}
}
