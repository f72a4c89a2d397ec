// Package pipeline composes the registry, guardrails, executor and audit
// logger into the single entry point the agent uses to call tools.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/lumastudio/agentgate/internal/audit"
	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/executor"
	"github.com/lumastudio/agentgate/internal/metrics"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/shadow"
	"github.com/lumastudio/agentgate/internal/storage"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName              = "github.com/lumastudio/agentgate/internal/pipeline"
	defaultBatchConcurrency = 8
)

// Config holds Pipeline settings.
type Config struct {
	// BatchConcurrency bounds the calls of one InvokeBatch running at once.
	BatchConcurrency int
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
}

// Outcome is the result of one invocation that reached a registered tool.
// Exactly one of Result and Err is set.
type Outcome struct {
	Tool       string
	AuditID    string
	OK         bool
	Result     json.RawMessage
	Err        toolerr.Error
	DurationMs int64
}

// Call is one tool call requested by the agent. Confirmed marks that a human
// approved this call's exact arguments.
type Call struct {
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"arguments"`
	Confirmed bool            `json:"confirmed,omitempty"`
}

// BatchResult pairs a call with its outcome. Err is set only when the tool is
// not registered, in which case Outcome is nil.
type BatchResult struct {
	Outcome *Outcome
	Err     error
}

// ToolInfo is the catalog view of a registered tool.
type ToolInfo struct {
	Name           string                `json:"name" yaml:"name"`
	Description    string                `json:"description" yaml:"description"`
	RequiredScopes []string              `json:"required_scopes" yaml:"required_scopes"`
	Confirmation   registry.ConfirmMode  `json:"confirmation" yaml:"confirmation"`
	Parameters     schema.FunctionSchema `json:"function" yaml:"function"`
}

// Pipeline validates, authorises, confirms, executes and audits tool calls.
// It holds no per-call state; concurrent invocations share nothing but the
// injected collaborators.
type Pipeline struct {
	registry registry.ToolRegistry
	schemas  *schema.Adapter
	guard    *engine.GuardrailEngine
	exec     *executor.Executor
	audit    *audit.Logger
	shadow   *shadow.Comparator
	cfg      Config
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates a Pipeline.
func New(
	reg registry.ToolRegistry,
	schemas *schema.Adapter,
	guard *engine.GuardrailEngine,
	exec *executor.Executor,
	auditLog *audit.Logger,
	comparator *shadow.Comparator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Pipeline{
		registry: reg,
		schemas:  schemas,
		guard:    guard,
		exec:     exec,
		audit:    auditLog,
		shadow:   comparator,
		cfg:      cfg,
		tracer:   tp.Tracer(tracerName),
		logger:   logger,
	}
}

// Invoke runs one tool call through the guardrails and, if they pass, the
// handler. The only error returned is a *registry.NotFoundError; every other
// failure is reported in Outcome.Err. Each call that reaches a registered tool
// produces exactly one audit entry.
func (p *Pipeline) Invoke(ctx context.Context, name string, rawArgs json.RawMessage, ictx registry.InvocationContext) (*Outcome, error) {
	return p.invoke(ctx, name, rawArgs, ictx, true)
}

// invoke runs one call. Unaudited calls leave no audit entry and no metrics;
// they belong to shadow candidates, whose steps are kept in the diff record.
func (p *Pipeline) invoke(ctx context.Context, name string, rawArgs json.RawMessage, ictx registry.InvocationContext, audited bool) (*Outcome, error) {
	td, err := p.registry.Get(name)
	if err != nil {
		p.logger.Warn("invocation of unregistered tool",
			zap.String("tool_name", name),
			zap.String("session_id", ictx.SessionID),
		)
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Invoke",
		trace.WithAttributes(
			attribute.String("tool.name", td.Name),
			attribute.String("session.id", ictx.SessionID),
			attribute.Bool("tool.simulated", ictx.Simulated),
			attribute.Bool("tool.audited", audited),
		),
	)
	defer span.End()

	args := NormalizeArgs(rawArgs)
	out := &Outcome{Tool: td.Name}

	decision := p.guard.Check(ctx, &engine.EvalRequest{Tool: td, Args: args, Context: ictx})
	executed := false
	if !decision.Allowed {
		out.Err = decision.Rejection
		span.SetAttributes(attribute.String("guardrail.stage", decision.Stage))
	} else {
		res := p.exec.Execute(ctx, td, args, ictx)
		executed = true
		out.DurationMs = res.DurationMs()
		if res.OK() {
			out.OK = true
			out.Result = res.Output
		} else {
			out.Err = res.Err
		}
	}

	label := "ok"
	if out.OK {
		span.SetStatus(codes.Ok, "")
	} else {
		label = string(out.Err.Kind())
		span.SetStatus(codes.Error, out.Err.Error())
	}

	if audited {
		entry := storage.AuditEntry{
			StudioID:   ictx.StudioID,
			SessionID:  ictx.SessionID,
			Tool:       td.Name,
			ArgsJSON:   args,
			OK:         out.OK,
			DurationMs: out.DurationMs,
			Simulated:  ictx.Simulated,
		}
		if out.OK {
			entry.ResultJSON = out.Result
		} else {
			entry.Error = out.Err.Error()
			entry.ErrorKind = label
		}
		out.AuditID = p.audit.Record(entry)
		metrics.RecordInvocation(td.Name, label, (time.Duration(out.DurationMs) * time.Millisecond).Seconds(), executed)
	}

	fields := []zap.Field{
		zap.String("tool_name", td.Name),
		zap.String("session_id", ictx.SessionID),
		zap.String("audit_id", out.AuditID),
		zap.String("outcome", label),
		zap.Int64("duration_ms", out.DurationMs),
		zap.Bool("audited", audited),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	p.logger.Debug("tool invocation completed", fields...)

	return out, nil
}

// InvokeBatch runs the calls of one agent turn concurrently. Each call is
// independent: it gets its own guardrail decision, execution and audit entry.
// Confirmation is per call; ictx.Confirmed is ignored in favour of each
// Call's Confirmed. Results are returned in the order of calls.
func (p *Pipeline) InvokeBatch(ctx context.Context, calls []Call, ictx registry.InvocationContext) []BatchResult {
	return p.invokeBatch(ctx, calls, ictx, true)
}

func (p *Pipeline) invokeBatch(ctx context.Context, calls []Call, ictx registry.InvocationContext, audited bool) []BatchResult {
	results := make([]BatchResult, len(calls))

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchConcurrency)
	for i, c := range calls {
		g.Go(func() error {
			cictx := ictx
			cictx.Confirmed = c.Confirmed
			out, err := p.invoke(ctx, c.Tool, c.Args, cictx, audited)
			results[i] = BatchResult{Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ListTools returns every registered tool in registration order.
func (p *Pipeline) ListTools() []ToolInfo {
	defs := p.registry.List()
	out := make([]ToolInfo, 0, len(defs))
	for _, td := range defs {
		mode := td.Confirmation.Mode
		if mode == "" {
			mode = registry.ConfirmNone
		}
		out = append(out, ToolInfo{
			Name:           td.Name,
			Description:    td.Description,
			RequiredScopes: append([]string(nil), td.RequiredScopes...),
			Confirmation:   mode,
			Parameters:     p.schemas.ToolSchema(td.Name, td.Description, td.ParameterSchema),
		})
	}
	return out
}

// ToolSchema returns the function-calling schema for one tool. Schema
// problems degrade to the permissive fallback; only an unknown name is an error.
func (p *Pipeline) ToolSchema(name string) (schema.FunctionSchema, error) {
	td, err := p.registry.Get(name)
	if err != nil {
		return schema.FunctionSchema{}, err
	}
	return p.schemas.ToolSchema(td.Name, td.Description, td.ParameterSchema), nil
}

// ToolSchemas returns the function-calling schemas of every tool, in
// registration order, ready to send to the LLM provider.
func (p *Pipeline) ToolSchemas() []schema.FunctionSchema {
	defs := p.registry.List()
	out := make([]schema.FunctionSchema, 0, len(defs))
	for _, td := range defs {
		out = append(out, p.schemas.ToolSchema(td.Name, td.Description, td.ParameterSchema))
	}
	return out
}

// SessionAudit returns the session's audit entries, oldest first.
func (p *Pipeline) SessionAudit(ctx context.Context, sessionID string) []storage.AuditEntry {
	return p.audit.SessionAudit(ctx, sessionID)
}

// AuditStats summarises the studio's audit entries since the cutoff. nil
// means the store could not be read.
func (p *Pipeline) AuditStats(ctx context.Context, studioID string, since time.Time) *storage.AuditStats {
	return p.audit.Stats(ctx, studioID, since)
}

// RunShadow runs legacy and candidate for input and returns legacy's outcome.
func (p *Pipeline) RunShadow(ctx context.Context, req shadow.Request, legacy, candidate shadow.Runner) (*shadow.Outcome, error) {
	return p.shadow.Run(ctx, req, legacy, candidate)
}

// Close waits for in-flight shadow comparisons and drains the audit queue.
func (p *Pipeline) Close() {
	p.shadow.Wait()
	p.audit.Close()
}

// NormalizeArgs returns a copy of raw, with absent arguments as {}.
func NormalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}
