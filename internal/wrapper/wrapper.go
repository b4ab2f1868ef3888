// Package wrapper decorates operations so that every outcome is sanitized,
// optionally signed and appended to a hash-chained audit log.
//
// Successes go to one chain and failures to another. The wrapped call's
// result and error are returned exactly as the operation produced them, even
// when recording fails; recording failures are reported through
// Options.OnAuditError.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/canonical"
	"github.com/yourorg/agentguard/internal/sanitize"
)

const tracerName = "github.com/yourorg/agentguard/internal/wrapper"

// Chain names which log an entry belongs to.
type Chain string

const (
	ChainSuccess Chain = "success"
	ChainError   Chain = "error"
)

// AuditError reports a failure to record an outcome. Stage is "sign" when
// the entry was persisted unsigned, "append" when it was not persisted.
type AuditError struct {
	Stage     string
	Chain     Chain
	Operation string
	Err       error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s (%s chain, operation %q): %v", e.Stage, e.Chain, e.Operation, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

// Metadata describes the agent behind a wrapped operation.
type Metadata struct {
	Operation string
	Agent     string
	Model     string
	Provider  string
	RequestID string
	// Extra is merged into the entry metadata after sanitization.
	Extra map[string]any
}

type Options struct {
	Success *auditlog.Appender
	Failure *auditlog.Appender
	// Sanitizer defaults to sanitize.DefaultConfig().
	Sanitizer *sanitize.Sanitizer
	Logger    *slog.Logger
	// Tracer defaults to the global otel provider.
	Tracer trace.Tracer
	// SessionLogging adds session_id and ip_address to every entry.
	SessionLogging bool
	// OnAuditError defaults to logging the failure.
	OnAuditError func(context.Context, *AuditError)
	Now          func() time.Time
}

// Pipeline holds the shared recording path for wrapped operations.
type Pipeline struct {
	success        *auditlog.Appender
	failure        *auditlog.Appender
	sanitizer      *sanitize.Sanitizer
	logger         *slog.Logger
	tracer         trace.Tracer
	sessionLogging bool
	onAuditError   func(context.Context, *AuditError)
	now            func() time.Time
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		success:        opts.Success,
		failure:        opts.Failure,
		sanitizer:      opts.Sanitizer,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		sessionLogging: opts.SessionLogging,
		onAuditError:   opts.OnAuditError,
		now:            opts.Now,
	}
	if p.sanitizer == nil {
		p.sanitizer = sanitize.New(sanitize.DefaultConfig())
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.onAuditError == nil {
		p.onAuditError = func(_ context.Context, err *AuditError) {
			p.logger.Error("audit pipeline failure",
				"stage", err.Stage,
				"chain", string(err.Chain),
				"operation", err.Operation,
				"error", err.Err,
			)
		}
	}
	return p
}

// Wrap returns op decorated with audit recording. The returned function has
// the same signature and outcome as op. A panic in op is recorded on the
// error chain and then re-raised with its original value.
func Wrap[A, R any](p *Pipeline, md Metadata, op func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (result R, err error) {
		ctx, span := p.tracer.Start(ctx, "agentguard."+md.operation(),
			trace.WithAttributes(
				attribute.String("agentguard.operation", md.operation()),
				attribute.String("agentguard.agent", md.agent()),
			),
		)
		defer span.End()

		start := p.now()
		entry := p.newEntry(ctx, md, arg, start)

		defer func() {
			if r := recover(); r != nil {
				entry.LatencyMs = p.since(start)
				entry.Error = p.sanitizer.String(fmt.Sprintf("panic: %v", r))
				span.SetStatus(codes.Error, "panic")
				p.record(ctx, ChainError, entry)
				panic(r)
			}
		}()

		result, err = op(ctx, arg)
		entry.LatencyMs = p.since(start)
		if err != nil {
			entry.Error = p.sanitizer.String(err.Error())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.record(ctx, ChainError, entry)
			return result, err
		}
		entry.Result = p.sanitizer.Value(p.generic(result))
		p.record(ctx, ChainSuccess, entry)
		return result, nil
	}
}

func (p *Pipeline) newEntry(ctx context.Context, md Metadata, arg any, start time.Time) auditlog.Entry {
	meta := md.fields()
	for k, v := range p.sanitizer.Map(p.genericMap(md.Extra)) {
		meta[k] = v
	}
	if p.sessionLogging {
		meta["session_id"] = uuid.NewString()
		if ip := clientIP(arg); ip != "" {
			meta["ip_address"] = ip
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		meta["trace_id"] = sc.TraceID().String()
		meta["span_id"] = sc.SpanID().String()
	}

	var args any
	if r, ok := arg.(*http.Request); ok && r != nil {
		args = requestSummary(r)
	} else {
		args = p.generic(arg)
	}
	return auditlog.Entry{
		Timestamp:   start.UTC(),
		OperationID: md.operation(),
		Arguments:   p.sanitizer.Value(args),
		Metadata:    meta,
	}
}

// generic converts v to its JSON form. Values without one are recorded by
// type name so the entry can still be written.
func (p *Pipeline) generic(v any) any {
	out, err := canonical.Value(v)
	if err != nil {
		p.logger.Warn("audit value is not JSON encodable", "type", fmt.Sprintf("%T", v), "error", err)
		return fmt.Sprintf("unencodable %T", v)
	}
	return out
}

func (p *Pipeline) genericMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out, ok := p.generic(m).(map[string]any)
	if !ok {
		return nil
	}
	return out
}

func (p *Pipeline) since(start time.Time) int64 {
	return p.now().Sub(start).Milliseconds()
}

// record reduces entry to the configured log level and appends it to its
// chain. The caller's cancellation does not reach the store: an operation
// that settled is always recorded.
func (p *Pipeline) record(ctx context.Context, chain Chain, entry auditlog.Entry) {
	appender := p.success
	if chain == ChainError {
		appender = p.failure
	}
	if appender == nil {
		return
	}
	entry = p.sanitizer.Entry(entry)
	persisted, err := appender.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		stage := "append"
		var sealErr *auditlog.SealError
		if errors.As(err, &sealErr) {
			stage = "sign"
		}
		p.onAuditError(ctx, &AuditError{Stage: stage, Chain: chain, Operation: entry.OperationID, Err: err})
		return
	}
	p.logger.Debug("operation recorded",
		"chain", string(chain),
		"operation", entry.OperationID,
		"hash", persisted.Hash,
		"signed", persisted.Signature != "",
	)
}

func (m Metadata) operation() string {
	if m.Operation == "" {
		return "anonymous"
	}
	return m.Operation
}

func (m Metadata) agent() string {
	if m.Agent == "" {
		return "unknown"
	}
	return m.Agent
}

func (m Metadata) fields() map[string]any {
	out := map[string]any{"agent_name": m.agent()}
	if m.Model != "" {
		out["model"] = m.Model
	}
	if m.Provider != "" {
		out["provider"] = m.Provider
	}
	if m.RequestID != "" {
		out["request_id"] = m.RequestID
	}
	return out
}
