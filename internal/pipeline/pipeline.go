// Package pipeline drives every inbound request through six ordered
// stages: parse, lookup, validate, authorise+throttle, confirm, dispatch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/internal/confirm"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/session"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// Authorizer decides whether a session's group may invoke a tool (stage
// 4). AllowAll is the only implementation in this package.
type Authorizer interface {
	IsAuthorized(group, tool string) bool
}

// AllowAll authorises every (group, tool) pair; useful for tests and single
// tenant deployments that do not configure group restrictions.
type AllowAll struct{}

func (AllowAll) IsAuthorized(string, string) bool { return true }

// AuditWriter records one row per terminated request.
type AuditWriter interface {
	Write(ctx context.Context, entry AuditEntry)
}

// AuditEntry is the structural-only record the audit log persists. It never
// carries arguments or results.
type AuditEntry struct {
	Timestamp   time.Time
	Session     string
	Group       string
	Tool        string
	Correlation string
	Stage       int
	Code        protocol.ErrorCode
	DurationMs  int64
}

// Sanitizer redacts credential-shaped substrings from a handler's result
// before it is returned to the caller; the container output reader applies
// the same redaction to its event payloads.
type Sanitizer interface {
	Sanitize(payload json.RawMessage) (json.RawMessage, error)
}

// NoopSanitizer returns the payload unchanged.
type NoopSanitizer struct{}

func (NoopSanitizer) Sanitize(p json.RawMessage) (json.RawMessage, error) { return p, nil }

// Options configures a Pipeline.
type Options struct {
	Source         string // producer id stamped on response envelopes
	HandlerTimeout time.Duration
}

// Pipeline holds every collaborator the six stages consult, injected
// explicitly rather than reached through globals.
type Pipeline struct {
	Catalog     *catalog.Catalog
	Sessions    *session.Manager
	Limiter     *ratelimit.Limiter
	Gate        *confirm.Gate
	Authorizer  Authorizer
	Sanitizer   Sanitizer
	Audit       AuditWriter
	PreApproval *PreApprovalSet

	// Optional instruments: one count and one duration sample per
	// terminated request, plus a counter for confirmations that resolved
	// by timeout.
	Requests        metric.Int64Counter
	StageDuration   metric.Float64Histogram
	ConfirmTimeouts metric.Int64Counter

	opts Options
}

// New builds a Pipeline with Authorizer set to AllowAll and Sanitizer set to
// NoopSanitizer; callers replace either field to change that. A
// non-positive HandlerTimeout becomes 30s.
func New(cat *catalog.Catalog, sessions *session.Manager, limiter *ratelimit.Limiter, gate *confirm.Gate, audit AuditWriter, opts Options) *Pipeline {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	return &Pipeline{
		Catalog:     cat,
		Sessions:    sessions,
		Limiter:     limiter,
		Gate:        gate,
		Authorizer:  AllowAll{},
		Sanitizer:   NoopSanitizer{},
		Audit:       audit,
		PreApproval: NewPreApprovalSet(),
		opts:        opts,
	}
}

// Outcome is what Handle returns: either a response envelope to send back,
// or Drop = true meaning no response should be sent at all — a frame
// lacking a non-empty correlation is silently dropped, never answered.
type Outcome struct {
	Response *protocol.Envelope
	Drop     bool
}

// Handle runs raw (one inbound ROUTER frame) through all six stages for the
// session bound to identity.
func (p *Pipeline) Handle(ctx context.Context, identity string, raw []byte) Outcome {
	start := time.Now()

	sess, ok := p.Sessions.Lookup(identity)
	if !ok {
		slog.Warn("pipeline.unbound_identity", "identity", identity)
		return Outcome{Drop: true}
	}

	// Stage 1: parse.
	msg, err := protocol.DecodeWireMessage(raw)
	if err != nil {
		var spoof *protocol.IdentitySpoofError
		if errors.As(err, &spoof) && spoof.Correlation != "" {
			errPayload := protocol.NewErrorPayload(protocol.ErrValidationFailed, err.Error(), 1)
			p.audit(ctx, sess, "", spoof.Correlation, 1, errPayload.Code, start)
			return p.errorOutcome(sess, spoof.Correlation, errPayload)
		}
		slog.Debug("pipeline.parse_failed", "error", err)
		return Outcome{Drop: true}
	}
	if msg.Correlation == "" {
		return Outcome{Drop: true}
	}
	if msg.Topic == "" || len(msg.Arguments) == 0 {
		errPayload := protocol.NewErrorPayload(protocol.ErrValidationFailed, "topic and arguments are required", 1)
		p.audit(ctx, sess, "", msg.Correlation, 1, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}

	// Stage 2: lookup.
	toolName, ok := protocol.ToolNameFromTopic(msg.Topic)
	if !ok {
		errPayload := protocol.NewErrorPayload(protocol.ErrUnknownTool, fmt.Sprintf("topic %q is not a tool invocation", msg.Topic), 2)
		p.audit(ctx, sess, "", msg.Correlation, 2, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}
	reg, ok := p.Catalog.Lookup(toolName)
	if !ok {
		errPayload := protocol.NewErrorPayload(protocol.ErrUnknownTool, fmt.Sprintf("tool %q is not registered", toolName), 2)
		p.audit(ctx, sess, toolName, msg.Correlation, 2, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}

	// Stage 3: validate.
	if field, err := reg.Schema.Validate(msg.Arguments); err != nil {
		errPayload := protocol.NewErrorPayload(protocol.ErrValidationFailed, err.Error(), 3).WithField(field)
		p.audit(ctx, sess, toolName, msg.Correlation, 3, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}

	// Stage 4: authorise + throttle.
	if !p.Authorizer.IsAuthorized(sess.Group, toolName) {
		errPayload := protocol.NewErrorPayload(protocol.ErrUnauthorized, fmt.Sprintf("group %q is not permitted to invoke %q", sess.Group, toolName), 4)
		p.audit(ctx, sess, toolName, msg.Correlation, 4, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}
	acquire := p.Limiter.TryAcquire(sess.ID, toolName)
	if !acquire.Allowed {
		errPayload := protocol.NewErrorPayload(protocol.ErrRateLimited, "rate limit exceeded", 4).WithRetryAfter(acquire.RetryAfter)
		p.audit(ctx, sess, toolName, msg.Correlation, 4, errPayload.Code, start)
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}

	// Stage 5: confirm.
	if reg.Decl.RiskLevel.RequiresConfirmation() && !p.PreApproval.Consume(msg.Correlation) {
		outcome, err := p.awaitConfirmation(ctx, msg.Correlation, toolName)
		if err != nil {
			errPayload := protocol.NewErrorPayload(protocol.ErrConfirmationTimeout, err.Error(), 5)
			p.audit(ctx, sess, toolName, msg.Correlation, 5, errPayload.Code, start)
			return p.errorOutcome(sess, msg.Correlation, errPayload)
		}
		if !outcome.Approved {
			code := protocol.ErrConfirmationDenied
			if outcome.Reason == confirm.ReasonTimeout {
				code = protocol.ErrConfirmationTimeout
			}
			errPayload := protocol.NewErrorPayload(code, fmt.Sprintf("confirmation %s", outcome.Reason), 5)
			p.audit(ctx, sess, toolName, msg.Correlation, 5, errPayload.Code, start)
			return p.errorOutcome(sess, msg.Correlation, errPayload)
		}
	}

	// Stage 6: dispatch.
	result, errPayload := p.dispatch(ctx, sess, reg, toolName, msg)
	var code protocol.ErrorCode
	if errPayload != nil {
		code = errPayload.Code
	}
	p.audit(ctx, sess, toolName, msg.Correlation, 6, code, start)

	if errPayload != nil {
		return p.errorOutcome(sess, msg.Correlation, errPayload)
	}
	return p.resultOutcome(sess, msg.Correlation, result)
}

func (p *Pipeline) awaitConfirmation(ctx context.Context, correlation, toolName string) (confirm.Outcome, error) {
	ch, err := p.Gate.Request(correlation, toolName)
	if err != nil {
		return confirm.Outcome{}, err
	}
	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		p.Gate.Cancel(correlation)
		return confirm.Outcome{Approved: false, Reason: confirm.ReasonTimeout}, nil
	}
}

func (p *Pipeline) dispatch(ctx context.Context, sess *session.Session, reg *catalog.Registration, toolName string, msg protocol.WireMessage) (json.RawMessage, *protocol.ErrorPayload) {
	if reg.Handler == nil {
		return nil, protocol.NewErrorPayload(protocol.ErrPluginUnavailable, fmt.Sprintf("tool %q has no loaded handler", toolName), 6)
	}

	dctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := reg.Handler(dctx, catalog.Request{
			SessionID:   sess.ID,
			Group:       sess.Group,
			ToolName:    toolName,
			Correlation: msg.Correlation,
			Arguments:   msg.Arguments,
		})
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, classifyHandlerError(o.err)
		}
		sanitized, err := p.Sanitizer.Sanitize(o.result)
		if err != nil {
			slog.Warn("pipeline.sanitize_failed", "tool", toolName, "error", err)
			sanitized = o.result
		}
		return sanitized, nil
	case <-dctx.Done():
		return nil, protocol.NewErrorPayload(protocol.ErrPluginTimeout, "handler deadline exceeded", 6)
	}
}

func classifyHandlerError(err error) *protocol.ErrorPayload {
	var handlerErr *catalog.HandlerError
	if errors.As(err, &handlerErr) {
		return protocol.NewErrorPayload(protocol.ErrHandlerError, handlerErr.Message, 6)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewErrorPayload(protocol.ErrPluginTimeout, err.Error(), 6)
	}
	return protocol.NewErrorPayload(protocol.ErrPluginError, err.Error(), 6)
}

func (p *Pipeline) errorOutcome(sess *session.Session, correlation string, errPayload *protocol.ErrorPayload) Outcome {
	env, err := protocol.NewEnvelope(protocol.TypeResponse, p.opts.Source, sess.Group, "", correlation,
		protocol.ResponsePayload{Error: errPayload})
	if err != nil {
		slog.Error("pipeline.envelope_build_failed", "error", err)
		return Outcome{Drop: true}
	}
	return Outcome{Response: &env}
}

func (p *Pipeline) resultOutcome(sess *session.Session, correlation string, result json.RawMessage) Outcome {
	env, err := protocol.NewEnvelope(protocol.TypeResponse, p.opts.Source, sess.Group, "", correlation,
		protocol.ResponsePayload{Result: result})
	if err != nil {
		slog.Error("pipeline.envelope_build_failed", "error", err)
		return Outcome{Drop: true}
	}
	return Outcome{Response: &env}
}

func (p *Pipeline) audit(ctx context.Context, sess *session.Session, tool, correlation string, stage int, code protocol.ErrorCode, start time.Time) {
	if p.Requests != nil {
		p.Requests.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("stage", stage),
			attribute.String("code", string(code)),
		))
	}
	if p.StageDuration != nil {
		p.StageDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Int("stage", stage)))
	}
	if p.ConfirmTimeouts != nil && code == protocol.ErrConfirmationTimeout {
		p.ConfirmTimeouts.Add(ctx, 1)
	}
	if p.Audit == nil {
		return
	}
	p.Audit.Write(ctx, AuditEntry{
		Timestamp:   time.Now().UTC(),
		Session:     sess.ID,
		Group:       sess.Group,
		Tool:        tool,
		Correlation: correlation,
		Stage:       stage,
		Code:        code,
		DurationMs:  time.Since(start).Milliseconds(),
	})
}
