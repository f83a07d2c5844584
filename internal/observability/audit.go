package observability

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/ragent/internal/tracing"
)

// Audit event kinds.
const (
	AuditTool    = "tool"
	AuditSession = "session"
)

// AuditEvent is one line of the audit log: a tool invocation or a change to
// stored sessions.
type AuditEvent struct {
	Kind      string
	Subject   string // tool name, or session action such as "create" or "expire"
	SessionID string
	Actor     string // "agent", "janitor" or "gateway"
	Outcome   string // "ok" or a tool error kind
	Details   map[string]interface{}
	Timestamp time.Time
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu sync.RWMutex
	audit   = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds, events are dropped.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return audit
}

// InitAuditLogger sends audit events to path, closing any previous file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	next := &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}

	auditMu.Lock()
	prev := audit
	audit = next
	auditMu.Unlock()

	return prev.close()
}

// CloseAuditLogger closes the audit file and drops further events.
func CloseAuditLogger() error {
	auditMu.Lock()
	prev := audit
	audit = &AuditLogger{logger: zerolog.Nop()}
	auditMu.Unlock()

	return prev.close()
}

// Record writes event. Request and trace ids come from ctx; when a span is
// active the event is also added to it.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	traceID := tracing.GetTraceID(ctx)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Kind, trace.WithAttributes(
			attribute.String("audit.subject", event.Subject),
			attribute.String("audit.outcome", event.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("kind", event.Kind).
		Str("subject", event.Subject).
		Str("outcome", event.Outcome)
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if id := tracing.GetRequestID(ctx); id != "" {
		entry = entry.Str("request_id", id)
	}
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Details) > 0 {
		entry = entry.Interface("details", event.Details)
	}
	entry.Send()
}

func (a *AuditLogger) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// RecordToolAudit records a tool invocation made for a session. outcome is
// "ok" or the tool error kind.
func RecordToolAudit(ctx context.Context, toolName, sessionID, outcome string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      AuditTool,
		Subject:   toolName,
		SessionID: sessionID,
		Actor:     "agent",
		Outcome:   outcome,
		Details:   details,
	})
}

// RecordSessionAudit records a session being created, deleted or expired.
func RecordSessionAudit(ctx context.Context, action, actor string, details map[string]interface{}) {
	event := AuditEvent{
		Kind:    AuditSession,
		Subject: action,
		Actor:   actor,
		Outcome: "ok",
		Details: details,
	}
	if id, ok := details["session_id"].(string); ok {
		event.SessionID = id
	}
	GetAuditLogger().Record(ctx, event)
}
