package gateway

import (
	"context"
	"net/http"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/ragent/internal/tracing"
)

type ctxKey string

const clientIDKey ctxKey = "client_id"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// newRequestID returns a short random id for one inbound request.
func newRequestID() string {
	id, err := gonanoid.New()
	if err != nil {
		return tracing.NewTraceID()
	}
	return id
}

// requestContext attaches trace and request ids, honouring ids sent by the caller.
func requestContext(ctx context.Context, r *http.Request) context.Context {
	traceID := tracing.NewTraceID()
	requestID := ""
	if r != nil {
		if v := r.Header.Get("X-Trace-Id"); v != "" {
			traceID = v
		}
		requestID = r.Header.Get("X-Request-Id")
	}
	if requestID == "" {
		requestID = newRequestID()
	}
	return tracing.WithRequestID(tracing.WithTraceID(ctx, traceID), requestID)
}
