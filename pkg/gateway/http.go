package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/harun/ragent/internal/tracing"
	"github.com/harun/ragent/pkg/agent"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
)

// ErrorDetail is the caller-safe description of a failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response. Result is set when the
// turn produced an answer despite the error: the failure reply after a model
// outage, or an answer that could not be saved.
type ErrorResponse struct {
	Error     ErrorDetail   `json:"error"`
	RequestID string        `json:"request_id,omitempty"`
	Result    *ChatResponse `json:"result,omitempty"`
}

// errorCode maps an error to its stable code and HTTP status.
func errorCode(err error) (string, int) {
	if errors.Is(err, session.ErrNotFound) {
		return "not_found", http.StatusNotFound
	}
	switch code := agent.Code(err); code {
	case "invalid_input":
		return code, http.StatusBadRequest
	case "session_conflict":
		return code, http.StatusConflict
	case "model_unavailable":
		return code, http.StatusServiceUnavailable
	default:
		return code, http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	if errors.Is(err, session.ErrNotFound) {
		return "Session not found."
	}
	return agent.PublicMessage(err)
}

// guard applies shutdown, authentication and rate limiting, and attaches
// request ids to the context.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{Code: "shutting_down", Message: "Server is shutting down."}})
			return
		}
		if !s.auth.AuthorizeHTTP(r) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Code: "unauthorized", Message: "Missing or invalid credentials."}})
			return
		}

		release, reason := s.httpLimits.get(remoteHost(r)).Acquire()
		if release == nil {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: ErrorDetail{Code: "rate_limited", Message: reason}})
			return
		}
		defer release()

		s.inFlight.Add(1)
		defer s.inFlight.Done()

		ctx := requestContext(r.Context(), r)
		w.Header().Set("X-Request-Id", tracing.GetRequestID(ctx))
		w.Header().Set("X-Trace-Id", tracing.GetTraceID(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Gateway received HTTP request")

		next(w, r.WithContext(ctx))
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, result *ChatResponse) {
	code, status := errorCode(err)
	body := ErrorResponse{
		Error:     ErrorDetail{Code: code, Message: publicMessage(err)},
		RequestID: tracing.GetRequestID(r.Context()),
		Result:    result,
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Str("code", code).Str("path", r.URL.Path).Msg("Request failed")

	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, w http.ResponseWriter, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &agent.Error{Kind: agent.ErrInvalidInput, Op: "decode request", Err: fmt.Errorf("malformed JSON body")}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	cached, state := s.replay.Reserve(key, chatFingerprint(req))
	switch state {
	case replayHit:
		w.Header().Set(replayedHeader, "true")
		writeJSON(w, http.StatusOK, cached)
		return
	case replayInFlight:
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     ErrorDetail{Code: "idempotency_in_flight", Message: "A request with this idempotency key is still being processed."},
			RequestID: tracing.GetRequestID(r.Context()),
		})
		return
	case replayMismatch:
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     ErrorDetail{Code: "idempotency_mismatch", Message: "This idempotency key was used with a different request."},
			RequestID: tracing.GetRequestID(r.Context()),
		})
		return
	}

	resp, err := s.chat(r.Context(), req)
	if err != nil {
		s.replay.Release(key)
		s.writeError(w, r, err, resp)
		return
	}
	s.replay.Complete(key, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.agent.Sessions(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agent.ClearSession(r.Context(), id); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.broadcaster.Broadcast(EventMessage{Event: "session.deleted", Session: id, TraceID: tracing.GetTraceID(r.Context())})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.agent.Tools()})
}

// AddDocumentsRequest is the body of POST /v1/documents.
type AddDocumentsRequest struct {
	Documents []retrieval.Document `json:"documents"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: ErrorDetail{Code: "not_implemented", Message: "Document indexing is not configured."}})
		return
	}

	var req AddDocumentsRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	for i, doc := range req.Documents {
		if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Text) == "" {
			s.writeError(w, r, &agent.Error{Kind: agent.ErrInvalidInput, Op: "add documents", Err: fmt.Errorf("document %d needs an id and text", i)}, nil)
			return
		}
	}
	if len(req.Documents) == 0 {
		s.writeError(w, r, &agent.Error{Kind: agent.ErrInvalidInput, Op: "add documents", Err: fmt.Errorf("no documents")}, nil)
		return
	}

	chunks, err := s.indexer.AddDocuments(r.Context(), req.Documents)
	if err != nil {
		s.writeError(w, r, &agent.Error{Kind: agent.ErrPersistenceFailure, Op: "add documents", Err: err}, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": len(req.Documents), "chunks": chunks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.agent.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
