package gateway

import (
	"context"
	"encoding/json"

	"github.com/harun/ragent/internal/tracing"
	"github.com/harun/ragent/pkg/agent"
)

// ChatRequest is the inbound chat message. The optional switches default to true.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	UseRAG    *bool  `json:"use_rag,omitempty"`
	UseTools  *bool  `json:"use_tools,omitempty"`
	Evaluate  *bool  `json:"evaluate,omitempty"`
}

func (c ChatRequest) agentRequest() agent.Request {
	return agent.Request{
		SessionID: c.SessionID,
		Message:   c.Message,
		Options: agent.RequestOptions{
			SkipRetrieval:  isFalse(c.UseRAG),
			DisableTools:   isFalse(c.UseTools),
			SkipEvaluation: isFalse(c.Evaluate),
		},
	}
}

func isFalse(b *bool) bool {
	return b != nil && !*b
}

// ChatResponse is the agent response plus summary fields for simple clients.
type ChatResponse struct {
	*agent.Response
	Confidence float64  `json:"confidence"`
	ToolsUsed  []string `json:"tools_used"`
}

func newChatResponse(resp *agent.Response) *ChatResponse {
	if resp == nil {
		return nil
	}
	out := &ChatResponse{Response: resp, ToolsUsed: []string{}}
	if resp.Evaluation != nil {
		out.Confidence = resp.Evaluation.Confidence
	}
	seen := map[string]bool{}
	for _, call := range resp.ToolCalls {
		if !seen[call.Name] {
			seen[call.Name] = true
			out.ToolsUsed = append(out.ToolsUsed, call.Name)
		}
	}
	return out
}

// chat runs one turn and announces the session update to websocket clients.
func (s *Server) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := s.agent.ProcessTurn(ctx, req.agentRequest())
	if resp != nil {
		s.broadcaster.Broadcast(EventMessage{
			Event:   "session.updated",
			Session: resp.SessionID,
			TraceID: tracing.GetTraceID(ctx),
			Data: map[string]interface{}{
				"request_id": tracing.GetRequestID(ctx),
				"failed":     err != nil,
			},
		})
	}
	return newChatResponse(resp), err
}

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat", s.rpcChat)
	_ = s.RegisterMethod("sessions.list", s.rpcSessionsList)
	_ = s.RegisterMethod("sessions.get", s.rpcSessionsGet)
	_ = s.RegisterMethod("sessions.delete", s.rpcSessionsDelete)
	_ = s.RegisterMethod("tools.list", s.rpcToolsList)
	_ = s.RegisterMethod("health", s.rpcHealth)
}

// rpcError converts an agent failure into an RPC error carrying the stable
// code and, when present, the partial result.
func rpcError(err error, result *ChatResponse) *RPCError {
	code, _ := errorCode(err)
	data := map[string]interface{}{"code": code}
	if result != nil {
		data["result"] = result
	}

	rpcCode := InternalError
	switch code {
	case "invalid_input":
		rpcCode = InvalidParams
	case "session_conflict":
		rpcCode = SessionConflict
	case "model_unavailable":
		rpcCode = ModelUnavailable
	case "persistence_failure":
		rpcCode = PersistenceFailure
	case "not_found":
		rpcCode = NotFound
	}
	return &RPCError{Code: rpcCode, Message: publicMessage(err), Data: data}
}

func decodeParams(params map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(params)
	if err == nil {
		err = json.Unmarshal(raw, v)
	}
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", &RPCError{Code: InvalidParams, Message: key + " parameter is required and must be a string"}
	}
	return v, nil
}

func (s *Server) rpcChat(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req ChatRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	resp, err := s.chat(ctx, req)
	if err != nil {
		return nil, rpcError(err, resp)
	}
	return resp, nil
}

func (s *Server) rpcSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	infos, err := s.agent.Sessions(ctx)
	if err != nil {
		return nil, rpcError(err, nil)
	}
	return map[string]interface{}{"sessions": infos}, nil
}

func (s *Server) rpcSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	sess, err := s.agent.Session(ctx, id)
	if err != nil {
		return nil, rpcError(err, nil)
	}
	return sess, nil
}

func (s *Server) rpcSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	if err := s.agent.ClearSession(ctx, id); err != nil {
		return nil, rpcError(err, nil)
	}
	s.broadcaster.Broadcast(EventMessage{Event: "session.deleted", Session: id, TraceID: tracing.GetTraceID(ctx)})
	return map[string]interface{}{"session_id": id, "deleted": true}, nil
}

func (s *Server) rpcToolsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"tools": s.agent.Tools()}, nil
}

func (s *Server) rpcHealth(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	report := s.agent.Health(ctx)
	if !report.Healthy {
		return nil, &RPCError{Code: ModelUnavailable, Message: "unhealthy", Data: report}
	}
	return report, nil
}
