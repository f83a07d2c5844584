package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/ragent/internal/tracing"
)

// handleWebSocket upgrades the connection and serves JSON-RPC requests on it.
// With a shared secret, the client must answer an auth challenge first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	now := time.Now()
	client := &Client{
		ID:           newRequestID(),
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.rateLimit),
		State:        StateConnecting,
	}
	if !s.auth.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
	s.clients.Add(client)
	s.logger.Info().Str("client_id", client.ID).Str("ip", r.RemoteAddr).Msg("Client connected")

	var greetErr error
	if s.auth.Enabled() {
		greetErr = s.sendAuthChallenge(client)
	} else {
		greetErr = client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}
	if greetErr != nil {
		s.logger.Error().Err(greetErr).Str("client_id", client.ID).Msg("Failed to greet client")
		_ = conn.Close()
		s.clients.Remove(client.ID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	release, reason := client.RateLimiter.Acquire()
	if release == nil {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}
	s.inFlight.Add(1)

	go func() {
		defer release()
		defer s.inFlight.Done()

		ctx := withClientID(requestContext(context.Background(), nil), client.ID)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("client_id", client.ID).Str("rpc_id", req.ID).Str("method", req.Method).Msg("Gateway received RPC request")

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Error().Err(err).Str("client_id", clientIDFromContext(ctx)).Str("rpc_id", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	if !s.auth.Enabled() || client.Authenticated {
		return true
	}

	result := s.auth.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return true
	}
	s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	return client.AuthAttempts < maxAuthAttempts
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}
