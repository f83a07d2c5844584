package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store persists sessions. Append is the only mutation of an existing session's
// history and is atomic with respect to concurrent appends on the same session.
type Store interface {
	// Create starts a session with a fresh unique id.
	Create(ctx context.Context) (*Session, error)
	// Get loads a session; ErrNotFound when it does not exist.
	Get(ctx context.Context, id string) (*Session, error)
	// Append adds turns to a session as one unit.
	Append(ctx context.Context, id string, turns ...Turn) error
	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error
	// List summarizes all sessions.
	List(ctx context.Context) ([]SessionInfo, error)
	// Expire removes sessions idle for longer than olderThan and reports how many.
	Expire(ctx context.Context, olderThan time.Duration) (int, error)
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// validateSessionID validates the session id for security
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// prepareTurns validates turns and assigns ids and strictly increasing timestamps
// starting after last. It returns copies; the caller's slice is not modified.
func prepareTurns(last time.Time, now time.Time, turns []Turn) ([]Turn, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: no turns to append", ErrInvalidTurn)
	}

	out := make([]Turn, len(turns))
	for i, t := range turns {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if t.ID == "" {
			t.ID = NewID()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		// Strip the monotonic reading so stored and reloaded values compare equal.
		t.Timestamp = t.Timestamp.Round(0)
		if !t.Timestamp.After(last) {
			t.Timestamp = last.Add(time.Nanosecond)
		}
		last = t.Timestamp
		out[i] = t
	}
	return out, nil
}

func lastActivity(s *Session) time.Time {
	last := s.CreatedAt
	if n := len(s.Turns); n > 0 && s.Turns[n-1].Timestamp.After(last) {
		last = s.Turns[n-1].Timestamp
	}
	return last
}
