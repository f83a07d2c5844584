package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "ragent.session"

// fileRecord is one JSONL line. The first line of a file is the session header.
type fileRecord struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Turn      *Turn             `json:"turn,omitempty"`
}

const (
	recordSession = "session"
	recordTurn    = "turn"
)

// FileStore keeps each session in its own JSONL file.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	now        func() time.Time
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".ragent", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Session file store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		now:        time.Now,
	}, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+".jsonl")
}

// writeLock gets or creates a write lock for a session
func (fs *FileStore) writeLock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, ok := fs.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[id] = lock
	return lock
}

func (fs *FileStore) releaseWriteLock(id string) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	delete(fs.writeLocks, id)
}

// Create implements Store.
func (fs *FileStore) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create", attribute.String("session_id", id))
	defer span.End()

	now := fs.now().Round(0)
	header := fileRecord{Type: recordSession, SessionID: id, CreatedAt: &now}
	data, err := json.Marshal(header)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to marshal session header: %w", err)
	}

	file, err := os.OpenFile(fs.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to write session header: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to sync session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Str("session_id", id).Msg("Session created")

	return &Session{ID: id, CreatedAt: now, LastActiveAt: now}, nil
}

// Get implements Store.
func (fs *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.get", attribute.String("session_id", id))
	defer span.End()

	if err := validateSessionID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	s, err := fs.load(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		tracing.Fail(span, err)
	}
	return s, err
}

func (fs *FileStore) load(ctx context.Context, id string) (*Session, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", id).Logger()

	file, err := os.Open(fs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	s := &Session{ID: id}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		switch rec.Type {
		case recordSession:
			if rec.CreatedAt != nil {
				s.CreatedAt = *rec.CreatedAt
			}
			s.Metadata = rec.Metadata
		case recordTurn:
			if rec.Turn == nil || rec.Turn.Validate() != nil {
				logger.Warn().Int("line", lineNum).Msg("Invalid turn, skipping")
				continue
			}
			s.Turns = append(s.Turns, *rec.Turn)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	s.LastActiveAt = lastActivity(s)
	return s, nil
}

// Append implements Store. All turns are written with a single write and fsync;
// a failed write is truncated away so readers never observe a partial unit.
func (fs *FileStore) Append(ctx context.Context, id string, turns ...Turn) error {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.append",
		attribute.String("session_id", id),
		attribute.Int("turns", len(turns)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionAppend(time.Since(start))
	}()

	if err := validateSessionID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	lock := fs.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := fs.load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.Fail(span, err)
		}
		return err
	}

	var last time.Time
	if n := len(current.Turns); n > 0 {
		last = current.Turns[n-1].Timestamp
	}
	prepared, err := prepareTurns(last, fs.now(), turns)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for i := range prepared {
		data, err := json.Marshal(fileRecord{Type: recordTurn, SessionID: id, Turn: &prepared[i]})
		if err != nil {
			tracing.Fail(span, err)
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	file, err := os.OpenFile(fs.path(id), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to stat session file: %w", err)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = file.Truncate(info.Size())
		tracing.Fail(span, err)
		return fmt.Errorf("failed to write turns: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Truncate(info.Size())
		tracing.Fail(span, err)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", id).
		Int("turns", len(prepared)).
		Msg("Turns appended")

	return nil
}

// Delete implements Store. Deleting a missing session is not an error.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_id", id))
	defer span.End()

	if err := validateSessionID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	// Wait for any in-progress writes
	lock := fs.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	fs.releaseWriteLock(id)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List implements Store.
func (fs *FileStore) List(ctx context.Context) ([]SessionInfo, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		s, err := fs.load(ctx, strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			log.Warn().Str("file", name).Err(err).Msg("Failed to load session, skipping")
			continue
		}
		infos = append(infos, s.Info())
	}

	return infos, nil
}

// Expire implements Store.
func (fs *FileStore) Expire(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("expiry age cannot be negative")
	}

	infos, err := fs.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := fs.now().Add(-olderThan)
	removed := 0
	for _, info := range infos {
		if !info.LastActiveAt.Before(cutoff) {
			continue
		}
		ok, err := fs.removeIfIdle(ctx, info.ID, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeIfIdle re-checks activity under the write lock so a session appended to
// after listing survives.
func (fs *FileStore) removeIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	lock := fs.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := fs.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.LastActiveAt.Before(cutoff) {
		return false, nil
	}

	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete session file: %w", err)
	}
	fs.releaseWriteLock(id)
	return true, nil
}

// Ping implements Store.
func (fs *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return fmt.Errorf("sessions directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sessions path %s is not a directory", fs.dir)
	}
	return nil
}

// Close implements Store.
func (fs *FileStore) Close() error {
	fs.locksMu.Lock()
	fs.writeLocks = make(map[string]*sync.Mutex)
	fs.locksMu.Unlock()
	return nil
}
