package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const sqlSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		ts INTEGER NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
`

// SQLStore keeps sessions in a SQL database. Each Append runs in one transaction.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore opens (or creates) a SQLite session database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	observability.EnsureRegistered()

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return NewSQLStore(db), nil
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	now := s.now().Round(0)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_active_at, metadata) VALUES (?, ?, ?, ?)`,
		id, now.UnixNano(), now.UnixNano(), "{}",
	); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Session{ID: id, CreatedAt: now, LastActiveAt: now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.get", attribute.String("session_id", id))
	defer span.End()

	var created, lastActive int64
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_active_at, metadata FROM sessions WHERE id = ?`, id,
	).Scan(&created, &lastActive, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &Session{
		ID:           id,
		CreatedAt:    time.Unix(0, created),
		LastActiveAt: time.Unix(0, lastActive),
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &sess.Metadata)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn Turn
		if err := json.Unmarshal([]byte(body), &turn); err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to decode turn, skipping")
			continue
		}
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}

	return sess, nil
}

func (s *SQLStore) Append(ctx context.Context, id string, turns ...Turn) (err error) {
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
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTurn) {
			tracing.Fail(span, err)
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	var seq, lastTS int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(ts), 0) FROM turns WHERE session_id = ?`, id,
	).Scan(&seq, &lastTS); err != nil {
		return fmt.Errorf("failed to read last turn: %w", err)
	}

	var last time.Time
	if lastTS > 0 {
		last = time.Unix(0, lastTS)
	}
	prepared, err := prepareTurns(last, s.now(), turns)
	if err != nil {
		return err
	}

	for _, t := range prepared {
		body, mErr := json.Marshal(t)
		if mErr != nil {
			err = fmt.Errorf("failed to marshal turn: %w", mErr)
			return err
		}
		seq++
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, id, role, ts, body) VALUES (?, ?, ?, ?, ?, ?)`,
			id, seq, t.ID, string(t.Role), t.Timestamp.UnixNano(), string(body),
		); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	lastActive := prepared[len(prepared)-1].Timestamp.UnixNano()
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, lastActive, id,
	); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) List(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.last_active_at, COUNT(t.seq)
		FROM sessions s LEFT JOIN turns t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	infos := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var created, lastActive int64
		if err := rows.Scan(&info.ID, &created, &lastActive, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.CreatedAt = time.Unix(0, created)
		info.LastActiveAt = time.Unix(0, lastActive)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLStore) Expire(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("expiry age cannot be negative")
	}
	cutoff := s.now().Add(-olderThan).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?)`, cutoff,
	); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to expire turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active_at < ?`, cutoff)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
