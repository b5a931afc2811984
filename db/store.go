// Package db mirrors session transcripts into Postgres. The per-session
// transcript file remains the source of truth; the database is a queryable
// archive, so every write here is tolerant of replays.
package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
)

//go:embed schema.sql
var sqlFS embed.FS

// Store holds the connection pool. It satisfies transcript.Archive.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies the embedded schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := sqlFS.ReadFile("schema.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to read embedded schema.sql: %w", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertSession registers a session at open time.
func (s *Store) InsertSession(ctx context.Context, id string, startedAt time.Time, targetLanguage string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, started_at, target_language)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, startedAt, targetLanguage)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// CloseSession stamps the session's end time. Replays keep the earliest stamp.
func (s *Store) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET closed_at = $2 WHERE id = $1 AND closed_at IS NULL`,
		id, closedAt)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// RecordTurn archives one finalized turn. Duplicate (session, turn) pairs
// are dropped so crash-replayed turns never double up.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, e transcript.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (session_id, turn_id, created_at, source_text, translated_text, target_language)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, turn_id) DO NOTHING`,
		sessionID, e.TurnID, e.Timestamp, e.SourceText, e.TranslatedText, e.TargetLang)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// SessionRow is one line of the sessions listing.
type SessionRow struct {
	ID             string
	StartedAt      time.Time
	ClosedAt       *time.Time
	TargetLanguage string
	Turns          int64
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.started_at, s.closed_at, s.target_language, COUNT(t.turn_id)
		 FROM sessions s
		 LEFT JOIN turns t ON t.session_id = s.id
		 GROUP BY s.id
		 ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.ClosedAt, &r.TargetLanguage, &r.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
