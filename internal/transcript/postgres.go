package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTurnsTable = `CREATE TABLE IF NOT EXISTS transcript_turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	asset_uri  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	createTurnsIndex = `CREATE INDEX IF NOT EXISTS transcript_turns_session_created_idx
	ON transcript_turns (session_id, created_at)`

	insertTurn = `INSERT INTO transcript_turns (id, session_id, turn_id, role, content, asset_uri, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// Latest rows first to apply the limit, then back into conversation order.
	selectTranscript = `SELECT id, session_id, turn_id, role, content, asset_uri, created_at FROM (
	SELECT id, session_id, turn_id, role, content, asset_uri, created_at
	FROM transcript_turns WHERE session_id = $1
	ORDER BY created_at DESC LIMIT $2
) latest ORDER BY created_at ASC`
)

// PostgresStore is the durable archive.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open transcript pool: %w", err)
	}
	for _, ddl := range []string{createTurnsTable, createTurnsIndex} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate transcript schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveTurns sends all records in one batch inside a transaction, so an
// exchange is archived whole or not at all.
func (s *PostgresStore) SaveTurns(ctx context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	stamp(records, uuid.NewString, time.Now().UTC())

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(insertTurn, r.ID, r.SessionID, r.TurnID, r.Role, r.Content, r.AssetURI, r.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transcript turns: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	rows, err := s.pool.Query(ctx, selectTranscript, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TurnRecord])
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return records, nil
}

// Evict is a no-op: rows outlive the in-process session.
func (s *PostgresStore) Evict(context.Context, string) error { return nil }

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
