// Package transcript archives committed turns outside the live session
// history. Nothing here is ever fed back to the model.
package transcript

import (
	"context"
	"time"
)

// TurnRecord is one archived user or model turn.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AssetURI  string    `json:"asset_uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// SaveTurns writes the records of one committed exchange together.
	SaveTurns(ctx context.Context, records ...TurnRecord) error
	// Transcript returns up to limit of the latest records for a session in
	// conversation order. limit <= 0 means the store default.
	Transcript(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	// Evict releases what the store holds in process memory for a session.
	// Durable backends keep their rows.
	Evict(ctx context.Context, sessionID string) error
	Mode() string
	Close() error
}

type Options struct {
	DatabaseURL string
	// MaxRecordsPerSession bounds the in-memory archive. Zero means
	// DefaultMaxRecordsPerSession.
	MaxRecordsPerSession int
}

const (
	DefaultMaxRecordsPerSession = 200
	defaultTranscriptLimit      = 50
)

func stamp(records []TurnRecord, newID func() string, now time.Time) {
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = newID()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
}
