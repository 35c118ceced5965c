package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RingStore keeps the newest records of each session in memory and drops
// older ones once a session reaches its capacity.
type RingStore struct {
	capacity int

	mu       sync.Mutex
	sessions map[string]*ring
}

type ring struct {
	buf  []TurnRecord
	next int
	full bool
}

func (r *ring) push(rec TurnRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the held records oldest first.
func (r *ring) ordered() []TurnRecord {
	if !r.full {
		return append([]TurnRecord(nil), r.buf[:r.next]...)
	}
	out := make([]TurnRecord, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *ring) size() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = DefaultMaxRecordsPerSession
	}
	return &RingStore{capacity: capacity, sessions: make(map[string]*ring)}
}

func (s *RingStore) SaveTurns(_ context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	stamp(records, uuid.NewString, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		r, ok := s.sessions[rec.SessionID]
		if !ok {
			r = &ring{buf: make([]TurnRecord, s.capacity)}
			s.sessions[rec.SessionID] = r
		}
		r.push(rec)
	}
	return nil
}

func (s *RingStore) Transcript(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	all := r.ordered()
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *RingStore) Evict(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Held reports how many records are kept across all sessions.
func (s *RingStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sessions {
		n += r.size()
	}
	return n
}

func (s *RingStore) Mode() string { return "in-memory" }

func (s *RingStore) Close() error { return nil }
