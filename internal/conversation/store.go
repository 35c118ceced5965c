// Package conversation holds the process-wide session registry and the
// ordered turn history of each session.
package conversation

import (
	"context"
	"sync"
	"time"
)

// History is the ordered turn sequence of one session.
//
// Lock and Unlock serialize whole turns for the session; the turn slice has
// its own lock so readers never wait on an in-flight model call.
type History struct {
	id       string
	maxTurns int

	turnMu sync.Mutex

	mu           sync.RWMutex
	turns        []Turn
	lastActivity time.Time
}

func (h *History) ID() string { return h.id }

func (h *History) Lock() { h.turnMu.Lock() }

func (h *History) Unlock() { h.turnMu.Unlock() }

// Turns returns a copy of the history in conversation order.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	for i, t := range h.turns {
		out[i] = cloneTurn(t)
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Append adds turns at the end. When a window is configured the oldest turns
// are dropped in user/model pairs so the history keeps starting with a user
// turn.
func (h *History) Append(turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range turns {
		h.turns = append(h.turns, cloneTurn(t))
	}
	if h.maxTurns > 0 && len(h.turns) > h.maxTurns {
		excess := len(h.turns) - h.maxTurns
		if excess%2 != 0 {
			excess++
		}
		if excess > len(h.turns) {
			excess = len(h.turns)
		}
		h.turns = append([]Turn(nil), h.turns[excess:]...)
	}
	h.lastActivity = time.Now().UTC()
}

func (h *History) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

func (h *History) touch(now time.Time) {
	h.mu.Lock()
	h.lastActivity = now
	h.mu.Unlock()
}

// EndReason says why a session left the store.
type EndReason string

const (
	EndIdle    EndReason = "idle"
	EndRemoved EndReason = "removed"
)

type Options struct {
	// IdleTimeout > 0 lets the janitor evict sessions idle for that long.
	IdleTimeout time.Duration
	// MaxTurns > 0 bounds each history.
	MaxTurns int
}

// Store maps session ids to histories. Sessions are created on first use and
// live for the process lifetime unless idle eviction is enabled.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*History
	opts     Options
	onCreate func(id string)
	onExpire func(id string, reason EndReason)
}

func NewStore(opts Options) *Store {
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	if opts.MaxTurns < 0 {
		opts.MaxTurns = 0
	}
	return &Store{
		sessions: make(map[string]*History),
		opts:     opts,
	}
}

func (s *Store) SetCreateHook(hook func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = hook
}

// SetExpireHook is called, outside the store lock, for every session that is
// evicted or removed.
func (s *Store) SetExpireHook(hook func(id string, reason EndReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

// GetOrCreate returns the history for id, registering an empty one on first
// reference. The empty string is a valid id.
func (s *Store) GetOrCreate(id string) *History {
	now := time.Now().UTC()

	// Touch under the store lock so the janitor never sees a stale activity
	// time for a session that was just handed out.
	s.mu.RLock()
	h, ok := s.sessions[id]
	if ok {
		h.touch(now)
	}
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	h, ok = s.sessions[id]
	if ok {
		h.touch(now)
		s.mu.Unlock()
		return h
	}
	h = &History{id: id, maxTurns: s.opts.MaxTurns, lastActivity: now}
	s.sessions[id] = h
	hook := s.onCreate
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return h
}

func (s *Store) Get(id string) (*History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[id]
	return h, ok
}

// Holds reports whether h is still the registered history for id.
func (s *Store) Holds(id string, h *History) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id] == h
}

// Remove ends a session. A turn in flight on it finishes against the detached
// history and is not visible to later requests.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	hook := s.onExpire
	s.mu.Unlock()

	if ok && hook != nil {
		hook(id, EndRemoved)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartJanitor evicts idle sessions every interval until ctx is done. It does
// nothing when IdleTimeout is zero.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireIdle(time.Now().UTC())
			}
		}
	}()
}

func (s *Store) expireIdle(now time.Time) {
	var expired []string

	s.mu.Lock()
	for id, h := range s.sessions {
		if now.Sub(h.LastActivity()) < s.opts.IdleTimeout {
			continue
		}
		// A session with a turn in flight is not idle.
		if !h.turnMu.TryLock() {
			continue
		}
		delete(s.sessions, id)
		h.turnMu.Unlock()
		expired = append(expired, id)
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, id := range expired {
			hook(id, EndIdle)
		}
	}
}
