package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/domain"
	"github.com/opsdeck/estimation/internal/metrics"
)

// Store is the in-memory session registry: at most one live session per
// work item. Its mutex guards only insert/lookup/remove and is never held
// during session business logic.
type Store struct {
	mu        sync.Mutex
	byTask    map[domain.TaskID]*Session
	byID      map[domain.SessionID]*Session
	idleAfter time.Duration
}

func NewStore(idleAfter time.Duration) *Store {
	return &Store{
		byTask:    make(map[domain.TaskID]*Session),
		byID:      make(map[domain.SessionID]*Session),
		idleAfter: idleAfter,
	}
}

// CreateOrJoin returns the live session for the task, creating it when none
// exists. Concurrent "start estimation" clicks converge on one session; the
// second caller gets created=false and the existing session.
func (st *Store) CreateOrJoin(task domain.TaskID, parent domain.ParentID, facilitator domain.Participant, unit domain.Unit) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byTask[task]; ok {
		return s, false
	}
	s := newSession(task, parent, facilitator, unit, st.remove)
	st.byTask[task] = s
	st.byID[s.id] = s
	metrics.ActiveSessions.Inc()
	metrics.SessionsCreated.Inc()
	log.Info().Str("module", "core.store").Str("session", string(s.id)).
		Str("task", string(task)).Str("facilitator", string(facilitator.ID)).Msg("session created")
	return s, true
}

// Get resolves a session id. Completed, cancelled and reclaimed sessions
// are already evicted and resolve to ErrNotFound.
func (st *Store) Get(id domain.SessionID) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// ForTask resolves the live session of a work item, if any.
func (st *Store) ForTask(task domain.TaskID) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byTask[task]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// ListForParent returns the live sessions under one planning unit.
func (st *Store) ListForParent(parent domain.ParentID) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0)
	for _, s := range st.byTask {
		if s.parent == parent {
			out = append(out, s)
		}
	}
	return out
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byTask)
}

// remove is the session eviction callback; idempotent.
func (st *Store) remove(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.byID[s.id]; !ok {
		return
	}
	delete(st.byID, s.id)
	delete(st.byTask, s.task)
	metrics.ActiveSessions.Dec()
	log.Info().Str("module", "core.store").Str("session", string(s.id)).
		Str("task", string(s.task)).Msg("session evicted")
}

// StartReaper runs the housekeeping sweep that reclaims abandoned sessions
// until ctx is done.
func (st *Store) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				st.sweep(now)
			}
		}
	}()
}

func (st *Store) sweep(now time.Time) {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.byID))
	for _, s := range st.byID {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	for _, s := range sessions {
		if s.expireIfIdle(st.idleAfter, now) {
			log.Info().Str("module", "core.store").Str("session", string(s.id)).Msg("idle session reclaimed")
		}
	}
}
