package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

type connEntry struct {
	Token   string
	Session domain.SessionID
	Cancel  context.CancelFunc
}

// Registry maps the identity boundary's client token to a participant and
// tracks which session each live connection is subscribed to. Two tabs of
// one browser share a token and therefore a participant.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*domain.Participant
	conns        map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]*domain.Participant),
		conns:        make(map[core.ConnID]*connEntry),
	}
}

func (r *Registry) GetOrCreateParticipant(token string) *domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[token]; ok {
		return p
	}
	p := &domain.Participant{ID: domain.ParticipantID(token), Name: "guest"}
	r.participants[token] = p
	log.Info().Str("module", "app.registry").Str("participant", token).Msg("created new participant")
	return p
}

func (r *Registry) UpdateName(token, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[token]
	if !ok {
		p = &domain.Participant{ID: domain.ParticipantID(token)}
		r.participants[token] = p
	}
	if err := p.SetName(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("participant", token).Str("name", name).Msg("updated display name")
	return nil
}

func (r *Registry) BindConn(id core.ConnID, token string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Token: token, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("participant", token).Msg("bound connection")
}

func (r *Registry) SetConnSession(id core.ConnID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.Session = sid
	}
}

func (r *Registry) ConnSession(id core.ConnID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Session == "" {
		return "", false
	}
	return e.Session, true
}

func (r *Registry) UnbindConn(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok && e.Cancel != nil {
		e.Cancel()
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbound connection")
}
