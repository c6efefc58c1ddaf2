package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/domain"
	"github.com/opsdeck/estimation/internal/metrics"
)

type subscription struct {
	conn        Subscriber
	participant domain.Participant
}

type presence struct {
	participant domain.Participant
	conns       int
}

// Session is one live estimation room. Every mutation and every broadcast
// runs under the session's own mutex, so all subscribers observe a single
// total order of operations; different sessions never contend.
// It never closes adapter-owned resources except on teardown or drop.
type Session struct {
	mu sync.Mutex

	id          domain.SessionID
	task        domain.TaskID
	parent      domain.ParentID
	facilitator domain.Participant
	unit        domain.Unit
	status      domain.Status
	round       int
	createdAt   time.Time

	votes         map[domain.ParticipantID]domain.Vote
	result        *ConsensusResult
	finalEstimate *int

	subs       map[ConnID]*subscription
	present    map[domain.ParticipantID]*presence
	emptySince time.Time

	evict func(*Session)
}

func newSession(task domain.TaskID, parent domain.ParentID, facilitator domain.Participant, unit domain.Unit, evict func(*Session)) *Session {
	return &Session{
		id:          domain.SessionID(uuid.NewString()),
		task:        task,
		parent:      parent,
		facilitator: facilitator,
		unit:        unit,
		status:      domain.StatusVoting,
		round:       1,
		createdAt:   time.Now(),
		votes:       make(map[domain.ParticipantID]domain.Vote),
		subs:        make(map[ConnID]*subscription),
		present:     make(map[domain.ParticipantID]*presence),
		emptySince:  time.Now(),
		evict:       evict,
	}
}

func (s *Session) ID() domain.SessionID      { return s.id }
func (s *Session) TaskID() domain.TaskID     { return s.task }
func (s *Session) ParentID() domain.ParentID { return s.parent }

// Snapshot is the idempotent read; late joiners get this instead of an
// event replay.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Join subscribes a connection and marks its participant present. The join
// broadcast goes to the other subscribers only; the caller gets the
// returned snapshot as its direct ack.
func (s *Session) Join(id ConnID, conn Subscriber, p domain.Participant) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrNotFound
	}

	s.subs[id] = &subscription{conn: conn, participant: p}
	s.emptySince = time.Time{}
	metrics.ActiveConnections.Inc()

	pr, ok := s.present[p.ID]
	if !ok {
		s.present[p.ID] = &presence{participant: p, conns: 1}
		s.broadcastLocked(EventParticipantJoined, &p, id)
	} else {
		// Second tab: present already, no join broadcast.
		pr.conns++
		pr.participant = p
	}

	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Str("conn", string(id)).Str("participant", string(p.ID)).Msg("subscriber joined")
	return s.snapshotLocked(), nil
}

// Leave unsubscribes a connection. The participant stays present while any
// other connection of theirs remains open; their vote survives departure.
func (s *Session) Leave(id ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id, false)
}

// UpdateParticipant propagates a display-name change into presence and the
// current ledger.
func (s *Session) UpdateParticipant(p domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	pr, ok := s.present[p.ID]
	if !ok {
		return
	}
	pr.participant = p
	for id, sub := range s.subs {
		if sub.participant.ID == p.ID {
			s.subs[id].participant = p
		}
	}
	if v, ok := s.votes[p.ID]; ok {
		v.Name = p.Name
		s.votes[p.ID] = v
	}
	s.broadcastLocked(EventParticipantRenamed, &p, "")
}

// AnnounceCreated broadcasts the creation event; called once by the facade
// after the creator has subscribed.
func (s *Session) AnnounceCreated(actor domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.broadcastLocked(EventSessionCreated, &actor, "")
}

// SubmitVote records or overwrites the caller's hidden vote for the current
// round. Only the new count is broadcast, never values.
func (s *Session) SubmitVote(p domain.Participant, value *int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrNotFound
	}
	if s.status != domain.StatusVoting {
		return Snapshot{}, ErrInvalidTransition
	}

	v, err := domain.NewVote(p, value, time.Now())
	if err != nil {
		return Snapshot{}, err
	}
	s.votes[p.ID] = v
	metrics.VotesSubmitted.Inc()

	s.broadcastLocked(EventVoteSubmitted, &p, "")
	log.Debug().Str("module", "core.session").Str("session", string(s.id)).
		Str("participant", string(p.ID)).Int("count", len(s.votes)).Msg("vote submitted")
	return s.snapshotLocked(), nil
}

// Reveal freezes the ledger and computes the authoritative consensus. Any
// participant may trigger it; re-revealing returns the cached result.
func (s *Session) Reveal(requestedBy domain.Participant) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrNotFound
	}
	if s.status == domain.StatusRevealed {
		return s.snapshotLocked(), nil
	}
	if s.status != domain.StatusVoting {
		return Snapshot{}, ErrInvalidTransition
	}

	values := make([]int, 0, len(s.votes))
	passed := 0
	for _, v := range s.votes {
		if v.Value == nil {
			passed++
			continue
		}
		values = append(values, *v.Value)
	}
	res := Consensus(values, passed)
	s.result = &res
	s.status = domain.StatusRevealed
	metrics.Reveals.Inc()

	s.broadcastLocked(EventVotesRevealed, &requestedBy, "")
	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Int("round", s.round).Bool("consensus", res.HasConsensus).Msg("votes revealed")
	return s.snapshotLocked(), nil
}

// NewRound clears the ledger and returns to voting. Legal only from
// revealed; a round must be revealed before it can be discarded.
func (s *Session) NewRound() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrNotFound
	}
	if s.status != domain.StatusRevealed {
		return Snapshot{}, ErrInvalidTransition
	}

	s.votes = make(map[domain.ParticipantID]domain.Vote)
	s.result = nil
	s.round++
	s.status = domain.StatusVoting
	metrics.RoundsStarted.Inc()

	s.broadcastLocked(EventRoundStarted, nil, "")
	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Int("round", s.round).Msg("round started")
	return s.snapshotLocked(), nil
}

// Complete finalizes the session and hands the estimate to the task
// collaborator. The completion is broadcast and the session evicted before
// persistence runs; a persistence failure is reported to the caller only
// and never rolls the session back.
func (s *Session) Complete(ctx context.Context, estimate *int, persister TaskPersister) (Snapshot, error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	if estimate == nil {
		if s.result == nil {
			// Nothing agreed and nothing suggested yet.
			s.mu.Unlock()
			return Snapshot{}, ErrInvalidTransition
		}
		e := s.result.SuggestedEstimate
		estimate = &e
	}

	s.finalEstimate = estimate
	s.status = domain.StatusCompleted
	s.broadcastLocked(EventSessionCompleted, nil, "")
	snap := s.snapshotLocked()
	s.teardownLocked("completed", false)
	s.mu.Unlock()

	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Int("estimate", *estimate).Msg("session completed")

	if persister != nil {
		if err := persister.SaveEstimate(ctx, s.task, *estimate, s.unit); err != nil {
			metrics.PersistFailures.Inc()
			log.Error().Err(err).Str("module", "core.session").
				Str("session", string(s.id)).Msg("estimate hand-off failed")
			return snap, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return snap, nil
}

// Cancel tears the session down from any non-terminal state.
func (s *Session) Cancel(actor *domain.Participant) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrNotFound
	}
	return s.cancelLocked(actor, "cancelled", false), nil
}

func (s *Session) cancelLocked(actor *domain.Participant, outcome string, closeSubs bool) Snapshot {
	s.status = domain.StatusCancelled
	s.broadcastLocked(EventSessionCancelled, actor, "")
	snap := s.snapshotLocked()
	s.teardownLocked(outcome, closeSubs)
	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Str("outcome", outcome).Msg("session cancelled")
	return snap
}

// expireIfIdle cancels a session nobody is connected to once the idle
// threshold has passed. Any lingering subscriber socket gets the
// cancellation broadcast before being closed.
func (s *Session) expireIfIdle(threshold time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || len(s.present) > 0 {
		return false
	}
	if s.emptySince.IsZero() || now.Sub(s.emptySince) < threshold {
		return false
	}
	s.cancelLocked(nil, "reclaimed", true)
	return true
}

// teardownLocked evicts the session from its store and unsubscribes every
// connection. Must run after the terminal broadcast. The transport is
// room-independent and stays open for the next session, except on
// reclamation where lingering sockets are closed outright.
func (s *Session) teardownLocked(outcome string, closeSubs bool) {
	for id, sub := range s.subs {
		if closeSubs {
			sub.conn.Close()
		}
		delete(s.subs, id)
		metrics.ActiveConnections.Dec()
	}
	s.present = make(map[domain.ParticipantID]*presence)
	if s.evict != nil {
		s.evict(s)
	}
	metrics.SessionsClosed.WithLabelValues(outcome).Inc()
}

// dropLocked removes one connection, adjusting presence. When broadcast is
// suppressed the caller is cleaning up after a failed send and departure
// events for further casualties are not re-emitted.
func (s *Session) dropLocked(id ConnID, silent bool) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	metrics.ActiveConnections.Dec()

	pid := sub.participant.ID
	if pr, ok := s.present[pid]; ok {
		pr.conns--
		if pr.conns <= 0 {
			delete(s.present, pid)
			if !silent && !s.status.Terminal() {
				s.broadcastLocked(EventParticipantLeft, &sub.participant, "")
			}
		}
	}
	if len(s.present) == 0 {
		s.emptySince = time.Now()
	}
	log.Info().Str("module", "core.session").Str("session", string(s.id)).
		Str("conn", string(id)).Msg("subscriber left")
}

// broadcastLocked fans one event out to every subscriber except exclude.
// Sends are fire-and-forget; a connection that cannot keep up is dropped
// and treated as disconnected rather than stalling the room.
func (s *Session) broadcastLocked(t EventType, actor *domain.Participant, exclude ConnID) {
	ev := Event{Type: t, Session: s.snapshotLocked(), Actor: actor}
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "core.session").Msg("event marshal")
		return
	}

	var dropped []ConnID
	for id, sub := range s.subs {
		if id == exclude {
			continue
		}
		if err := sub.conn.TrySend(Frame(frame)); err != nil {
			dropped = append(dropped, id)
			continue
		}
		metrics.EventsBroadcast.Inc()
	}
	for _, id := range dropped {
		metrics.SlowSubscribersDropped.Inc()
		log.Warn().Str("module", "core.session").Str("session", string(s.id)).
			Str("conn", string(id)).Str("event", string(t)).Msg("dropping slow subscriber")
		s.subs[id].conn.Close()
		s.dropLocked(id, true)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		TaskID:        s.task,
		ParentID:      s.parent,
		Facilitator:   s.facilitator.ID,
		Status:        s.status,
		Round:         s.round,
		Unit:          s.unit,
		CreatedAt:     s.createdAt,
		PresenceCount: len(s.present),
		VoteCount:     len(s.votes),
		FinalEstimate: s.finalEstimate,
	}
	snap.Participants = make([]domain.Participant, 0, len(s.present))
	for _, pr := range s.present {
		snap.Participants = append(snap.Participants, pr.participant)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].ID < snap.Participants[j].ID
	})

	// The ledger stays hidden until reveal; pre-reveal only the count is
	// observable.
	if s.status != domain.StatusVoting {
		snap.Votes = make([]domain.Vote, 0, len(s.votes))
		for _, v := range s.votes {
			snap.Votes = append(snap.Votes, v)
		}
		sort.Slice(snap.Votes, func(i, j int) bool {
			return snap.Votes[i].Participant < snap.Votes[j].Participant
		})
		snap.Result = s.result
	}
	return snap
}
