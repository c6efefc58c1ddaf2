package core

import (
	"time"

	"github.com/opsdeck/estimation/internal/domain"
)

type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantRenamed EventType = "participant_renamed"
	EventVoteSubmitted      EventType = "vote_submitted"
	EventVotesRevealed      EventType = "votes_revealed"
	EventRoundStarted       EventType = "round_started"
	EventSessionCompleted   EventType = "session_completed"
	EventSessionCancelled   EventType = "session_cancelled"
)

// Event is the one well-typed payload per transition. It always carries the
// full authoritative snapshot so clients never merge partial state.
type Event struct {
	Type    EventType           `json:"type"`
	Session Snapshot            `json:"session"`
	Actor   *domain.Participant `json:"actor,omitempty"`
}

// Snapshot is a read-only view of a session. Vote values appear only once
// the session is revealed; while voting, only the count is observable.
type Snapshot struct {
	ID            domain.SessionID     `json:"id"`
	TaskID        domain.TaskID        `json:"task_id"`
	ParentID      domain.ParentID      `json:"parent_id,omitempty"`
	Facilitator   domain.ParticipantID `json:"facilitator"`
	Status        domain.Status        `json:"status"`
	Round         int                  `json:"round"`
	Unit          domain.Unit          `json:"unit"`
	CreatedAt     time.Time            `json:"created_at"`
	Participants  []domain.Participant `json:"participants"`
	PresenceCount int                  `json:"presence_count"`
	VoteCount     int                  `json:"vote_count"`
	Votes         []domain.Vote        `json:"votes,omitempty"`
	Result        *ConsensusResult     `json:"result,omitempty"`
	FinalEstimate *int                 `json:"final_estimate,omitempty"`
}
