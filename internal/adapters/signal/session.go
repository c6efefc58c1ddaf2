package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

// stateAck is the direct acknowledgment for every mutating operation: the
// full authoritative snapshot, so the caller never needs a follow-up read.
type stateAck struct {
	Type    string        `json:"type"`
	Session core.Snapshot `json:"session"`
	Created bool          `json:"created,omitempty"`
}

func (ctl *EstimationWSController) handleCreate(
	connID core.ConnID,
	token string,
	conn *wsConn,
	data []byte,
) {
	type createPayload struct {
		Type     string `json:"type"`
		TaskID   string `json:"task_id"`
		ParentID string `json:"parent_id,omitempty"`
		Unit     string `json:"unit,omitempty"`
		Name     string `json:"name,omitempty"`
	}
	var p createPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad create payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if p.TaskID == "" {
		ctl.sendError(conn, "missing_task_id")
		return
	}
	unit := domain.Unit(p.Unit)
	if unit == "" {
		unit = domain.UnitStoryPoints
	}
	if !domain.ValidUnit(unit) {
		ctl.sendError(conn, "invalid_unit")
		return
	}
	if p.Name != "" {
		if err := ctl.Registry.UpdateName(token, p.Name); err != nil {
			ctl.sendError(conn, errorCode(err))
			return
		}
	}

	ctl.leaveCurrent(connID)
	participant := ctl.Registry.GetOrCreateParticipant(token)

	snap, created, err := ctl.Coord.CreateAndJoin(
		domain.TaskID(p.TaskID), domain.ParentID(p.ParentID), *participant, unit, connID, conn)
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.Registry.SetConnSession(connID, snap.ID)

	log.Info().Str("module", "signal").Str("conn", string(connID)).
		Str("task", p.TaskID).Bool("created", created).Msg("create")
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap, Created: created})
}

func (ctl *EstimationWSController) handleJoin(
	connID core.ConnID,
	token string,
	conn *wsConn,
	data []byte,
) {
	type joinPayload struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id,omitempty"`
		TaskID    string `json:"task_id,omitempty"`
		Name      string `json:"name,omitempty"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if p.SessionID == "" && p.TaskID == "" {
		ctl.sendError(conn, "missing_session")
		return
	}
	if p.Name != "" {
		if err := ctl.Registry.UpdateName(token, p.Name); err != nil {
			ctl.sendError(conn, errorCode(err))
			return
		}
	}

	ctl.leaveCurrent(connID)
	participant := ctl.Registry.GetOrCreateParticipant(token)

	var (
		snap core.Snapshot
		err  error
	)
	if p.SessionID != "" {
		snap, err = ctl.Coord.Join(domain.SessionID(p.SessionID), connID, conn, *participant)
	} else {
		snap, err = ctl.Coord.JoinTask(domain.TaskID(p.TaskID), connID, conn, *participant)
	}
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.Registry.SetConnSession(connID, snap.ID)

	log.Info().Str("module", "signal").Str("conn", string(connID)).
		Str("session", string(snap.ID)).Msg("join")
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

func (ctl *EstimationWSController) handleVote(
	connID core.ConnID,
	token string,
	conn *wsConn,
	data []byte,
) {
	type votePayload struct {
		Type  string `json:"type"`
		Value *int   `json:"value,omitempty"`
		Pass  bool   `json:"pass,omitempty"`
	}
	var p votePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad vote payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	sid, ok := ctl.Registry.ConnSession(connID)
	if !ok {
		ctl.sendError(conn, "not_found")
		return
	}
	value := p.Value
	if p.Pass {
		value = nil
	}

	participant := ctl.Registry.GetOrCreateParticipant(token)
	snap, err := ctl.Coord.Vote(sid, *participant, value)
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

func (ctl *EstimationWSController) handleReveal(
	connID core.ConnID,
	token string,
	conn *wsConn,
) {
	sid, ok := ctl.Registry.ConnSession(connID)
	if !ok {
		ctl.sendError(conn, "not_found")
		return
	}
	participant := ctl.Registry.GetOrCreateParticipant(token)
	snap, err := ctl.Coord.Reveal(sid, *participant)
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

func (ctl *EstimationWSController) handleNewRound(
	connID core.ConnID,
	conn *wsConn,
) {
	sid, ok := ctl.Registry.ConnSession(connID)
	if !ok {
		ctl.sendError(conn, "not_found")
		return
	}
	snap, err := ctl.Coord.NewRound(sid)
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

func (ctl *EstimationWSController) handleComplete(
	connID core.ConnID,
	conn *wsConn,
	data []byte,
) {
	type completePayload struct {
		Type     string `json:"type"`
		Estimate *int   `json:"estimate,omitempty"`
	}
	var p completePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad complete payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	sid, ok := ctl.Registry.ConnSession(connID)
	if !ok {
		ctl.sendError(conn, "not_found")
		return
	}

	// Detached from the request context: the hand-off should finish even if
	// this connection drops mid-flight.
	snap, err := ctl.Coord.Complete(context.Background(), sid, p.Estimate)
	if err != nil {
		if errors.Is(err, core.ErrPersistence) {
			ctl.Registry.SetConnSession(connID, "")
			// Session is completed and already broadcast; only the hand-off
			// failed. Tell the caller, keep the snapshot in the ack.
			ctl.sendJSON(conn, map[string]any{
				"type":    "error",
				"error":   "persist_failed",
				"session": snap,
			})
			return
		}
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.Registry.SetConnSession(connID, "")
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

func (ctl *EstimationWSController) handleCancel(
	connID core.ConnID,
	token string,
	conn *wsConn,
) {
	sid, ok := ctl.Registry.ConnSession(connID)
	if !ok {
		ctl.sendError(conn, "not_found")
		return
	}
	participant := ctl.Registry.GetOrCreateParticipant(token)
	snap, err := ctl.Coord.Cancel(sid, participant)
	if err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}
	ctl.Registry.SetConnSession(connID, "")
	ctl.sendJSON(conn, stateAck{Type: "session_state", Session: snap})
}

// handleLeave unsubscribes from the session without dropping the websocket.
func (ctl *EstimationWSController) handleLeave(
	connID core.ConnID,
	conn *wsConn,
) {
	if sid, ok := ctl.Registry.ConnSession(connID); ok {
		ctl.Coord.Leave(sid, connID)
		ctl.Registry.SetConnSession(connID, "")
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
	})
}

func (ctl *EstimationWSController) leaveCurrent(connID core.ConnID) {
	if sid, ok := ctl.Registry.ConnSession(connID); ok {
		ctl.Coord.Leave(sid, connID)
		ctl.Registry.SetConnSession(connID, "")
	}
}
