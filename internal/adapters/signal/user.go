package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

func (ctl *EstimationWSController) handleRename(
	connID core.ConnID,
	token string,
	conn *wsConn,
	data []byte,
) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.Registry.UpdateName(token, p.Name); err != nil {
		ctl.sendError(conn, errorCode(err))
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(connID)).Str("name", p.Name).Msg("rename")
	participant := ctl.Registry.GetOrCreateParticipant(token)
	if sid, ok := ctl.Registry.ConnSession(connID); ok {
		ctl.Coord.Rename(sid, *participant)
	}
	ctl.handleWhoAmI(connID, token, conn)
}

func (ctl *EstimationWSController) handleWhoAmI(
	connID core.ConnID,
	token string,
	conn *wsConn,
) {
	participant := ctl.Registry.GetOrCreateParticipant(token)

	resp := struct {
		Type        string             `json:"type"`
		Participant domain.Participant `json:"participant"`
		Session     domain.SessionID   `json:"session_id,omitempty"`
	}{
		Type:        "whoami",
		Participant: *participant,
	}
	if sid, ok := ctl.Registry.ConnSession(connID); ok {
		resp.Session = sid
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *EstimationWSController) handlePing(conn *wsConn) {
	ctl.sendJSON(conn, map[string]any{
		"type": "pong",
	})
}
