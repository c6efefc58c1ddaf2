package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *EstimationWSController) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *EstimationWSController) readPump(ctx context.Context, connID core.ConnID, token string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump closing")
		ctl.onDisconnect(connID, c)
	}()

	readWait := ctl.Cfg.PingPeriod + 10*time.Second
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("readPump read error")
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
			ctl.handleMessage(connID, token, c, data)
		}
	}
}

// onDisconnect treats a transport drop as a presence departure, never as a
// session error.
func (ctl *EstimationWSController) onDisconnect(connID core.ConnID, c *wsConn) {
	if sid, ok := ctl.Registry.ConnSession(connID); ok {
		ctl.Coord.Leave(sid, connID)
	}
	ctl.Registry.UnbindConn(connID)
	c.Close()
}

func (ctl *EstimationWSController) handleMessage(connID core.ConnID, token string, c *wsConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "create":
		ctl.handleCreate(connID, token, c, data)
	case "join":
		ctl.handleJoin(connID, token, c, data)
	case "vote":
		ctl.handleVote(connID, token, c, data)
	case "reveal":
		ctl.handleReveal(connID, token, c)
	case "new_round":
		ctl.handleNewRound(connID, c)
	case "complete":
		ctl.handleComplete(connID, c, data)
	case "cancel":
		ctl.handleCancel(connID, token, c)
	case "leave":
		ctl.handleLeave(connID, c)
	case "rename":
		ctl.handleRename(connID, token, c, data)
	case "whoami":
		ctl.handleWhoAmI(connID, token, c)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message")
	}
}

func (ctl *EstimationWSController) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *EstimationWSController) sendError(c *wsConn, code string) {
	ctl.sendJSON(c, map[string]any{
		"type":  "error",
		"error": code,
	})
}

// errorCode maps core/domain errors onto the wire vocabulary. Errors are
// only ever sent to the calling connection, never broadcast.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, core.ErrPersistence):
		return "persist_failed"
	case errors.Is(err, domain.ErrValueOffScale):
		return "value_off_scale"
	case errors.Is(err, domain.ErrNameEmpty), errors.Is(err, domain.ErrNameTooLong):
		return "invalid_name"
	default:
		return "internal"
	}
}
