package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/app"
	"github.com/opsdeck/estimation/internal/config"
	"github.com/opsdeck/estimation/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type EstimationWSController struct {
	Coord    *app.Coordinator
	Registry *app.Registry
	Cfg      *config.Config
}

func NewEstimationWSController(coord *app.Coordinator, reg *app.Registry, cfg *config.Config) *EstimationWSController {
	return &EstimationWSController{
		Coord:    coord,
		Registry: reg,
		Cfg:      cfg,
	}
}

// wsConn is the adapter-owned transport endpoint handed to a session as a
// core.Subscriber. Sends go through a bounded channel; a full channel is
// backpressure, never a blocked room.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEstimation upgrades the connection and starts its pumps. One
// websocket equals one core.ConnID; the participant identity comes from the
// client token and is shared across a browser's tabs.
func (ctl *EstimationWSController) HandleEstimation(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("participant", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}
	connID := core.ConnID(uuid.NewString())

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.BindConn(connID, token, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, connID, token, conn)
}
