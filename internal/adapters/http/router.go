package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/adapters/signal"
	"github.com/opsdeck/estimation/internal/app"
	"github.com/opsdeck/estimation/internal/config"
	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware stands in for the identity collaborator: a stable
// per-browser token the coordinator trusts as the participant id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, coord *app.Coordinator, reg *app.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("EstimationSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	// POST /api/sessions — idempotent create-or-join for a work item
	api.POST("/sessions", func(c *gin.Context) {
		var req struct {
			TaskID   string `json:"task_id" binding:"required"`
			ParentID string `json:"parent_id"`
			Unit     string `json:"unit" binding:"omitempty,oneof=story_points hours"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		unit := domain.Unit(req.Unit)
		if unit == "" {
			unit = domain.UnitStoryPoints
		}
		facilitator := reg.GetOrCreateParticipant(c.GetString("client_token"))
		snap, created := coord.Create(
			domain.TaskID(req.TaskID), domain.ParentID(req.ParentID), *facilitator, unit)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, snap)
	})

	// GET /api/sessions/:id — idempotent snapshot read
	api.GET("/sessions/:id", func(c *gin.Context) {
		snap, err := coord.Get(domain.SessionID(c.Param("id")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	// GET /api/tasks/:id/session — live session of a work item
	api.GET("/tasks/:id/session", func(c *gin.Context) {
		snap, err := coord.ForTask(domain.TaskID(c.Param("id")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	// GET /api/parents/:id/sessions — all live sessions of a planning unit
	api.GET("/parents/:id/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": coord.ListForParent(domain.ParentID(c.Param("id"))),
		})
	})

	api.GET("/ws/estimation", func(c *gin.Context) {
		ctrl := signal.NewEstimationWSController(coord, reg, cfg)
		log.Info().Str("module", "adapters.http").Str("participant", c.GetString("client_token")).Msg("ws estimation endpoint hit")
		ctrl.HandleEstimation(ctx, c)
	})

	return r
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, core.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
