package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/adapters/poll"
	"github.com/Abdevlo/inkstream-sub000/internal/adapters/ws"
	"github.com/Abdevlo/inkstream-sub000/internal/config"
	"github.com/Abdevlo/inkstream-sub000/internal/core"
)

// ClientTokenMiddleware gives every browser a stable opaque token; the
// polling adapter derives its logical connection id from it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, engine *core.Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("InkstreamSessions", store))
	r.Use(ClientTokenMiddleware())

	wsCtl := ws.NewController(engine, cfg.ReadLimit, cfg.PingPeriod)
	pollCtl := poll.NewController(engine, cfg.PollLiveness, cfg.ReadLimit)
	go pollCtl.RunSweeper(ctx)

	r.GET("/ws", func(c *gin.Context) {
		wsCtl.Handle(ctx, c)
	})
	r.GET("/sessions/:id/state", pollCtl.HandleGet)
	r.POST("/sessions/:id/state", pollCtl.HandlePost)

	r.GET("/healthz", func(c *gin.Context) {
		sessionCount, connCount := engine.Stats()
		c.JSON(200, gin.H{"status": "ok", "sessions": sessionCount, "connections": connCount})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
