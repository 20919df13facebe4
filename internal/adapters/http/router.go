package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/app/orch"
	"github.com/dkeye/ptzlink/internal/config"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

// Session is the lifecycle surface the router drives.
type Session interface {
	RequestSession(ctx context.Context, room domain.RoomName, role domain.Role) (domain.MediaSession, error)
	Connect(ctx context.Context) error
	AcquireLocalCapture(ctx context.Context) (*core.LocalCapture, error)
	Publish(ctx context.Context, capture *core.LocalCapture) error
	StartCall(ctx context.Context) error
	Join(ctx context.Context, room domain.RoomName, role domain.Role) (orch.View, error)
	Disconnect(ctx context.Context) error
	Snapshot(ctx context.Context) (orch.View, error)
}

// Device is the PTZ surface the router drives.
type Device interface {
	Issue(ctx context.Context, cmd domain.Command) error
	StartHold(cmd domain.Command) error
	StopHold()
	Drag(ctx context.Context, dx, dy float64) (domain.Command, bool)
	Home(ctx context.Context) error
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

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

func SetupRouter(ctx context.Context, cfg *config.Config, sess Session, dev Device, bus *events.Bus) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PTZLinkSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{sess: sess, dev: dev}

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s := api.Group("/session")
	s.GET("", h.snapshot)
	s.POST("", h.requestSession)
	s.DELETE("", h.disconnect)
	s.POST("/connect", h.connect)
	s.POST("/capture", h.capture)
	s.POST("/publish", h.publish)
	api.POST("/join", h.join)
	api.POST("/call", h.call)

	p := api.Group("/ptz")
	p.POST("/issue", h.issue)
	p.POST("/hold", h.hold)
	p.POST("/release", h.release)
	p.POST("/drag", h.drag)
	p.POST("/home", h.home)

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		serveEvents(ctx, c, sess, bus)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
