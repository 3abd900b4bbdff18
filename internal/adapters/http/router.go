package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/app/lobby"
	"github.com/dkeye/peerlink/internal/config"
	"github.com/dkeye/peerlink/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RequestIDMiddleware tags every request with an id for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// SetupRouter exposes the rendezvous server over HTTP: a websocket variant
// of the control channel plus read-only room listing.
func SetupRouter(ctx context.Context, cfg *config.Config, srv *lobby.Server) *gin.Engine {
	if cfg.Server.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.GinMode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	api := r.Group("/api")

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": srv.Clients()})
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Rooms())
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := srv.Room(domain.RoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": lobby.MsgRoomNotFound})
			return
		}
		c.JSON(http.StatusOK, room)
	})

	api.GET("/ws/rendezvous", func(c *gin.Context) {
		rid := c.GetString("request_id")
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("request_id", rid).Msg("ws upgrade")
			return
		}
		log.Info().Str("module", "adapters.http").Str("request_id", rid).Str("remote", ws.RemoteAddr().String()).Msg("ws rendezvous connection")
		srv.Attach(ctx, transport.NewWSConn(ws))
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
