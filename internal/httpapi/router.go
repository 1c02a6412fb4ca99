package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-core/internal/common"
	"github.com/suPer8Hu/chat-core/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-core/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"go.uber.org/zap"
)

func NewRouter(h *handlers.Handler, log *zap.Logger) *gin.Engine {
	log = logging.OrNop(log)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))

	r.GET("/ping", h.Ping)

	sessions := r.Group("/chat/sessions")
	sessions.POST("", h.CreateChatSession)
	sessions.GET("", h.ListChatSessions)
	sessions.GET("/:session_id", h.GetChatSession)
	sessions.PATCH("/:session_id", h.RenameChatSession)
	sessions.DELETE("/:session_id", h.DeleteChatSession)
	sessions.GET("/:session_id/messages", h.ListChatMessages)
	sessions.POST("/:session_id/messages", h.SendChatMessageStream)
	sessions.POST("/:session_id/messages/async", h.SendChatMessageAsync)
	sessions.GET("/:session_id/watch", h.WatchChatSession)
	sessions.GET("/:session_id/export", h.ExportChatSession)

	r.POST("/chat/turns/:message_id/cancel", h.CancelTurn)
	return r
}
