package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/config"
	"github.com/rivulet-ai/rivulet/internal/httpapi/handlers"
	"github.com/rivulet-ai/rivulet/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	auth := r.Group("/")
	auth.Use(middleware.AuthRequired(cfg.JWTSecret))

	// chats and messages
	auth.POST("/chats", h.CreateChat)
	auth.GET("/chats", h.ListChats)
	auth.GET("/chats/:chat_id", h.GetChat)
	auth.PATCH("/chats/:chat_id", h.PatchChat)
	auth.DELETE("/chats/:chat_id", h.DeleteChat)
	auth.GET("/chats/:chat_id/messages", h.ListMessages)
	auth.DELETE("/messages/:message_id", h.DeleteMessage)

	// completions
	auth.POST("/chats/:chat_id/completions", h.StartCompletion)
	auth.POST("/chats/:chat_id/completions/async", h.StartCompletionAsync)
	auth.GET("/completions/jobs/:job_id", h.GetCompletionJob)

	// streams (pause/resume/stop/recovery)
	auth.GET("/chats/:chat_id/streams", h.GetActiveStreams)
	auth.GET("/chats/:chat_id/session", h.GetActiveSession)
	auth.POST("/streams/:stream_id/pause", h.PauseStream)
	auth.POST("/streams/:stream_id/resume", h.ResumeStream)
	auth.POST("/streams/:stream_id/stop", h.StopStream)

	// branches
	auth.POST("/chats/:chat_id/branches", h.CreateBranch)
	auth.GET("/chats/:chat_id/branches", h.ListBranches)
	auth.PUT("/chats/:chat_id/branch", h.SwitchBranch)
	auth.GET("/chats/:chat_id/branch", h.GetActiveBranch)

	// per-user provider keys
	auth.PUT("/me/apikey", h.SetAPIKey)
	auth.DELETE("/me/apikey", h.DeleteAPIKey)

	return r
}
