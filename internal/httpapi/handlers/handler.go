package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/chat"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/completion"
	"github.com/rivulet-ai/rivulet/internal/config"
	"github.com/rivulet-ai/rivulet/internal/httpapi/middleware"
	"github.com/rivulet-ai/rivulet/internal/secrets"
	"github.com/rivulet-ai/rivulet/internal/store/rabbitmq"
	"github.com/rivulet-ai/rivulet/internal/store/redisstore"
	"github.com/rivulet-ai/rivulet/internal/stream"
)

type Handler struct {
	Cfg        config.Config
	ChatSvc    *chat.Service
	Orch       *completion.Orchestrator
	Streams    *stream.Controller
	Sessions   *stream.Sessions
	StreamRepo *stream.Repo
	Jobs       *completion.JobRepo
	Rabbit     *rabbitmq.Publisher
	Redis      *redisstore.Store
	Secrets    *secrets.Resolver
}

func NewHandler(cfg config.Config, chatSvc *chat.Service, orch *completion.Orchestrator,
	streams *stream.Controller, sessions *stream.Sessions, streamRepo *stream.Repo,
	jobs *completion.JobRepo, rabbit *rabbitmq.Publisher, rds *redisstore.Store,
	sec *secrets.Resolver) *Handler {
	return &Handler{
		Cfg:        cfg,
		ChatSvc:    chatSvc,
		Orch:       orch,
		Streams:    streams,
		Sessions:   sessions,
		StreamRepo: streamRepo,
		Jobs:       jobs,
		Rabbit:     rabbit,
		Redis:      rds,
		Secrets:    sec,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// mustUserID resolves the authenticated user or writes the 401 envelope.
func mustUserID(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
