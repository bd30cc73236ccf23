package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pocketllm/chatsync/internal/chat"
	"github.com/pocketllm/chatsync/internal/common"
	"github.com/pocketllm/chatsync/internal/config"
	"github.com/pocketllm/chatsync/internal/httpapi/middleware"
)

// JobPublisher enqueues asynchronous send jobs. nil disables the async path.
type JobPublisher interface {
	PublishJob(ctx context.Context, job *chat.Job) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Rabbit  JobPublisher
	Log     zerolog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, pub JobPublisher, log zerolog.Logger) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		ChatSvc: svc,
		Rabbit:  pub,
		Log:     log.With().Str("component", "httpapi").Logger(),
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
