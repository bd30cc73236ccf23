package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pocketllm/chatsync/internal/chat"
	"github.com/pocketllm/chatsync/internal/common"
)

type sendMessageReq struct {
	Message         string `json:"message" binding:"required"`
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id"`
	ActionType      string `json:"action_type"`
	SkipUserMessage bool   `json:"skip_user_message"`
}

func sendResultPayload(res *chat.SendResult) gin.H {
	return gin.H{
		"id":              res.AssistantMessageID,
		"message":         res.Content,
		"timestamp":       res.CreatedAt,
		"session_id":      res.SessionID,
		"session_created": res.SessionCreated,
		"user_message_id": res.UserMessageID,
		"model":           res.Model,
		"usage":           gin.H{"tokens_used": res.TokensUsed},
		"is_duplicate":    res.IsDuplicate,
	}
}

// SendChatMessage is the buffered send path. A duplicate client_id replays
// the stored exchange instead of erroring.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.ChatSvc.Append(c.Request.Context(), chat.SendInput{
		UserID:          uid,
		SessionID:       req.SessionID,
		Content:         req.Message,
		ClientID:        req.ClientID,
		ActionType:      chat.ActionType(req.ActionType),
		SkipUserMessage: req.SkipUserMessage,
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10002, "message required")
		default:
			h.Log.Error().Err(err).Uint64("uid", uid).Msg("send failed")
			common.Fail(c, http.StatusBadGateway, 50201, "failed to generate reply")
		}
		return
	}

	common.OK(c, sendResultPayload(res))
}

// SendChatMessageStream is the streaming send path: the same request shape,
// answered as newline-delimited `data: <json>` events.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "data: {\"type\":\"error\",\"message\":\"streaming unsupported\"}\n\n")
		return
	}

	ctx := c.Request.Context()
	events := h.ChatSvc.AppendStream(ctx, chat.SendInput{
		UserID:          uid,
		SessionID:       req.SessionID,
		Content:         req.Message,
		ClientID:        req.ClientID,
		ActionType:      chat.ActionType(req.ActionType),
		SkipUserMessage: req.SkipUserMessage,
	})

	// heartbeat keeps mobile connections from idling out
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeEvent := func(ev chat.StreamEvent) {
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(c.Writer, "data: {\"type\":\"error\",\"message\":\"encode failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(ev)
			if ev.Type == chat.EventStreamComplete || ev.Type == chat.EventError {
				return
			}

		case <-ticker.C:
			// comment line; ignored by SSE parsers
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type editMessageReq struct {
	Message string `json:"message" binding:"required"`
}

// EditChatMessage rewrites a user turn: later turns are deleted, the turn's
// content is updated in place, and one fresh assistant reply is generated.
func (h *Handler) EditChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")
	messageID, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid message id")
		return
	}

	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.ChatSvc.EditMessage(c.Request.Context(), uid, sessionID, messageID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "message not found")
		case errors.Is(err, chat.ErrNotEditable):
			common.Fail(c, http.StatusBadRequest, 10005, "only user messages can be edited")
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10002, "message required")
		default:
			h.Log.Error().Err(err).Uint64("uid", uid).Msg("edit failed")
			common.Fail(c, http.StatusBadGateway, 50201, "failed to regenerate reply")
		}
		return
	}

	common.OK(c, sendResultPayload(res))
}

type sendAsyncReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
	ClientID  string `json:"client_id"`
}

// SendChatMessageAsync enqueues the exchange as a durable job; the worker
// runs the same idempotent append path, so enqueue retries are safe.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async sends disabled")
		return
	}

	var req sendAsyncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if _, err := h.ChatSvc.GetSession(c.Request.Context(), uid, req.SessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if idempoKey == "" {
		idempoKey = req.ClientID
	}
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}
	var clientIDPtr *string
	if req.ClientID != "" {
		cid := req.ClientID
		clientIDPtr = &cid
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		ClientID:       clientIDPtr,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		h.Log.Error().Err(err).Uint64("uid", uid).Str("session_id", req.SessionID).Msg("create job failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job); err != nil {
			h.Log.Error().Err(err).Str("job_id", job.ID).Msg("publish job failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
