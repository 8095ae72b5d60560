package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/completion"
	"github.com/rivulet-ai/rivulet/internal/secrets"
	"gorm.io/gorm"
)

type startCompletionReq struct {
	Content         string  `json:"content" binding:"required"`
	Model           string  `json:"model"`
	ParentMessageID *string `json:"parent_message_id"`
	BranchID        *string `json:"branch_id"`
	WebSearch       bool    `json:"web_search"`
}

// StartCompletion runs a completion and streams it back over SSE. The
// stream id goes out first so the client can pause/stop while tokens flow.
func (h *Handler) StartCompletion(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	var req startCompletionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	run, err := h.Orch.Start(c.Request.Context(), completion.StartParams{
		UserID:          uid,
		ChatID:          c.Param("chat_id"),
		Content:         req.Content,
		Model:           req.Model,
		ParentMessageID: req.ParentMessageID,
		BranchID:        req.BranchID,
		WebSearch:       req.WebSearch,
	})
	if err != nil {
		h.writeStartError(c, err)
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
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	writeJSON("started", gin.H{
		"type":       "started",
		"message_id": run.MessageID,
		"stream_id":  run.StreamID,
		"session_id": run.SessionID,
	})

	// heartbeat keeps idle proxies from cutting the connection
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ch, ok := <-run.Chunks:
			if !ok {
				run.Chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err, ok := <-run.Errs:
			if !ok {
				run.Errs = nil
				continue
			}
			if err != nil {
				writeJSON("error", gin.H{"type": "error", "message": err.Error()})
				return
			}

		case final, ok := <-run.Done:
			if !ok {
				return
			}
			writeJSON("done", gin.H{
				"type":       "done",
				"message_id": run.MessageID,
				"stream_id":  run.StreamID,
				"content":    final,
			})
			return

		case <-ctx.Done():
			// the orchestrator finalizes on its own; nothing to flush
			return
		}
	}
}

func (h *Handler) writeStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, secrets.ErrNoAPIKey), errors.Is(err, secrets.ErrBadAPIKey):
		common.Fail(c, http.StatusBadRequest, 10010, err.Error())
	case errors.Is(err, completion.ErrCompletionInFlight):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	default:
		log.Printf("[StartCompletion] start failed err=%v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// StartCompletionAsync queues the completion and returns a job id. The
// worker drives the same orchestrator; progress is observable through the
// stream record and the live session.
func (h *Handler) StartCompletionAsync(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	var req startCompletionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	chatID := c.Param("chat_id")
	ctx := c.Request.Context()

	if _, err := h.ChatSvc.GetChat(ctx, uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &completion.Job{
		ID:              jobID,
		UserID:          uid,
		ChatID:          chatID,
		Content:         req.Content,
		Model:           req.Model,
		ParentMessageID: req.ParentMessageID,
		BranchID:        req.BranchID,
		WebSearch:       req.WebSearch,
		IdempotencyKey:  idempoKeyPtr,
		Status:          completion.JobQueued,
	}

	j, created, err := h.Jobs.CreateOrGetExisting(ctx, j)
	if err != nil {
		log.Printf("[StartCompletionAsync] create job failed chat=%s err=%v", chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(ctx, j.ID); err != nil {
			log.Printf("[StartCompletionAsync] publish failed job=%s err=%v", j.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetCompletionJob(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")

	j, err := h.Jobs.GetByID(c.Request.Context(), jobID)
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
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"stream_id":         j.StreamID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
