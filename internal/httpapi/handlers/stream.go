package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/stream"
	"gorm.io/gorm"
)

// ownedStream loads a stream and hides it from non-owners.
func (h *Handler) ownedStream(c *gin.Context, uid uint64) (*stream.ResumableStream, bool) {
	s, err := h.Streams.Get(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "stream not found")
			return nil, false
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return nil, false
	}
	if s.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40403, "stream not found")
		return nil, false
	}
	return s, true
}

func (h *Handler) transitionError(c *gin.Context, err error) {
	if errors.Is(err, stream.ErrStreamTerminated) {
		common.Fail(c, http.StatusConflict, 40902, "stream already terminated")
		return
	}
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}

func (h *Handler) PauseStream(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	s, ok := h.ownedStream(c, uid)
	if !ok {
		return
	}
	if err := h.Streams.Pause(c.Request.Context(), s.ID); err != nil {
		h.transitionError(c, err)
		return
	}
	s, _ = h.Streams.Get(c.Request.Context(), s.ID)
	common.OK(c, s)
}

func (h *Handler) ResumeStream(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	s, ok := h.ownedStream(c, uid)
	if !ok {
		return
	}
	if err := h.Streams.Resume(c.Request.Context(), s.ID); err != nil {
		h.transitionError(c, err)
		return
	}
	s, _ = h.Streams.Get(c.Request.Context(), s.ID)
	common.OK(c, s)
}

// StopStream terminates the record. The orchestrator pass notices on its
// next checkpoint write and keeps whatever was generated.
func (h *Handler) StopStream(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	s, ok := h.ownedStream(c, uid)
	if !ok {
		return
	}
	if err := h.Streams.Complete(c.Request.Context(), s.ID); err != nil {
		h.transitionError(c, err)
		return
	}
	s, _ = h.Streams.Get(c.Request.Context(), s.ID)
	common.OK(c, s)
}

// GetActiveStreams lists a chat's in-flight streams for pause/resume/stop UI.
func (h *Handler) GetActiveStreams(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	chatID := c.Param("chat_id")
	if _, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	streams, err := h.Streams.ListActive(c.Request.Context(), chatID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list streams")
		return
	}
	common.OK(c, gin.H{"streams": streams})
}

// GetActiveSession tells a reconnecting client which in-flight render
// target to attach to.
func (h *Handler) GetActiveSession(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	chatID := c.Param("chat_id")
	if _, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	sess, err := h.Sessions.GetActive(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.OK(c, gin.H{"session": nil})
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to get session")
		return
	}
	common.OK(c, gin.H{"session": sess})
}
