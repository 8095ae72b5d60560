package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"gorm.io/gorm"
)

type createChatReq struct {
	Title        string  `json:"title"`
	Model        string  `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}

	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	cht, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.Title, req.Model, req.SystemPrompt)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	common.OK(c, cht)
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	cht, err := h.ChatSvc.GetChat(c.Request.Context(), uid, c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, cht)
}

type patchChatReq struct {
	Title        *string `json:"title"`
	Pinned       *bool   `json:"pinned"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
	Share        *bool   `json:"share"`
}

func (h *Handler) PatchChat(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	var req patchChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	cht, err := h.ChatSvc.PatchChat(c.Request.Context(), uid, c.Param("chat_id"),
		req.Title, req.Pinned, req.Model, req.SystemPrompt, req.Share)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, cht)
}

// DeleteChat cascades: streams, sessions and jobs go first, then the chat
// with its messages and branches.
func (h *Handler) DeleteChat(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
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

	if err := h.StreamRepo.DeleteByChat(ctx, chatID); err != nil {
		log.Printf("[DeleteChat] stream cascade failed chat=%s err=%v", chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	if err := h.Jobs.DeleteByChat(ctx, chatID); err != nil {
		log.Printf("[DeleteChat] job cascade failed chat=%s err=%v", chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	if err := h.ChatSvc.DeleteChat(ctx, uid, chatID); err != nil {
		log.Printf("[DeleteChat] chat delete failed chat=%s err=%v", chatID, err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// ListMessages returns the visible history. branch_id selects a branch
// lineage; absent means main line.
func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}

	var branchID *string
	if v := c.Query("branch_id"); v != "" {
		branchID = &v
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("chat_id"), branchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat or branch not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteMessage(c.Request.Context(), uid, c.Param("message_id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
