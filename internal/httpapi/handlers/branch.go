package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"gorm.io/gorm"
)

type createBranchReq struct {
	FromMessageID string `json:"from_message_id" binding:"required"`
	Name          string `json:"name"`
}

func (h *Handler) CreateBranch(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	var req createBranchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	b, err := h.ChatSvc.CreateBranch(c.Request.Context(), uid, c.Param("chat_id"), req.FromMessageID, req.Name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat or message not found")
			return
		}
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	}
	common.OK(c, b)
}

func (h *Handler) ListBranches(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	branches, err := h.ChatSvc.ListBranches(c.Request.Context(), uid, c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list branches")
		return
	}
	common.OK(c, gin.H{"branches": branches})
}

type switchBranchReq struct {
	// empty or absent selects the main line
	BranchID string `json:"branch_id"`
}

// SwitchBranch records which lineage this user is viewing. Pure navigation
// state: it mutates no branch or message records, and other viewers of the
// same chat are unaffected.
func (h *Handler) SwitchBranch(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	chatID := c.Param("chat_id")
	ctx := c.Request.Context()

	var req switchBranchReq
	_ = c.ShouldBindJSON(&req)

	if _, err := h.ChatSvc.GetChat(ctx, uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if req.BranchID != "" {
		branches, err := h.ChatSvc.ListBranches(ctx, uid, chatID)
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		found := false
		for _, b := range branches {
			if b.ID == req.BranchID {
				found = true
				break
			}
		}
		if !found {
			common.Fail(c, http.StatusNotFound, 40404, "branch not found")
			return
		}
	}

	if err := h.Redis.SetBranchSelection(ctx, uid, chatID, req.BranchID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to switch branch")
		return
	}
	common.OK(c, gin.H{"branch_id": req.BranchID})
}

// GetActiveBranch returns this user's current selection; empty means main line.
func (h *Handler) GetActiveBranch(c *gin.Context) {
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

	branchID, err := h.Redis.GetBranchSelection(c.Request.Context(), uid, chatID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to get branch")
		return
	}
	common.OK(c, gin.H{"branch_id": branchID})
}
