package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/secrets"
)

type setAPIKeyReq struct {
	APIKey string `json:"api_key" binding:"required"`
}

// SetAPIKey stores the caller's provider key encrypted at rest. The key is
// validated up front so a bad key fails here, not mid-completion.
func (h *Handler) SetAPIKey(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	var req setAPIKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Secrets.SetUserKey(c.Request.Context(), uid, req.APIKey); err != nil {
		if errors.Is(err, secrets.ErrNoAPIKey) || errors.Is(err, secrets.ErrBadAPIKey) {
			common.Fail(c, http.StatusBadRequest, 10010, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"saved": true})
}

func (h *Handler) DeleteAPIKey(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	if err := h.Secrets.DeleteUserKey(c.Request.Context(), uid); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
