package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListRegistrations 注册列表
func (h *Handler) ListRegistrations(c *gin.Context) {
	views, err := h.svc.Registrations(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": views})
}

// GetRegistrationState 轮询状态
func (h *Handler) GetRegistrationState(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	st, err := h.svc.State(id)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// StartReauth 重新认证
func (h *Handler) StartReauth(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	status, err := h.svc.StartReauth(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": status})
}

// ForceRefresh 立即拉取
func (h *Handler) ForceRefresh(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	vs, err := h.svc.ForceRefresh(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": vs})
}

// RemoveRegistration 删除注册
func (h *Handler) RemoveRegistration(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.svc.Remove(c.Request.Context(), id); err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.Status(http.StatusNoContent)
}
