package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langchou/lynkgazer/internal/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	VIN      string `json:"vin"`
}

func (r credentialsRequest) credentials() auth.Credentials {
	return auth.Credentials{Email: r.Email, Password: r.Password, VIN: r.VIN}
}

type otpRequest struct {
	Code string `json:"code"`
}

// StartAuth 开始注册并提交凭据
func (h *Handler) StartAuth(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	status, err := h.svc.StartAuth(c.Request.Context(), req.credentials())
	if err != nil {
		// 流程保留，客户端可以用 flow_id 重试
		var extra gin.H
		if status != nil {
			extra = gin.H{"flow": status}
		}
		h.respondError(c, err, extra)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": status})
}

// GetFlow 查询流程状态
func (h *Handler) GetFlow(c *gin.Context) {
	status, err := h.svc.FlowState(c.Param("flow"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// SubmitCredentials 在已有流程上提交凭据
func (h *Handler) SubmitCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	status, err := h.svc.SubmitCredentials(c.Request.Context(), c.Param("flow"), req.credentials())
	if err != nil {
		var extra gin.H
		if status != nil {
			extra = gin.H{"flow": status}
		}
		h.respondError(c, err, extra)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// SubmitOTP 提交短信验证码
func (h *Handler) SubmitOTP(c *gin.Context) {
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.svc.SubmitOTP(c.Request.Context(), c.Param("flow"), req.Code)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// AbortFlow 终止流程
func (h *Handler) AbortFlow(c *gin.Context) {
	if err := h.svc.AbortFlow(c.Request.Context(), c.Param("flow")); err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.Status(http.StatusNoContent)
}
