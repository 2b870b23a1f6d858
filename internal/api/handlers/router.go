package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/pkg/ws"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 认证流程
		api.POST("/auth/start", h.StartAuth)
		api.GET("/auth/:flow", h.GetFlow)
		api.POST("/auth/:flow/credentials", h.SubmitCredentials)
		api.POST("/auth/:flow/otp", h.SubmitOTP)
		api.DELETE("/auth/:flow", h.AbortFlow)

		// 注册
		api.GET("/registrations", h.ListRegistrations)
		api.GET("/registrations/:id/state", h.GetRegistrationState)
		api.POST("/registrations/:id/reauth", h.StartReauth)
		api.POST("/registrations/:id/refresh", h.ForceRefresh)
		api.DELETE("/registrations/:id", h.RemoveRegistration)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)

	// Prometheus
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
