package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/auth"
	"github.com/langchou/lynkgazer/internal/errs"
	"github.com/langchou/lynkgazer/internal/poller"
	"github.com/langchou/lynkgazer/internal/service"
	"github.com/langchou/lynkgazer/pkg/ws"
)

// Service 处理器依赖的注册服务
type Service interface {
	StartAuth(ctx context.Context, creds auth.Credentials) (*service.FlowStatus, error)
	StartReauth(ctx context.Context, registrationID int64) (*service.FlowStatus, error)
	SubmitCredentials(ctx context.Context, flowID string, creds auth.Credentials) (*service.FlowStatus, error)
	SubmitOTP(ctx context.Context, flowID, code string) (*auth.PersistResult, error)
	AbortFlow(ctx context.Context, flowID string) error
	FlowState(flowID string) (*service.FlowStatus, error)
	ForceRefresh(ctx context.Context, registrationID int64) (*lynkco.VehicleState, error)
	Remove(ctx context.Context, registrationID int64) error
	State(registrationID int64) (*poller.State, error)
	Registrations(ctx context.Context) ([]service.RegistrationView, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	svc      Service
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, svc Service, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger: logger,
		svc:    svc,
		wsHub:  wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// statusFor 错误分类到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrFlowNotFound), errors.Is(err, service.ErrRegistrationNotFound):
		return http.StatusNotFound
	}

	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuth:
		return http.StatusUnauthorized
	case errs.KindTokenRejected:
		return http.StatusConflict
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 输出错误；5xx 记录日志，分类错误附带错误码
func (h *Handler) respondError(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if code := errs.CodeOf(err); code != "" {
		body["code"] = code
	}
	for k, v := range extra {
		body[k] = v
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			body["error"] = "Internal error"
		}
	}

	c.JSON(status, body)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid registration ID"})
		return 0, false
	}
	return id, true
}
