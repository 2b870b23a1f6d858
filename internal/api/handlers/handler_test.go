package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/auth"
	"github.com/langchou/lynkgazer/internal/errs"
	"github.com/langchou/lynkgazer/internal/events"
	"github.com/langchou/lynkgazer/internal/poller"
	"github.com/langchou/lynkgazer/internal/service"
	"github.com/langchou/lynkgazer/pkg/ws"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) StartAuth(ctx context.Context, creds auth.Credentials) (*service.FlowStatus, error) {
	args := m.Called(creds)
	status, _ := args.Get(0).(*service.FlowStatus)
	return status, args.Error(1)
}

func (m *mockService) StartReauth(ctx context.Context, id int64) (*service.FlowStatus, error) {
	args := m.Called(id)
	status, _ := args.Get(0).(*service.FlowStatus)
	return status, args.Error(1)
}

func (m *mockService) SubmitCredentials(ctx context.Context, flowID string, creds auth.Credentials) (*service.FlowStatus, error) {
	args := m.Called(flowID, creds)
	status, _ := args.Get(0).(*service.FlowStatus)
	return status, args.Error(1)
}

func (m *mockService) SubmitOTP(ctx context.Context, flowID, code string) (*auth.PersistResult, error) {
	args := m.Called(flowID, code)
	result, _ := args.Get(0).(*auth.PersistResult)
	return result, args.Error(1)
}

func (m *mockService) AbortFlow(ctx context.Context, flowID string) error {
	return m.Called(flowID).Error(0)
}

func (m *mockService) FlowState(flowID string) (*service.FlowStatus, error) {
	args := m.Called(flowID)
	status, _ := args.Get(0).(*service.FlowStatus)
	return status, args.Error(1)
}

func (m *mockService) ForceRefresh(ctx context.Context, id int64) (*lynkco.VehicleState, error) {
	args := m.Called(id)
	vs, _ := args.Get(0).(*lynkco.VehicleState)
	return vs, args.Error(1)
}

func (m *mockService) Remove(ctx context.Context, id int64) error {
	return m.Called(id).Error(0)
}

func (m *mockService) State(id int64) (*poller.State, error) {
	args := m.Called(id)
	st, _ := args.Get(0).(*poller.State)
	return st, args.Error(1)
}

func (m *mockService) Registrations(ctx context.Context) ([]service.RegistrationView, error) {
	args := m.Called()
	views, _ := args.Get(0).([]service.RegistrationView)
	return views, args.Error(1)
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(zap.NewNop(), svc, ws.NewHub(zap.NewNop())).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStartAuth(t *testing.T) {
	svc := &mockService{}
	creds := auth.Credentials{Email: "driver@example.com", Password: "secret", VIN: "YV1234567890ABCDE"}
	svc.On("StartAuth", creds).Return(&service.FlowStatus{FlowID: "f1", State: auth.StateOTPPending}, nil)

	w := do(newTestRouter(svc), http.MethodPost, "/api/auth/start",
		`{"email":"driver@example.com","password":"secret","vin":"YV1234567890ABCDE"}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "f1", data["flow_id"])
	assert.Equal(t, auth.StateOTPPending, data["state"])
	svc.AssertExpectations(t)
}

func TestStartAuthFailureKeepsFlowID(t *testing.T) {
	svc := &mockService{}
	svc.On("StartAuth", mock.Anything).
		Return(&service.FlowStatus{FlowID: "f1", State: auth.StateIdle}, errs.Validation(errs.CodeInvalidVIN))

	w := do(newTestRouter(svc), http.MethodPost, "/api/auth/start", `{"email":"a@b.co","password":"x","vin":"bad"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, errs.CodeInvalidVIN, body["code"])
	assert.Equal(t, "f1", body["flow"].(map[string]interface{})["flow_id"])
}

func TestStartAuthInvalidJSON(t *testing.T) {
	svc := &mockService{}
	w := do(newTestRouter(svc), http.MethodPost, "/api/auth/start", `{`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "StartAuth", mock.Anything)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", errs.Validation(errs.CodeEmptyCode), http.StatusBadRequest},
		{"auth", errs.Auth(errs.CodeInvalidOTP, nil), http.StatusUnauthorized},
		{"token rejected", errs.TokenRejected(errs.CodeTokenRejected, nil), http.StatusConflict},
		{"transient", errs.Transient(errors.New("timeout")), http.StatusServiceUnavailable},
		{"persistence", errs.Persistence(errors.New("disk full")), http.StatusInternalServerError},
		{"unknown flow", service.ErrFlowNotFound, http.StatusNotFound},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("SubmitOTP", "f1", "123456").Return(nil, tt.err)

			w := do(newTestRouter(svc), http.MethodPost, "/api/auth/f1/otp", `{"code":"123456"}`)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSubmitOTP(t *testing.T) {
	svc := &mockService{}
	svc.On("SubmitOTP", "f1", "123456").
		Return(&auth.PersistResult{Action: auth.ActionCreate, RegistrationID: 7, VIN: "YV1234567890ABCDE"}, nil)

	w := do(newTestRouter(svc), http.MethodPost, "/api/auth/f1/otp", `{"code":"123456"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "create", data["action"])
	assert.Equal(t, float64(7), data["registration_id"])
}

func TestSubmitCredentialsAndAbort(t *testing.T) {
	svc := &mockService{}
	svc.On("SubmitCredentials", "f1", mock.Anything).Return(&service.FlowStatus{FlowID: "f1", State: auth.StateOTPPending}, nil)
	svc.On("AbortFlow", "f1").Return(nil)
	svc.On("FlowState", "f2").Return(nil, service.ErrFlowNotFound)
	r := newTestRouter(svc)

	w := do(r, http.MethodPost, "/api/auth/f1/credentials", `{"email":"a@b.co","password":"x","vin":"YV1234567890ABCDE"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodDelete, "/api/auth/f1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/api/auth/f2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}

func TestRegistrationRoutes(t *testing.T) {
	svc := &mockService{}
	next := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)
	svc.On("Registrations").Return([]service.RegistrationView{{Polling: true}}, nil)
	svc.On("State", int64(3)).Return(&poller.State{NextFetchAt: next}, nil)
	svc.On("StartReauth", int64(3)).Return(&service.FlowStatus{FlowID: "r1", State: auth.StateReauthRequested, RegistrationID: 3}, nil)
	svc.On("ForceRefresh", int64(3)).Return(&lynkco.VehicleState{VIN: "YV1234567890ABCDE"}, nil)
	svc.On("ForceRefresh", int64(4)).Return(nil, errs.TokenRejected(errs.CodeTokenRejected, nil))
	svc.On("Remove", int64(5)).Return(service.ErrRegistrationNotFound)
	r := newTestRouter(svc)

	w := do(r, http.MethodGet, "/api/registrations", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/registrations/3/state", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "2026-03-02T12:30:00Z", data["next_fetch_at"])

	w = do(r, http.MethodPost, "/api/registrations/3/reauth", "")
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(r, http.MethodPost, "/api/registrations/3/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/registrations/4/refresh", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodeTokenRejected, decode(t, w)["code"])

	w = do(r, http.MethodDelete, "/api/registrations/5", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/registrations/abc/state", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertExpectations(t)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(&mockService{})

	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lynkgazer_")
}

func TestForwardEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	hub := ws.NewHub(zap.NewNop())
	go hub.Run(ctx)
	require.NoError(t, ForwardEvents(bus, hub))

	// 没有客户端时广播直接丢弃，不阻塞发布方
	bus.Publish(events.TopicReauthRequired, events.ReauthRequired{RegistrationID: 1, Reason: errs.CodeTokenRejected})
	bus.Publish(events.TopicAuthProgress, events.AuthProgress{FlowID: "f1", From: auth.StateIdle, To: auth.StateCredentialsSubmitted})
	bus.WaitAsync()
}
