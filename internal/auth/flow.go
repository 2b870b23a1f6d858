package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/errs"
	"github.com/langchou/lynkgazer/internal/models"
	"github.com/langchou/lynkgazer/internal/tokens"
)

// Backend 登录和令牌交换所需的远端调用
type Backend interface {
	Login(ctx context.Context, s *lynkco.Session, email, password string) (*lynkco.Interstitial, error)
	VerifyOTP(ctx context.Context, s *lynkco.Session, code string, it *lynkco.Interstitial) (*lynkco.PrimaryTokens, error)
	DeviceLogin(ctx context.Context, accessToken string) (string, error)
	UserVINs(ctx context.Context, secondaryToken, userID string) ([]string, error)
}

// NewBackend 组合 B2C 登录客户端和车辆数据客户端
func NewBackend(a *lynkco.Authenticator, c *lynkco.Client) Backend {
	return &remoteBackend{Authenticator: a, Client: c}
}

type remoteBackend struct {
	*lynkco.Authenticator
	*lynkco.Client
}

// SessionFactory 为每次尝试创建新的会话
type SessionFactory func() (*lynkco.Session, error)

// Registrar 注册的持久化
type Registrar interface {
	CreateRegistration(ctx context.Context, vin, userID string) (*models.Registration, error)
	UpdateIdentity(ctx context.Context, id int64, vin, userID string) error
	DeleteRegistration(ctx context.Context, id int64) error
	TokenStore(id int64) tokens.Store
}

// Action 完成后调用方需要执行的动作
type Action string

const (
	ActionCreate Action = "create"
	ActionReload Action = "reload"
)

// PersistResult Complete 的结果
type PersistResult struct {
	Action         Action `json:"action"`
	RegistrationID int64  `json:"registration_id"`
	VIN            string `json:"vin"`
}

// attempt 一次尝试独占的状态，终止时整体丢弃
type attempt struct {
	session      *lynkco.Session
	creds        Credentials
	interstitial *lynkco.Interstitial
	idToken      string
	record       *tokens.Record
	// cancel 取消进行中的远端调用
	cancel context.CancelFunc
}

// Options Flow 依赖
type Options struct {
	Backend    Backend
	NewSession SessionFactory
	Registrar  Registrar
	Logger     *zap.Logger
	// ReauthID 非零表示对已有注册重新认证
	ReauthID int64
	// OnStateChange 状态变化回调，可为空
	OnStateChange func(flowID, from, to string)
}

// Flow 一次注册或重新认证的认证流程
type Flow struct {
	mu         sync.Mutex
	id         string
	reauthID   int64
	machine    *Machine
	backend    Backend
	newSession SessionFactory
	registrar  Registrar
	logger     *zap.Logger
	attempt    *attempt
}

// NewFlow 创建认证流程
func NewFlow(opts Options) *Flow {
	f := &Flow{
		id:         uuid.NewString(),
		reauthID:   opts.ReauthID,
		backend:    opts.Backend,
		newSession: opts.NewSession,
		registrar:  opts.Registrar,
		logger:     opts.Logger,
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.With(zap.String("flow_id", f.id))

	f.machine = NewMachine(opts.ReauthID != 0, func(from, to string) {
		f.logger.Debug("Auth state changed", zap.String("from", from), zap.String("to", to))
		if opts.OnStateChange != nil {
			opts.OnStateChange(f.id, from, to)
		}
	})
	return f
}

// ID 流程标识
func (f *Flow) ID() string {
	return f.id
}

// ReauthID 重新认证的注册 ID，新注册为 0
func (f *Flow) ReauthID() int64 {
	return f.reauthID
}

// State 当前状态
func (f *Flow) State() string {
	return f.machine.Current()
}

// Since 进入当前状态的时间
func (f *Flow) Since() time.Time {
	return f.machine.Since()
}

// SubmitCredentials 校验凭据并登录，成功后等待短信验证码
// 远端调用期间不持有锁，Abort 或新的尝试会取消进行中的调用
func (f *Flow) SubmitCredentials(ctx context.Context, creds Credentials) (*lynkco.Interstitial, error) {
	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	a, callCtx, cancel, err := f.beginAttempt(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer cancel()

	f.logger.Info("Submitting credentials", zap.String("session", a.session.ID()), zap.String("vin", creds.VIN))

	it, err := f.backend.Login(callCtx, a.session, creds.Email, creds.Password)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt != a {
		return nil, errs.Auth(errs.CodeStaleAttempt, errors.New("attempt replaced"))
	}

	if err != nil {
		f.abortLocked(ctx)
		f.logger.Warn("Login failed", zap.Error(err))
		if isTransient(err) {
			return nil, errs.Transient(err)
		}
		return nil, errs.Auth(errs.CodeLoginFailed, err)
	}
	if it == nil || it.TransactionToken == "" || it.CSRFToken == "" {
		f.abortLocked(ctx)
		return nil, errs.Auth(errs.CodeLoginFailed, errors.New("trans/csrf pair missing"))
	}

	if err := f.machine.Trigger(ctx, EventCaptureInterstitial); err != nil {
		f.abortLocked(ctx)
		return nil, err
	}
	a.interstitial = it

	if err := f.machine.Trigger(ctx, EventAwaitOTP); err != nil {
		f.abortLocked(ctx)
		return nil, err
	}

	return it, nil
}

// beginAttempt 替换旧的尝试并创建新会话
func (f *Flow) beginAttempt(ctx context.Context, creds Credentials) (*attempt, context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.machine.Current() == StateAuthenticated {
		return nil, nil, nil, errs.Auth(errs.CodeNoAttempt, errors.New("flow already completed"))
	}

	// 新的尝试替换旧的，旧会话先关闭
	f.abortLocked(ctx)

	if err := f.machine.Trigger(ctx, EventSubmitCredentials); err != nil {
		return nil, nil, nil, err
	}

	session, err := f.newSession()
	if err != nil {
		f.abortLocked(ctx)
		return nil, nil, nil, fmt.Errorf("create session: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	f.attempt = &attempt{session: session, creds: creds, cancel: cancel}
	return f.attempt, callCtx, cancel, nil
}

// SubmitOTP 提交验证码，换取主令牌和二级令牌
func (f *Flow) SubmitOTP(ctx context.Context, code string, it *lynkco.Interstitial) (*tokens.Record, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errs.Validation(errs.CodeEmptyCode)
	}

	f.mu.Lock()
	if f.attempt == nil || f.machine.Current() != StateOTPPending {
		f.mu.Unlock()
		return nil, errs.Auth(errs.CodeNoAttempt, nil)
	}
	a := f.attempt
	if it == nil || it != a.interstitial {
		f.mu.Unlock()
		return nil, errs.Auth(errs.CodeStaleAttempt, nil)
	}
	// 交换开始后 interstitial 不再可用
	a.interstitial = nil
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancel = cancel
	session := a.session
	f.mu.Unlock()

	f.logger.Info("Submitting verification code", zap.String("session", session.ID()))

	primary, secondary, err := f.exchange(callCtx, session, code, it)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempt != a {
		return nil, errs.Auth(errs.CodeStaleAttempt, errors.New("attempt replaced"))
	}
	if err != nil {
		f.abortLocked(ctx)
		return nil, err
	}

	if err := f.machine.Trigger(ctx, EventExchangeTokens); err != nil {
		f.abortLocked(ctx)
		return nil, err
	}

	rec := &tokens.Record{
		RefreshToken:   primary.RefreshToken,
		SecondaryToken: secondary,
		IssuedAt:       time.Now().UTC(),
	}
	a.idToken = primary.IDToken
	a.record = rec
	return rec, nil
}

// exchange 验证码换主令牌，再用访问令牌换二级令牌
func (f *Flow) exchange(ctx context.Context, session *lynkco.Session, code string, it *lynkco.Interstitial) (*lynkco.PrimaryTokens, string, error) {
	primary, err := f.backend.VerifyOTP(ctx, session, code, it)
	if err != nil {
		f.logger.Warn("Verification failed", zap.Error(err))
		switch {
		case isTransient(err):
			return nil, "", errs.Transient(err)
		case errors.Is(err, lynkco.ErrTokenExchange):
			return nil, "", errs.Auth(errs.CodeTokenExchangeFailed, err)
		default:
			return nil, "", errs.Auth(errs.CodeInvalidOTP, err)
		}
	}
	if !primary.Complete() {
		return nil, "", errs.Auth(errs.CodeTokenExchangeFailed, errors.New("primary tokens incomplete"))
	}

	secondary, err := f.backend.DeviceLogin(ctx, primary.AccessToken)
	if err != nil || secondary == "" {
		if err == nil {
			err = errors.New("secondary token empty")
		}
		f.logger.Warn("Device login failed", zap.Error(err))
		if isTransient(err) {
			return nil, "", errs.Transient(err)
		}
		return nil, "", errs.Auth(errs.CodeTokenExchangeFailed, err)
	}
	return primary, secondary, nil
}

// Complete 持久化令牌；新注册返回 ActionCreate，重新认证返回 ActionReload
func (f *Flow) Complete(ctx context.Context, rec *tokens.Record) (*PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attempt == nil || f.machine.Current() != StateTokenExchanged {
		return nil, errs.Auth(errs.CodeNoAttempt, nil)
	}
	if rec == nil || rec != f.attempt.record {
		return nil, errs.Auth(errs.CodeStaleAttempt, nil)
	}
	if !rec.Complete() {
		f.abortLocked(ctx)
		return nil, errs.Persistence(tokens.ErrIncomplete)
	}

	vin := f.attempt.creds.VIN
	userID := f.userID(ctx, rec, vin)

	var result *PersistResult
	if f.reauthID != 0 {
		store := f.registrar.TokenStore(f.reauthID)
		prev, err := store.Load(ctx)
		if err != nil {
			f.abortLocked(ctx)
			return nil, errs.Persistence(err)
		}
		if err := store.Save(ctx, *rec); err != nil {
			f.abortLocked(ctx)
			return nil, errs.Persistence(err)
		}
		if err := f.registrar.UpdateIdentity(ctx, f.reauthID, vin, userID); err != nil {
			// 身份更新失败时恢复旧令牌
			if prev != nil {
				if rerr := store.Save(ctx, *prev); rerr != nil {
					f.logger.Error("Failed to restore previous tokens", zap.Int64("registration_id", f.reauthID), zap.Error(rerr))
				}
			}
			f.abortLocked(ctx)
			return nil, errs.Persistence(err)
		}
		result = &PersistResult{Action: ActionReload, RegistrationID: f.reauthID, VIN: vin}
	} else {
		reg, err := f.registrar.CreateRegistration(ctx, vin, userID)
		if err != nil {
			f.abortLocked(ctx)
			return nil, errs.Persistence(err)
		}
		if err := f.registrar.TokenStore(reg.ID).Save(ctx, *rec); err != nil {
			if derr := f.registrar.DeleteRegistration(ctx, reg.ID); derr != nil {
				f.logger.Error("Failed to roll back registration", zap.Int64("registration_id", reg.ID), zap.Error(derr))
			}
			f.abortLocked(ctx)
			return nil, errs.Persistence(err)
		}
		result = &PersistResult{Action: ActionCreate, RegistrationID: reg.ID, VIN: vin}
	}

	if err := f.machine.Trigger(ctx, EventPersist); err != nil {
		return nil, err
	}
	f.closeSession()
	f.attempt = nil

	f.logger.Info("Authentication completed",
		zap.String("action", string(result.Action)),
		zap.Int64("registration_id", result.RegistrationID),
	)
	return result, nil
}

// Abort 关闭会话并回到起点
func (f *Flow) Abort(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortLocked(ctx)
}

func (f *Flow) abortLocked(ctx context.Context) {
	f.closeSession()
	f.attempt = nil
	if err := f.machine.Rest(ctx, f.reauthID != 0); err != nil {
		f.logger.Error("Failed to reset auth state", zap.Error(err))
	}
}

func (f *Flow) closeSession() {
	if f.attempt == nil {
		return
	}
	if f.attempt.cancel != nil {
		f.attempt.cancel()
	}
	if f.attempt.session == nil {
		return
	}
	if err := f.attempt.session.Close(); err != nil {
		f.logger.Debug("Session already closed", zap.Error(err))
	}
}

// userID 从 id token 读取用户 ID，并确认 VIN 属于该账号；失败只记录日志
func (f *Flow) userID(ctx context.Context, rec *tokens.Record, vin string) string {
	userID, err := UserIDFromIDToken(f.attempt.idToken)
	if err != nil {
		f.logger.Warn("Failed to read user id from id token", zap.Error(err))
		return ""
	}

	vins, err := f.backend.UserVINs(ctx, rec.SecondaryToken, userID)
	if err != nil {
		f.logger.Warn("Failed to list account vehicles", zap.Error(err))
		return userID
	}
	if !funk.ContainsString(vins, vin) {
		f.logger.Warn("VIN not found among account vehicles", zap.String("vin", vin), zap.Int("vehicles", len(vins)))
	}
	return userID
}

// UserIDFromIDToken 读取 id token 中的 snowflakeId，不校验签名
func UserIDFromIDToken(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("parse id token: %w", err)
	}

	switch v := claims["snowflakeId"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	}
	return "", errors.New("snowflakeId claim missing")
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, lynkco.ErrRateLimited) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
