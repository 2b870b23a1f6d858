package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/auth"
	"github.com/langchou/lynkgazer/internal/errs"
	"github.com/langchou/lynkgazer/internal/events"
	"github.com/langchou/lynkgazer/internal/metrics"
	"github.com/langchou/lynkgazer/internal/models"
	"github.com/langchou/lynkgazer/internal/poller"
	"github.com/langchou/lynkgazer/internal/repository"
	"github.com/langchou/lynkgazer/internal/tokens"
)

// 未完成的认证流程保留时长
const flowTTL = 30 * time.Minute

var (
	ErrFlowNotFound         = errors.New("auth flow not found")
	ErrRegistrationNotFound = errors.New("registration not found")
)

// RegistrationStore 注册的持久化
type RegistrationStore interface {
	Create(ctx context.Context, reg *models.Registration) error
	GetByID(ctx context.Context, id int64) (*models.Registration, error)
	List(ctx context.Context) ([]*models.Registration, error)
	UpdateIdentity(ctx context.Context, id int64, vin, userID string) error
	Delete(ctx context.Context, id int64) error
}

// Options 服务依赖
type Options struct {
	Backend       auth.Backend
	NewSession    auth.SessionFactory
	Fetcher       poller.Fetcher
	Registrations RegistrationStore
	Tokens        tokens.Provider
	Policy        poller.Policy
	Bus           *events.Bus
	Clock         clock.Clock
	Logger        *zap.Logger
}

// FlowStatus 认证流程当前状态
type FlowStatus struct {
	FlowID         string    `json:"flow_id"`
	State          string    `json:"state"`
	RegistrationID int64     `json:"registration_id,omitempty"`
	Since          time.Time `json:"since"`
}

// RegistrationView 注册及其轮询状态
type RegistrationView struct {
	*models.Registration
	Polling bool          `json:"polling"`
	State   *poller.State `json:"state,omitempty"`
}

type flowEntry struct {
	flow *auth.Flow

	mu           sync.Mutex
	interstitial *lynkco.Interstitial
}

func (e *flowEntry) setInterstitial(it *lynkco.Interstitial) {
	e.mu.Lock()
	e.interstitial = it
	e.mu.Unlock()
}

func (e *flowEntry) takeInterstitial() *lynkco.Interstitial {
	e.mu.Lock()
	defer e.mu.Unlock()
	it := e.interstitial
	e.interstitial = nil
	return it
}

// RegistrationService 管理认证流程和每个注册的轮询调度器
type RegistrationService struct {
	backend    auth.Backend
	newSession auth.SessionFactory
	fetcher    poller.Fetcher
	regs       RegistrationStore
	provider   tokens.Provider
	policy     poller.Policy
	bus        *events.Bus
	clock      clock.Clock
	logger     *zap.Logger

	mu         sync.RWMutex
	flows      map[string]*flowEntry
	schedulers map[int64]*poller.Scheduler
	stores     map[int64]tokens.Store
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
}

// NewRegistrationService 创建注册服务
func NewRegistrationService(opts Options) *RegistrationService {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}

	return &RegistrationService{
		backend:    opts.Backend,
		newSession: opts.NewSession,
		fetcher:    opts.Fetcher,
		regs:       opts.Registrations,
		provider:   opts.Tokens,
		policy:     opts.Policy,
		bus:        opts.Bus,
		clock:      opts.Clock,
		logger:     opts.Logger,
		flows:      make(map[string]*flowEntry),
		schedulers: make(map[int64]*poller.Scheduler),
		stores:     make(map[int64]tokens.Store),
	}
}

// Start 为所有已保存的注册启动调度器
func (s *RegistrationService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Registration service already running, skipping start")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if err := s.bus.SubscribeAsync(events.TopicReauthRequired, s.onReauthRequired); err != nil {
		return fmt.Errorf("subscribe reauth events: %w", err)
	}

	regs, err := s.regs.List(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, reg := range regs {
		s.runScheduler(reg.ID, reg.VIN)
	}

	s.logger.Info("Registration service started", zap.Int("registrations", len(regs)))
	return nil
}

// Stop 停止所有调度器并终止未完成的流程
func (s *RegistrationService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	schedulers := make([]*poller.Scheduler, 0, len(s.schedulers))
	for _, sched := range s.schedulers {
		schedulers = append(schedulers, sched)
	}
	flows := make([]*flowEntry, 0, len(s.flows))
	for id, entry := range s.flows {
		flows = append(flows, entry)
		delete(s.flows, id)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping registration service")

	_ = s.bus.Unsubscribe(events.TopicReauthRequired, s.onReauthRequired)
	for _, sched := range schedulers {
		sched.Stop()
	}
	for _, entry := range flows {
		entry.flow.Abort(context.Background())
	}
	cancel()
	s.bus.WaitAsync()

	s.logger.Info("Registration service stopped")
}

// StartAuth 开始新的注册并提交凭据
// 凭据被拒绝时流程仍然保留，可以用返回的 FlowID 重新提交
func (s *RegistrationService) StartAuth(ctx context.Context, creds auth.Credentials) (*FlowStatus, error) {
	entry := s.newFlow(0)
	return s.submitCredentials(ctx, entry, creds)
}

// StartReauth 为已有注册开始重新认证，期间暂停该注册的轮询
func (s *RegistrationService) StartReauth(ctx context.Context, registrationID int64) (*FlowStatus, error) {
	if _, err := s.registration(ctx, registrationID); err != nil {
		return nil, err
	}

	s.stopScheduler(registrationID)

	// 同一注册只保留一个重新认证流程
	s.mu.Lock()
	var stale []*flowEntry
	for id, entry := range s.flows {
		if entry.flow.ReauthID() == registrationID {
			stale = append(stale, entry)
			delete(s.flows, id)
		}
	}
	s.mu.Unlock()
	for _, entry := range stale {
		entry.flow.Abort(ctx)
	}

	entry := s.newFlow(registrationID)
	s.logger.Info("Re-authentication started",
		zap.Int64("registration_id", registrationID),
		zap.String("flow_id", entry.flow.ID()),
	)
	return statusOf(entry.flow), nil
}

// SubmitCredentials 在已有流程上提交凭据，替换之前的尝试
func (s *RegistrationService) SubmitCredentials(ctx context.Context, flowID string, creds auth.Credentials) (*FlowStatus, error) {
	entry, err := s.flow(flowID)
	if err != nil {
		return nil, err
	}
	return s.submitCredentials(ctx, entry, creds)
}

func (s *RegistrationService) submitCredentials(ctx context.Context, entry *flowEntry, creds auth.Credentials) (*FlowStatus, error) {
	entry.setInterstitial(nil)

	it, err := entry.flow.SubmitCredentials(ctx, creds)
	if err != nil {
		metrics.RecordAuth("credentials", outcomeOf(err))
		return statusOf(entry.flow), err
	}
	metrics.RecordAuth("credentials", "ok")

	entry.setInterstitial(it)
	return statusOf(entry.flow), nil
}

// SubmitOTP 提交验证码；成功后保存令牌并启动或重启对应的调度器
func (s *RegistrationService) SubmitOTP(ctx context.Context, flowID, code string) (*auth.PersistResult, error) {
	entry, err := s.flow(flowID)
	if err != nil {
		return nil, err
	}

	it := entry.takeInterstitial()
	rec, err := entry.flow.SubmitOTP(ctx, code, it)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeEmptyCode {
			// 尝试仍然有效
			entry.setInterstitial(it)
		}
		metrics.RecordAuth("otp", outcomeOf(err))
		return nil, err
	}
	metrics.RecordAuth("otp", "ok")

	result, err := entry.flow.Complete(ctx, rec)
	if err != nil {
		metrics.RecordAuth("persist", outcomeOf(err))
		return nil, err
	}
	metrics.RecordAuth("persist", "ok")

	s.mu.Lock()
	delete(s.flows, flowID)
	s.mu.Unlock()

	switch result.Action {
	case auth.ActionCreate:
		s.logger.Info("Registration created",
			zap.Int64("registration_id", result.RegistrationID),
			zap.String("vin", result.VIN),
		)
	case auth.ActionReload:
		s.logger.Info("Registration reloaded",
			zap.Int64("registration_id", result.RegistrationID),
			zap.String("vin", result.VIN),
		)
	}
	s.runScheduler(result.RegistrationID, result.VIN)

	return result, nil
}

// AbortFlow 终止流程；被中止的重新认证流程会恢复原注册的轮询
func (s *RegistrationService) AbortFlow(ctx context.Context, flowID string) error {
	s.mu.Lock()
	entry, ok := s.flows[flowID]
	delete(s.flows, flowID)
	s.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}

	entry.flow.Abort(ctx)
	s.logger.Info("Auth flow aborted", zap.String("flow_id", flowID))

	if id := entry.flow.ReauthID(); id != 0 {
		reg, err := s.registration(ctx, id)
		if err != nil {
			s.logger.Warn("Registration gone after aborted re-authentication", zap.Int64("registration_id", id), zap.Error(err))
			return nil
		}
		s.runScheduler(reg.ID, reg.VIN)
	}
	return nil
}

// FlowState 查询流程状态
func (s *RegistrationService) FlowState(flowID string) (*FlowStatus, error) {
	entry, err := s.flow(flowID)
	if err != nil {
		return nil, err
	}
	return statusOf(entry.flow), nil
}

// ForceRefresh 立即拉取一次车辆数据
func (s *RegistrationService) ForceRefresh(ctx context.Context, registrationID int64) (*lynkco.VehicleState, error) {
	s.mu.RLock()
	sched, ok := s.schedulers[registrationID]
	s.mu.RUnlock()
	if !ok {
		if _, err := s.registration(ctx, registrationID); err != nil {
			return nil, err
		}
		return nil, errs.TokenRejected(errs.CodeNotAuthenticated, errors.New("re-authentication in progress"))
	}
	return sched.ForceRefresh(ctx)
}

// Remove 删除注册，停止调度器并终止相关流程
func (s *RegistrationService) Remove(ctx context.Context, registrationID int64) error {
	s.stopScheduler(registrationID)

	s.mu.Lock()
	var stale []*flowEntry
	for id, entry := range s.flows {
		if entry.flow.ReauthID() == registrationID {
			stale = append(stale, entry)
			delete(s.flows, id)
		}
	}
	delete(s.stores, registrationID)
	s.mu.Unlock()

	for _, entry := range stale {
		entry.flow.Abort(ctx)
	}

	if err := s.regs.Delete(ctx, registrationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRegistrationNotFound
		}
		return errs.Persistence(err)
	}

	s.logger.Info("Registration removed", zap.Int64("registration_id", registrationID))
	return nil
}

// State 注册的调度器状态
func (s *RegistrationService) State(registrationID int64) (*poller.State, error) {
	s.mu.RLock()
	sched, ok := s.schedulers[registrationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	st := sched.Snapshot()
	return &st, nil
}

// Registrations 所有注册及其轮询状态
func (s *RegistrationService) Registrations(ctx context.Context) ([]RegistrationView, error) {
	regs, err := s.regs.List(ctx)
	if err != nil {
		return nil, errs.Persistence(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]RegistrationView, 0, len(regs))
	for _, reg := range regs {
		view := RegistrationView{Registration: reg}
		if sched, ok := s.schedulers[reg.ID]; ok {
			st := sched.Snapshot()
			view.State = &st
			view.Polling = !st.ReauthRequired
		}
		views = append(views, view)
	}
	return views, nil
}

// CreateRegistration 实现 auth.Registrar
func (s *RegistrationService) CreateRegistration(ctx context.Context, vin, userID string) (*models.Registration, error) {
	reg := &models.Registration{VIN: vin, UserID: userID}
	if err := s.regs.Create(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// UpdateIdentity 实现 auth.Registrar
func (s *RegistrationService) UpdateIdentity(ctx context.Context, id int64, vin, userID string) error {
	return s.regs.UpdateIdentity(ctx, id, vin, userID)
}

// DeleteRegistration 实现 auth.Registrar
func (s *RegistrationService) DeleteRegistration(ctx context.Context, id int64) error {
	s.mu.Lock()
	delete(s.stores, id)
	s.mu.Unlock()
	return s.regs.Delete(ctx, id)
}

// TokenStore 实现 auth.Registrar，流程和调度器共用同一个串行化的存储
func (s *RegistrationService) TokenStore(id int64) tokens.Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, ok := s.stores[id]
	if !ok {
		store = tokens.Serialized(s.provider.ForRegistration(id))
		s.stores[id] = store
	}
	return store
}

func (s *RegistrationService) newFlow(reauthID int64) *flowEntry {
	s.pruneFlows()

	flow := auth.NewFlow(auth.Options{
		Backend:    s.backend,
		NewSession: s.newSession,
		Registrar:  s,
		Logger:     s.logger,
		ReauthID:   reauthID,
		OnStateChange: func(flowID, from, to string) {
			s.bus.Publish(events.TopicAuthProgress, events.AuthProgress{FlowID: flowID, From: from, To: to})
		},
	})
	entry := &flowEntry{flow: flow}

	s.mu.Lock()
	s.flows[flow.ID()] = entry
	s.mu.Unlock()
	return entry
}

// pruneFlows 清理长时间没有进展的流程
func (s *RegistrationService) pruneFlows() {
	now := time.Now()

	s.mu.Lock()
	var expired []*flowEntry
	for id, entry := range s.flows {
		if now.Sub(entry.flow.Since()) > flowTTL {
			expired = append(expired, entry)
			delete(s.flows, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		entry.flow.Abort(context.Background())
		s.logger.Debug("Expired auth flow removed", zap.String("flow_id", entry.flow.ID()))
	}
}

func (s *RegistrationService) flow(flowID string) (*flowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return entry, nil
}

func (s *RegistrationService) registration(ctx context.Context, id int64) (*models.Registration, error) {
	reg, err := s.regs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRegistrationNotFound
		}
		return nil, errs.Persistence(err)
	}
	return reg, nil
}

// runScheduler 创建新的调度器，替换并停止旧的
func (s *RegistrationService) runScheduler(id int64, vin string) {
	sched := poller.NewScheduler(poller.Options{
		RegistrationID: id,
		VIN:            vin,
		Policy:         s.policy,
		Client:         s.fetcher,
		Store:          s.TokenStore(id),
		Bus:            s.bus,
		Clock:          s.clock,
		Logger:         s.logger,
	})

	s.mu.Lock()
	old := s.schedulers[id]
	s.schedulers[id] = sched
	ctx, running := s.ctx, s.running
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if running {
		sched.Start(ctx)
	}
}

func (s *RegistrationService) stopScheduler(id int64) {
	s.mu.Lock()
	sched, ok := s.schedulers[id]
	delete(s.schedulers, id)
	s.mu.Unlock()

	if ok {
		sched.Stop()
	}
}

// onReauthRequired 调度器已自行停止循环，这里释放它的资源
// 调度器保留在表中，State 仍可查询到 reauth_required
func (s *RegistrationService) onReauthRequired(ev events.ReauthRequired) {
	s.logger.Warn("Registration requires re-authentication",
		zap.Int64("registration_id", ev.RegistrationID),
		zap.String("reason", ev.Reason),
	)

	s.mu.RLock()
	sched, ok := s.schedulers[ev.RegistrationID]
	s.mu.RUnlock()
	// 重新认证完成后表中可能已经是新的调度器
	if ok && sched.Snapshot().ReauthRequired {
		sched.Stop()
	}
}

func statusOf(f *auth.Flow) *FlowStatus {
	return &FlowStatus{
		FlowID:         f.ID(),
		State:          f.State(),
		RegistrationID: f.ReauthID(),
		Since:          f.Since(),
	}
}

func outcomeOf(err error) string {
	if code := errs.CodeOf(err); code != "" {
		return code
	}
	return errs.KindOf(err).String()
}
