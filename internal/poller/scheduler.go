package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/errs"
	"github.com/langchou/lynkgazer/internal/events"
	"github.com/langchou/lynkgazer/internal/metrics"
	"github.com/langchou/lynkgazer/internal/tokens"
)

const (
	triggerInitial   = "initial"
	triggerScheduled = "scheduled"
	triggerForced    = "forced"
)

// Fetcher 车辆数据客户端
type Fetcher interface {
	Refresh(ctx context.Context, vin string, rec tokens.Record) (*lynkco.VehicleState, error)
	Renew(ctx context.Context, rec tokens.Record) (*tokens.Record, error)
}

// State 调度器状态
type State struct {
	LastFetchAt         time.Time            `json:"last_fetch_at"`
	NextFetchAt         time.Time            `json:"next_fetch_at"`
	ChargerStatus       lynkco.ChargerStatus `json:"charger_connection_status"`
	BatteryPercent      *int                 `json:"battery_level"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	ReauthRequired      bool                 `json:"reauth_required"`
	LastError           string               `json:"last_error,omitempty"`
	Vehicle             *lynkco.VehicleState `json:"vehicle,omitempty"`
}

// Options 调度器依赖
type Options struct {
	RegistrationID int64
	VIN            string
	Policy         Policy
	Client         Fetcher
	Store          tokens.Store
	Bus            *events.Bus
	Clock          clock.Clock
	Rand           *rand.Rand
	Logger         *zap.Logger
}

// Scheduler 单个注册的轮询调度器
type Scheduler struct {
	regID  int64
	vin    string
	policy Policy
	client Fetcher
	store  tokens.Store
	bus    *events.Bus
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	rnd      *rand.Rand
	state    State
	rejected error
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	halt     chan struct{}
	haltOnce sync.Once

	group singleflight.Group
}

// NewScheduler 创建调度器
func NewScheduler(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(opts.Clock.Now().UnixNano()))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Scheduler{
		regID:  opts.RegistrationID,
		vin:    opts.VIN,
		policy: opts.Policy,
		client: opts.Client,
		store:  opts.Store,
		bus:    opts.Bus,
		clock:  opts.Clock,
		rnd:    opts.Rand,
		halt:   make(chan struct{}),
		logger: opts.Logger.With(zap.Int64("registration_id", opts.RegistrationID), zap.String("vin", opts.VIN)),
	}
}

// Start 立即拉取一次，然后进入定时循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.logger.Info("Scheduler started", zap.Bool("smart_mode", s.policy.SmartMode))
}

// Stop 取消待执行的定时器并等待循环退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.state.NextFetchAt = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}

// Done 循环退出后关闭
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Snapshot 当前状态副本
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForceRefresh 立即拉取，不受窗口限制，也不改变 NextFetchAt
// 与正在进行的拉取合并为一次请求
func (s *Scheduler) ForceRefresh(ctx context.Context) (*lynkco.VehicleState, error) {
	return s.fetch(ctx, triggerForced)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// 首次启动无条件拉取
	_, _ = s.fetch(ctx, triggerInitial)

	for {
		if s.isRejected() {
			s.logger.Warn("Scheduler halted until re-authentication")
			return
		}

		timer, interval := s.schedule()
		s.logger.Debug("Next fetch scheduled", zap.Duration("interval", interval))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.halt:
			timer.Stop()
			s.clearNext()
			s.logger.Warn("Scheduler halted until re-authentication")
			return
		case <-timer.C:
		}

		if !s.policy.Allowed(s.clock.Now()) {
			metrics.SkippedTicksTotal.Inc()
			s.logger.Debug("Tick outside polling window, skipping")
			continue
		}
		_, _ = s.fetch(ctx, triggerScheduled)
	}
}

// schedule 计算下一次间隔并创建定时器
func (s *Scheduler) schedule() (*clock.Timer, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	interval := s.policy.NextInterval(s.state, now, s.rnd)
	timer := s.clock.Timer(interval)
	s.state.NextFetchAt = now.Add(interval)
	return timer, interval
}

func (s *Scheduler) clearNext() {
	s.mu.Lock()
	s.state.NextFetchAt = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) isRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected != nil
}

func (s *Scheduler) fetch(ctx context.Context, trigger string) (*lynkco.VehicleState, error) {
	s.mu.Lock()
	rejected := s.rejected
	s.mu.Unlock()
	if rejected != nil {
		return nil, rejected
	}

	// 合并后的请求不随任一调用方取消，调用方只停止等待
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		return s.doFetch(context.WithoutCancel(ctx), trigger)
	})

	select {
	case <-ctx.Done():
		return nil, errs.Transient(ctx.Err())
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Joined in-flight fetch", zap.String("trigger", trigger))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lynkco.VehicleState), nil
	}
}

func (s *Scheduler) doFetch(ctx context.Context, trigger string) (*lynkco.VehicleState, error) {
	start := s.clock.Now()

	rec, err := s.store.Load(ctx)
	if err != nil {
		return nil, s.fail(trigger, start, errs.Transient(fmt.Errorf("load tokens: %w", err)))
	}
	if rec == nil {
		return nil, s.reject(trigger, start, errs.TokenRejected(errs.CodeNotAuthenticated, errors.New("no stored tokens")))
	}

	state, err := s.client.Refresh(ctx, s.vin, *rec)
	if errors.Is(err, lynkco.ErrUnauthorized) {
		s.logger.Info("Credentials rejected, renewing tokens")

		renewed, rerr := s.client.Renew(ctx, *rec)
		if rerr != nil {
			if errors.Is(rerr, lynkco.ErrUnauthorized) {
				return nil, s.reject(trigger, start, errs.TokenRejected(errs.CodeTokenRejected, rerr))
			}
			return nil, s.fail(trigger, start, errs.Transient(rerr))
		}
		if err := s.store.Save(ctx, *renewed); err != nil {
			return nil, s.fail(trigger, start, errs.Persistence(err))
		}

		state, err = s.client.Refresh(ctx, s.vin, *renewed)
		if errors.Is(err, lynkco.ErrUnauthorized) {
			return nil, s.reject(trigger, start, errs.TokenRejected(errs.CodeTokenRejected, err))
		}
	}
	if err != nil {
		return nil, s.fail(trigger, start, errs.Transient(err))
	}

	s.succeed(trigger, start, state)
	return state, nil
}

func (s *Scheduler) succeed(trigger string, start time.Time, vs *lynkco.VehicleState) {
	now := s.clock.Now()
	metrics.RecordFetch(trigger, "ok", now.Sub(start).Seconds())

	s.mu.Lock()
	s.state.LastFetchAt = now
	s.state.ChargerStatus = vs.ChargerStatus
	s.state.BatteryPercent = vs.BatteryLevel
	s.state.ConsecutiveFailures = 0
	s.state.LastError = ""
	s.state.Vehicle = vs
	next := s.state.NextFetchAt
	s.mu.Unlock()

	s.logger.Info("Vehicle state fetched",
		zap.String("trigger", trigger),
		zap.String("charger", string(vs.ChargerStatus)),
	)

	if s.bus != nil {
		s.bus.Publish(events.TopicStateChanged, events.StateChanged{
			RegistrationID: s.regID,
			State:          vs,
			NextFetchAt:    next,
		})
	}
}

func (s *Scheduler) fail(trigger string, start time.Time, err error) error {
	metrics.RecordFetch(trigger, "error", s.clock.Now().Sub(start).Seconds())

	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.LastError = err.Error()
	failures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	s.logger.Warn("Vehicle fetch failed",
		zap.String("trigger", trigger),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	if s.bus != nil {
		s.bus.Publish(events.TopicFetchFailed, events.FetchFailed{
			RegistrationID:      s.regID,
			Error:               err.Error(),
			Kind:                errs.KindOf(err).String(),
			ConsecutiveFailures: failures,
		})
	}
	return err
}

func (s *Scheduler) reject(trigger string, start time.Time, err error) error {
	metrics.RecordFetch(trigger, "rejected", s.clock.Now().Sub(start).Seconds())
	metrics.ReauthRequiredTotal.Inc()

	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.LastError = err.Error()
	s.state.ReauthRequired = true
	s.rejected = err
	s.mu.Unlock()

	s.haltOnce.Do(func() { close(s.halt) })
	s.logger.Error("Token rejected, re-authentication required", zap.Error(err))

	if s.bus != nil {
		s.bus.Publish(events.TopicReauthRequired, events.ReauthRequired{
			RegistrationID: s.regID,
			Reason:         errs.CodeOf(err),
		})
	}
	return err
}
