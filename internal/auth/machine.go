package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 认证状态常量
const (
	StateIdle                 = "idle"
	StateCredentialsSubmitted = "credentials_submitted"
	StateInterstitialCaptured = "interstitial_captured"
	StateOTPPending           = "otp_pending"
	StateTokenExchanged       = "token_exchanged"
	StateAuthenticated        = "authenticated"
	StateReauthRequested      = "reauth_requested"
)

// 事件常量
const (
	EventSubmitCredentials   = "submit_credentials"
	EventCaptureInterstitial = "capture_interstitial"
	EventAwaitOTP            = "await_otp"
	EventExchangeTokens      = "exchange_tokens"
	EventPersist             = "persist"
	EventFail                = "fail"
	EventFailReauth          = "fail_reauth"
	EventRequestReauth       = "request_reauth"
)

var inFlight = []string{
	StateCredentialsSubmitted,
	StateInterstitialCaptured,
	StateOTPPending,
	StateTokenExchanged,
}

// Machine 认证状态机
type Machine struct {
	mu            sync.RWMutex
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(from, to string)
}

// NewMachine 创建状态机，重新认证从 reauth_requested 开始
func NewMachine(reauth bool, onStateChange func(from, to string)) *Machine {
	initial := StateIdle
	if reauth {
		initial = StateReauthRequested
	}

	m := &Machine{
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			// 新的尝试
			{Name: EventSubmitCredentials, Src: []string{StateIdle, StateReauthRequested}, Dst: StateCredentialsSubmitted},

			// 主流程
			{Name: EventCaptureInterstitial, Src: []string{StateCredentialsSubmitted}, Dst: StateInterstitialCaptured},
			{Name: EventAwaitOTP, Src: []string{StateInterstitialCaptured}, Dst: StateOTPPending},
			{Name: EventExchangeTokens, Src: []string{StateOTPPending}, Dst: StateTokenExchanged},
			{Name: EventPersist, Src: []string{StateTokenExchanged}, Dst: StateAuthenticated},

			// 失败回到起点
			{Name: EventFail, Src: inFlight, Dst: StateIdle},
			{Name: EventFailReauth, Src: inFlight, Dst: StateReauthRequested},

			// 已有注册的令牌被拒绝
			{Name: EventRequestReauth, Src: []string{StateIdle, StateAuthenticated}, Dst: StateReauthRequested},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Current 当前状态
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Since 进入当前状态的时间
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Trigger 触发事件
func (m *Machine) Trigger(ctx context.Context, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.since = time.Now()
	return nil
}

// Can 检查是否可以转换
func (m *Machine) Can(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// InFlight 是否有尚未结束的尝试
func (m *Machine) InFlight() bool {
	cur := m.Current()
	for _, s := range inFlight {
		if s == cur {
			return true
		}
	}
	return false
}

// Rest 回到起点：新注册回到 idle，重新认证回到 reauth_requested
func (m *Machine) Rest(ctx context.Context, reauth bool) error {
	event := EventFail
	if reauth {
		event = EventFailReauth
	}
	if !m.Can(event) {
		return nil
	}

	err := m.Trigger(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}
