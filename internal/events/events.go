package events

import (
	"time"

	"github.com/asaskevich/EventBus"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
)

// 事件主题
const (
	TopicStateChanged   = "vehicle:state_changed"
	TopicFetchFailed    = "vehicle:fetch_failed"
	TopicReauthRequired = "registration:reauth_required"
	TopicAuthProgress   = "auth:progress"
)

// StateChanged 成功拉取后发布
type StateChanged struct {
	RegistrationID int64                `json:"registration_id"`
	State          *lynkco.VehicleState `json:"state"`
	NextFetchAt    time.Time            `json:"next_fetch_at"`
}

// FetchFailed 拉取失败后发布
type FetchFailed struct {
	RegistrationID      int64  `json:"registration_id"`
	Error               string `json:"error"`
	Kind                string `json:"kind"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// ReauthRequired 令牌被拒绝，需要重新认证
type ReauthRequired struct {
	RegistrationID int64  `json:"registration_id"`
	Reason         string `json:"reason"`
}

// AuthProgress 认证流程状态变化
type AuthProgress struct {
	FlowID string `json:"flow_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Bus 进程内事件总线
type Bus struct {
	bus EventBus.Bus
}

// New 创建事件总线
func New() *Bus {
	return &Bus{bus: EventBus.New()}
}

// Publish 发布事件，订阅者同步执行
func (b *Bus) Publish(topic string, payload interface{}) {
	b.bus.Publish(topic, payload)
}

// Subscribe 订阅事件，fn 的参数类型须与发布的 payload 一致
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync 异步订阅，同一订阅者的事件按顺序处理
func (b *Bus) SubscribeAsync(topic string, fn interface{}) error {
	return b.bus.SubscribeAsync(topic, fn, true)
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.bus.Unsubscribe(topic, fn)
}

// WaitAsync 等待异步订阅者处理完
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}
