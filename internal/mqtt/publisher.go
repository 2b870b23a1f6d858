package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/events"
)

const publishTimeout = 5 * time.Second

// Options broker 连接参数
type Options struct {
	Broker      string
	Port        int
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Client Publisher 用到的 paho 客户端方法
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// StatePayload 车辆状态消息
type StatePayload struct {
	*lynkco.VehicleState
	NextFetchAt time.Time `json:"next_fetch_at"`
}

// Publisher 把事件总线上的注册状态推送到 MQTT
type Publisher struct {
	client Client
	prefix string
	logger *zap.Logger
}

// Connect 连接 broker 并返回 Publisher
func Connect(opts Options, logger *zap.Logger) (*Publisher, error) {
	co := paho.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(time.Minute)
	co.SetWill(statusTopic(opts.TopicPrefix), "offline", 1, true)

	co.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("MQTT connected to broker", zap.String("broker", opts.Broker))
		c.Publish(statusTopic(opts.TopicPrefix), 1, true, "online")
	})
	co.SetConnectionLostHandler(func(c paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := paho.NewClient(co)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT publisher initialized",
		zap.String("broker", opts.Broker),
		zap.String("topic_prefix", opts.TopicPrefix),
	)
	return NewPublisher(client, opts.TopicPrefix, logger), nil
}

// NewPublisher 使用已有客户端创建 Publisher
func NewPublisher(client Client, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// Attach 订阅事件总线
func (p *Publisher) Attach(bus *events.Bus) error {
	if err := bus.SubscribeAsync(events.TopicStateChanged, p.onStateChanged); err != nil {
		return err
	}
	if err := bus.SubscribeAsync(events.TopicFetchFailed, p.onFetchFailed); err != nil {
		return err
	}
	return bus.SubscribeAsync(events.TopicReauthRequired, p.onReauthRequired)
}

// Close 发布离线状态并断开
func (p *Publisher) Close() {
	if err := p.publish(statusTopic(p.prefix), true, "offline"); err != nil {
		p.logger.Warn("Failed to publish offline status", zap.Error(err))
	}
	p.client.Disconnect(250)
}

func (p *Publisher) onStateChanged(ev events.StateChanged) {
	payload := StatePayload{VehicleState: ev.State, NextFetchAt: ev.NextFetchAt}
	p.publishJSON(p.topic(ev.RegistrationID, "state"), true, payload)
}

func (p *Publisher) onFetchFailed(ev events.FetchFailed) {
	p.publishJSON(p.topic(ev.RegistrationID, "fetch_failed"), false, ev)
}

func (p *Publisher) onReauthRequired(ev events.ReauthRequired) {
	p.publishJSON(p.topic(ev.RegistrationID, "reauth_required"), true, ev)
}

func (p *Publisher) publishJSON(topic string, retained bool, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to marshal MQTT payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := p.publish(topic, retained, data); err != nil {
		p.logger.Warn("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.logger.Debug("Published MQTT message", zap.String("topic", topic))
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *Publisher) topic(registrationID int64, leaf string) string {
	return fmt.Sprintf("%s/registrations/%d/%s", p.prefix, registrationID, leaf)
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}
