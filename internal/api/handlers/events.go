package handlers

import (
	"fmt"

	"github.com/langchou/lynkgazer/internal/events"
	"github.com/langchou/lynkgazer/pkg/ws"
)

// ForwardEvents 把总线上的事件转发给 WebSocket 客户端
func ForwardEvents(bus *events.Bus, hub *ws.Hub) error {
	subs := []struct {
		topic string
		fn    interface{}
	}{
		{events.TopicStateChanged, func(ev events.StateChanged) {
			hub.BroadcastMessage(ws.MsgTypeStateUpdate, ev)
		}},
		{events.TopicFetchFailed, func(ev events.FetchFailed) {
			hub.BroadcastMessage(ws.MsgTypeFetchFailed, ev)
		}},
		{events.TopicReauthRequired, func(ev events.ReauthRequired) {
			hub.BroadcastMessage(ws.MsgTypeReauthRequired, ev)
		}},
		{events.TopicAuthProgress, func(ev events.AuthProgress) {
			hub.BroadcastMessage(ws.MsgTypeAuthProgress, ev)
		}},
	}

	for _, sub := range subs {
		if err := bus.SubscribeAsync(sub.topic, sub.fn); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}
	return nil
}
