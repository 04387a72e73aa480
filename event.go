package sendria

import (
	evbus "github.com/asaskevich/EventBus"
)

type Event int

const (
	// when a new config was loaded
	EventConfigNewConfig Event = iota
	// when pid_file changed
	EventConfigPidFile
	// when log_file changed
	EventConfigLogFile
	// when it's time to reload the main log file
	EventConfigLogReopen
	// when log level changed
	EventConfigLogLevel
	// when the webhook url, method or credentials changed
	EventConfigWebhook
	// when a message was stored, carries the *store.Message
	EventMessageAdded
	// when a single message was deleted, carries the message id
	EventMessageDeleted
	// when the whole store was cleared
	EventMessagesDeleted
)

var eventList = [...]string{
	"config_change:new_config",
	"config_change:pid_file",
	"config_change:log_file",
	"config_change:reopen_log_file",
	"config_change:log_level",
	"config_change:webhook",
	"message:added",
	"message:deleted",
	"message:cleared",
}

func (e Event) String() string {
	return eventList[e]
}

type EventHandler struct {
	evbus.Bus
}

func (h *EventHandler) Subscribe(topic Event, fn interface{}) error {
	if h.Bus == nil {
		h.Bus = evbus.New()
	}
	return h.Bus.Subscribe(topic.String(), fn)
}

func (h *EventHandler) Publish(topic Event, args ...interface{}) {
	h.Bus.Publish(topic.String(), args...)
}

func (h *EventHandler) Unsubscribe(topic Event, handler interface{}) error {
	return h.Bus.Unsubscribe(topic.String(), handler)
}
