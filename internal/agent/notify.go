package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"weaver/internal/errors"
	"weaver/internal/logging"
)

const notifyHistoryCap = 100

// Notification is one delivered message, kept in a bounded history so
// operators and tests can inspect what went out.
type Notification struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	SentAt  time.Time `json:"sentAt"`
}

// notifyAgent delivers messages through the process logger. Delivery is
// a side effect, so the descriptor declares it non-idempotent and the
// executor never retries a send that may already have gone out.
type notifyAgent struct {
	logger logging.Logger

	mu      sync.Mutex
	history []Notification
}

// NewNotifyAgent returns the built-in notifier descriptor.
func NewNotifyAgent(logger logging.Logger) Descriptor {
	return Descriptor{
		Type:        "notify",
		Name:        "Notifier",
		Description: "Console/log notification delivery",
		Idempotent:  false,
		Agent:       &notifyAgent{logger: logging.OrNop(logger)},
		Actions: []Action{
			{
				Name:        "send",
				Description: "Deliver one message to a channel",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"channel": map[string]interface{}{"type": "string"},
						"message": map[string]interface{}{"type": "string"},
						"level":   map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"message"},
				},
				Returns: "{delivered, channel, sentAt}",
			},
		},
	}
}

func (a *notifyAgent) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != "send" {
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("notify: unknown action %q", action))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	message, _ := params["message"].(string)
	if strings.TrimSpace(message) == "" {
		return nil, errors.NewPermanentError(nil, "notify: message is required")
	}
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = "console"
	}
	level, _ := params["level"].(string)
	if level == "" {
		level = "info"
	}

	sentAt := time.Now().UTC()
	switch level {
	case "warn", "warning":
		a.logger.Warn("notify [%s] %s", channel, message)
	case "error":
		a.logger.Error("notify [%s] %s", channel, message)
	default:
		a.logger.Info("notify [%s] %s", channel, message)
	}

	a.mu.Lock()
	a.history = append(a.history, Notification{Channel: channel, Message: message, Level: level, SentAt: sentAt})
	if len(a.history) > notifyHistoryCap {
		a.history = a.history[len(a.history)-notifyHistoryCap:]
	}
	a.mu.Unlock()

	return map[string]interface{}{
		"delivered": true,
		"channel":   channel,
		"sentAt":    sentAt.Format(time.RFC3339),
	}, nil
}

// Sent returns a copy of the delivery history, newest last.
func (a *notifyAgent) Sent() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Notification(nil), a.history...)
}
