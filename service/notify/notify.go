package notify

import (
	"context"
	"encoding/json"
	"time"

	"careline/logger"
	"careline/service/metrics"

	"github.com/nats-io/nats.go"
)

// Notifier is the downstream sink for "recipient has no live session"
// events. Best effort: publish failures are logged and counted, never
// propagated to the sender.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID, conversationID, preview string)
}

const previewMax = 120

// NatsNotifier publishes offline events to a single subject consumed by the
// push service.
type NatsNotifier struct {
	Conn    *nats.Conn
	Subject string
}

func NewNatsNotifier(nc *nats.Conn, subject string) *NatsNotifier {
	return &NatsNotifier{Conn: nc, Subject: subject}
}

type offlineEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Preview        string `json:"preview"`
	Ts             int64  `json:"ts"`
}

func (n *NatsNotifier) NotifyOffline(_ context.Context, userID, conversationID, preview string) {
	if len(preview) > previewMax {
		preview = preview[:previewMax]
	}
	data, err := json.Marshal(offlineEvent{
		UserID:         userID,
		ConversationID: conversationID,
		Preview:        preview,
		Ts:             time.Now().UnixMilli(),
	})
	if err != nil {
		metrics.NotifyFailures.Inc()
		logger.Errorf("[notify] marshal offline event user=%s conv=%s err=%v", userID, conversationID, err)
		return
	}
	if err := n.Conn.Publish(n.Subject, data); err != nil {
		metrics.NotifyFailures.Inc()
		logger.Errorf("[notify] publish offline event user=%s conv=%s err=%v", userID, conversationID, err)
	}
}

// NopNotifier is used when NATS is not configured (tests, dev).
type NopNotifier struct{}

func (NopNotifier) NotifyOffline(context.Context, string, string, string) {}
