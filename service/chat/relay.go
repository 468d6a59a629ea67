package chat

import (
	"encoding/json"

	"careline/logger"
	"careline/module/chat/model"

	"github.com/nats-io/nats.go"
)

// RelayMsg is the cross-gateway delivery envelope. When the presence mirror
// says a recipient is live on another gateway, the router publishes one of
// these to that gateway's subject instead of (or in addition to) local
// fan-out.
type RelayMsg struct {
	UserID         string              `json:"user_id"`
	ConversationID string              `json:"conversation_id"`
	Position       int64               `json:"position"`
	Message        *model.MessageModel `json:"message"`
}

// NatsRelay carries deliveries between gateways over plain NATS subjects,
// one subject per gateway: <prefix>.<gatewayID>.
type NatsRelay struct {
	Conn      *nats.Conn
	Prefix    string
	GatewayID string

	sub *nats.Subscription
}

func NewNatsRelay(nc *nats.Conn, prefix, gatewayID string) *NatsRelay {
	return &NatsRelay{Conn: nc, Prefix: prefix, GatewayID: gatewayID}
}

func (r *NatsRelay) subject(gatewayID string) string {
	return r.Prefix + "." + gatewayID
}

// PublishDeliver sends the envelope to the peer gateway's subject.
func (r *NatsRelay) PublishDeliver(gatewayID string, m RelayMsg) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.Conn.Publish(r.subject(gatewayID), data)
}

// Start subscribes to this gateway's own subject and feeds decoded envelopes
// to the handler (the router's DeliverLocal).
func (r *NatsRelay) Start(handler func(RelayMsg)) error {
	sub, err := r.Conn.Subscribe(r.subject(r.GatewayID), func(nm *nats.Msg) {
		var m RelayMsg
		if err := json.Unmarshal(nm.Data, &m); err != nil {
			logger.Errorf("[relay] bad envelope on %s: %v", nm.Subject, err)
			return
		}
		handler(m)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *NatsRelay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}
