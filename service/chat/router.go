package chat

import (
	"context"
	"strconv"
	"sync"

	"careline/logger"
	"careline/module/chat/model"
	"careline/service/events"
	"careline/service/metrics"
	"careline/service/notify"
	"careline/tools/errs"
	"careline/tools/safe"
)

// LogStore is the durable conversation log (module/chat/log in production).
type LogStore interface {
	Append(ctx context.Context, conversationID, senderID, payload, clientMsgID string) (*model.MessageModel, error)
	ReadRange(ctx context.Context, conversationID string, fromExclusive int64, limit int) ([]*model.MessageModel, error)
	LatestPosition(ctx context.Context, conversationID string) (int64, error)
}

// CheckpointStore is the per-device delivery high-water mark store.
type CheckpointStore interface {
	Ack(ctx context.Context, userID, deviceID, conversationID string, position int64) error
	Get(ctx context.Context, userID, deviceID, conversationID string) (int64, error)
}

// Pairing is the read-only collaborator owning conversation membership.
type Pairing interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	Others(ctx context.Context, userID, conversationID string) ([]string, error)
}

// PresenceMirror is the cluster-wide presence view (redis in production).
type PresenceMirror interface {
	Gateways(ctx context.Context, userID string) (map[string]struct{}, error)
}

// RelayPublisher forwards a delivery to a peer gateway holding live sessions
// for the recipient.
type RelayPublisher interface {
	PublishDeliver(gatewayID string, m RelayMsg) error
}

// Router is the coordination core: it validates, persists, and fans out.
// Ordering comes from the log store's serialized position assignment, extended
// here over the fan-out enqueue: the conversation lock is held from append
// until every recipient push is queued. Fan-out targets come fresh from the
// registry on every submit.
type Router struct {
	GatewayID   string
	Log         LogStore
	Checkpoints CheckpointStore
	Pairing     Pairing
	Registry    *Registry
	Fanout      *Fanout
	Notifier    notify.Notifier
	Events      events.Publisher
	Mirror      PresenceMirror
	Relay       RelayPublisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// convLock returns the conversation's ordering lock, created lazily and never
// removed. Append alone serializing position assignment is not enough: if the
// fan-out enqueue happened outside the lock, a submitter assigned position N
// could be preempted while another enqueues N+1 first, the session high-water
// mark would jump to N+1, and N would be dropped as a duplicate with no
// replay to recover it once the client acks N+1.
func (r *Router) convLock(conversationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	l, ok := r.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[conversationID] = l
	}
	return l
}

// Submit validates the sender, appends durably, then pushes to the other
// participants' live sessions. Persistence is the durability boundary:
// fan-out failures never roll a message back, the affected session is torn
// down and catches up via replay. Returns the persisted message so the
// caller can ack the sender with its position.
func (r *Router) Submit(ctx context.Context, senderID, conversationID, payload, clientMsgID string) (*model.MessageModel, error) {
	ok, err := r.Pairing.IsParticipant(ctx, senderID, conversationID)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues(strconv.Itoa(errs.CodeOf(err))).Inc()
		return nil, err
	}
	if !ok {
		metrics.MessagesRejected.WithLabelValues(strconv.Itoa(errs.CodeNotAParticipant)).Inc()
		return nil, errs.ErrNotAParticipant.WithDetail("user=" + senderID + " conv=" + conversationID)
	}

	// Append and fan-out enqueue stay under one conversation lock so pushes
	// reach the pinned fan-out worker (and the relay) in position order.
	l := r.convLock(conversationID)
	l.Lock()
	msg, err := r.Log.Append(ctx, conversationID, senderID, payload, clientMsgID)
	if err != nil {
		l.Unlock()
		metrics.MessagesRejected.WithLabelValues(strconv.Itoa(errs.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.MessagesSubmitted.Inc()

	recipients, rerr := r.Pairing.Others(ctx, senderID, conversationID)
	if rerr == nil {
		for _, rcpt := range recipients {
			r.fanoutTo(ctx, rcpt, msg)
		}
	}
	l.Unlock()

	if rerr != nil {
		// Membership was readable a moment ago; deliverable via replay
		// regardless, so log and move on.
		logger.Errorf("[router] others lookup failed conv=%s err=%v", conversationID, rerr)
	}
	if r.Events != nil {
		safe.Go("events.persisted", func() { r.Events.PublishPersisted(msg) })
	}
	return msg, nil
}

// fanoutTo pushes one persisted message toward one recipient: local sessions
// through the fanout pool, remote gateways over the relay, and the offline
// sink when the recipient has no live session anywhere.
func (r *Router) fanoutTo(ctx context.Context, userID string, msg *model.MessageModel) {
	sessions := r.Registry.LiveSessionsFor(userID)
	if len(sessions) > 0 {
		r.Fanout.Dispatch(msg.ConversationID, sessions, msg.Position, BuildDelivered(msg))
		metrics.MessagesDelivered.Add(float64(len(sessions)))
	}

	remote := 0
	if r.Mirror != nil {
		gws, err := r.Mirror.Gateways(ctx, userID)
		if err != nil {
			logger.Errorf("[router] presence lookup failed user=%s err=%v", userID, err)
		} else {
			for gw := range gws {
				if gw == r.GatewayID {
					continue
				}
				remote++
				if r.Relay == nil {
					continue
				}
				if err := r.Relay.PublishDeliver(gw, RelayMsg{
					UserID:         userID,
					ConversationID: msg.ConversationID,
					Position:       msg.Position,
					Message:        msg,
				}); err != nil {
					logger.Errorf("[router] relay publish failed user=%s gw=%s err=%v", userID, gw, err)
				} else {
					metrics.RelayPublished.Inc()
				}
			}
		}
	}

	if len(sessions) == 0 && remote == 0 && r.Notifier != nil {
		r.Notifier.NotifyOffline(ctx, userID, msg.ConversationID, msg.Payload)
	}
}

// Acknowledge advances the device's checkpoint to max(current, position).
// Idempotent; duplicate or out-of-order acks are safe.
func (r *Router) Acknowledge(ctx context.Context, userID, deviceID, conversationID string, position int64) error {
	return r.Checkpoints.Ack(ctx, userID, deviceID, conversationID, position)
}

// DeliverLocal pushes a relayed message to this gateway's sessions for the
// user. Invoked by the relay subscriber.
func (r *Router) DeliverLocal(m RelayMsg) {
	sessions := r.Registry.LiveSessionsFor(m.UserID)
	if len(sessions) == 0 {
		return
	}
	r.Fanout.Dispatch(m.ConversationID, sessions, m.Position, BuildDelivered(m.Message))
	metrics.MessagesDelivered.Add(float64(len(sessions)))
}
