package events

import (
	"encoding/json"
	"time"

	"careline/logger"
	"careline/module/chat/model"

	"github.com/Shopify/sarama"
)

// Publisher emits a persisted-message event after every successful append.
// Downstream consumers (search indexing, audit, analytics) read this feed
// instead of tailing the database. Best effort: a broker outage never fails a
// submit.
type Publisher interface {
	PublishPersisted(msg *model.MessageModel)
}

// KafkaPublisher keys events by conversation id; with the hash partitioner
// one conversation always lands on one partition, preserving position order
// for consumers.
type KafkaPublisher struct {
	Producer sarama.SyncProducer
	Topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{Producer: p, Topic: topic}, nil
}

type persistedEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Position       int64  `json:"position"`
	SenderID       string `json:"sender_id"`
	CreateTime     int64  `json:"create_time"`
}

func (k *KafkaPublisher) PublishPersisted(msg *model.MessageModel) {
	data, err := json.Marshal(persistedEvent{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Position:       msg.Position,
		SenderID:       msg.SenderID,
		CreateTime:     msg.CreateTime,
	})
	if err != nil {
		logger.Errorf("[events] marshal persisted event msg=%s err=%v", msg.MessageID, err)
		return
	}
	_, _, err = k.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.Topic,
		Key:   sarama.StringEncoder(msg.ConversationID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		logger.Errorf("[events] publish persisted event conv=%s pos=%d err=%v",
			msg.ConversationID, msg.Position, err)
	}
}

func (k *KafkaPublisher) Close() error { return k.Producer.Close() }

// NopPublisher is used when kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishPersisted(*model.MessageModel) {}
