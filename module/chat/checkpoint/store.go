package checkpoint

import (
	"context"
	"time"

	"careline/module/chat/model"
	"careline/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store owns the delivery_checkpoint collection. The router acks through it,
// the replay manager reads it on reconnect; nothing else writes.
type Store struct {
	Coll      *mongo.Collection
	OpTimeout time.Duration
}

func NewStore(db *mongo.Database, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{
		Coll:      db.Collection(model.DeliveryCheckpoint{}.TableName()),
		OpTimeout: opTimeout,
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()
	_, err := s.Coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "device_id", Value: 1},
			{Key: "conversation_id", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("uniq_user_device_conv"),
	})
	return errs.WrapMsg(err, "create checkpoint index")
}

// Ack advances the checkpoint to max(current, position). $max makes duplicate
// and out-of-order acks no-ops, so the call is idempotent.
func (s *Store) Ack(ctx context.Context, userID, deviceID, conversationID string, position int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()

	_, err := s.Coll.UpdateOne(ctx,
		bson.M{"user_id": userID, "device_id": deviceID, "conversation_id": conversationID},
		bson.M{
			"$max": bson.M{"position": position},
			"$set": bson.M{"update_time": time.Now().UnixMilli()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return nil
}

// Get returns the acked high-water mark; 0 means "from the beginning".
func (s *Store) Get(ctx context.Context, userID, deviceID, conversationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()

	var doc model.DeliveryCheckpoint
	err := s.Coll.FindOne(ctx,
		bson.M{"user_id": userID, "device_id": deviceID, "conversation_id": conversationID},
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return doc.Position, nil
}
