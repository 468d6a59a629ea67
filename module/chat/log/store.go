package log

import (
	"context"
	"errors"
	"time"

	"careline/module/chat/model"
	"careline/tools/errs"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the durable, append-only conversation log.
//
// Append assigns positions through seq_conversation: under the conversation's
// mutex it bumps issued_seq, inserts the message at that position, then
// advances the max_seq commit waterline with $max. Readers only range up to
// max_seq, so a message is never observable before all lower positions are.
type Store struct {
	MsgColl   *mongo.Collection
	SeqColl   *mongo.Collection
	OpTimeout time.Duration

	locks *convLocks
}

func NewStore(db *mongo.Database, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{
		MsgColl:   db.Collection(model.MessageModel{}.TableName()),
		SeqColl:   db.Collection(model.SeqConversation{}.TableName()),
		OpTimeout: opTimeout,
		locks:     newConvLocks(),
	}
}

// EnsureIndexes creates the unique (conversation_id, position) index and the
// seq_conversation key. Called once at boot.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.MsgColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "position", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv_position"),
	})
	if err != nil {
		return errs.WrapMsg(err, "create message index")
	}
	_, err = s.SeqColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv"),
	})
	return errs.WrapMsg(err, "create seq index")
}

// Append persists a new message and returns it with its assigned position.
// Serialized per conversation; durable before it returns. Store failures map
// to ErrStoreUnavailable and never leave a partially visible message: the
// issued counter is rolled back under the same lock, so a retry gets the same
// position.
func (s *Store) Append(ctx context.Context, conversationID, senderID, payload, clientMsgID string) (*model.MessageModel, error) {
	l := s.locks.get(conversationID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pos, err := s.nextPosition(ctx, conversationID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}

	msg := &model.MessageModel{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Position:       pos,
		SenderID:       senderID,
		Payload:        payload,
		ClientMsgID:    clientMsgID,
		CreateTime:     time.Now().UnixMilli(),
	}

	if _, err := s.MsgColl.InsertOne(ctx, msg); err != nil {
		switch {
		case mongo.IsDuplicateKeyError(err):
			// An earlier append with an ambiguous outcome already wrote this
			// position. The slot is consumed: advance the waterline so that
			// message becomes readable and let the retry take the next one.
			// Rolling back here would re-issue the position and collide again
			// on every retry, wedging the conversation.
			_ = s.commit(ctx, conversationID, pos)
		case insertDidNotApply(err):
			// Definite non-write: give the position back so the conversation
			// stays gapless. Safe because nothing else issues while we hold
			// the lock.
			s.rollbackIssued(conversationID)
		default:
			// Ambiguous outcome (timeout, torn connection): the write may
			// have applied, so the position stays consumed. A skipped
			// position under failure beats colliding with our own write.
		}
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}

	if err := s.commit(ctx, conversationID, pos); err != nil {
		// The message is durable but not yet readable; the waterline catches
		// up on the next successful append. Surface the failure so the
		// sender retries rather than trusting a position readers can't see.
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return msg, nil
}

// ReadRange returns messages strictly after fromExclusive, in position order,
// capped at limit and at the commit waterline.
func (s *Store) ReadRange(ctx context.Context, conversationID string, fromExclusive int64, limit int) ([]*model.MessageModel, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	maxSeq, err := s.LatestPosition(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if maxSeq <= fromExclusive {
		return nil, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.MsgColl.Find(ctx, bson.M{
		"conversation_id": conversationID,
		"position":        bson.M{"$gt": fromExclusive, "$lte": maxSeq},
	}, opts)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*model.MessageModel
	for cur.Next(ctx) {
		var m model.MessageModel
		if err := cur.Decode(&m); err != nil {
			return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return out, nil
}

// LatestPosition returns the commit waterline (0 for an empty conversation).
func (s *Store) LatestPosition(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc struct {
		MaxSeq int64 `bson:"max_seq"`
	}
	err := s.SeqColl.FindOne(ctx,
		bson.M{"conversation_id": conversationID},
		options.FindOne().SetProjection(bson.M{"max_seq": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return doc.MaxSeq, nil
}

func (s *Store) nextPosition(ctx context.Context, conversationID string) (int64, error) {
	now := time.Now()
	var after struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := s.SeqColl.FindOneAndUpdate(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{
			"$inc":         bson.M{"issued_seq": int64(1)},
			"$set":         bson.M{"update_time": now},
			"$setOnInsert": bson.M{"max_seq": int64(0), "create_time": now},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		return 0, err
	}
	return after.IssuedSeq, nil
}

func (s *Store) commit(ctx context.Context, conversationID string, pos int64) error {
	_, err := s.SeqColl.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{"$max": bson.M{"max_seq": pos}, "$set": bson.M{"update_time": time.Now()}},
	)
	return err
}

// insertDidNotApply reports whether the insert definitely did not write.
// A write error means the server processed and rejected the document. A write
// concern error is not enough: the document may be applied with the concern
// unmet. Timeouts and network errors are ambiguous (the write may have
// applied even though the call failed), as is anything we cannot classify.
func insertDidNotApply(err error) bool {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return false
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return len(we.WriteErrors) > 0 && we.WriteConcernError == nil
	}
	return false
}

func (s *Store) rollbackIssued(conversationID string) {
	// Best effort, own deadline: the caller's ctx may already be dead.
	ctx, cancel := context.WithTimeout(context.Background(), s.OpTimeout)
	defer cancel()
	_, _ = s.SeqColl.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{"$inc": bson.M{"issued_seq": int64(-1)}},
	)
}

func (s *Store) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.OpTimeout)
}
