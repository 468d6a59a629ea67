package pairing

import (
	"context"
	"sync"
	"time"

	"careline/module/chat/model"
	"careline/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Service is the read-only view onto conversations the pairing service
// creates. Membership is fixed at creation, which is what makes the small TTL
// cache safe: a cached participant set can never go stale in a way that
// matters (re-pairing mints a new conversation id).
type Service struct {
	Coll      *mongo.Collection
	OpTimeout time.Duration
	CacheTTL  time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	conv      *model.ConversationModel
	expiresAt time.Time
}

func NewService(db *mongo.Database, opTimeout time.Duration) *Service {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Service{
		Coll:      db.Collection(model.ConversationModel{}.TableName()),
		OpTimeout: opTimeout,
		CacheTTL:  30 * time.Second,
		cache:     make(map[string]cacheEntry),
	}
}

// Get returns the conversation or nil if it does not exist.
func (s *Service) Get(ctx context.Context, conversationID string) (*model.ConversationModel, error) {
	now := time.Now()
	s.mu.RLock()
	if e, ok := s.cache[conversationID]; ok && now.Before(e.expiresAt) {
		s.mu.RUnlock()
		return e.conv, nil
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()

	var conv model.ConversationModel
	err := s.Coll.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}

	s.mu.Lock()
	s.cache[conversationID] = cacheEntry{conv: &conv, expiresAt: now.Add(s.CacheTTL)}
	s.mu.Unlock()
	return &conv, nil
}

// IsParticipant reports whether the user belongs to the conversation. An
// unknown conversation is not an error here; it just means "no".
func (s *Service) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	return conv.Has(userID), nil
}

// Others returns the other participants, for fan-out targeting.
func (s *Service) Others(ctx context.Context, userID, conversationID string) ([]string, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	return conv.Others(userID), nil
}
