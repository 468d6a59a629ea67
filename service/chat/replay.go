package chat

import (
	"context"

	"careline/service/metrics"
)

// ReplayManager streams the backlog to a freshly attached session before any
// live message is admitted. Live pushes arriving mid-replay park in the
// session's pending buffer; OpenLive flushes them after the last backlog
// chunk, deduped against the replayed range, so the client never observes a
// live frame ahead of an older backlog one.
type ReplayManager struct {
	Log         LogStore
	Checkpoints CheckpointStore
	ChunkSize   int
}

func NewReplayManager(log LogStore, cps CheckpointStore, chunkSize int) *ReplayManager {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &ReplayManager{Log: log, Checkpoints: cps, ChunkSize: chunkSize}
}

// Run replays the gap between the device's checkpoint and the log, in
// bounded chunks, then opens the conversation for live delivery. On store
// failure the attach is undone and the error returned so the caller can send
// a retryable reject.
func (rm *ReplayManager) Run(ctx context.Context, s *Session, conversationID string) error {
	s.Attach(conversationID)

	from, err := rm.Checkpoints.Get(ctx, s.UserID, s.DeviceID, conversationID)
	if err != nil {
		s.Detach(conversationID)
		return err
	}

	for {
		if s.Closed() || ctx.Err() != nil {
			// Closing a session cancels its in-flight replay; nothing
			// partial was promised, the next attach starts over from the
			// checkpoint.
			return nil
		}
		msgs, err := rm.Log.ReadRange(ctx, conversationID, from, rm.ChunkSize)
		if err != nil {
			s.Detach(conversationID)
			return err
		}
		if len(msgs) == 0 {
			break
		}
		upTo := msgs[len(msgs)-1].Position
		if err := s.PushBacklog(conversationID, BuildBacklog(conversationID, msgs), upTo); err != nil {
			return nil // session closed under backpressure, replay moot
		}
		metrics.MessagesReplayed.Add(float64(len(msgs)))
		from = upTo
		if len(msgs) < rm.ChunkSize {
			break
		}
	}

	s.OpenLive(conversationID)
	return nil
}
