package chat

import (
	"hash/fnv"

	"careline/logger"
)

type fanoutJob struct {
	sessions       []*Session
	conversationID string
	position       int64
	frame          *Frame
}

// Fanout pushes delivered frames to sessions off the submit path. Jobs are
// sharded to workers by conversation id so one conversation's frames are
// always handled by the same worker in submit order; without that pinning two
// workers could reorder consecutive positions.
type Fanout struct {
	queues []chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{queues: make([]chan fanoutJob, workers)}
	for i := range f.queues {
		ch := make(chan fanoutJob, queue)
		f.queues[i] = ch
		go func() {
			for job := range ch {
				for _, s := range job.sessions {
					s.Deliver(job.conversationID, job.position, job.frame)
				}
			}
		}()
	}
	return f
}

// Dispatch hands the push to the conversation's worker. Never blocks the
// router: if the worker queue is full the target sessions are closed instead
// of skipped, so a session never sees position N+1 live after N silently
// vanished; the device reconnects and replay fills the range.
func (f *Fanout) Dispatch(conversationID string, sessions []*Session, position int64, frame *Frame) {
	if len(sessions) == 0 {
		return
	}
	q := f.queues[f.shard(conversationID)]
	select {
	case q <- fanoutJob{sessions: sessions, conversationID: conversationID, position: position, frame: frame}:
	default:
		logger.Warnf("[fanout] queue full, closing recipients conv=%s pos=%d", conversationID, position)
		for _, s := range sessions {
			s.Close(ReasonBackpressure)
		}
	}
}

func (f *Fanout) shard(conversationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(f.queues)))
}
