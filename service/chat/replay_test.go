package chat

import (
	"context"
	"testing"
	"time"

	"careline/tools/errs"

	"github.com/pkg/errors"
)

func seedLog(t *testing.T, log *fakeLog, conv string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), conv, "alice", "msg", ""); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// backlogRange extracts the covered position span from one backlog frame.
func backlogRange(fr *Frame) (first, last int64, count int) {
	entries, _ := fr.Data["messages"].([]map[string]any)
	if len(entries) == 0 {
		return 0, 0, 0
	}
	first, _ = entries[0]["position"].(int64)
	last, _ = entries[len(entries)-1]["position"].(int64)
	return first, last, len(entries)
}

func TestReplayStartsAfterCheckpoint(t *testing.T) {
	log := newFakeLog()
	cps := newFakeCheckpoints()
	seedLog(t, log, "c1", 10)
	_ = cps.Ack(context.Background(), "bob", "phone", "c1", 4)

	rm := NewReplayManager(log, cps, 50)
	tr := &memTransport{}
	s := NewSession("s1", "bob", "phone", tr, 32, time.Second, nil)
	go s.Run()
	defer s.Close(ReasonShutdown)

	if err := rm.Run(context.Background(), s, "c1"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	waitFor(t, func() bool {
		for _, fr := range tr.snapshot() {
			if fr.Type == FrameBacklog {
				return true
			}
		}
		return false
	})

	var backlogs []*Frame
	for _, fr := range tr.snapshot() {
		if fr.Type == FrameBacklog {
			backlogs = append(backlogs, fr)
		}
	}
	if len(backlogs) != 1 {
		t.Fatalf("backlog frames = %d", len(backlogs))
	}
	first, last, count := backlogRange(backlogs[0])
	if first != 5 || last != 10 || count != 6 {
		t.Fatalf("backlog span = [%d..%d] count=%d, want [5..10] count=6", first, last, count)
	}
}

func TestReplayChunksLargeBacklog(t *testing.T) {
	log := newFakeLog()
	cps := newFakeCheckpoints()
	seedLog(t, log, "c1", 25)

	rm := NewReplayManager(log, cps, 10)
	tr := &memTransport{}
	s := NewSession("s1", "bob", "phone", tr, 32, time.Second, nil)
	go s.Run()
	defer s.Close(ReasonShutdown)

	if err := rm.Run(context.Background(), s, "c1"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	waitFor(t, func() bool {
		n := 0
		for _, fr := range tr.snapshot() {
			if fr.Type == FrameBacklog {
				n++
			}
		}
		return n == 3
	})

	var prevLast int64
	total := 0
	for _, fr := range tr.snapshot() {
		if fr.Type != FrameBacklog {
			continue
		}
		first, last, count := backlogRange(fr)
		if first != prevLast+1 {
			t.Fatalf("chunk starts at %d after %d", first, prevLast)
		}
		prevLast = last
		total += count
	}
	if total != 25 || prevLast != 25 {
		t.Fatalf("replayed %d up to %d, want 25", total, prevLast)
	}
}

func TestReplayThenLiveHandoverNoGapNoDup(t *testing.T) {
	log := newFakeLog()
	cps := newFakeCheckpoints()
	seedLog(t, log, "c1", 3)

	rm := NewReplayManager(log, cps, 50)
	tr := &memTransport{}
	s := NewSession("s1", "bob", "phone", tr, 64, time.Second, nil)
	go s.Run()
	defer s.Close(ReasonShutdown)

	// A live push for an already-persisted position lands before replay has
	// streamed it; it must be parked and then dropped as covered.
	s.Attach("c1")
	s.Deliver("c1", 3, BuildDelivered(testMsg("c1", 3)))

	if err := rm.Run(context.Background(), s, "c1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	// Post-replay live traffic continues from the watermark.
	s.Deliver("c1", 4, BuildDelivered(testMsg("c1", 4)))

	waitFor(t, func() bool { return len(positionsOf(tr.snapshot())) == 1 })
	if got := positionsOf(tr.snapshot()); got[0] != 4 {
		t.Fatalf("live positions after handover = %v", got)
	}

	backlogs := 0
	for _, fr := range tr.snapshot() {
		if fr.Type == FrameBacklog {
			backlogs++
		}
	}
	if backlogs != 1 {
		t.Fatalf("backlog frames = %d", backlogs)
	}
}

func TestReplayEmptyBacklogOpensLiveImmediately(t *testing.T) {
	log := newFakeLog()
	cps := newFakeCheckpoints()

	rm := NewReplayManager(log, cps, 50)
	tr := &memTransport{}
	s := NewSession("s1", "bob", "phone", tr, 32, time.Second, nil)
	go s.Run()
	defer s.Close(ReasonShutdown)

	if err := rm.Run(context.Background(), s, "c1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	s.Deliver("c1", 1, BuildDelivered(testMsg("c1", 1)))
	waitFor(t, func() bool { return len(positionsOf(tr.snapshot())) == 1 })
}

func TestReplayStoreFailureDetachesAndReturnsError(t *testing.T) {
	log := newFakeLog()
	log.fail = true
	cps := newFakeCheckpoints()

	rm := NewReplayManager(log, cps, 50)
	tr := &memTransport{}
	s := NewSession("s1", "bob", "phone", tr, 32, time.Second, nil)
	go s.Run()
	defer s.Close(ReasonShutdown)

	err := rm.Run(context.Background(), s, "c1")
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	// Detached: a later live push must not park forever.
	s.Deliver("c1", 1, BuildDelivered(testMsg("c1", 1)))
	time.Sleep(50 * time.Millisecond)
	if n := len(positionsOf(tr.snapshot())); n != 0 {
		t.Fatalf("delivery on detached conversation, %d frames", n)
	}
}
