package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"careline/module/chat/model"
	"careline/tools/errs"

	"github.com/pkg/errors"
)

// fakeLog is an in-memory LogStore with the same serialization contract as
// the mongo store: positions are assigned under a lock, contiguous from 1.
type fakeLog struct {
	mu   sync.Mutex
	logs map[string][]*model.MessageModel
	fail bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{logs: make(map[string][]*model.MessageModel)}
}

func (f *fakeLog) Append(_ context.Context, conversationID, senderID, payload, clientMsgID string) (*model.MessageModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errs.ErrStoreUnavailable.WithDetail("injected")
	}
	m := &model.MessageModel{
		MessageID:      "m",
		ConversationID: conversationID,
		Position:       int64(len(f.logs[conversationID]) + 1),
		SenderID:       senderID,
		Payload:        payload,
		ClientMsgID:    clientMsgID,
		CreateTime:     time.Now().UnixMilli(),
	}
	f.logs[conversationID] = append(f.logs[conversationID], m)
	return m, nil
}

func (f *fakeLog) ReadRange(_ context.Context, conversationID string, fromExclusive int64, limit int) ([]*model.MessageModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errs.ErrStoreUnavailable.WithDetail("injected")
	}
	var out []*model.MessageModel
	for _, m := range f.logs[conversationID] {
		if m.Position > fromExclusive {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLog) LatestPosition(_ context.Context, conversationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.logs[conversationID])), nil
}

// fakeCheckpoints mirrors the mongo $max semantics: Ack never moves the
// watermark backwards.
type fakeCheckpoints struct {
	mu sync.Mutex
	m  map[string]int64
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{m: make(map[string]int64)}
}

func cpKey(userID, deviceID, conversationID string) string {
	return userID + "/" + deviceID + "/" + conversationID
}

func (f *fakeCheckpoints) Ack(_ context.Context, userID, deviceID, conversationID string, position int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := cpKey(userID, deviceID, conversationID)
	if position > f.m[k] {
		f.m[k] = position
	}
	return nil
}

func (f *fakeCheckpoints) Get(_ context.Context, userID, deviceID, conversationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[cpKey(userID, deviceID, conversationID)], nil
}

// fakePairing holds a fixed membership table.
type fakePairing struct {
	members map[string][]string // conversationID -> participants
}

func (f *fakePairing) IsParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	for _, p := range f.members[conversationID] {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePairing) Others(_ context.Context, userID, conversationID string) ([]string, error) {
	var out []string
	for _, p := range f.members[conversationID] {
		if p != userID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string // "userID/conversationID"
}

func (f *fakeNotifier) NotifyOffline(_ context.Context, userID, conversationID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+conversationID)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRouter(log *fakeLog, cps *fakeCheckpoints, pairing *fakePairing, notifier *fakeNotifier) *Router {
	return &Router{
		GatewayID:   "gw-test",
		Log:         log,
		Checkpoints: cps,
		Pairing:     pairing,
		Registry:    NewRegistry(),
		Fanout:      NewFanout(2, 64),
		Notifier:    notifier,
	}
}

func TestRouterRejectsNonParticipant(t *testing.T) {
	r := newTestRouter(newFakeLog(), newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	_, err := r.Submit(context.Background(), "mallory", "c1", "hi", "")
	if !errors.Is(err, errs.ErrNotAParticipant) {
		t.Fatalf("err = %v", err)
	}
}

func TestRouterSurfacesStoreUnavailable(t *testing.T) {
	log := newFakeLog()
	log.fail = true
	r := newTestRouter(log, newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	_, err := r.Submit(context.Background(), "alice", "c1", "hi", "")
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRouterAssignsContiguousPositionsUnderConcurrency(t *testing.T) {
	log := newFakeLog()
	r := newTestRouter(log, newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	const senders = 4
	const perSender = 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := r.Submit(context.Background(), "alice", "c1", "msg", ""); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	msgs, _ := log.ReadRange(context.Background(), "c1", 0, senders*perSender+1)
	if len(msgs) != senders*perSender {
		t.Fatalf("persisted %d, want %d", len(msgs), senders*perSender)
	}
	for i, m := range msgs {
		if m.Position != int64(i+1) {
			t.Fatalf("position gap at index %d: got %d", i, m.Position)
		}
	}
}

func TestRouterDeliversToLiveRecipientSessions(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newTestRouter(newFakeLog(), newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, notifier)

	tr := &memTransport{}
	bob := NewSession("s-bob", "bob", "phone", tr, 32, time.Second, nil)
	go bob.Run()
	defer bob.Close(ReasonShutdown)
	r.Registry.Register(bob)
	bob.Attach("c1")
	bob.OpenLive("c1")

	msg, err := r.Submit(context.Background(), "alice", "c1", "hey bob", "cli-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Position != 1 || msg.ClientMsgID != "cli-1" {
		t.Fatalf("persisted msg = %+v", msg)
	}

	waitFor(t, func() bool { return len(positionsOf(tr.snapshot())) == 1 })
	if notifier.count() != 0 {
		t.Fatal("offline notify fired for a live recipient")
	}
}

func TestRouterNotifiesOfflineRecipient(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newTestRouter(newFakeLog(), newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, notifier)

	if _, err := r.Submit(context.Background(), "alice", "c1", "hey", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("notify calls = %d", notifier.count())
	}
}

func TestRouterSenderSessionsDoNotReceiveOwnMessage(t *testing.T) {
	r := newTestRouter(newFakeLog(), newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	tr := &memTransport{}
	alice := NewSession("s-alice", "alice", "phone", tr, 32, time.Second, nil)
	go alice.Run()
	defer alice.Close(ReasonShutdown)
	r.Registry.Register(alice)
	alice.Attach("c1")
	alice.OpenLive("c1")

	if _, err := r.Submit(context.Background(), "alice", "c1", "note to bob", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(positionsOf(tr.snapshot())); n != 0 {
		t.Fatalf("sender echoed its own message, %d frames", n)
	}
}

func TestRouterAcknowledgeKeepsMaxWatermark(t *testing.T) {
	cps := newFakeCheckpoints()
	r := newTestRouter(newFakeLog(), cps,
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	ctx := context.Background()
	if err := r.Acknowledge(ctx, "bob", "phone", "c1", 5); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := r.Acknowledge(ctx, "bob", "phone", "c1", 3); err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	got, _ := cps.Get(ctx, "bob", "phone", "c1")
	if got != 5 {
		t.Fatalf("watermark = %d, want 5", got)
	}
}

func TestRouterFanoutOrderingUnderConcurrentSubmits(t *testing.T) {
	log := newFakeLog()
	r := &Router{
		GatewayID:   "gw-test",
		Log:         log,
		Checkpoints: newFakeCheckpoints(),
		Pairing:     &fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}},
		Registry:    NewRegistry(),
		Fanout:      NewFanout(2, 1024),
		Notifier:    &fakeNotifier{},
	}

	tr := &memTransport{}
	bob := NewSession("s-bob", "bob", "phone", tr, 1024, time.Second, nil)
	go bob.Run()
	defer bob.Close(ReasonShutdown)
	r.Registry.Register(bob)
	bob.Attach("c1")
	bob.OpenLive("c1")

	// A submitter preempted between append and enqueue must not let a later
	// position reach the session first; that would advance the high-water
	// mark and drop the earlier one for good.
	const senders = 4
	const perSender = 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := r.Submit(context.Background(), "alice", "c1", "msg", ""); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return len(positionsOf(tr.snapshot())) == senders*perSender })
	got := positionsOf(tr.snapshot())
	for i, p := range got {
		if p != int64(i+1) {
			t.Fatalf("delivery order broken at index %d: %v", i, got[:i+1])
		}
	}
}

func TestRouterDeliverLocalPushesRelayedMessage(t *testing.T) {
	r := newTestRouter(newFakeLog(), newFakeCheckpoints(),
		&fakePairing{members: map[string][]string{"c1": {"alice", "bob"}}}, &fakeNotifier{})

	tr := &memTransport{}
	bob := NewSession("s-bob", "bob", "phone", tr, 32, time.Second, nil)
	go bob.Run()
	defer bob.Close(ReasonShutdown)
	r.Registry.Register(bob)
	bob.Attach("c1")
	bob.OpenLive("c1")

	msg := testMsg("c1", 7)
	r.DeliverLocal(RelayMsg{UserID: "bob", ConversationID: "c1", Position: 7, Message: msg})

	waitFor(t, func() bool { return len(positionsOf(tr.snapshot())) == 1 })
	if got := positionsOf(tr.snapshot()); got[0] != 7 {
		t.Fatalf("delivered position = %d", got[0])
	}
}
