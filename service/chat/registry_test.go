package chat

import (
	"testing"
	"time"
)

func newTestSession(id, userID, deviceID string) *Session {
	return NewSession(id, userID, deviceID, &memTransport{}, 8, time.Second, nil)
}

func TestRegistrySupersedesSameDevice(t *testing.T) {
	r := NewRegistry()

	s1 := newTestSession("s1", "u1", "phone")
	if old := r.Register(s1); old != nil {
		t.Fatalf("first register returned old session %s", old.ID)
	}

	s2 := newTestSession("s2", "u1", "phone")
	old := r.Register(s2)
	if old != s1 {
		t.Fatalf("expected s1 superseded, got %v", old)
	}

	cur, ok := r.Get("u1", "phone")
	if !ok || cur != s2 {
		t.Fatalf("device slot holds %v", cur)
	}
	live := r.LiveSessionsFor("u1")
	if len(live) != 1 || live[0] != s2 {
		t.Fatalf("live sessions = %v", live)
	}
}

func TestRegistryLateDeregisterOfSupersededSession(t *testing.T) {
	r := NewRegistry()
	s1 := newTestSession("s1", "u1", "phone")
	s2 := newTestSession("s2", "u1", "phone")
	r.Register(s1)
	r.Register(s2)

	// The old connection's disconnect arrives after the replacement is
	// registered; it must not evict s2.
	if r.Deregister(s1) {
		t.Fatal("superseded session claimed to be current holder")
	}
	if cur, ok := r.Get("u1", "phone"); !ok || cur != s2 {
		t.Fatalf("replacement evicted, slot = %v", cur)
	}

	if !r.Deregister(s2) {
		t.Fatal("current holder deregister returned false")
	}
	if _, ok := r.Get("u1", "phone"); ok {
		t.Fatal("slot not cleared")
	}
	if live := r.LiveSessionsFor("u1"); len(live) != 0 {
		t.Fatalf("live sessions = %v", live)
	}
}

func TestRegistryMultipleDevicesPerUser(t *testing.T) {
	r := NewRegistry()
	phone := newTestSession("s1", "u1", "phone")
	laptop := newTestSession("s2", "u1", "laptop")
	r.Register(phone)
	r.Register(laptop)

	live := r.LiveSessionsFor("u1")
	if len(live) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(live))
	}
	if len(r.All()) != 2 {
		t.Fatalf("All() = %d", len(r.All()))
	}

	r.Deregister(phone)
	live = r.LiveSessionsFor("u1")
	if len(live) != 1 || live[0] != laptop {
		t.Fatalf("live sessions after deregister = %v", live)
	}
}
