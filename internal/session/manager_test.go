package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sandboxlabs/agentd/internal/adapter"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Options{MaxSessions: 10})
}

// TestCreatePostSubscribeMockSkeleton covers spec section 8 scenario 1.
func TestCreatePostSubscribeMockSkeleton(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sub, err := m.Subscribe("s1", -1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.PostMessage(ctx, "s1", "turn-1", "hello", nil); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	want := []ues.EventType{
		ues.TypeSessionStarted,
		ues.TypeTurnStarted,
		ues.TypeItemStarted,
		ues.TypeItemDelta,
		ues.TypeItemDelta,
		ues.TypeItemCompleted,
		ues.TypeTurnEnded,
	}

	got := make([]ues.EventType, 0, len(want))
	got = append(got, typesOf(sub.Replay)...)
	for len(got) < len(want) {
		select {
		case e := <-sub.Live.C():
			got = append(got, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v so far", got)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func typesOf(events []ues.Event) []ues.EventType {
	out := make([]ues.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// TestGetEventsPrefixConsistency covers the §8 invariant that
// get_events(s, o1, inf) prefixed by o2-o1 equals get_events(s, o2, inf).
func TestGetEventsPrefixConsistency(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})
	m.PostMessage(ctx, "s1", "turn-1", "hello", nil)

	all, err := m.GetEvents("s1", -1, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(all))
	}

	from2, err := m.GetEvents("s1", 1, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(all)-2 != len(from2) {
		t.Fatalf("expected %d events from offset 2, got %d", len(all)-2, len(from2))
	}
	for i := range from2 {
		if all[i+2].Seq != from2[i].Seq || all[i+2].Type != from2[i].Type {
			t.Errorf("mismatch at %d: %+v vs %+v", i, all[i+2], from2[i])
		}
	}
}

// TestEventSequenceIsDense covers the §8 dense-sequence invariant.
func TestEventSequenceIsDense(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})
	m.PostMessage(ctx, "s1", "turn-1", "hello", nil)

	events, _ := m.GetEvents("s1", -1, 0)
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Errorf("gap in sequence at %d: %d -> %d", i, events[i-1].Seq, events[i].Seq)
		}
	}
}

// TestPermissionFlowIsIdempotent covers spec section 8 scenario 4.
func TestPermissionFlowIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})

	sub, _ := m.Subscribe("s1", -1)
	if err := m.PostMessage(ctx, "s1", "turn-1", adapter.RequestPermissionTrigger, nil); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	var reqID string
	for {
		select {
		case e := <-sub.Live.C():
			if e.Type == ues.TypePermissionRequested {
				var p ues.PermissionRequestedPayload
				decodePayload(t, e, &p)
				reqID = p.RequestID
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for permission.requested")
		}
		if reqID != "" {
			break
		}
	}

	if err := m.ReplyPermission(ctx, "s1", reqID, ues.PermissionOnce); err != nil {
		t.Fatalf("first ReplyPermission failed: %v", err)
	}
	err := m.ReplyPermission(ctx, "s1", reqID, ues.PermissionOnce)
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected Conflict on second reply, got %v", err)
	}
}

func decodePayload(t *testing.T, e ues.Event, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Payload, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

// TestSlowSubscriberOverflowsButLogRetainsAll covers spec section 8
// scenario 5.
func TestSlowSubscriberOverflowsButLogRetainsAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})

	fast, _ := m.Subscribe("s1", -1)
	slow, _ := m.Subscribe("s1", -1)

	drained := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range fast.Live.C() {
			drained++
		}
	}()

	const messages = 300
	for i := 0; i < messages; i++ {
		if err := m.PostMessage(ctx, "s1", "turn", "hi", nil); err != nil {
			t.Fatalf("PostMessage failed: %v", err)
		}
	}

	select {
	case <-slow.Live.Overflowed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected slow subscriber to overflow")
	}

	events, _ := m.GetEvents("s1", -1, 0)
	if len(events) < messages {
		t.Errorf("expected log to retain all events, got %d", len(events))
	}

	m.Unsubscribe("s1", fast.Live)
	<-done
	if drained == 0 {
		t.Error("expected fast subscriber to receive events")
	}
}

// TestTerminateIsIdempotentAndDeleteNotFound covers the §8 round-trip laws.
func TestTerminateIsIdempotentAndDeleteNotFound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "s1", CreateConfig{AgentKind: ues.AgentMock})

	if err := m.Terminate(ctx, "s1", ues.EndTerminated); err != nil {
		t.Fatalf("first Terminate failed: %v", err)
	}
	if err := m.Terminate(ctx, "s1", ues.EndTerminated); err != nil {
		t.Fatalf("second Terminate should be a no-op, got: %v", err)
	}

	events, _ := m.GetEvents("s1", -1, 0)
	endedCount := 0
	for i, e := range events {
		if e.Type == ues.TypeSessionEnded {
			endedCount++
			if i != len(events)-1 {
				t.Errorf("session.ended is not the last event")
			}
		}
	}
	if endedCount != 1 {
		t.Errorf("expected exactly one session.ended, got %d", endedCount)
	}

	if err := m.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	err := m.DeleteSession("s1")
	if errs.KindOf(err) != errs.NotFound {
		t.Fatalf("expected NotFound deleting an already-deleted session, got %v", err)
	}
}
