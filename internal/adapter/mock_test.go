package adapter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sandboxlabs/agentd/internal/ues"
)

type recordingSink struct {
	events []ues.Event
}

func (r *recordingSink) Append(e ues.Event) (ues.Event, error) {
	e.Seq = int64(len(r.events))
	r.events = append(r.events, e)
	return e, nil
}

func (r *recordingSink) types() []ues.EventType {
	out := make([]ues.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestMockAdapterReferenceSkeleton(t *testing.T) {
	a, err := New(Config{SessionID: "s1", AgentKind: ues.AgentMock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sink := &recordingSink{}
	if err := a.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.SendMessage(context.Background(), "turn-1", "hello", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got := sink.types()
	want := []ues.EventType{
		ues.TypeSessionStarted,
		ues.TypeTurnStarted,
		ues.TypeItemStarted,
		ues.TypeItemDelta,
		ues.TypeItemDelta,
		ues.TypeItemCompleted,
		ues.TypeTurnEnded,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	var deltas []ues.ItemDeltaPayload
	for _, e := range sink.events {
		if e.Type == ues.TypeItemDelta {
			var p ues.ItemDeltaPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				t.Fatalf("unmarshal delta: %v", err)
			}
			deltas = append(deltas, p)
		}
	}
	if len(deltas) != 2 || deltas[0].Delta != "he" || deltas[1].Delta != "llo" {
		t.Errorf("expected deltas [he llo], got %+v", deltas)
	}
}

func TestMockAdapterUnsupportedKind(t *testing.T) {
	_, err := New(Config{SessionID: "s1", AgentKind: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
