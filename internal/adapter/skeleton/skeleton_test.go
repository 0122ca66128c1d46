package skeleton

import (
	"testing"

	"github.com/sandboxlabs/agentd/internal/ues"
)

func TestMessageBracketShape(t *testing.T) {
	ems := MessageBracket("item1", ues.RoleAssistant, ues.DeltaText, "hello")
	if len(ems) != 3 {
		t.Fatalf("expected 3 emissions, got %d", len(ems))
	}
	if ems[0].Type != ues.TypeItemStarted || !ems[0].Synthetic {
		t.Errorf("expected synthetic item.started first, got %+v", ems[0])
	}
	if ems[1].Type != ues.TypeItemDelta || ems[1].Synthetic {
		t.Errorf("expected non-synthetic item.delta second, got %+v", ems[1])
	}
	if ems[2].Type != ues.TypeItemCompleted || !ems[2].Synthetic {
		t.Errorf("expected synthetic item.completed third, got %+v", ems[2])
	}

	delta := ems[1].Payload.(ues.ItemDeltaPayload)
	if delta.Delta != "hello" || delta.ItemID != "item1" {
		t.Errorf("unexpected delta payload: %+v", delta)
	}
}

func TestMessageBracketReasoningKind(t *testing.T) {
	ems := MessageBracket("item1", ues.RoleAssistant, ues.DeltaReasoning, "thinking")
	started := ems[0].Payload.(ues.ItemStartedPayload)
	if started.Kind != ues.ItemReasoning {
		t.Errorf("expected reasoning item kind, got %s", started.Kind)
	}
}

func TestToolCallBracketShape(t *testing.T) {
	ems := ToolCallBracket("tc1", "read_file", map[string]any{"path": "a.go"})
	if len(ems) != 2 || ems[0].Type != ues.TypeItemStarted || ems[1].Type != ues.TypeItemCompleted {
		t.Fatalf("unexpected tool call bracket: %+v", ems)
	}
	started := ems[0].Payload.(ues.ItemStartedPayload)
	if started.ToolName != "read_file" || started.Kind != ues.ItemToolCall {
		t.Errorf("unexpected started payload: %+v", started)
	}
}

func TestToolResultBracketFailedStatus(t *testing.T) {
	ems := ToolResultBracket("tc1", "read_file", ues.ItemStatusFailed, "boom")
	completed := ems[1].Payload.(ues.ItemCompletedPayload)
	if completed.Status != ues.ItemStatusFailed {
		t.Errorf("expected failed status, got %s", completed.Status)
	}
}

func TestErrorFromMessageClassifiesCredentials(t *testing.T) {
	em := ErrorFromMessage("invalid api key", true)
	payload := em.Payload.(ues.ErrorPayload)
	if payload.Kind != ues.ErrorCredentials {
		t.Errorf("expected credentials error kind, got %s", payload.Kind)
	}

	em = ErrorFromMessage("disk full", false)
	payload = em.Payload.(ues.ErrorPayload)
	if payload.Kind != ues.ErrorInternal {
		t.Errorf("expected internal error kind, got %s", payload.Kind)
	}
}
