// Package skeleton builds the small, fixed set of UES event sequences every
// adapter converter assembles a native record into: a started/completed
// bracket around a delta for one already-complete chunk of text, a
// started/completed pair for a tool call or tool result that arrives as one
// record, and a classified error emission. Centralizing them here means the
// bracket shape (and its synthetic tagging) only has to match the mock
// adapter's reference skeleton in one place instead of once per protocol.
package skeleton

import (
	"github.com/sandboxlabs/agentd/internal/ues"
)

// Emission is one UES event a converter produces from a single native
// record or transport event. Defined here rather than in package adapter so
// both the subprocess Protocols and this package can share it without a
// circular import; package adapter re-exports it as a type alias.
type Emission struct {
	Type      ues.EventType
	Payload   any
	Synthetic bool
}

// MessageBracket wraps one complete chunk of text (an assistant message or
// a reasoning chunk) as started(synthetic) -> delta -> completed(synthetic),
// the shape the mock adapter uses for its own scripted message item.
func MessageBracket(itemID string, role ues.ItemRole, deltaKind ues.DeltaKind, text string) []Emission {
	return []Emission{
		{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
			ItemID: itemID, Kind: itemKindFor(deltaKind), Role: role,
		}},
		{Type: ues.TypeItemDelta, Payload: ues.ItemDeltaPayload{
			ItemID: itemID, Kind: deltaKind, Delta: text,
		}},
		{Type: ues.TypeItemCompleted, Synthetic: true, Payload: ues.ItemCompletedPayload{
			ItemID: itemID, Status: ues.ItemStatusCompleted,
		}},
	}
}

func itemKindFor(deltaKind ues.DeltaKind) ues.ItemKind {
	if deltaKind == ues.DeltaReasoning {
		return ues.ItemReasoning
	}
	return ues.ItemMessage
}

// ToolCallBracket wraps a tool invocation that arrives as one complete
// native record (no streaming argument deltas) as started(synthetic) ->
// completed(synthetic), carrying the call's input as the completed payload.
func ToolCallBracket(itemID, toolName string, input any) []Emission {
	return []Emission{
		{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
			ItemID: itemID, Kind: ues.ItemToolCall, Role: ues.RoleAssistant, ToolName: toolName,
		}},
		{Type: ues.TypeItemCompleted, Synthetic: true, Payload: ues.ItemCompletedPayload{
			ItemID: itemID, Status: ues.ItemStatusCompleted, Payload: input,
		}},
	}
}

// ToolResultBracket wraps a tool's output record as started(synthetic) ->
// completed, with the given status (normally completed, failed if the
// native record flagged an error) and the result as the completed payload.
func ToolResultBracket(itemID, toolName string, status ues.ItemStatus, output any) []Emission {
	return []Emission{
		{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
			ItemID: itemID, Kind: ues.ItemToolResult, Role: ues.RoleTool, ToolName: toolName,
		}},
		{Type: ues.TypeItemCompleted, Synthetic: true, Payload: ues.ItemCompletedPayload{
			ItemID: itemID, Status: status, Payload: output,
		}},
	}
}

// ErrorFromMessage classifies a native error message as a credentials
// failure or a generic internal one and wraps it as a single error
// emission, per the credential-detection rule every protocol applies the
// same way to its own error records.
func ErrorFromMessage(message string, looksLikeCredential bool) Emission {
	kind := ues.ErrorInternal
	if looksLikeCredential {
		kind = ues.ErrorCredentials
	}
	return Emission{Type: ues.TypeError, Payload: ues.ErrorPayload{Kind: kind, Message: message}}
}
