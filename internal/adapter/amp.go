package adapter

import (
	"github.com/google/uuid"

	"github.com/sandboxlabs/agentd/internal/adapter/skeleton"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentAmp, func(cfg Config) (Adapter, error) {
		return newSubprocessAdapter(cfg, ampProtocol{}), nil
	})
}

// ampProtocol drives the Amp CLI in its streaming execute mode. Amp's
// vocabulary is thread/message-shaped (phase + role) rather than the
// type-discriminated record shape Claude and Codex use, so Parse dispatches
// on a "phase" field instead of "type".
type ampProtocol struct{}

func (ampProtocol) NativeSessionStarted() bool { return false }

func (ampProtocol) Argv(cfg Config) []string {
	args := []string{"threads", "run", "--stream-json", "--dangerously-allow-all"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

func (ampProtocol) FormatInput(turnID, message string, attachments []Attachment) string {
	return message + "\n"
}

func (ampProtocol) Parse(line string) ([]Emission, error) {
	if isBlank(line) {
		return nil, nil
	}
	phase, rec, err := parsePhaseField(line)
	if err != nil {
		return nil, err
	}

	switch phase {
	case "message_delta":
		text, _ := rec["text"].(string)
		id, _ := rec["messageId"].(string)
		if id == "" {
			id = uuid.New().String()
		}
		return []Emission{{Type: ues.TypeItemDelta, Payload: ues.ItemDeltaPayload{
			ItemID: id, Kind: ues.DeltaText, Delta: text,
		}}}, nil

	case "message_start":
		id, _ := rec["messageId"].(string)
		role := ues.RoleAssistant
		if r, _ := rec["role"].(string); r == "user" {
			role = ues.RoleUser
		}
		return []Emission{{Type: ues.TypeItemStarted, Payload: ues.ItemStartedPayload{
			ItemID: id, Kind: ues.ItemMessage, Role: role,
		}}}, nil

	case "message_end":
		id, _ := rec["messageId"].(string)
		return []Emission{{Type: ues.TypeItemCompleted, Payload: ues.ItemCompletedPayload{
			ItemID: id, Status: ues.ItemStatusCompleted,
		}}}, nil

	case "tool_start":
		id, _ := rec["toolId"].(string)
		name, _ := rec["tool"].(string)
		return []Emission{{Type: ues.TypeItemStarted, Payload: ues.ItemStartedPayload{
			ItemID: id, Kind: ues.ItemToolCall, Role: ues.RoleAssistant, ToolName: name,
		}}}, nil

	case "tool_end":
		id, _ := rec["toolId"].(string)
		status := ues.ItemStatusCompleted
		if failed, _ := rec["failed"].(bool); failed {
			status = ues.ItemStatusFailed
		}
		return []Emission{{Type: ues.TypeItemCompleted, Payload: ues.ItemCompletedPayload{
			ItemID: id, Status: status, Payload: rec["result"],
		}}}, nil

	case "fatal":
		msg, _ := rec["message"].(string)
		return []Emission{skeleton.ErrorFromMessage(msg, looksLikeCredentialError(msg))}, nil

	case "thread_done":
		return nil, nil

	default:
		return nil, errUnknownRecordType("amp", phase)
	}
}
