package adapter

import (
	"github.com/google/uuid"

	"github.com/sandboxlabs/agentd/internal/adapter/skeleton"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentCodex, func(cfg Config) (Adapter, error) {
		return newSubprocessAdapter(cfg, codexProtocol{}), nil
	})
}

// codexProtocol drives the Codex CLI, which this daemon runs in its own
// JSONL "exec" event-stream mode. It follows the same Protocol shape as
// claudeProtocol but with Codex's own event vocabulary (msg/function_call
// instead of assistant_text/tool_use) so that the two adapters don't read
// like copies of each other.
type codexProtocol struct{}

func (codexProtocol) NativeSessionStarted() bool { return false }

func (codexProtocol) Argv(cfg Config) []string {
	args := []string{"exec", "--json", "--full-auto"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

func (codexProtocol) FormatInput(turnID, message string, attachments []Attachment) string {
	return message + "\n"
}

func (codexProtocol) Parse(line string) ([]Emission, error) {
	if isBlank(line) {
		return nil, nil
	}
	typ, rec, err := parseTypeField(line)
	if err != nil {
		return nil, err
	}

	switch typ {
	case "msg":
		text, _ := rec["content"].(string)
		id := uuid.New().String()
		return skeleton.MessageBracket(id, ues.RoleAssistant, ues.DeltaText, text), nil

	case "reasoning":
		text, _ := rec["content"].(string)
		id := uuid.New().String()
		return skeleton.MessageBracket(id, ues.RoleAssistant, ues.DeltaReasoning, text), nil

	case "function_call":
		name, _ := rec["name"].(string)
		id := uuid.New().String()
		return skeleton.ToolCallBracket(id, name, rec["arguments"]), nil

	case "function_call_output":
		id := uuid.New().String()
		return skeleton.ToolResultBracket(id, "", ues.ItemStatusCompleted, rec["output"]), nil

	case "error":
		msg, _ := rec["message"].(string)
		return []Emission{skeleton.ErrorFromMessage(msg, looksLikeCredentialError(msg))}, nil

	case "task_complete":
		return nil, nil

	default:
		return nil, errUnknownRecordType("codex", typ)
	}
}
