package adapter

import (
	"github.com/google/uuid"

	"github.com/sandboxlabs/agentd/internal/adapter/skeleton"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentClaude, func(cfg Config) (Adapter, error) {
		return newSubprocessAdapter(cfg, claudeProtocol{}), nil
	})
}

// claudeProtocol drives the Claude Code CLI in streaming JSONL mode.
type claudeProtocol struct{}

func (claudeProtocol) NativeSessionStarted() bool { return false }

func (claudeProtocol) Argv(cfg Config) []string {
	args := []string{"--dangerously-skip-permissions", "--output-format", "stream-json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

func (claudeProtocol) FormatInput(turnID, message string, attachments []Attachment) string {
	return message + "\n"
}

func (claudeProtocol) Parse(line string) ([]Emission, error) {
	if isBlank(line) {
		return nil, nil
	}
	typ, rec, err := parseTypeField(line)
	if err != nil {
		return nil, err
	}

	switch typ {
	case "assistant_text":
		text, _ := rec["text"].(string)
		id := uuid.New().String()
		return skeleton.MessageBracket(id, ues.RoleAssistant, ues.DeltaText, text), nil

	case "tool_use":
		name, _ := rec["name"].(string)
		id := uuid.New().String()
		return skeleton.ToolCallBracket(id, name, rec["input"]), nil

	case "error":
		msg, _ := rec["message"].(string)
		return []Emission{skeleton.ErrorFromMessage(msg, looksLikeCredentialError(msg))}, nil

	default:
		return nil, errUnknownRecordType("claude", typ)
	}
}
