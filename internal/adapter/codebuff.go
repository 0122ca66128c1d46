package adapter

import (
	"sync"

	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentCodebuff, func(cfg Config) (Adapter, error) {
		return newSubprocessAdapter(cfg, &codebuffProtocol{}), nil
	})
}

// codebuffProtocol drives the Codebuff CLI's print-mode event stream.
// Unlike claude/codex/amp (invented JSONL schemas, since no real one was
// available to ground them on), this one follows the actual dispatch table
// of Codebuff's own PrintModeEvent-to-universal-schema conversion, type by
// type: a "start" record already carries everything a session.started
// needs, so NativeSessionStarted is true and the base adapter never
// synthesizes its own.
//
// Codebuff never brackets its own text, reasoning, or tool-progress deltas
// with a started/completed pair the way tool_call and tool_result do, so
// this Protocol has to track which item ids it has opened itself and seal
// them at the turn's "finish" record, the same started-on-first-delta,
// seal-at-turn-end shape acpAdapter uses for Gemini's unbracketed message
// and thought chunks.
type codebuffProtocol struct {
	mu   sync.Mutex
	open map[string]ues.ItemKind
}

func (p *codebuffProtocol) NativeSessionStarted() bool { return true }

func (p *codebuffProtocol) Argv(cfg Config) []string {
	return []string{"--print", "--json-stream"}
}

func (p *codebuffProtocol) FormatInput(turnID, message string, attachments []Attachment) string {
	return message + "\n"
}

// openDelta returns the started+delta emissions for itemID: a synthetic
// item.started only if this is the first delta seen for itemID, followed
// by the delta itself. Open ids are remembered so later deltas for the
// same id, and the eventual seal at "finish", don't re-open it.
func (p *codebuffProtocol) openDelta(itemID string, kind ues.ItemKind, deltaKind ues.DeltaKind, text string) []Emission {
	p.mu.Lock()
	if p.open == nil {
		p.open = make(map[string]ues.ItemKind)
	}
	_, alreadyOpen := p.open[itemID]
	if !alreadyOpen {
		p.open[itemID] = kind
	}
	p.mu.Unlock()

	var out []Emission
	if !alreadyOpen {
		role := ues.RoleAssistant
		if kind == ues.ItemToolResult {
			role = ues.RoleTool
		}
		out = append(out, Emission{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
			ItemID: itemID, Kind: kind, Role: role,
		}})
	}
	out = append(out, Emission{Type: ues.TypeItemDelta, Payload: ues.ItemDeltaPayload{
		ItemID: itemID, Kind: deltaKind, Delta: text,
	}})
	return out
}

// sealOpen returns a synthetic item.completed for every item this Protocol
// opened itself and hasn't already sealed, clearing its open set. Called at
// "finish" so a turn never ends with a dangling open text/reasoning/
// tool_progress bracket.
func (p *codebuffProtocol) sealOpen(status ues.ItemStatus) []Emission {
	p.mu.Lock()
	open := p.open
	p.open = nil
	p.mu.Unlock()

	out := make([]Emission, 0, len(open))
	for itemID := range open {
		out = append(out, Emission{Type: ues.TypeItemCompleted, Synthetic: true, Payload: ues.ItemCompletedPayload{
			ItemID: itemID, Status: status,
		}})
	}
	return out
}

// isAskUserTool matches the four casing variants Codebuff's own converter
// checks for when deciding a tool_call is actually a question.
func isAskUserTool(name string) bool {
	switch name {
	case "ask_user", "AskUser", "ask-user", "askUser":
		return true
	}
	return false
}

func (p *codebuffProtocol) Parse(line string) ([]Emission, error) {
	if isBlank(line) {
		return nil, nil
	}
	typ, rec, err := parseTypeField(line)
	if err != nil {
		return nil, err
	}

	switch typ {
	case "start":
		agentID, _ := rec["agentId"].(string)
		model, _ := rec["model"].(string)
		meta := map[string]any{"agent": "codebuff"}
		if agentID != "" {
			meta["agentId"] = agentID
		}
		if model != "" {
			meta["model"] = model
		}
		return []Emission{{Type: ues.TypeSessionStarted, Payload: ues.SessionStartedPayload{
			AgentKind: ues.AgentCodebuff, Model: model, Metadata: meta,
		}}}, nil

	case "text":
		text, _ := rec["text"].(string)
		if text == "" {
			return nil, nil
		}
		itemID, _ := rec["agentId"].(string)
		if itemID == "" {
			itemID = "codebuff_text"
		}
		return p.openDelta(itemID, ues.ItemMessage, ues.DeltaText, text), nil

	case "reasoning_delta":
		text, _ := rec["text"].(string)
		if text == "" {
			return nil, nil
		}
		runID, _ := rec["runId"].(string)
		if runID == "" {
			runID = "codebuff_reasoning"
		}
		return p.openDelta("reasoning_"+runID, ues.ItemReasoning, ues.DeltaReasoning, text), nil

	case "tool_call":
		toolCallID, _ := rec["toolCallId"].(string)
		toolName, _ := rec["toolName"].(string)
		if toolName == "" {
			toolName = "unknown"
		}
		input := rec["input"]

		var out []Emission
		if isAskUserTool(toolName) {
			if q := questionFromAskUserInput(input, toolCallID); q != nil {
				out = append(out, Emission{Type: ues.TypeQuestionRequested, Payload: *q})
			}
		}
		out = append(out,
			Emission{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
				ItemID: toolCallID, Kind: ues.ItemToolCall, Role: ues.RoleAssistant, ToolName: toolName,
			}},
			Emission{Type: ues.TypeItemCompleted, Payload: ues.ItemCompletedPayload{
				ItemID: toolCallID, Status: ues.ItemStatusCompleted, Payload: input,
			}},
		)
		return out, nil

	case "tool_result":
		toolCallID, _ := rec["toolCallId"].(string)
		toolName, _ := rec["toolName"].(string)
		output := rec["output"]

		var out []Emission
		if isAskUserTool(toolName) {
			out = append(out, Emission{Type: ues.TypeQuestionResolved, Payload: ues.QuestionResolvedPayload{
				RequestID: toolCallID,
				Answers:   questionAnswersFromOutput(output),
			}})
		}
		out = append(out,
			Emission{Type: ues.TypeItemStarted, Synthetic: true, Payload: ues.ItemStartedPayload{
				ItemID: toolCallID, Kind: ues.ItemToolResult, Role: ues.RoleTool, ToolName: toolName,
			}},
			Emission{Type: ues.TypeItemCompleted, Payload: ues.ItemCompletedPayload{
				ItemID: toolCallID, Status: ues.ItemStatusCompleted, Payload: output,
			}},
		)
		return out, nil

	case "tool_progress":
		toolCallID, _ := rec["toolCallId"].(string)
		output, _ := rec["output"].(string)
		if output == "" {
			return nil, nil
		}
		// tool_call already sealed a started/completed bracket for
		// toolCallID the moment the call arrived; progress output for the
		// same id shows up afterward, so it gets its own bracket, reopened
		// here and sealed at "finish" alongside any open text/reasoning.
		return p.openDelta(toolCallID, ues.ItemToolCall, ues.DeltaTool, output), nil

	case "subagent_start":
		agentID, _ := rec["agentId"].(string)
		agentType, _ := rec["agentType"].(string)
		if agentType == "" {
			agentType = "unknown"
		}
		return []Emission{{Type: ues.TypeItemStarted, Payload: ues.ItemStartedPayload{
			ItemID: agentID, Kind: ues.ItemKindStatus, Role: ues.RoleAssistant, ToolName: "subagent:" + agentType,
		}}}, nil

	case "subagent_finish":
		agentID, _ := rec["agentId"].(string)
		return []Emission{{Type: ues.TypeItemCompleted, Payload: ues.ItemCompletedPayload{
			ItemID: agentID, Status: ues.ItemStatusCompleted,
		}}}, nil

	// Subagent text chunks are handled by text events; reasoning chunks by
	// reasoning_delta; download status is informational only.
	case "subagent_chunk", "reasoning_chunk", "download", "":
		return nil, nil

	case "error":
		message, _ := rec["message"].(string)
		if message == "" {
			message = "Unknown error"
		}
		kind := ues.ErrorInternal
		if looksLikeCredentialError(message) {
			kind = ues.ErrorCredentials
		}
		return []Emission{{Type: ues.TypeError, Payload: ues.ErrorPayload{Kind: kind, Message: message, Raw: rec}}}, nil

	case "finish":
		out := p.sealOpen(ues.ItemStatusCompleted)
		out = append(out, Emission{Type: ues.TypeSessionEnded, Payload: ues.SessionEndedPayload{Reason: ues.EndCompleted}})
		return out, nil

	default:
		// Unknown event types are reported as a parse error, which the
		// subprocess adapter records as agent.unparsed.
		return nil, errUnknownRecordType("codebuff", typ)
	}
}

func questionFromAskUserInput(input any, toolCallID string) *ues.QuestionRequestedPayload {
	m, ok := input.(map[string]any)
	if !ok {
		return nil
	}

	if questions, ok := m["questions"].([]any); ok && len(questions) > 0 {
		first, ok := questions[0].(map[string]any)
		if !ok {
			return nil
		}
		prompt, _ := first["question"].(string)
		if prompt == "" {
			return nil
		}
		var options []string
		if opts, ok := first["options"].([]any); ok {
			for _, o := range opts {
				if om, ok := o.(map[string]any); ok {
					if label, ok := om["label"].(string); ok {
						options = append(options, label)
					}
				}
			}
		}
		return &ues.QuestionRequestedPayload{RequestID: toolCallID, Prompts: []string{prompt}, Options: options}
	}

	prompt, _ := m["question"].(string)
	if prompt == "" {
		return nil
	}
	var options []string
	if opts, ok := m["options"].([]any); ok {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}
	return &ues.QuestionRequestedPayload{RequestID: toolCallID, Prompts: []string{prompt}, Options: options}
}

func questionAnswersFromOutput(output any) []string {
	arr, ok := output.([]any)
	if !ok {
		return nil
	}
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value, ok := m["value"]
		if !ok {
			continue
		}
		if s, ok := value.(string); ok {
			return []string{s}
		}
		if vm, ok := value.(map[string]any); ok {
			if response, ok := vm["response"].(string); ok {
				return []string{response}
			}
			if answer, ok := vm["answer"].(string); ok {
				return []string{answer}
			}
		}
	}
	return nil
}
