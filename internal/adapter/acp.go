package adapter

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sandboxlabs/agentd/internal/clock"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/process"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentGemini, func(cfg Config) (Adapter, error) {
		return newACPAdapter(cfg), nil
	})
}

// ACP JSON-RPC 2.0 method names and session/update discriminator values,
// carried over verbatim from agent-cli-wrapper/acp/jsonrpc.go and
// protocol.go: this daemon speaks the same wire protocol that SDK's
// processManager/Session pair does, just as a daemon-internal UES-emitting
// adapter instead of an SDK-facing client.
const (
	acpMethodInitialize        = "initialize"
	acpMethodSessionNew        = "session/new"
	acpMethodSessionPrompt     = "session/prompt"
	acpMethodSessionUpdate     = "session/update"
	acpMethodRequestPermission = "session/request_permission"
	acpMethodFsReadTextFile    = "fs/read_text_file"
	acpMethodFsWriteTextFile   = "fs/write_text_file"
	acpMethodTerminalCreate    = "terminal/create"
	acpMethodTerminalOutput    = "terminal/output"
	acpMethodTerminalWaitExit  = "terminal/wait_for_exit"
	acpMethodTerminalKill      = "terminal/kill"
	acpMethodTerminalRelease   = "terminal/release"
)

const (
	acpUpdateAgentMessageChunk = "agent_message_chunk"
	acpUpdateAgentThoughtChunk = "agent_thought_chunk"
	acpUpdateToolCall          = "tool_call"
	acpUpdateToolCallUpdate    = "tool_call_update"
)

type acpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *acpError       `json:"error,omitempty"`
}

type acpError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type acpToolCallInfo struct {
	Input      map[string]any `json:"input"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName,omitempty"`
}

type acpPermissionOption struct {
	ID   string `json:"optionId"`
	Kind string `json:"kind"`
}

type acpRequestPermissionParams struct {
	ToolCall  acpToolCallInfo       `json:"toolCall"`
	SessionID string                `json:"sessionId"`
	Options   []acpPermissionOption `json:"options"`
}

type acpSessionUpdate struct {
	Type       string         `json:"sessionUpdate"`
	Content    *acpContent    `json:"content,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Status     string         `json:"status,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

type acpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type acpSessionNotification struct {
	SessionID string           `json:"sessionId"`
	Update    acpSessionUpdate `json:"update"`
}

// acpAdapter drives a Gemini-CLI-style ACP agent: JSON-RPC 2.0 messages,
// one per line, over the subprocess's stdin/stdout. It reuses
// internal/process.Supervisor for spawn/reap exactly like the subprocess
// family, but layers a request/response correlation table on top instead
// of a Protocol's stateless line parser, since ACP is bidirectional
// (the agent calls back into fs/* and session/request_permission).
type acpAdapter struct {
	cfg   Config
	clock clock.Clock

	mu          sync.Mutex
	sup         *process.Supervisor
	sink        Sink
	sessionID   string
	nextID      atomic.Int64
	pending     map[int64]chan acpRequest
	permPending map[string]chan ues.PermissionReply
	sawEnded    bool

	// messageItemID/thoughtItemID hold the item id opened for the turn's
	// assistant message/thought stream, set on the first chunk and cleared
	// once sealed, so later chunks append deltas to the same bracket
	// instead of each starting a fresh item.
	messageItemID string
	thoughtItemID string

	// respondForTest, when set, intercepts the bytes respond() would
	// otherwise write to the subprocess's stdin, so unit tests can assert
	// on outgoing JSON-RPC responses without a real process attached.
	respondForTest func(data []byte)
}

func newACPAdapter(cfg Config) Adapter {
	return &acpAdapter{
		cfg:         cfg,
		clock:       clock.New(),
		pending:     make(map[int64]chan acpRequest),
		permPending: make(map[string]chan ues.PermissionReply),
	}
}

func (a *acpAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	sup := process.New(process.Spec{
		Path: a.cfg.BinaryPath,
		Args: []string{"--acp"},
		Env:  a.cfg.Env,
		Dir:  a.cfg.WorkingDir,
	}, a.clock)

	if err := sup.Start(ctx, process.Handlers{OnStdoutLine: a.handleLine}); err != nil {
		a.emit(ues.TypeError, ues.ErrorPayload{Kind: ues.ErrorSpawn, Message: err.Error()})
		a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: ues.EndError})
		return errs.Wrap(errs.AdapterStart, err, "start acp agent %s", a.cfg.AgentKind)
	}

	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()
	go a.watchExit(sup)

	if _, err := a.call(ctx, acpMethodInitialize, map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": true, "writeTextFile": true},
		},
	}); err != nil {
		return errs.Wrap(errs.AdapterStart, err, "acp initialize")
	}

	result, err := a.call(ctx, acpMethodSessionNew, map[string]any{
		"cwd":        a.cfg.WorkingDir,
		"mcpServers": []any{},
	})
	if err != nil {
		return errs.Wrap(errs.AdapterStart, err, "acp session/new")
	}
	var sessionResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &sessionResp); err != nil {
		return errs.Wrap(errs.AdapterStart, err, "decode acp session/new response")
	}

	a.mu.Lock()
	a.sessionID = sessionResp.SessionID
	a.mu.Unlock()

	return a.emit(ues.TypeSessionStarted, ues.SessionStartedPayload{
		AgentKind:  a.cfg.AgentKind,
		Model:      a.cfg.Model,
		WorkingDir: a.cfg.WorkingDir,
	})
}

func (a *acpAdapter) SendMessage(ctx context.Context, turnID, message string, attachments []Attachment) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return errs.New(errs.PreconditionFailed, "acp adapter not started")
	}

	if err := a.emit(ues.TypeTurnStarted, ues.TurnStartedPayload{TurnID: turnID}); err != nil {
		return err
	}

	prompt := []map[string]any{{"type": "text", "text": message}}
	result, err := a.call(ctx, acpMethodSessionPrompt, map[string]any{
		"sessionId": sessionID,
		"prompt":    prompt,
	})
	if err != nil {
		a.sealOpenItems(ues.ItemStatusFailed)
		a.emit(ues.TypeTurnEnded, ues.TurnEndedPayload{TurnID: turnID, Outcome: ues.TurnError})
		return err
	}

	var resp struct {
		StopReason string `json:"stopReason"`
	}
	json.Unmarshal(result, &resp)
	outcome := ues.TurnCompleted
	if resp.StopReason == "cancelled" {
		outcome = ues.TurnCanceled
	} else if resp.StopReason == "error" {
		outcome = ues.TurnError
	}

	if outcome == ues.TurnError {
		a.sealOpenItems(ues.ItemStatusFailed)
	} else {
		a.sealOpenItems(ues.ItemStatusCompleted)
	}

	return a.emit(ues.TypeTurnEnded, ues.TurnEndedPayload{TurnID: turnID, Outcome: outcome})
}

// sealOpenItems closes the assistant message/thought item opened for this
// turn's streamed chunks, if either saw any. Gemini's session/update
// notifications never carry their own item.completed, so this adapter
// brackets them itself the way the mock skeleton brackets a complete
// message in one shot.
func (a *acpAdapter) sealOpenItems(status ues.ItemStatus) {
	a.mu.Lock()
	messageID := a.messageItemID
	thoughtID := a.thoughtItemID
	a.messageItemID = ""
	a.thoughtItemID = ""
	a.mu.Unlock()

	if messageID != "" {
		a.emit(ues.TypeItemCompleted, ues.ItemCompletedPayload{ItemID: messageID, Status: status})
	}
	if thoughtID != "" {
		a.emit(ues.TypeItemCompleted, ues.ItemCompletedPayload{ItemID: thoughtID, Status: status})
	}
}

func (a *acpAdapter) ResolveQuestion(ctx context.Context, requestID string, answers []string, rejected bool) error {
	// The ACP protocol this daemon bridges has no native question primitive
	// beyond permission requests; Gemini CLI never emits question.requested
	// through this adapter, so there is nothing to resolve here.
	return nil
}

func (a *acpAdapter) ResolvePermission(ctx context.Context, requestID string, reply ues.PermissionReply) error {
	a.mu.Lock()
	ch, ok := a.permPending[requestID]
	delete(a.permPending, requestID)
	a.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "no pending permission request %s", requestID)
	}
	ch <- reply
	return nil
}

func (a *acpAdapter) Terminate(ctx context.Context, reason ues.SessionEndReason) error {
	a.mu.Lock()
	sup := a.sup
	alreadyEnded := a.sawEnded
	a.mu.Unlock()
	if sup != nil {
		sup.Stop(ctx)
	}
	if alreadyEnded {
		return nil
	}
	a.sealOpenItems(ues.ItemStatusFailed)
	return a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: reason})
}

// call sends a JSON-RPC request and blocks for its correlated response.
func (a *acpAdapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := acpRequest{JSONRPC: "2.0", Method: method, Params: data, ID: &id}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan acpRequest, 1)
	a.mu.Lock()
	a.pending[id] = ch
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil, errs.New(errs.PreconditionFailed, "acp adapter not started")
	}

	if err := sup.Write(append(line, '\n')); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errs.New(errs.AdapterFatal, "acp %s error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *acpAdapter) respond(id int64, result any, callErr *acpError) {
	resp := acpRequest{JSONRPC: "2.0", ID: &id}
	if callErr != nil {
		resp.Error = callErr
	} else {
		data, _ := json.Marshal(result)
		resp.Result = data
	}
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	a.mu.Lock()
	sup := a.sup
	hook := a.respondForTest
	a.mu.Unlock()
	if hook != nil {
		hook(line)
		return
	}
	if sup != nil {
		sup.Write(append(line, '\n'))
	}
}

func (a *acpAdapter) handleLine(line string) {
	var msg acpRequest
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		a.emit(ues.TypeAgentUnparsed, ues.AgentUnparsedPayload{Raw: line})
		return
	}

	// A response to one of our own requests.
	if msg.ID != nil && msg.Method == "" {
		a.mu.Lock()
		ch, ok := a.pending[*msg.ID]
		delete(a.pending, *msg.ID)
		a.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case acpMethodSessionUpdate:
		a.handleSessionUpdate(msg.Params)
	case acpMethodRequestPermission:
		a.handleRequestPermission(msg)
	case acpMethodFsReadTextFile:
		a.handleReadTextFile(msg)
	case acpMethodFsWriteTextFile:
		a.handleWriteTextFile(msg)
	case acpMethodTerminalCreate, acpMethodTerminalOutput, acpMethodTerminalWaitExit,
		acpMethodTerminalKill, acpMethodTerminalRelease:
		if msg.ID != nil {
			a.respond(*msg.ID, nil, &acpError{Code: -32004, Message: "terminal capability not supported"})
		}
	default:
		if msg.ID != nil {
			a.respond(*msg.ID, nil, &acpError{Code: -32601, Message: "method not found"})
		}
	}
}

func (a *acpAdapter) handleSessionUpdate(params json.RawMessage) {
	var note acpSessionNotification
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}
	update := note.Update

	switch update.Type {
	case acpUpdateAgentMessageChunk:
		if update.Content == nil || update.Content.Text == "" {
			return
		}
		itemID := a.openItem(&a.messageItemID, ues.ItemMessage)
		a.emit(ues.TypeItemDelta, ues.ItemDeltaPayload{
			ItemID: itemID, Kind: ues.DeltaText, Delta: update.Content.Text,
		})
	case acpUpdateAgentThoughtChunk:
		if update.Content == nil || update.Content.Text == "" {
			return
		}
		itemID := a.openItem(&a.thoughtItemID, ues.ItemReasoning)
		a.emit(ues.TypeItemDelta, ues.ItemDeltaPayload{
			ItemID: itemID, Kind: ues.DeltaReasoning, Delta: update.Content.Text,
		})
	case acpUpdateToolCall:
		a.emit(ues.TypeItemStarted, ues.ItemStartedPayload{
			ItemID: update.ToolCallID, Kind: ues.ItemToolCall, Role: ues.RoleAssistant, ToolName: update.ToolName,
		})
	case acpUpdateToolCallUpdate:
		if update.Status != "completed" && update.Status != "errored" {
			return
		}
		status := ues.ItemStatusCompleted
		if update.Status == "errored" {
			status = ues.ItemStatusFailed
		}
		a.emit(ues.TypeItemCompleted, ues.ItemCompletedPayload{
			ItemID: update.ToolCallID, Status: status,
		})
	}
}

// openItem returns the item id for a message/thought stream, opening a
// fresh one with a synthetic item.started if none is open yet, so the
// first chunk of a turn always starts a bracket before any delta
// references it.
func (a *acpAdapter) openItem(slot *string, kind ues.ItemKind) string {
	a.mu.Lock()
	itemID := *slot
	opened := itemID == ""
	if opened {
		itemID = uuid.New().String()
		*slot = itemID
	}
	a.mu.Unlock()

	if opened {
		a.emitSynthetic(ues.TypeItemStarted, ues.ItemStartedPayload{
			ItemID: itemID, Kind: kind, Role: ues.RoleAssistant,
		})
	}
	return itemID
}

func (a *acpAdapter) handleRequestPermission(msg acpRequest) {
	var params acpRequestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || msg.ID == nil {
		return
	}

	requestID := params.ToolCall.ToolCallID
	ch := make(chan ues.PermissionReply, 1)
	a.mu.Lock()
	a.permPending[requestID] = ch
	a.mu.Unlock()

	a.emit(ues.TypePermissionRequested, ues.PermissionRequestedPayload{
		RequestID: requestID,
		Action:    params.ToolCall.ToolName,
	})

	go func() {
		reply := <-ch
		optionID := ""
		for _, opt := range params.Options {
			switch reply {
			case ues.PermissionReject:
				if opt.Kind == "reject_once" || opt.Kind == "reject_always" {
					optionID = opt.ID
				}
			default:
				if opt.Kind == "allow_once" || opt.Kind == "allow_always" {
					optionID = opt.ID
				}
			}
			if optionID != "" {
				break
			}
		}
		if optionID == "" && len(params.Options) > 0 {
			optionID = params.Options[0].ID
		}
		a.respond(*msg.ID, map[string]any{
			"outcome": map[string]any{"type": "selected", "optionId": optionID},
		}, nil)
		a.emit(ues.TypePermissionResolved, ues.PermissionResolvedPayload{RequestID: requestID, Reply: reply})
	}()
}

func (a *acpAdapter) handleReadTextFile(msg acpRequest) {
	if msg.ID == nil {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	json.Unmarshal(msg.Params, &req)

	data, err := os.ReadFile(req.Path)
	if err != nil {
		// Gemini CLI probes for file existence this way; an empty body
		// reads better to it than a JSON-RPC error, per the SDK default
		// handler's own comment.
		a.respond(*msg.ID, map[string]string{"content": ""}, nil)
		return
	}
	a.respond(*msg.ID, map[string]string{"content": string(data)}, nil)
}

func (a *acpAdapter) handleWriteTextFile(msg acpRequest) {
	if msg.ID == nil {
		return
	}
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	json.Unmarshal(msg.Params, &req)

	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		a.respond(*msg.ID, nil, &acpError{Code: -32603, Message: err.Error()})
		return
	}
	a.respond(*msg.ID, map[string]any{}, nil)
}

func (a *acpAdapter) watchExit(sup *process.Supervisor) {
	report := sup.Wait()
	a.mu.Lock()
	ended := a.sawEnded
	a.mu.Unlock()
	if ended {
		return
	}
	if report.Err != nil || report.ExitCode != 0 {
		a.emit(ues.TypeError, ues.ErrorPayload{
			Kind: ues.ErrorInternal, Message: "acp agent process exited unexpectedly", Raw: report.StderrTail,
		})
	}
	a.sealOpenItems(ues.ItemStatusFailed)
	exitCode := report.ExitCode
	a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{
		Reason: ues.EndAgentExited, ExitCode: &exitCode, StderrTail: report.StderrTail,
	})
}

func (a *acpAdapter) emit(typ ues.EventType, payload any) error {
	e, err := ues.NewEvent(a.cfg.SessionID, a.cfg.AgentKind, typ, payload)
	if err != nil {
		return err
	}
	e = ues.Native(e)
	if typ == ues.TypeSessionEnded {
		a.mu.Lock()
		a.sawEnded = true
		a.mu.Unlock()
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return nil
	}
	_, err = sink.Append(e)
	return err
}

// emitSynthetic is emit for bracket events this adapter fabricates itself
// rather than relays from the agent: they are tagged source=daemon.
func (a *acpAdapter) emitSynthetic(typ ues.EventType, payload any) error {
	e, err := ues.NewEvent(a.cfg.SessionID, a.cfg.AgentKind, typ, payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return nil
	}
	_, err = sink.Append(ues.Synthesized(e))
	return err
}
