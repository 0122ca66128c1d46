package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentOpenCode, func(cfg Config) (Adapter, error) {
		if cfg.SharedServerBaseURL == "" {
			return nil, errs.New(errs.PreconditionFailed, "opencode adapter requires a shared server base URL")
		}
		return &serverAdapter{cfg: cfg, client: &http.Client{}}, nil
	})
}

// serverAdapter drives OpenCode through the single shared local HTTP server
// internal/agentserver keeps healthy for the whole daemon, rather than
// spawning one process per session. It issues the session-create and
// message-post calls ("/session", "/session/{id}/message") and reads the
// server's "/event" Server-Sent-Events stream to translate
// message.part.updated, session.idle, session.error and permission.updated
// records into UES events; other event types are ignored.
type serverAdapter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	sink      Sink
	ocID      string
	streamCtl context.CancelFunc
	textByMsg map[string]string
}

type ocSessionResponse struct {
	ID string `json:"id"`
}

func (a *serverAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.textByMsg = make(map[string]string)
	a.mu.Unlock()

	body, err := a.post(ctx, "/session", map[string]any{})
	if err != nil {
		a.emit(ues.TypeError, ues.ErrorPayload{Kind: ues.ErrorSpawn, Message: err.Error()})
		a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: ues.EndError})
		return errs.Wrap(errs.AdapterStart, err, "create opencode session")
	}
	var resp ocSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return errs.New(errs.AdapterStart, "opencode session create returned no id")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.ocID = resp.ID
	a.streamCtl = cancel
	a.mu.Unlock()

	go a.streamEvents(streamCtx)

	return a.emit(ues.TypeSessionStarted, ues.SessionStartedPayload{
		AgentKind:  ues.AgentOpenCode,
		Model:      a.cfg.Model,
		WorkingDir: a.cfg.WorkingDir,
	})
}

func (a *serverAdapter) SendMessage(ctx context.Context, turnID, message string, attachments []Attachment) error {
	a.mu.Lock()
	ocID := a.ocID
	a.mu.Unlock()
	if ocID == "" {
		return errs.New(errs.PreconditionFailed, "opencode adapter not started")
	}

	parts := []map[string]any{{"type": "text", "text": message}}
	for _, att := range attachments {
		parts = append(parts, map[string]any{
			"type":     "file",
			"filename": att.Name,
			"mime":     att.MimeType,
		})
	}

	if err := a.emit(ues.TypeTurnStarted, ues.TurnStartedPayload{TurnID: turnID}); err != nil {
		return err
	}

	_, err := a.post(ctx, fmt.Sprintf("/session/%s/message", ocID), map[string]any{
		"parts":     parts,
		"messageID": turnID,
	})
	return err
}

func (a *serverAdapter) ResolveQuestion(ctx context.Context, requestID string, answers []string, rejected bool) error {
	a.mu.Lock()
	ocID := a.ocID
	a.mu.Unlock()
	if rejected {
		_, err := a.post(ctx, fmt.Sprintf("/session/%s/question/%s/reject", ocID, requestID), map[string]any{})
		return err
	}
	_, err := a.post(ctx, fmt.Sprintf("/session/%s/question/%s/reply", ocID, requestID), map[string]any{
		"answers": answers,
	})
	return err
}

func (a *serverAdapter) ResolvePermission(ctx context.Context, requestID string, reply ues.PermissionReply) error {
	a.mu.Lock()
	ocID := a.ocID
	a.mu.Unlock()
	_, err := a.post(ctx, fmt.Sprintf("/session/%s/permissions/%s", ocID, requestID), map[string]any{
		"response": string(reply),
	})
	return err
}

func (a *serverAdapter) Terminate(ctx context.Context, reason ues.SessionEndReason) error {
	a.mu.Lock()
	ocID := a.ocID
	cancel := a.streamCtl
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ocID != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.SharedServerBaseURL+"/session/"+ocID, nil)
		if err == nil {
			resp, err := a.client.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}
	}
	return a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: reason})
}

func (a *serverAdapter) post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.SharedServerBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("opencode server returned %d: %s", resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// ocEvent mirrors the {"type": ..., "properties": {...}} envelope every
// event on opencode_compat.rs's broadcaster carries.
type ocEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

func (a *serverAdapter) streamEvents(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SharedServerBaseURL+"/event", nil)
	if err != nil {
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.emit(ues.TypeError, ues.ErrorPayload{Kind: ues.ErrorInternal, Message: "opencode event stream: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		case line == "":
			if len(dataLines) > 0 {
				a.handleSSEFrame(strings.Join(dataLines, "\n"))
				dataLines = nil
			}
		}
	}
}

func (a *serverAdapter) handleSSEFrame(data string) {
	var ev ocEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		a.emit(ues.TypeAgentUnparsed, ues.AgentUnparsedPayload{Raw: data})
		return
	}

	switch ev.Type {
	case "message.part.updated":
		a.handlePartUpdated(ev.Properties)
	case "session.idle":
		a.emit(ues.TypeTurnEnded, ues.TurnEndedPayload{Outcome: ues.TurnCompleted})
	case "session.error":
		a.emit(ues.TypeError, ues.ErrorPayload{Kind: ues.ErrorInternal, Message: "opencode session error"})
	case "permission.updated":
		a.handlePermissionUpdated(ev.Properties)
	}
}

func (a *serverAdapter) handlePartUpdated(props json.RawMessage) {
	var wrapper struct {
		Part struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Text      string `json:"text"`
			MessageID string `json:"messageID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(props, &wrapper); err != nil {
		return
	}
	if wrapper.Part.Type != "text" || wrapper.Part.ID == "" {
		return
	}

	a.mu.Lock()
	prev := a.textByMsg[wrapper.Part.ID]
	delta := wrapper.Part.Text
	if strings.HasPrefix(delta, prev) {
		delta = delta[len(prev):]
	}
	a.textByMsg[wrapper.Part.ID] = wrapper.Part.Text
	a.mu.Unlock()

	if delta == "" {
		return
	}
	a.emit(ues.TypeItemDelta, ues.ItemDeltaPayload{
		ItemID: wrapper.Part.ID, Kind: ues.DeltaText, Delta: delta,
	})
}

func (a *serverAdapter) handlePermissionUpdated(props json.RawMessage) {
	var wrapper struct {
		Request struct {
			ID       string   `json:"id"`
			Type     string   `json:"type"`
			Patterns []string `json:"patterns"`
		} `json:"request"`
	}
	if err := json.Unmarshal(props, &wrapper); err != nil || wrapper.Request.ID == "" {
		return
	}
	a.emit(ues.TypePermissionRequested, ues.PermissionRequestedPayload{
		RequestID: wrapper.Request.ID,
		Action:    wrapper.Request.Type,
		Patterns:  wrapper.Request.Patterns,
	})
}

func (a *serverAdapter) emit(typ ues.EventType, payload any) error {
	e, err := ues.NewEvent(a.cfg.SessionID, ues.AgentOpenCode, typ, payload)
	if err != nil {
		return err
	}
	e = ues.Native(e)
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return nil
	}
	_, err = sink.Append(e)
	return err
}
