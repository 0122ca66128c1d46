package adapter

import (
	"context"

	"github.com/google/uuid"

	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	Register(ues.AgentMock, newMockAdapter)
}

// RequestPermissionTrigger is the sentinel user message that makes the
// mock adapter emit a permission.requested event instead of its default
// echo-reply skeleton.
const RequestPermissionTrigger = "__mock_request_permission__"

// mockAdapter is the builtin reference adapter: a fixed, deterministic
// event script driven entirely from in-process code, with no subprocess or
// network dependency, useful for tests and for exercising the transport
// layer without a real agent installed.
type mockAdapter struct {
	cfg  Config
	sink Sink
}

func newMockAdapter(cfg Config) (Adapter, error) {
	return &mockAdapter{cfg: cfg}, nil
}

func (m *mockAdapter) emit(typ ues.EventType, payload any) error {
	e, err := ues.NewEvent(m.cfg.SessionID, m.cfg.AgentKind, typ, payload)
	if err != nil {
		return err
	}
	_, err = m.sink.Append(ues.Native(e))
	return err
}

func (m *mockAdapter) Start(ctx context.Context, sink Sink) error {
	m.sink = sink
	return m.emit(ues.TypeSessionStarted, ues.SessionStartedPayload{
		AgentKind:  m.cfg.AgentKind,
		Model:      m.cfg.Model,
		WorkingDir: m.cfg.WorkingDir,
	})
}

// SendMessage emits a single assistant message item whose text is the
// posted message echoed back, split into two delta chunks.
func (m *mockAdapter) SendMessage(ctx context.Context, turnID, message string, attachments []Attachment) error {
	if err := m.emit(ues.TypeTurnStarted, ues.TurnStartedPayload{
		TurnID:        turnID,
		UserMessageID: uuid.New().String(),
	}); err != nil {
		return err
	}

	// RequestPermissionTrigger lets tests exercise the HITL flow against
	// the deterministic mock adapter without a real agent in the loop.
	if message == RequestPermissionTrigger {
		return m.emit(ues.TypePermissionRequested, ues.PermissionRequestedPayload{
			RequestID: uuid.New().String(),
			Action:    "shell.exec",
			Patterns:  []string{"rm -rf *"},
		})
	}

	itemID := uuid.New().String()
	if err := m.emit(ues.TypeItemStarted, ues.ItemStartedPayload{
		ItemID: itemID,
		Kind:   ues.ItemMessage,
		Role:   ues.RoleAssistant,
	}); err != nil {
		return err
	}

	mid := len(message) / 2
	for _, chunk := range [2]string{message[:mid], message[mid:]} {
		if chunk == "" {
			continue
		}
		if err := m.emit(ues.TypeItemDelta, ues.ItemDeltaPayload{
			ItemID: itemID,
			Kind:   ues.DeltaText,
			Delta:  chunk,
		}); err != nil {
			return err
		}
	}

	if err := m.emit(ues.TypeItemCompleted, ues.ItemCompletedPayload{
		ItemID: itemID,
		Status: ues.ItemStatusCompleted,
	}); err != nil {
		return err
	}

	return m.emit(ues.TypeTurnEnded, ues.TurnEndedPayload{
		TurnID:  turnID,
		Outcome: ues.TurnCompleted,
	})
}

// ResolveQuestion is a no-op: the mock adapter has no native process to
// forward the reply to. The Session Manager records question.resolved
// itself once this returns.
func (m *mockAdapter) ResolveQuestion(ctx context.Context, requestID string, answers []string, rejected bool) error {
	return nil
}

// ResolvePermission is a no-op for the same reason as ResolveQuestion.
func (m *mockAdapter) ResolvePermission(ctx context.Context, requestID string, reply ues.PermissionReply) error {
	return nil
}

func (m *mockAdapter) Terminate(ctx context.Context, reason ues.SessionEndReason) error {
	return m.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: reason})
}
