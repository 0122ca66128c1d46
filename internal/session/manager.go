package session

import (
	"context"
	"sync"
	"time"

	"github.com/sandboxlabs/agentd/internal/adapter"
	"github.com/sandboxlabs/agentd/internal/broadcaster"
	"github.com/sandboxlabs/agentd/internal/clock"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/ues"
)

// CreateConfig is the caller-supplied configuration for CreateSession.
type CreateConfig struct {
	AgentKind      ues.AgentKind
	Model          string
	WorkingDir     string
	PermissionMode string
	Variant        string
	BinaryPath     string
	Env            []string

	SharedServerBaseURL string
}

// managedSession bundles a Session with everything the manager needs to
// drive it: its append-only log, its broadcaster, its adapter handle, its
// pending HITL table, and open-item bookkeeping for invariant checks.
type managedSession struct {
	Session *Session

	appendMu sync.Mutex // serializes Append + subscribe offset hand-off
	log      *eventLog
	bus      *broadcaster.Broadcaster[ues.Event]

	adapter adapter.Adapter

	pendingMu sync.Mutex
	pending   map[string]*PendingHITLRequest

	itemMu sync.Mutex
	items  map[string]*itemState

	unparsedCount  int
	unparsedWindow time.Time
}

// Manager is the authoritative in-memory store of sessions. It is one of
// the daemon's process-wide singletons, alongside the Agent Server
// Manager.
type Manager struct {
	clock clock.Clock

	mu          sync.RWMutex
	sessions    map[string]*managedSession
	maxSessions int

	unparsedRateThreshold int
	unparsedRateWindow    time.Duration
	subprocessTimeout     time.Duration
}

// Options configures a Manager.
type Options struct {
	MaxSessions           int
	UnparsedRateThreshold int
	UnparsedRateWindow    time.Duration
	SubprocessTimeout     time.Duration
	Clock                 clock.Clock
}

// NewManager constructs an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.UnparsedRateThreshold <= 0 {
		opts.UnparsedRateThreshold = 5
	}
	if opts.UnparsedRateWindow <= 0 {
		opts.UnparsedRateWindow = 10 * time.Second
	}
	if opts.SubprocessTimeout <= 0 {
		opts.SubprocessTimeout = 5 * time.Minute
	}
	return &Manager{
		clock:                 opts.Clock,
		sessions:              make(map[string]*managedSession),
		maxSessions:           opts.MaxSessions,
		unparsedRateThreshold: opts.UnparsedRateThreshold,
		unparsedRateWindow:    opts.UnparsedRateWindow,
		subprocessTimeout:     opts.SubprocessTimeout,
	}
}

// CreateSession implements create_session: fails if id exists, resolves
// the adapter, starts it, and records session.started.
func (m *Manager) CreateSession(ctx context.Context, id string, cfg CreateConfig) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, errs.New(errs.Conflict, "session %s already exists", id)
	}

	active := 0
	for _, ms := range m.sessions {
		if ms.Session.State != StateEnded {
			active++
		}
	}
	if active >= m.maxSessions {
		m.mu.Unlock()
		return nil, errs.New(errs.PreconditionFailed, "maximum session limit reached (%d)", m.maxSessions)
	}

	sess := &Session{
		ID:             id,
		AgentKind:      string(cfg.AgentKind),
		PermissionMode: cfg.PermissionMode,
		Model:          cfg.Model,
		WorkingDir:     cfg.WorkingDir,
		CreatedAt:      m.clock.Now(),
		State:          StateCreating,
	}

	ms := &managedSession{
		Session: sess,
		log:     newEventLog(),
		bus:     broadcaster.New[ues.Event](),
		pending: make(map[string]*PendingHITLRequest),
		items:   make(map[string]*itemState),
	}

	a, err := adapter.New(adapter.Config{
		SessionID:           id,
		AgentKind:           cfg.AgentKind,
		Model:               cfg.Model,
		WorkingDir:          cfg.WorkingDir,
		PermissionMode:      cfg.PermissionMode,
		Variant:             cfg.Variant,
		BinaryPath:          cfg.BinaryPath,
		Env:                 cfg.Env,
		Timeout:             m.subprocessTimeout,
		SharedServerBaseURL: cfg.SharedServerBaseURL,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ms.adapter = a

	m.sessions[id] = ms
	m.mu.Unlock()

	sink := &sessionSink{m: m, ms: ms}
	if err := a.Start(ctx, sink); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, errs.Wrap(errs.AdapterStart, err, "start adapter for session %s", id)
	}

	sess.State = StateActive
	return sess, nil
}

// PostMessage implements post_message: fails if the session has ended,
// otherwise delivers the message to the adapter.
func (m *Manager) PostMessage(ctx context.Context, id, turnID, message string, attachments []adapter.Attachment) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	if ms.Session.State == StateEnded {
		return errs.New(errs.PreconditionFailed, "session %s has ended", id)
	}
	return ms.adapter.SendMessage(ctx, turnID, message, attachments)
}

// ReplyQuestion implements reply_question: validates the pending request,
// delegates to the adapter, then appends question.resolved.
func (m *Manager) ReplyQuestion(ctx context.Context, id, requestID string, answers []string) error {
	return m.resolveHITL(ctx, id, requestID, func(ms *managedSession) error {
		return ms.adapter.ResolveQuestion(ctx, requestID, answers, false)
	}, func() (ues.EventType, any) {
		return ues.TypeQuestionResolved, ues.QuestionResolvedPayload{RequestID: requestID, Answers: answers}
	})
}

// RejectQuestion implements reject_question.
func (m *Manager) RejectQuestion(ctx context.Context, id, requestID string) error {
	return m.resolveHITL(ctx, id, requestID, func(ms *managedSession) error {
		return ms.adapter.ResolveQuestion(ctx, requestID, nil, true)
	}, func() (ues.EventType, any) {
		return ues.TypeQuestionResolved, ues.QuestionResolvedPayload{RequestID: requestID, Rejected: true}
	})
}

// ReplyPermission implements reply_permission.
func (m *Manager) ReplyPermission(ctx context.Context, id, requestID string, reply ues.PermissionReply) error {
	return m.resolveHITL(ctx, id, requestID, func(ms *managedSession) error {
		return ms.adapter.ResolvePermission(ctx, requestID, reply)
	}, func() (ues.EventType, any) {
		return ues.TypePermissionResolved, ues.PermissionResolvedPayload{RequestID: requestID, Reply: reply}
	})
}

func (m *Manager) resolveHITL(ctx context.Context, id, requestID string, deliver func(*managedSession) error, makeEvent func() (ues.EventType, any)) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}

	ms.pendingMu.Lock()
	req, ok := ms.pending[requestID]
	if !ok {
		ms.pendingMu.Unlock()
		return errs.New(errs.NotFound, "no pending request %s on session %s", requestID, id)
	}
	if req.Resolved {
		ms.pendingMu.Unlock()
		return errs.New(errs.Conflict, "request %s already resolved", requestID)
	}
	req.Resolved = true
	ms.pendingMu.Unlock()

	if err := deliver(ms); err != nil {
		return err
	}

	typ, payload := makeEvent()
	return m.appendAndBroadcast(ms, typ, payload)
}

// Terminate implements terminate: idempotent, invokes the adapter's
// Terminate, appends session.ended if not already present, closes the
// broadcaster, and keeps the event log.
func (m *Manager) Terminate(ctx context.Context, id string, reason ues.SessionEndReason) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}

	ms.appendMu.Lock()
	already := ms.Session.State == StateEnded
	ms.appendMu.Unlock()
	if already {
		return nil
	}

	if err := ms.adapter.Terminate(ctx, reason); err != nil {
		// Still force the session into an ended state; the adapter's
		// failure to shut down cleanly must not leave the log without a
		// terminal session.ended.
		m.forceEnd(ms, ues.EndError, nil, "")
		ms.bus.CloseAll()
		return err
	}

	ms.appendMu.Lock()
	ended := ms.Session.State == StateEnded
	ms.appendMu.Unlock()
	if !ended {
		m.forceEnd(ms, reason, nil, "")
	}

	ms.bus.CloseAll()
	return nil
}

// forceEnd synthesizes session.ended if the adapter did not already
// produce one, and marks the session ended.
func (m *Manager) forceEnd(ms *managedSession, reason ues.SessionEndReason, exitCode *int, stderrTail string) {
	ms.appendMu.Lock()
	if ms.Session.State == StateEnded {
		ms.appendMu.Unlock()
		return
	}
	ms.appendMu.Unlock()

	payload := ues.SessionEndedPayload{Reason: reason, ExitCode: exitCode, StderrTail: stderrTail}
	e, err := ues.NewEvent(ms.Session.ID, ms.adapterKind(), ues.TypeSessionEnded, payload)
	if err != nil {
		return
	}
	sink := &sessionSink{m: m, ms: ms}
	sink.Append(ues.Synthesized(e))
}

func (ms *managedSession) adapterKind() ues.AgentKind {
	return ues.AgentKind(ms.Session.AgentKind)
}

// DeleteSession implements delete_session: removes the session and its
// log; fails if the session has not ended.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[id]
	if !ok {
		return errs.New(errs.NotFound, "session %s not found", id)
	}
	ms.appendMu.Lock()
	ended := ms.Session.State == StateEnded
	ms.appendMu.Unlock()
	if !ended {
		return errs.New(errs.PreconditionFailed, "session %s has not ended", id)
	}
	delete(m.sessions, id)
	return nil
}

// ListSessions implements list_sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.Session)
	}
	return out
}

// GetInfo implements get_info.
func (m *Manager) GetInfo(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.Session, nil
}

// GetEvents implements get_events(session, offset, limit): returns events
// with seq > offset (offset is the last event id the caller has already
// seen, exclusive; pass -1 to fetch from the start of the log), capped at
// limit (0 means unbounded).
func (m *Manager) GetEvents(id string, offset int64, limit int) ([]ues.Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	events := ms.log.from(offset)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Subscription is a live, replay-then-live handle on a session's event
// stream, returned by Subscribe.
type Subscription struct {
	Replay []ues.Event
	Live   *broadcaster.Subscription[ues.Event]
}

// Subscribe implements subscribe(offset): atomically takes a replay slice
// of every event after offset (exclusive; pass -1 for the full log) and a
// live subscription such that their concatenation is exactly the log
// suffix from offset, with no duplicates and no gaps. The append lock is
// held across both steps so no event can be appended between the replay
// snapshot and the live registration.
func (m *Manager) Subscribe(id string, offset int64) (*Subscription, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	ms.appendMu.Lock()
	defer ms.appendMu.Unlock()

	replay := ms.log.from(offset)
	sub, err := ms.bus.Add()
	if err != nil {
		return nil, errs.Wrap(errs.Overflow, err, "subscribe to session %s", id)
	}
	return &Subscription{Replay: replay, Live: sub}, nil
}

// Unsubscribe releases a live subscription.
func (m *Manager) Unsubscribe(id string, sub *broadcaster.Subscription[ues.Event]) {
	ms, err := m.lookup(id)
	if err != nil {
		return
	}
	ms.bus.Remove(sub.ID)
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "session %s not found", id)
	}
	return ms, nil
}

// appendAndBroadcast is used by commands (ReplyQuestion/ReplyPermission)
// that append a manager-authored event rather than one coming through an
// adapter's Sink.
func (m *Manager) appendAndBroadcast(ms *managedSession, typ ues.EventType, payload any) error {
	e, err := ues.NewEvent(ms.Session.ID, ms.adapterKind(), typ, payload)
	if err != nil {
		return err
	}
	sink := &sessionSink{m: m, ms: ms}
	_, err = sink.Append(ues.Native(e))
	return err
}
