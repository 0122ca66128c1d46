// Package adapter defines the closed Agent Adapter contract and its four
// operating-mode implementations: subprocess per session (Claude, Codex,
// Amp, Codebuff), shared local server (OpenCode), JSON-RPC over stdio (the
// ACP family, i.e. Gemini), and the builtin Mock reference adapter.
//
// Adapters never touch a session's log directly; the Session Manager hands
// each adapter a narrow Sink capability limited to appending events.
package adapter

import (
	"context"
	"time"

	"github.com/sandboxlabs/agentd/internal/ues"
)

// Sink is the narrow capability an adapter uses to record what it observes.
// Implementations (owned by the Session Manager) are responsible for
// sequencing, invariant enforcement (started-before-completed, at most one
// session.ended), and broadcasting to live subscribers.
type Sink interface {
	// Append stamps e with a sequence number and timestamp, records it in
	// the session's log, and publishes it to live subscribers. It returns
	// the stamped event.
	Append(e ues.Event) (ues.Event, error)
}

// Attachment is a single file or blob attached to a posted message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Config describes the session an adapter is being started for. Binary
// paths and shared-server access are resolved by the caller (the Session
// Manager, from its own internal/config.Config and internal/agentserver
// Manager) so that adapters never discover credentials or binaries
// themselves.
type Config struct {
	SessionID      string
	AgentKind      ues.AgentKind
	Model          string
	WorkingDir     string
	PermissionMode string
	Variant        string

	BinaryPath string
	Env        []string

	// Timeout bounds a subprocess-mode agent's total one-shot runtime;
	// zero means no runtime limit. Unused by the
	// shared-server, ACP, and mock modes.
	Timeout time.Duration

	// SharedServerBaseURL is set only for the shared-local-server mode
	// (OpenCode); the Shared Agent Server Manager has already ensured
	// the server is healthy before this is populated.
	SharedServerBaseURL string
}

// Adapter is the contract every agent variant implements.
type Adapter interface {
	// Start begins whatever is required to accept messages and must emit
	// session.started via sink before returning (or asynchronously, for
	// modes where the native process itself emits the bracket event).
	Start(ctx context.Context, sink Sink) error

	// SendMessage delivers one user turn. Implementations do not
	// deduplicate by turnID: a repeat call with the same turnID delivers
	// the message again.
	SendMessage(ctx context.Context, turnID, message string, attachments []Attachment) error

	// ResolveQuestion delivers a question's answer (or a rejection) to
	// the adapter. Implementations do not check requestID themselves; the
	// Session Manager rejects unknown or already-resolved ids before
	// calling.
	ResolveQuestion(ctx context.Context, requestID string, answers []string, rejected bool) error

	// ResolvePermission delivers a permission reply to the adapter.
	ResolvePermission(ctx context.Context, requestID string, reply ues.PermissionReply) error

	// Terminate initiates orderly shutdown and guarantees session.ended
	// is emitted via sink before returning.
	Terminate(ctx context.Context, reason ues.SessionEndReason) error
}

// Factory constructs an Adapter for one agent kind from cfg.
type Factory func(cfg Config) (Adapter, error)

var factories = map[ues.AgentKind]Factory{}

// Register installs the factory for kind. Called from each adapter
// implementation's package init.
func Register(kind ues.AgentKind, f Factory) {
	factories[kind] = f
}

// New dispatches to the registered factory for cfg.AgentKind. There is no
// string-keyed plugin registry beyond this closed, compile-time-populated
// map: the set of agent kinds is fixed by ues.AgentKind.
func New(cfg Config) (Adapter, error) {
	f, ok := factories[cfg.AgentKind]
	if !ok {
		return nil, &UnsupportedKindError{Kind: cfg.AgentKind}
	}
	return f(cfg)
}

// UnsupportedKindError is returned by New for an AgentKind with no
// registered factory.
type UnsupportedKindError struct {
	Kind ues.AgentKind
}

func (e *UnsupportedKindError) Error() string {
	return "adapter: unsupported agent kind " + string(e.Kind)
}
