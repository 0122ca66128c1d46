package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/sandboxlabs/agentd/internal/adapter/skeleton"
	"github.com/sandboxlabs/agentd/internal/clock"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/process"
	"github.com/sandboxlabs/agentd/internal/ues"
)

// Emission is one UES event a Protocol's Parse produces from a single
// native record. Aliased from the skeleton package so every converter
// (subprocess Protocols, server.go, acp.go) shares one definition.
type Emission = skeleton.Emission

// Protocol is what distinguishes one subprocess-mode agent from another:
// how to build its argv, how to format a posted message onto its stdin,
// and how to convert one line of its stdout into zero or more UES
// emissions. claude.go, codex.go, amp.go, and codebuff.go each provide one.
type Protocol interface {
	Argv(cfg Config) []string
	FormatInput(turnID, message string, attachments []Attachment) string
	Parse(line string) ([]Emission, error)

	// NativeSessionStarted reports whether this agent emits its own
	// session.started-equivalent native record, in which case the base
	// adapter must not also synthesize one.
	NativeSessionStarted() bool
}

// subprocessAdapter is the shared base for every subprocess-per-session
// agent (Claude, Codex, Amp, Codebuff): it drives any Protocol against a
// process.Supervisor and reports through a Sink instead of holding its own
// output buffer.
type subprocessAdapter struct {
	cfg      Config
	protocol Protocol
	clock    clock.Clock

	mu       sync.Mutex
	sup      *process.Supervisor
	sink     Sink
	sawEnded bool
}

func newSubprocessAdapter(cfg Config, protocol Protocol) Adapter {
	return &subprocessAdapter{cfg: cfg, protocol: protocol, clock: clock.New()}
}

func (a *subprocessAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	sup := process.New(process.Spec{
		Path:    a.cfg.BinaryPath,
		Args:    a.protocol.Argv(a.cfg),
		Env:     a.cfg.Env,
		Dir:     a.cfg.WorkingDir,
		Timeout: a.cfg.Timeout,
	}, a.clock)

	err := sup.Start(ctx, process.Handlers{
		OnStdoutLine: a.handleLine,
		OnOverflow:   a.handleOverflow,
	})
	if err != nil {
		a.emit(ues.TypeError, ues.ErrorPayload{Kind: ues.ErrorSpawn, Message: err.Error()})
		a.emit(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: ues.EndError})
		return errs.Wrap(errs.AdapterStart, err, "start subprocess for %s", a.cfg.AgentKind)
	}

	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	go a.watchExit(sup)

	if a.protocol.NativeSessionStarted() {
		return nil
	}
	return a.emit(ues.TypeSessionStarted, ues.SessionStartedPayload{
		AgentKind:  a.cfg.AgentKind,
		Model:      a.cfg.Model,
		WorkingDir: a.cfg.WorkingDir,
	})
}

func (a *subprocessAdapter) handleLine(line string) {
	emissions, err := a.protocol.Parse(line)
	if err != nil {
		a.emit(ues.TypeAgentUnparsed, ues.AgentUnparsedPayload{Raw: line})
		return
	}
	for _, em := range emissions {
		if em.Type == ues.TypeSessionEnded {
			a.mu.Lock()
			a.sawEnded = true
			a.mu.Unlock()
		}
		a.emitEmission(em)
	}
}

func (a *subprocessAdapter) handleOverflow(stream string) {
	a.emit(ues.TypeError, ues.ErrorPayload{
		Kind:    ues.ErrorInternal,
		Message: "line exceeded buffer limit on " + stream,
	})
}

func (a *subprocessAdapter) watchExit(sup *process.Supervisor) {
	report := sup.Wait()

	a.mu.Lock()
	ended := a.sawEnded
	a.mu.Unlock()
	if ended {
		return
	}

	if report.Err != nil || report.ExitCode != 0 {
		a.emitSynthetic(ues.TypeError, ues.ErrorPayload{
			Kind:    ues.ErrorInternal,
			Message: "agent process exited unexpectedly",
			Raw:     report.StderrTail,
		})
	}
	exitCode := report.ExitCode
	a.emitSynthetic(ues.TypeSessionEnded, ues.SessionEndedPayload{
		Reason:     ues.EndAgentExited,
		ExitCode:   &exitCode,
		StderrTail: report.StderrTail,
	})
}

func (a *subprocessAdapter) emit(typ ues.EventType, payload any) error {
	return a.emitEmission(Emission{Type: typ, Payload: payload})
}

// emitSynthetic emits a bracket event the daemon fabricated on the agent's
// behalf rather than one relayed from its stdout, so it is tagged
// source=daemon instead of source=agent-native.
func (a *subprocessAdapter) emitSynthetic(typ ues.EventType, payload any) error {
	return a.emitEmission(Emission{Type: typ, Payload: payload, Synthetic: true})
}

func (a *subprocessAdapter) emitEmission(em Emission) error {
	e, err := ues.NewEvent(a.cfg.SessionID, a.cfg.AgentKind, em.Type, em.Payload)
	if err != nil {
		return err
	}
	if em.Synthetic {
		e = ues.Synthesized(e)
	} else {
		e = ues.Native(e)
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	_, err = sink.Append(e)
	return err
}

func (a *subprocessAdapter) SendMessage(ctx context.Context, turnID, message string, attachments []Attachment) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return errs.New(errs.PreconditionFailed, "adapter not started")
	}
	input := a.protocol.FormatInput(turnID, message, attachments)
	return sup.Write([]byte(input))
}

// ResolveQuestion forwards the answer to the running subprocess over stdin,
// the same channel FormatInput writes a posted message on: each of these
// agents' print-mode CLIs blocks its "ask the user" tool call on the next
// line of stdin rather than exposing a separate reply channel. A rejected
// question has no textual reply to send and is a no-op.
func (a *subprocessAdapter) ResolveQuestion(ctx context.Context, requestID string, answers []string, rejected bool) error {
	if rejected || len(answers) == 0 {
		return nil
	}
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return errs.New(errs.PreconditionFailed, "adapter not started")
	}
	return sup.Write([]byte(strings.Join(answers, "\n") + "\n"))
}

// ResolvePermission is a no-op for this family: Claude, Codex, Amp, and
// Codebuff are all launched with an auto-approve flag (see each Protocol's
// Argv), so the subprocess never actually blocks waiting for a permission
// decision on stdin. permission.requested/resolved events are recorded for
// the log but don't gate anything the running process is waiting on.
func (a *subprocessAdapter) ResolvePermission(ctx context.Context, requestID string, reply ues.PermissionReply) error {
	return nil
}

func (a *subprocessAdapter) Terminate(ctx context.Context, reason ues.SessionEndReason) error {
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
	return a.emitSynthetic(ues.TypeSessionEnded, ues.SessionEndedPayload{Reason: reason})
}
