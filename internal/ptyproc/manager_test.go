package ptyproc

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sandboxlabs/agentd/internal/errs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Options{LogDir: t.TempDir()})
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Info {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		info, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if info.Status == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status %s, last seen %s", want, info.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnRegularProcessRecordsExit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/sh", Args: []string{"-c", "echo hello; exit 3"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if info.TTY {
		t.Error("expected non-tty process")
	}

	final := waitForStatus(t, m, info.ID, StatusStopped)
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", final.ExitCode)
	}

	logs, err := m.ReadLogs(info.ID, LogsQuery{})
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if !strings.Contains(logs.Content, "hello") {
		t.Errorf("expected combined log to contain %q, got %q", "hello", logs.Content)
	}
}

func TestReadLogsStripTimestamps(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/echo", Args: []string{"plain line"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, m, info.ID, StatusStopped)

	logs, err := m.ReadLogs(info.ID, LogsQuery{Stream: "stdout", StripTimestamps: true})
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if strings.Contains(logs.Content, "[") {
		t.Errorf("expected timestamp prefix stripped, got %q", logs.Content)
	}
	if !strings.Contains(logs.Content, "plain line") {
		t.Errorf("expected stripped content to retain the line, got %q", logs.Content)
	}
}

func TestDeleteRefusesWhileRunning(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/sleep", Args: []string{"5"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := m.Delete(info.ID); errs.KindOf(err) != errs.PreconditionFailed {
		t.Errorf("expected PreconditionFailed deleting a running process, got %v", err)
	}

	if err := m.Kill(info.ID); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitForStatus(t, m, info.ID, StatusKilled)

	if err := m.Delete(info.ID); err != nil {
		t.Fatalf("Delete failed after kill: %v", err)
	}
	if _, err := m.Get(info.ID); errs.KindOf(err) != errs.NotFound {
		t.Errorf("expected process to be gone after delete, got %v", err)
	}
}

// TestPTYLifecycle covers spec section 8 scenario 3: spawn a PTY process,
// attach, write input, resize, then stop and observe the exit.
func TestPTYLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{
		Command:      "/bin/sh",
		TTY:          true,
		Interactive:  true,
		TerminalSize: &TerminalSize{Cols: 120, Rows: 40},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !info.TTY || info.TerminalSize == nil || info.TerminalSize.Cols != 120 {
		t.Fatalf("unexpected spawn result: %+v", info)
	}

	attachment, err := m.AttachTerminal(info.ID)
	if err != nil {
		t.Fatalf("AttachTerminal failed: %v", err)
	}
	defer attachment.Release()

	if err := attachment.WriteInput([]byte("echo hi\n")); err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}

	var out bytes.Buffer
	deadline := time.After(3 * time.Second)
	for !strings.Contains(out.String(), "hi") {
		select {
		case chunk, ok := <-attachment.Output():
			if !ok {
				t.Fatal("output channel closed before seeing expected data")
			}
			out.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for echoed output, got %q", out.String())
		}
	}

	if err := attachment.Resize(80, 24); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	resized, err := m.Get(info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resized.TerminalSize == nil || resized.TerminalSize.Cols != 80 || resized.TerminalSize.Rows != 24 {
		t.Errorf("expected resized terminal size 80x24, got %+v", resized.TerminalSize)
	}

	if err := m.Stop(ctx, info.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case <-attachment.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

// TestAttachTerminalRejectsNonPTY covers the informational-error outcome
// for attaching to a process that never had (or no longer has) a PTY.
func TestAttachTerminalRejectsNonPTY(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, m, info.ID, StatusStopped)

	if _, err := m.AttachTerminal(info.ID); errs.KindOf(err) != errs.PreconditionFailed {
		t.Errorf("expected PreconditionFailed attaching to a non-pty process, got %v", err)
	}
}

// TestResizeRejectsNonPTY covers resize's PreconditionFailed outcome on a
// regular process, per spec section 7's error taxonomy.
func TestResizeRejectsNonPTY(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/sleep", Args: []string{"1"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer m.Kill(info.ID)

	if err := m.Resize(info.ID, 80, 24); errs.KindOf(err) != errs.PreconditionFailed {
		t.Errorf("expected PreconditionFailed resizing a non-pty process, got %v", err)
	}
}

// TestPTYBroadcasterCapacity covers spec section 8's 256-subscriber cap: the
// 257th concurrent AttachTerminal call must fail with Overflow.
func TestPTYBroadcasterCapacity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Spawn(ctx, SpawnConfig{Command: "/bin/cat", TTY: true})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer m.Kill(info.ID)

	var attachments []*TerminalAttachment
	defer func() {
		for _, a := range attachments {
			a.Release()
		}
	}()

	for i := 0; i < 256; i++ {
		a, err := m.AttachTerminal(info.ID)
		if err != nil {
			t.Fatalf("attachment %d failed: %v", i, err)
		}
		attachments = append(attachments, a)
	}

	if _, err := m.AttachTerminal(info.ID); errs.KindOf(err) != errs.Overflow {
		t.Errorf("expected Overflow on the 257th attachment, got %v", err)
	}
}
