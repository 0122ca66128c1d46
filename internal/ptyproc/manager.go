package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"github.com/sandboxlabs/agentd/internal/broadcaster"
	"github.com/sandboxlabs/agentd/internal/clock"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/process"
)

// managedProcess bundles one process's Info with whichever handle actually
// owns it: a process.Supervisor for the regular case, or a raw PTY master
// plus its *exec.Cmd for the PTY case. Exactly one of supervisor/ptmx is
// non-nil once startRegular/startPTY has returned successfully.
type managedProcess struct {
	mu   sync.Mutex
	info Info

	supervisor *process.Supervisor
	logBus     *broadcaster.Broadcaster[string]

	ptmx      *os.File
	ptyCmd    *exec.Cmd
	outputBus *broadcaster.Broadcaster[[]byte]
	writeMu   sync.Mutex

	resizeMu   sync.Mutex
	forcedKill bool

	logs *processLogs
	done chan struct{}
}

// Options configures a Manager.
type Options struct {
	// LogDir is the directory under which each process gets its own
	// subdirectory of stdout/stderr/combined log files.
	LogDir string
	Clock  clock.Clock
}

// Manager owns every spawned process and PTY for the daemon's lifetime.
type Manager struct {
	clock  clock.Clock
	logDir string

	mu        sync.RWMutex
	processes map[string]*managedProcess
	nextID    atomic.Int64
}

// NewManager constructs an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "agentd", "processes")
	}
	return &Manager{
		clock:     opts.Clock,
		logDir:    opts.LogDir,
		processes: make(map[string]*managedProcess),
	}
}

// Spawn implements spawn: starts a regular or PTY-backed process, creates
// its log files, and registers it under a freshly allocated process id.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig) (*Info, error) {
	if cfg.Command == "" {
		return nil, errs.New(errs.PreconditionFailed, "command is required")
	}

	id := strconv.FormatInt(m.nextID.Add(1), 10)
	dir := filepath.Join(m.logDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create process directory")
	}

	paths := LogPaths{
		Stdout:   filepath.Join(dir, "stdout.log"),
		Stderr:   filepath.Join(dir, "stderr.log"),
		Combined: filepath.Join(dir, "combined.log"),
	}
	logs, err := openLogs(paths)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errs.Wrap(errs.Internal, err, "open log files")
	}

	mp := &managedProcess{
		info: Info{
			ID:          id,
			Command:     cfg.Command,
			Args:        cfg.Args,
			Status:      StatusRunning,
			LogPaths:    paths,
			StartedAt:   m.clock.Now(),
			Cwd:         cfg.Cwd,
			TTY:         cfg.TTY,
			Interactive: cfg.Interactive,
		},
		logs: logs,
		done: make(chan struct{}),
	}

	if cfg.TTY {
		err = m.startPTY(mp, cfg)
	} else {
		err = m.startRegular(ctx, mp, cfg)
	}
	if err != nil {
		logs.close()
		os.RemoveAll(dir)
		return nil, err
	}

	m.mu.Lock()
	m.processes[id] = mp
	m.mu.Unlock()

	mp.mu.Lock()
	out := mp.info
	mp.mu.Unlock()
	return &out, nil
}

func (m *Manager) startRegular(ctx context.Context, mp *managedProcess, cfg SpawnConfig) error {
	sup := process.New(process.Spec{
		Path: cfg.Command,
		Args: cfg.Args,
		Env:  envSlice(cfg.Env),
		Dir:  cfg.Cwd,
	}, m.clock)
	logBus := broadcaster.New[string]()

	err := sup.Start(ctx, process.Handlers{
		OnStdoutLine: func(line string) {
			mp.logs.writeLine(m.clock, "stdout", line)
			logBus.Publish(fmt.Sprintf("[%s] [stdout] %s", formatTimestamp(m.clock), line))
		},
		OnStderrLine: func(line string) {
			mp.logs.writeLine(m.clock, "stderr", line)
			logBus.Publish(fmt.Sprintf("[%s] [stderr] %s", formatTimestamp(m.clock), line))
		},
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "spawn process")
	}

	mp.mu.Lock()
	mp.supervisor = sup
	mp.logBus = logBus
	mp.mu.Unlock()

	go m.watchRegularExit(mp)
	return nil
}

func (m *Manager) watchRegularExit(mp *managedProcess) {
	report := mp.supervisor.Wait()
	stopped := m.clock.Now()

	mp.mu.Lock()
	mp.info.StoppedAt = &stopped
	exitCode := report.ExitCode
	mp.info.ExitCode = &exitCode
	if mp.forcedKill {
		mp.info.Status = StatusKilled
	} else {
		mp.info.Status = StatusStopped
	}
	bus := mp.logBus
	mp.mu.Unlock()

	mp.logs.close()
	if bus != nil {
		bus.CloseAll()
	}
	close(mp.done)
}

func (m *Manager) startPTY(mp *managedProcess, cfg SpawnConfig) error {
	size := cfg.TerminalSize
	if size == nil {
		size = &TerminalSize{Cols: DefaultCols, Rows: DefaultRows}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(), envSlice(cfg.Env)...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "start pty process")
	}

	mp.mu.Lock()
	mp.ptmx = ptmx
	mp.ptyCmd = cmd
	mp.outputBus = broadcaster.New[[]byte]()
	mp.info.TerminalSize = size
	mp.mu.Unlock()

	go m.pumpPTYOutput(mp, ptmx)
	go m.watchPTYExit(mp, cmd)
	return nil
}

func (m *Manager) pumpPTYOutput(mp *managedProcess, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			mp.logs.writeRaw(chunk)
			mp.mu.Lock()
			bus := mp.outputBus
			mp.mu.Unlock()
			if bus != nil {
				bus.Publish(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) watchPTYExit(mp *managedProcess, cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	stopped := m.clock.Now()
	exitCode := exitCodeFromErr(waitErr)

	mp.mu.Lock()
	if mp.ptmx != nil {
		mp.ptmx.Close()
	}
	mp.info.StoppedAt = &stopped
	mp.info.ExitCode = &exitCode
	if mp.forcedKill {
		mp.info.Status = StatusKilled
	} else {
		mp.info.Status = StatusStopped
	}
	mp.ptmx = nil
	mp.ptyCmd = nil
	bus := mp.outputBus
	mp.outputBus = nil
	mp.mu.Unlock()

	mp.logs.close()
	if bus != nil {
		bus.CloseAll()
	}
	close(mp.done)
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// List implements list: every known process, newest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.processes))
	for _, mp := range m.processes {
		mp.mu.Lock()
		out = append(out, mp.info)
		mp.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Get implements get(process_id).
func (m *Manager) Get(id string) (Info, error) {
	mp, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.info, nil
}

func (m *Manager) lookup(id string) (*managedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.processes[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "process %s not found", id)
	}
	return mp, nil
}

// Stop implements stop: sends a graceful signal and returns without
// waiting for the process to exit. Regular processes get their
// graceful-then-hard escalation from internal/process.Supervisor; PTY
// processes get the same escalation here via a clock-driven timer using
// gracefulStopWindow. Idempotent: stopping an already-exited process is a
// no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	sup := mp.supervisor
	cmd := mp.ptyCmd
	mp.mu.Unlock()

	switch {
	case sup != nil:
		go sup.Stop(context.Background())
		return nil
	case cmd != nil && cmd.Process != nil:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		go m.escalatePTYStop(mp, cmd)
		return nil
	default:
		return nil
	}
}

func (m *Manager) escalatePTYStop(mp *managedProcess, cmd *exec.Cmd) {
	timer := m.clock.NewTimer(gracefulStopWindow)
	select {
	case <-mp.done:
		timer.Stop()
	case <-timer.C():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGKILL)
		}
	}
}

// Kill implements kill: hard stop immediately, marking the process Killed
// rather than letting the exit watcher record a plain Stopped.
func (m *Manager) Kill(id string) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	sup := mp.supervisor
	cmd := mp.ptyCmd
	alreadyDone := mp.info.Status == StatusStopped || mp.info.Status == StatusKilled
	mp.forcedKill = true
	mp.mu.Unlock()

	if alreadyDone {
		return nil
	}

	switch {
	case sup != nil:
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		sup.Stop(cancelled)
		return nil
	case cmd != nil && cmd.Process != nil:
		_ = cmd.Process.Signal(syscall.SIGKILL)
		return nil
	default:
		return errs.New(errs.PreconditionFailed, "process is not running")
	}
}

// Delete implements delete: only while the process is not running.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	mp, ok := m.processes[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NotFound, "process %s not found", id)
	}

	mp.mu.Lock()
	running := mp.info.Status == StatusRunning || mp.info.Status == StatusStarting
	dir := filepath.Dir(mp.info.LogPaths.Combined)
	mp.mu.Unlock()

	if running {
		m.mu.Unlock()
		return errs.New(errs.PreconditionFailed, "cannot delete a running process")
	}
	delete(m.processes, id)
	m.mu.Unlock()

	_ = os.RemoveAll(dir)
	return nil
}

// ReadLogs implements read_logs: stream selection, tail count, and
// strip_timestamps all apply to a single read of the already-flushed log
// file on disk.
func (m *Manager) ReadLogs(id string, q LogsQuery) (*LogsResponse, error) {
	mp, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	mp.mu.Lock()
	paths := mp.info.LogPaths
	mp.mu.Unlock()

	path := paths.Combined
	switch q.Stream {
	case "stdout":
		path = paths.Stdout
	case "stderr":
		path = paths.Stderr
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LogsResponse{}, nil
		}
		return nil, errs.Wrap(errs.Internal, err, "read log file")
	}

	content, lines := tailLines(string(raw), q.Tail)
	if q.StripTimestamps {
		content = stripTimestamps(content)
	}
	return &LogsResponse{Content: content, Lines: lines}, nil
}

// SubscribeLogs returns a live feed of stream-tagged log lines for a
// regular process, used by the SSE follow mode of read_logs. PTY processes
// have no line-oriented log stream; use AttachTerminal for their live
// output instead.
func (m *Manager) SubscribeLogs(id string) (*broadcaster.Subscription[string], error) {
	mp, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	mp.mu.Lock()
	bus := mp.logBus
	mp.mu.Unlock()
	if bus == nil {
		return nil, errs.New(errs.PreconditionFailed, "process does not support live log streaming")
	}
	sub, err := bus.Add()
	if err != nil {
		return nil, errs.Wrap(errs.Overflow, err, "subscribe to process %s logs", id)
	}
	return sub, nil
}

// WriteInput implements write_input: delivered to the PTY master if one is
// attached, otherwise to the subprocess's stdin if it was spawned
// interactive. Neither is available, PreconditionFailed.
func (m *Manager) WriteInput(id string, data []byte) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	ptmx := mp.ptmx
	sup := mp.supervisor
	interactive := mp.info.Interactive
	mp.mu.Unlock()

	if ptmx != nil {
		mp.writeMu.Lock()
		_, werr := ptmx.Write(data)
		mp.writeMu.Unlock()
		if werr != nil {
			return errs.Wrap(errs.Internal, werr, "write terminal input")
		}
		return nil
	}
	if sup != nil && interactive {
		return sup.Write(data)
	}
	return errs.New(errs.PreconditionFailed, "process does not accept input")
}

// Resize implements resize: only valid with a live PTY; serialized per
// process so concurrent resize calls can't race the underlying ioctl.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}

	mp.resizeMu.Lock()
	defer mp.resizeMu.Unlock()

	mp.mu.Lock()
	ptmx := mp.ptmx
	mp.mu.Unlock()
	if ptmx == nil {
		return errs.New(errs.PreconditionFailed, "process does not have a PTY")
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return errs.Wrap(errs.Internal, err, "resize terminal")
	}

	mp.mu.Lock()
	mp.info.TerminalSize = &TerminalSize{Cols: cols, Rows: rows}
	mp.mu.Unlock()
	return nil
}

// TerminalAttachment is the bidirectional handle returned by AttachTerminal:
// a live subscription to the PTY's raw output plus input/resize delegates
// and an exit signal, for the transport layer's WebSocket loop to drive.
type TerminalAttachment struct {
	manager *Manager
	id      string
	sub     *broadcaster.Subscription[[]byte]
	done    <-chan struct{}
}

// Output returns the channel of raw PTY output chunks.
func (a *TerminalAttachment) Output() <-chan []byte { return a.sub.C() }

// Overflowed reports whether this attachment was dropped for falling
// behind the PTY's output rate.
func (a *TerminalAttachment) Overflowed() <-chan struct{} { return a.sub.Overflowed() }

// Done is closed once the underlying process has exited.
func (a *TerminalAttachment) Done() <-chan struct{} { return a.done }

// ExitCode returns the process's exit code once Done has fired, nil before
// then or if the process is not found.
func (a *TerminalAttachment) ExitCode() *int {
	info, err := a.manager.Get(a.id)
	if err != nil {
		return nil
	}
	return info.ExitCode
}

// WriteInput forwards to Manager.WriteInput for this attachment's process.
func (a *TerminalAttachment) WriteInput(data []byte) error {
	return a.manager.WriteInput(a.id, data)
}

// Resize forwards to Manager.Resize for this attachment's process.
func (a *TerminalAttachment) Resize(cols, rows uint16) error {
	return a.manager.Resize(a.id, cols, rows)
}

// Release unsubscribes this attachment from the PTY's output broadcaster,
// freeing its slot against the 256-subscriber cap.
func (a *TerminalAttachment) Release() {
	mp, err := a.manager.lookup(a.id)
	if err != nil {
		return
	}
	mp.mu.Lock()
	bus := mp.outputBus
	mp.mu.Unlock()
	if bus != nil {
		bus.Remove(a.sub.ID)
	}
}

// AttachTerminal implements attach_terminal: fails with PreconditionFailed
// if the process has no live PTY, either because it was never spawned with
// tty=true or because it has already exited.
func (m *Manager) AttachTerminal(id string) (*TerminalAttachment, error) {
	mp, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	mp.mu.Lock()
	bus := mp.outputBus
	mp.mu.Unlock()
	if bus == nil {
		return nil, errs.New(errs.PreconditionFailed, "process does not have an active PTY")
	}

	sub, err := bus.Add()
	if err != nil {
		return nil, errs.Wrap(errs.Overflow, err, "attach terminal for process %s", id)
	}
	return &TerminalAttachment{manager: m, id: id, sub: sub, done: mp.done}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
