// Package agentserver manages long-lived agent server processes: for agent
// kinds that expose a local HTTP server (OpenCode is the only one in the
// current agent set), it owns a single child process per kind, allocates it
// a free port from a configured range, and drives a
// NotStarted -> Starting -> Healthy <-> Unhealthy -> Stopped state machine
// from periodic HTTP health probes, with a health-probe goroutine and an
// exit-watch goroutine per process sharing one cancel channel.
package agentserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandboxlabs/agentd/internal/clock"
	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/process"
	"github.com/sandboxlabs/agentd/internal/ues"
)

// State is one of the five states in the manager's state machine.
type State string

const (
	NotStarted State = "not_started"
	Starting   State = "starting"
	Healthy    State = "healthy"
	Unhealthy  State = "unhealthy"
	Stopped    State = "stopped"
)

// ServerSpec describes how to launch and health-check one agent kind's
// shared server.
type ServerSpec struct {
	Kind ues.AgentKind

	// BuildArgs receives the allocated port and returns the subprocess
	// argv. BinaryPath is spawned with these args.
	BinaryPath string
	BuildArgs  func(port int) []string

	HealthPath      string
	HealthPeriod    time.Duration
	HealthTimeout   time.Duration
	StartTimeout    time.Duration // how long EnsureStarted blocks while Starting/Unhealthy
	GracefulTimeout time.Duration
}

// Status is a snapshot of one managed server's state.
type Status struct {
	Kind         ues.AgentKind
	State        State
	BaseURL      string
	StartedAt    time.Time
	Uptime       time.Duration
	RestartCount int
	LastError    string
}

type managedServer struct {
	spec ServerSpec

	mu           sync.Mutex
	state        State
	baseURL      string
	sup          *process.Supervisor
	startedAt    time.Time
	restartCount int
	lastErr      error
	healthCancel chan struct{}
}

// Manager owns zero or more managedServers, one per agent kind that has a
// registered ServerSpec. It is one of the daemon's process-wide singletons,
// alongside the Session Manager.
type Manager struct {
	clock clock.Clock

	mu      sync.Mutex
	servers map[ues.AgentKind]*managedServer
	specs   map[ues.AgentKind]ServerSpec

	group singleflight.Group

	portMu   sync.Mutex
	portLo   int
	portHi   int
	portNext int
}

// New constructs a Manager allocating ports in [portLo, portHi].
func New(clk clock.Clock, portLo, portHi int) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:    clk,
		servers:  make(map[ues.AgentKind]*managedServer),
		specs:    make(map[ues.AgentKind]ServerSpec),
		portLo:   portLo,
		portHi:   portHi,
		portNext: portLo,
	}
}

// Register installs the spec for kind. Must be called before EnsureStarted
// is ever invoked for that kind.
func (m *Manager) Register(spec ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Kind] = spec
}

// EnsureStarted starts kind's server if absent (collapsing concurrent
// callers via singleflight), then blocks until it reports Healthy or until
// spec.StartTimeout elapses, whichever first. Returns the server's base
// URL on success.
func (m *Manager) EnsureStarted(ctx context.Context, kind ues.AgentKind) (string, error) {
	m.mu.Lock()
	spec, ok := m.specs[kind]
	srv := m.servers[kind]
	m.mu.Unlock()
	if !ok {
		return "", errs.New(errs.NotFound, "no shared server registered for agent kind %s", kind)
	}

	if srv == nil {
		if _, err, _ := m.group.Do(string(kind), func() (any, error) {
			return nil, m.start(kind, spec)
		}); err != nil {
			return "", err
		}
		m.mu.Lock()
		srv = m.servers[kind]
		m.mu.Unlock()
	}

	return m.awaitHealthy(ctx, srv, spec)
}

func (m *Manager) awaitHealthy(ctx context.Context, srv *managedServer, spec ServerSpec) (string, error) {
	deadline := m.clock.NewTimer(spec.StartTimeout)
	defer deadline.Stop()

	poll := m.clock.NewTimer(50 * time.Millisecond)
	defer poll.Stop()

	for {
		srv.mu.Lock()
		state := srv.state
		baseURL := srv.baseURL
		lastErr := srv.lastErr
		srv.mu.Unlock()

		switch state {
		case Healthy:
			return baseURL, nil
		case Stopped:
			return "", errs.New(errs.AdapterStart, "shared server for %s is stopped", srv.spec.Kind)
		}

		select {
		case <-deadline.C():
			if lastErr != nil {
				return "", errs.Wrap(errs.Timeout, lastErr, "shared server for %s did not become healthy", srv.spec.Kind)
			}
			return "", errs.New(errs.Timeout, "shared server for %s did not become healthy in time", srv.spec.Kind)
		case <-poll.C():
			poll.Reset(50 * time.Millisecond)
		case <-ctx.Done():
			return "", errs.Wrap(errs.Timeout, ctx.Err(), "context canceled waiting for shared server")
		}
	}
}

func (m *Manager) start(kind ues.AgentKind, spec ServerSpec) error {
	m.mu.Lock()
	if existing := m.servers[kind]; existing != nil {
		m.mu.Unlock()
		return nil
	}
	port, err := m.allocatePort()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	srv := &managedServer{
		spec:         spec,
		state:        Starting,
		baseURL:      fmt.Sprintf("http://127.0.0.1:%d", port),
		healthCancel: make(chan struct{}),
	}
	m.servers[kind] = srv
	m.mu.Unlock()

	sup := process.New(process.Spec{
		Path:            spec.BinaryPath,
		Args:            spec.BuildArgs(port),
		GracefulTimeout: spec.GracefulTimeout,
	}, m.clock)

	if err := sup.Start(context.Background(), process.Handlers{}); err != nil {
		srv.mu.Lock()
		srv.state = Stopped
		srv.lastErr = err
		srv.mu.Unlock()
		return err
	}

	srv.mu.Lock()
	srv.sup = sup
	srv.startedAt = m.clock.Now()
	srv.mu.Unlock()

	go m.healthLoop(srv)
	go m.watchExit(kind, srv)

	return nil
}

func (m *Manager) watchExit(kind ues.AgentKind, srv *managedServer) {
	<-srv.sup.Done()
	srv.mu.Lock()
	if srv.state != Stopped {
		srv.state = Unhealthy
		srv.lastErr = errs.New(errs.AdapterFatal, "shared server process for %s exited", kind)
	}
	srv.mu.Unlock()
	close(srv.healthCancel)
}

func (m *Manager) healthLoop(srv *managedServer) {
	period := srv.spec.HealthPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	timer := m.clock.NewTimer(period)
	defer timer.Stop()

	client := &http.Client{Timeout: srv.spec.HealthTimeout}
	if client.Timeout <= 0 {
		client.Timeout = 2 * time.Second
	}

	for {
		select {
		case <-srv.healthCancel:
			return
		case <-timer.C():
			m.probe(srv, client)
			timer.Reset(period)
		}
	}
}

func (m *Manager) probe(srv *managedServer, client *http.Client) {
	srv.mu.Lock()
	url := srv.baseURL + srv.spec.HealthPath
	srv.mu.Unlock()

	resp, err := client.Get(url)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err != nil {
		srv.lastErr = err
		if srv.state != Stopped {
			srv.state = Unhealthy
		}
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		srv.state = Healthy
		srv.lastErr = nil
	} else {
		srv.state = Unhealthy
		srv.lastErr = fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
}

// Restart explicitly stops and relaunches kind's server, incrementing its
// restart count.
func (m *Manager) Restart(ctx context.Context, kind ues.AgentKind) error {
	m.mu.Lock()
	srv := m.servers[kind]
	spec, ok := m.specs[kind]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "no shared server registered for agent kind %s", kind)
	}

	restarts := 0
	if srv != nil {
		srv.mu.Lock()
		srv.state = Stopped
		restarts = srv.restartCount + 1
		sup := srv.sup
		srv.mu.Unlock()
		if sup != nil {
			// watchExit closes srv.healthCancel once sup has exited.
			sup.Stop(ctx)
		}
	}

	m.mu.Lock()
	delete(m.servers, kind)
	m.mu.Unlock()

	if err := m.start(kind, spec); err != nil {
		return err
	}

	m.mu.Lock()
	newSrv := m.servers[kind]
	m.mu.Unlock()
	if newSrv != nil {
		newSrv.mu.Lock()
		newSrv.restartCount = restarts
		newSrv.mu.Unlock()
	}
	return nil
}

// Status returns a snapshot of kind's server, or NotStarted if it has never
// been started.
func (m *Manager) Status(kind ues.AgentKind) Status {
	m.mu.Lock()
	srv := m.servers[kind]
	m.mu.Unlock()

	if srv == nil {
		return Status{Kind: kind, State: NotStarted}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	st := Status{
		Kind:         kind,
		State:        srv.state,
		BaseURL:      srv.baseURL,
		StartedAt:    srv.startedAt,
		RestartCount: srv.restartCount,
	}
	if !srv.startedAt.IsZero() {
		st.Uptime = m.clock.Now().Sub(srv.startedAt)
	}
	if srv.lastErr != nil {
		st.LastError = srv.lastErr.Error()
	}
	return st
}

// Shutdown stops every managed server.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	servers := make([]*managedServer, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()

	for _, srv := range servers {
		srv.mu.Lock()
		srv.state = Stopped
		sup := srv.sup
		srv.mu.Unlock()
		if sup != nil {
			sup.Stop(ctx)
		}
	}
}

func (m *Manager) allocatePort() (int, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	for attempt := 0; attempt < (m.portHi - m.portLo + 1); attempt++ {
		port := m.portNext
		m.portNext++
		if m.portNext > m.portHi {
			m.portNext = m.portLo
		}
		if portFree(port) {
			return port, nil
		}
	}
	return 0, errs.New(errs.Internal, "no free port in range [%d,%d]", m.portLo, m.portHi)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
