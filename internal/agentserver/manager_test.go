package agentserver

import (
	"context"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/sandboxlabs/agentd/internal/ues"
)

func TestStatusNotStarted(t *testing.T) {
	m := New(nil, 41000, 41099)
	st := m.Status(ues.AgentOpenCode)
	if st.State != NotStarted {
		t.Errorf("expected NotStarted, got %s", st.State)
	}
}

func TestEnsureStartedUnregisteredKind(t *testing.T) {
	m := New(nil, 41000, 41099)
	_, err := m.EnsureStarted(context.Background(), ues.AgentOpenCode)
	if err == nil {
		t.Fatal("expected error for unregistered agent kind")
	}
}

func TestAllocatePortStaysInRange(t *testing.T) {
	m := New(nil, 41500, 41502)
	for i := 0; i < 3; i++ {
		port, err := m.allocatePort()
		if err != nil {
			t.Fatalf("allocatePort failed: %v", err)
		}
		if port < 41500 || port > 41502 {
			t.Errorf("port %d out of range", port)
		}
	}
}

func TestEnsureStartedBecomesHealthy(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	m := New(nil, 41700, 41799)
	m.Register(ServerSpec{
		Kind:       ues.AgentOpenCode,
		BinaryPath: "python3",
		BuildArgs: func(port int) []string {
			return []string{"-m", "http.server", strconv.Itoa(port)}
		},
		HealthPath:      "/",
		HealthPeriod:    50 * time.Millisecond,
		HealthTimeout:   time.Second,
		StartTimeout:    5 * time.Second,
		GracefulTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	baseURL, err := m.EnsureStarted(ctx, ues.AgentOpenCode)
	if err != nil {
		t.Fatalf("EnsureStarted failed: %v", err)
	}
	if baseURL == "" {
		t.Fatal("expected non-empty base URL")
	}

	st := m.Status(ues.AgentOpenCode)
	if st.State != Healthy {
		t.Errorf("expected Healthy, got %s", st.State)
	}

	m.Shutdown(context.Background())
}
