package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxlabs/agentd/internal/agentserver"
	"github.com/sandboxlabs/agentd/internal/config"
	"github.com/sandboxlabs/agentd/internal/ptyproc"
	"github.com/sandboxlabs/agentd/internal/session"
	"github.com/sandboxlabs/agentd/internal/transport"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentd HTTP/WebSocket/SSE server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	sessions := session.NewManager(session.Options{
		MaxSessions:           cfg.MaxSessions,
		UnparsedRateThreshold: cfg.UnparsedRateThreshold,
		UnparsedRateWindow:    time.Duration(cfg.UnparsedRateWindow) * time.Second,
		SubprocessTimeout:     cfg.SubprocessTimeout,
	})

	servers := agentserver.New(nil, cfg.SharedServerPortRangeStart, cfg.SharedServerPortRangeEnd)
	servers.Register(agentserver.ServerSpec{
		Kind:            ues.AgentOpenCode,
		BinaryPath:      cfg.OpenCodeBinary,
		BuildArgs:       func(port int) []string { return []string{"serve", "--port", fmt.Sprintf("%d", port)} },
		HealthPath:      "/health",
		HealthPeriod:    cfg.SharedServerHealthPeriod,
		HealthTimeout:   5 * time.Second,
		StartTimeout:    cfg.SharedServerStartTimeout,
		GracefulTimeout: cfg.GracefulTimeout,
	})

	processes := ptyproc.NewManager(ptyproc.Options{LogDir: cfg.ProcessLogDir})

	srv := transport.New(sessions, servers, processes, cfg.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")
		shutdown(sessions, servers, processes)
		httpServer.Close()
	}()

	log.Printf("agentd listening on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// shutdown terminates every active session concurrently (errgroup fan-in),
// kills every running managed process, and stops any shared agent server.
func shutdown(sessions *session.Manager, servers *agentserver.Manager, processes *ptyproc.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, sess := range sessions.ListSessions() {
		id := sess.ID
		g.Go(func() error {
			return sessions.Terminate(ctx, id, ues.EndTerminated)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("error terminating sessions: %v", err)
	}

	for _, p := range processes.List() {
		if p.Status == ptyproc.StatusRunning || p.Status == ptyproc.StatusStarting {
			if err := processes.Kill(p.ID); err != nil {
				log.Printf("error killing process %s: %v", p.ID, err)
			}
		}
	}

	servers.Shutdown(ctx)
}
