// Package transport exposes every operation of the session runtime and the
// process/PTY manager over HTTP: REST, Server-Sent Events, and WebSocket.
// Each session and each process gets its own connection fan-out rather
// than broadcasting to every connected client at once.
package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sandboxlabs/agentd/internal/agentserver"
	"github.com/sandboxlabs/agentd/internal/ptyproc"
	"github.com/sandboxlabs/agentd/internal/session"
	"github.com/sandboxlabs/agentd/internal/ues"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dev posture: no browser origin restriction.
	},
}

// Server wires the session manager, the shared agent server manager, and
// the process/PTY manager to HTTP.
type Server struct {
	sessions  *session.Manager
	servers   *agentserver.Manager
	processes *ptyproc.Manager
	staticDir string
}

// New constructs a Server. staticDir, if non-empty, is served at "/" as a
// static file root (the built frontend, if any). servers may be nil if no
// agent kind in this deployment needs a shared local server.
func New(sessions *session.Manager, servers *agentserver.Manager, processes *ptyproc.Manager, staticDir string) *Server {
	return &Server{sessions: sessions, servers: servers, processes: processes, staticDir: staticDir}
}

// sharedServerBaseURL ensures kind's shared server (if any is registered)
// is healthy and returns its base URL, a no-op returning "" for agent kinds
// that run as a subprocess per session instead.
func (s *Server) sharedServerBaseURL(ctx context.Context, kind ues.AgentKind) (string, error) {
	if s.servers == nil || kind != ues.AgentOpenCode {
		return "", nil
	}
	return s.servers.EnsureStarted(ctx, kind)
}

// Handler returns an http.Handler with every session, process, and
// terminal route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions/{id}", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /sessions/{id}/events/sse", s.handleEventsSSE)
	mux.HandleFunc("POST /sessions/{id}/questions/{qid}/reply", s.handleReplyQuestion)
	mux.HandleFunc("POST /sessions/{id}/questions/{qid}/reject", s.handleRejectQuestion)
	mux.HandleFunc("POST /sessions/{id}/permissions/{pid}/reply", s.handleReplyPermission)
	mux.HandleFunc("POST /sessions/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("/sessions/{id}/stream", s.handleSessionStream)

	mux.HandleFunc("GET /processes", s.handleListProcesses)
	mux.HandleFunc("POST /processes", s.handleSpawnProcess)
	mux.HandleFunc("GET /processes/{id}", s.handleGetProcess)
	mux.HandleFunc("DELETE /processes/{id}", s.handleDeleteProcess)
	mux.HandleFunc("POST /processes/{id}/stop", s.handleStopProcess)
	mux.HandleFunc("POST /processes/{id}/kill", s.handleKillProcess)
	mux.HandleFunc("GET /processes/{id}/logs", s.handleReadLogs)
	mux.HandleFunc("POST /processes/{id}/input", s.handleWriteInput)
	mux.HandleFunc("POST /processes/{id}/resize", s.handleResizeProcess)
	mux.HandleFunc("/processes/{id}/terminal", s.handleTerminalStream)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
