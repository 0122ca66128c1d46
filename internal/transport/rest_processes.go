package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sandboxlabs/agentd/internal/ptyproc"
)

type spawnProcessRequest struct {
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	TTY          bool              `json:"tty"`
	Interactive  bool              `json:"interactive"`
	TerminalSize *ptyproc.TerminalSize `json:"terminalSize"`
}

func (s *Server) handleSpawnProcess(w http.ResponseWriter, r *http.Request) {
	var req spawnProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	info, err := s.processes.Spawn(r.Context(), ptyproc.SpawnConfig{
		Command:      req.Command,
		Args:         req.Args,
		Cwd:          req.Cwd,
		Env:          req.Env,
		TTY:          req.TTY,
		Interactive:  req.Interactive,
		TerminalSize: req.TerminalSize,
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processes.List())
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	info, err := s.processes.Get(r.PathValue("id"))
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.processes.Delete(r.PathValue("id")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.processes.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.processes.Kill(r.PathValue("id")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadLogs(w http.ResponseWriter, r *http.Request) {
	q := ptyproc.LogsQuery{Stream: r.URL.Query().Get("stream")}
	if v := r.URL.Query().Get("tail"); v != "" {
		q.Tail, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("stripTimestamps"); v != "" {
		q.StripTimestamps, _ = strconv.ParseBool(v)
	}
	resp, err := s.processes.ReadLogs(r.PathValue("id"), q)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type writeInputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleWriteInput(w http.ResponseWriter, r *http.Request) {
	var req writeInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.processes.WriteInput(r.PathValue("id"), []byte(req.Data)); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type resizeProcessRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleResizeProcess(w http.ResponseWriter, r *http.Request) {
	var req resizeProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.processes.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
