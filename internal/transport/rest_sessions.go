package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sandboxlabs/agentd/internal/adapter"
	"github.com/sandboxlabs/agentd/internal/session"
	"github.com/sandboxlabs/agentd/internal/ues"
)

type createSessionRequest struct {
	AgentKind           string   `json:"agentKind"`
	Model               string   `json:"model"`
	WorkingDir          string   `json:"workingDir"`
	PermissionMode      string   `json:"permissionMode"`
	Variant             string   `json:"variant"`
	BinaryPath          string   `json:"binaryPath"`
	Env                 []string `json:"env"`
	SharedServerBaseURL string   `json:"sharedServerBaseUrl"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.AgentKind == "" || req.WorkingDir == "" {
		badRequest(w, "agentKind and workingDir are required")
		return
	}

	if req.SharedServerBaseURL == "" {
		baseURL, err := s.sharedServerBaseURL(r.Context(), ues.AgentKind(req.AgentKind))
		if err != nil {
			writeProblem(w, err)
			return
		}
		req.SharedServerBaseURL = baseURL
	}

	sess, err := s.sessions.CreateSession(r.Context(), id, session.CreateConfig{
		AgentKind:           ues.AgentKind(req.AgentKind),
		Model:               req.Model,
		WorkingDir:          req.WorkingDir,
		PermissionMode:      req.PermissionMode,
		Variant:             req.Variant,
		BinaryPath:          req.BinaryPath,
		Env:                 req.Env,
		SharedServerBaseURL: req.SharedServerBaseURL,
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.GetInfo(r.PathValue("id"))
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type attachmentRequest struct {
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	DataBase64 string `json:"dataBase64"`
}

type postMessageRequest struct {
	TurnID      string              `json:"turnId"`
	Message     string              `json:"message"`
	Attachments []attachmentRequest `json:"attachments"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.TurnID == "" {
		badRequest(w, "turnId is required")
		return
	}

	attachments := make([]adapter.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.DataBase64)
		if err != nil {
			badRequest(w, "invalid attachment data for "+a.Name)
			return
		}
		attachments = append(attachments, adapter.Attachment{Name: a.Name, MimeType: a.MimeType, Data: data})
	}

	if err := s.sessions.PostMessage(r.Context(), id, req.TurnID, req.Message, attachments); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// eventsResponse is the body of GET /sessions/{id}/events: the page of
// events plus whether the log holds more after it.
type eventsResponse struct {
	Events  []ues.Event `json:"events"`
	HasMore bool        `json:"hasMore"`
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	offset, limit := parseOffsetLimit(r)

	fetchLimit := limit
	if fetchLimit > 0 {
		fetchLimit++
	}
	events, err := s.sessions.GetEvents(id, offset, fetchLimit)
	if err != nil {
		writeProblem(w, err)
		return
	}
	hasMore := false
	if limit > 0 && len(events) > limit {
		events = events[:limit]
		hasMore = true
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, HasMore: hasMore})
}

// parseOffsetLimit reads offset and limit from the query string. offset is
// the last event id the client has already seen, exclusive; absent, it
// defaults to -1 so the first request fetches from the start of the log.
func parseOffsetLimit(r *http.Request) (int64, int) {
	offset := int64(-1)
	var limit int
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	return offset, limit
}

type replyQuestionRequest struct {
	Answers []string `json:"answers"`
}

func (s *Server) handleReplyQuestion(w http.ResponseWriter, r *http.Request) {
	var req replyQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	err := s.sessions.ReplyQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), req.Answers)
	if err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRejectQuestion(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.RejectQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"))
	if err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type replyPermissionRequest struct {
	Reply string `json:"reply"`
}

func (s *Server) handleReplyPermission(w http.ResponseWriter, r *http.Request) {
	var req replyPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	err := s.sessions.ReplyPermission(r.Context(), r.PathValue("id"), r.PathValue("pid"), ues.PermissionReply(req.Reply))
	if err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	json.NewDecoder(r.Body).Decode(&req)
	reason := ues.EndTerminated
	if req.Reason != "" {
		reason = ues.SessionEndReason(req.Reason)
	}
	if err := s.sessions.Terminate(r.Context(), r.PathValue("id"), reason); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.PathValue("id")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
