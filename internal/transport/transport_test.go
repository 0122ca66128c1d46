package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlabs/agentd/internal/ptyproc"
	"github.com/sandboxlabs/agentd/internal/session"
	"github.com/sandboxlabs/agentd/internal/ues"
)

func newTestServer() (*Server, *session.Manager) {
	sessions := session.NewManager(session.Options{MaxSessions: 10})
	processes := ptyproc.NewManager(ptyproc.Options{})
	srv := New(sessions, nil, processes, "")
	return srv, sessions
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer()
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var sessions []*session.Session
	json.NewDecoder(w.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestServer_CreateSessionBadBody(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions/abc", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateSessionMissingWorkingDir(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	body := `{"agentKind":"mock"}`
	req := httptest.NewRequest("POST", "/sessions/abc", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	body := `{"agentKind":"mock","workingDir":"/tmp"}`
	req := httptest.NewRequest("POST", "/sessions/abc", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/sessions/abc", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	var p problem
	json.NewDecoder(w.Body).Decode(&p)
	if p.Status != http.StatusNotFound {
		t.Errorf("expected problem status 404, got %d", p.Status)
	}
}

func TestServer_PostMessageBadBody(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions/abc/messages", strings.NewReader("bad"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_DeleteSessionNotFound(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("DELETE", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SpawnProcessBadBody(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/processes", strings.NewReader("bad"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_GetProcessNotFound(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/processes/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for OPTIONS preflight, got %d", w.Code)
	}
}

func TestServer_SessionStream(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	body := `{"agentKind":"mock","workingDir":"/tmp"}`
	req := httptest.NewRequest("POST", "/sessions/ws-test", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session failed: %d %s", w.Code, w.Body.String())
	}

	httpSrv := httptest.NewServer(handler)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/sessions/ws-test/stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	action := sessionAction{Action: "message", TurnID: "t1", Message: "hello"}
	data, _ := json.Marshal(action)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var evt ues.Event
	if err := json.Unmarshal(respData, &evt); err != nil {
		t.Fatalf("expected a ues.Event frame, got %s: %v", respData, err)
	}
}

func TestServer_SessionStreamInvalidAction(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.Handler()

	body := `{"agentKind":"mock","workingDir":"/tmp"}`
	req := httptest.NewRequest("POST", "/sessions/ws-invalid", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session failed: %d %s", w.Code, w.Body.String())
	}

	httpSrv := httptest.NewServer(handler)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/sessions/ws-invalid/stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var p problem
	if err := json.Unmarshal(respData, &p); err != nil {
		t.Fatalf("expected a problem frame, got %s: %v", respData, err)
	}
	if p.Title != "bad_request" && p.Status == 0 {
		t.Errorf("expected a problem body, got %+v", p)
	}
}
