package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlabs/agentd/internal/adapter"
	"github.com/sandboxlabs/agentd/internal/broadcaster"
	"github.com/sandboxlabs/agentd/internal/ues"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// sessionClient is one WebSocket connection to a single session's event
// stream, scoped to exactly one session's /sessions/{id}/stream.
type sessionClient struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	server    *Server
	sub       *broadcaster.Subscription[ues.Event]
}

// sessionAction is the client-to-server envelope over the session stream:
// post a message, or resolve a pending question/permission.
type sessionAction struct {
	Action      string              `json:"action"`
	TurnID      string              `json:"turnId,omitempty"`
	Message     string              `json:"message,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
	RequestID   string              `json:"requestId,omitempty"`
	Answers     []string            `json:"answers,omitempty"`
	Reply       string              `json:"reply,omitempty"`
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	offset := int64(-1)
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.ParseInt(v, 10, 64)
	}

	sub, err := s.sessions.Subscribe(id, offset)
	if err != nil {
		writeProblem(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session stream upgrade error: %v", err)
		s.sessions.Unsubscribe(id, sub.Live)
		return
	}

	c := &sessionClient{conn: conn, send: make(chan []byte, 256), sessionID: id, server: s, sub: sub.Live}

	go c.writePump()
	go c.readPump()
	go c.pumpLive(sub.Replay)
}

// pumpLive sends the replay slice first, then forwards the live
// subscription until it closes or overflows.
func (c *sessionClient) pumpLive(replay []ues.Event) {
	for _, e := range replay {
		c.sendEvent(e)
	}
	for {
		select {
		case e, ok := <-c.sub.C():
			if !ok {
				close(c.send)
				return
			}
			c.sendEvent(e)
		case <-c.sub.Overflowed():
			c.sendProblem(problem{
				Type:   "https://agentd.dev/problems/overflow",
				Title:  "overflow",
				Status: http.StatusServiceUnavailable,
				Detail: "subscriber overflow, reconnect with a fresh offset",
			})
			close(c.send)
			return
		}
	}
}

func (c *sessionClient) sendEvent(e ues.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *sessionClient) sendProblem(p problem) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *sessionClient) sendProblemFor(err error) {
	c.sendProblem(problemFor(err))
}

func (c *sessionClient) sendBadRequest(detail string) {
	c.sendProblem(problem{
		Type:   "https://agentd.dev/problems/bad_request",
		Title:  "bad_request",
		Status: http.StatusBadRequest,
		Detail: detail,
	})
}

func (c *sessionClient) readPump() {
	defer func() {
		c.server.sessions.Unsubscribe(c.sessionID, c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session stream read error: %v", err)
			}
			return
		}
		c.handleAction(message)
	}
}

func (c *sessionClient) handleAction(raw []byte) {
	var action sessionAction
	if err := json.Unmarshal(raw, &action); err != nil {
		c.sendBadRequest("invalid client action: " + err.Error())
		return
	}

	ctx := context.Background()
	switch action.Action {
	case "message":
		attachments := make([]adapter.Attachment, 0, len(action.Attachments))
		for _, a := range action.Attachments {
			data, err := base64.StdEncoding.DecodeString(a.DataBase64)
			if err != nil {
				c.sendBadRequest("invalid attachment data for " + a.Name)
				continue
			}
			attachments = append(attachments, adapter.Attachment{Name: a.Name, MimeType: a.MimeType, Data: data})
		}
		if err := c.server.sessions.PostMessage(ctx, c.sessionID, action.TurnID, action.Message, attachments); err != nil {
			c.sendProblemFor(err)
		}
	case "reply_question":
		if err := c.server.sessions.ReplyQuestion(ctx, c.sessionID, action.RequestID, action.Answers); err != nil {
			c.sendProblemFor(err)
		}
	case "reject_question":
		if err := c.server.sessions.RejectQuestion(ctx, c.sessionID, action.RequestID); err != nil {
			c.sendProblemFor(err)
		}
	case "reply_permission":
		if err := c.server.sessions.ReplyPermission(ctx, c.sessionID, action.RequestID, ues.PermissionReply(action.Reply)); err != nil {
			c.sendProblemFor(err)
		}
	default:
		c.sendBadRequest("unknown action: " + action.Action)
	}
}

func (c *sessionClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
