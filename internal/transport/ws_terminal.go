package transport

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/ptyproc"
)

// handleTerminalStream implements GET /processes/{id}/terminal: a
// bidirectional PTY attach surface translated from terminal.rs's
// upgrade-then-two-goroutine forward loop (forward_output_to_ws plus the
// inbound read loop), carrying ptyproc.TerminalMessage frames instead of
// terminal.rs's four-variant enum.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	info, err := s.processes.Get(id)
	if err != nil {
		writeProblem(w, err)
		return
	}
	if !info.TTY {
		writeProblem(w, errs.New(errs.PreconditionFailed, "process %s does not have a PTY allocated", id))
		return
	}

	attachment, err := s.processes.AttachTerminal(id)
	if err != nil {
		writeProblem(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("terminal stream upgrade error: %v", err)
		attachment.Release()
		return
	}

	tc := &terminalClient{conn: conn, attachment: attachment, closed: make(chan struct{})}
	go tc.forwardOutput()
	tc.readLoop()
}

type terminalClient struct {
	conn       *websocket.Conn
	attachment *ptyproc.TerminalAttachment
	closed     chan struct{}
}

func (tc *terminalClient) forwardOutput() {
	defer tc.attachment.Release()

	for {
		select {
		case chunk, ok := <-tc.attachment.Output():
			if !ok {
				tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalExit, Code: tc.attachment.ExitCode()})
				tc.conn.Close()
				return
			}
			tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalData, Data: base64.StdEncoding.EncodeToString(chunk)})
		case <-tc.attachment.Overflowed():
			tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalError, Message: "terminal output subscriber overflow"})
			tc.conn.Close()
			return
		case <-tc.attachment.Done():
			tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalExit, Code: tc.attachment.ExitCode()})
			tc.conn.Close()
			return
		case <-tc.closed:
			return
		}
	}
}

func (tc *terminalClient) sendTerminal(msg ptyproc.TerminalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	tc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	tc.conn.WriteMessage(websocket.TextMessage, data)
}

func (tc *terminalClient) readLoop() {
	defer func() {
		close(tc.closed)
		tc.conn.Close()
	}()

	for {
		_, raw, err := tc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("terminal stream read error: %v", err)
			}
			return
		}

		var msg ptyproc.TerminalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case ptyproc.TerminalInput:
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalError, Message: "invalid base64 input data"})
				continue
			}
			if err := tc.attachment.WriteInput(data); err != nil {
				tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalError, Message: err.Error()})
			}
		case ptyproc.TerminalResize:
			if err := tc.attachment.Resize(msg.Cols, msg.Rows); err != nil {
				tc.sendTerminal(ptyproc.TerminalMessage{Type: ptyproc.TerminalError, Message: err.Error()})
			}
		default:
			// Ignore other message types from the client, matching
			// terminal.rs's inbound match arm.
		}
	}
}
