package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sandboxlabs/agentd/internal/ues"
)

// handleEventsSSE implements GET /sessions/{id}/events/sse?offset=N: a
// replay-then-live hand-off over a Server-Sent Events stream, written
// directly against http.Flusher.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
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
	defer s.sessions.Unsubscribe(id, sub.Live)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, fmt.Errorf("internal: streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range sub.Replay {
		if !writeSSEEvent(w, e) {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Live.Overflowed():
			fmt.Fprintf(w, "event: error\ndata: {\"detail\":\"subscriber overflow, reconnect with a fresh offset\"}\n\n")
			flusher.Flush()
			return
		case e, open := <-sub.Live.C():
			if !open {
				fmt.Fprintf(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if !writeSSEEvent(w, e) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e ues.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return true
	}
	_, werr := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return werr == nil
}
