package transport

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxlabs/agentd/internal/errs"
)

// problem is an RFC 9457-shaped problem-details body, used for both REST
// error responses and WS/SSE error-typed messages.
type problem struct {
	Type   string   `json:"type"`
	Title  string   `json:"title"`
	Status int      `json:"status"`
	Detail string   `json:"detail"`
	Errors []string `json:"errors,omitempty"`
}

var kindStatus = map[errs.Kind]int{
	errs.NotFound:           http.StatusNotFound,
	errs.Conflict:           http.StatusConflict,
	errs.PreconditionFailed: http.StatusPreconditionFailed,
	errs.AdapterStart:       http.StatusBadGateway,
	errs.AdapterParse:       http.StatusBadGateway,
	errs.AdapterFatal:       http.StatusBadGateway,
	errs.Timeout:            http.StatusGatewayTimeout,
	errs.Overflow:           http.StatusServiceUnavailable,
	errs.Internal:           http.StatusInternalServerError,
}

func problemFor(err error) problem {
	kind := errs.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return problem{
		Type:   "https://agentd.dev/problems/" + string(kind),
		Title:  string(kind),
		Status: status,
		Detail: err.Error(),
	}
}

func writeProblem(w http.ResponseWriter, err error) {
	p := problemFor(err)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, problem{
		Type:   "https://agentd.dev/problems/bad_request",
		Title:  "bad_request",
		Status: http.StatusBadRequest,
		Detail: detail,
	})
}
