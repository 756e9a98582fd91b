package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Error kinds are machine-readable strings carried in the "error" field.
// Clients branch on these, never on the human message.
const (
	kindInvalidRequest     = "invalid_request"
	kindInvalidJSON        = "invalid_json"
	kindPayloadTooLarge    = "payload_too_large"
	kindUnauthorized       = "unauthorized"
	kindForbidden          = "forbidden"
	kindForbiddenNamespace = "forbidden_namespace"
	kindRateLimited        = "rate_limited"
	kindQueueOverloaded    = "queue_overloaded"
	kindNamespaceOverload  = "namespace_overloaded"
	kindNamespaceDisabled  = "namespace_write_disabled"
	kindThrottled          = "throttled"
	kindSampledOut         = "sampled_out"
	kindDegradedReadOnly   = "degraded_read_only"
	kindInternal           = "internal_error"
	kindNotFound           = "not_found"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *App) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("write response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	a.writeJSON(w, r, status, errorBody{Error: kind, Message: msg})
}

// decodeJSON reads one JSON document from the (already size-capped)
// body. Exceeding the cap is reported as 413 rather than a parse error
// so clients can tell "shrink the payload" from "fix the payload".
func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.writeError(w, r, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "request body too large")
			return false
		}
		a.writeError(w, r, http.StatusBadRequest, kindInvalidJSON, "malformed JSON body")
		return false
	}
	return true
}
