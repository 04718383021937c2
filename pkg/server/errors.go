package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Vortrix5/echogarden/pkg/qa"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

// Error kinds surfaced to API callers.
const (
	KindInvalidInput          = "invalid_input"
	KindNotFound              = "not_found"
	KindUnauthorized          = "unauthorized"
	KindConflict              = "conflict"
	KindDependencyUnavailable = "dependency_unavailable"
	KindTimeout               = "timeout"
	KindInternal              = "internal"
)

var kindStatus = map[string]int{
	KindInvalidInput:          http.StatusBadRequest,
	KindNotFound:              http.StatusNotFound,
	KindUnauthorized:          http.StatusUnauthorized,
	KindConflict:              http.StatusConflict,
	KindDependencyUnavailable: http.StatusServiceUnavailable,
	KindTimeout:               http.StatusGatewayTimeout,
	KindInternal:              http.StatusInternalServerError,
}

type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, kind, message string) {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Kind: kind, Message: message})
}

// writeFailure classifies an error into an API kind.
func writeFailure(w http.ResponseWriter, err error) {
	var rejected *qa.ErrRejectedInput
	switch {
	case errors.As(err, &rejected):
		writeError(w, KindInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, KindNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, KindTimeout, err.Error())
	default:
		writeError(w, KindInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into v, rejecting unparseable input.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}
