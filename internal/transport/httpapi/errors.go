package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/pkg/memory"
)

// coded is implemented by errors that carry a client-facing status.
type coded interface {
	error
	Code() int
}

// public is implemented by errors with a client-safe message.
type public interface {
	PublicMessage() string
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toErrorBody maps err onto a status and a client-safe message. Internal
// details never leave the process.
func toErrorBody(err error) errorBody {
	var c coded
	if errors.As(err, &c) {
		msg := http.StatusText(c.Code())
		var p public
		if errors.As(err, &p) {
			msg = p.PublicMessage()
		}
		return errorBody{Code: c.Code(), Message: msg}
	}
	if errors.Is(err, memory.ErrNotFound) {
		return errorBody{Code: http.StatusNotFound, Message: "Not found"}
	}
	return errorBody{Code: http.StatusInternalServerError, Message: "Internal server error"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := toErrorBody(err)
	if body.Code >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("httpapi: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, body.Code, body)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Code: status, Message: msg})
}
