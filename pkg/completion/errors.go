package completion

import (
	"fmt"
	"net/http"
)

// InvalidFunctionCallError is returned when the model calls a function that
// was not declared, or omits a parameter the declaration marks as required.
// It is fatal to the request that triggered it.
type InvalidFunctionCallError struct {
	// Name is the function name the model used.
	Name string

	// Payload is the raw arguments payload.
	Payload string

	// Reason describes what was wrong with the call.
	Reason string
}

func (e *InvalidFunctionCallError) Error() string {
	return fmt.Sprintf("completion: invalid function call %q: %s", e.Name, e.Reason)
}

// Code returns the machine-readable status code surfaced to clients.
func (e *InvalidFunctionCallError) Code() int { return http.StatusInternalServerError }

// PublicMessage returns the client-safe description of the error.
func (e *InvalidFunctionCallError) PublicMessage() string {
	return "Invalid function call from AI: " + e.Name
}

type noResponseError struct{}

func (noResponseError) Error() string         { return "completion: no AI response" }
func (noResponseError) Code() int             { return http.StatusInternalServerError }
func (noResponseError) PublicMessage() string { return "No AI response" }

// ErrNoResponse is returned when the model produced neither a reply nor a
// function call. Compare with errors.Is.
var ErrNoResponse error = noResponseError{}
