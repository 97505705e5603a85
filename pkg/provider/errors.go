// Package provider holds what the llm, stt and tts provider families share:
// the error shape for remote services that answer with a non-OK status.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError reports a non-OK HTTP response from a remote speech or dialogue
// service.
type StatusError struct {
	// Service names the remote endpoint, for example "stt" or "dialogue".
	Service string

	// Code is the HTTP status code.
	Code int

	// Message is the server-provided error text, if any.
	Message string

	// Reason is the machine-readable error code from the body, if any.
	Reason string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Service, e.Code)
}

// StatusCode extracts the HTTP status from err, or 0 if err does not wrap a
// [StatusError].
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ReadStatusError builds a StatusError from resp. A JSON body of the form
// {"error": "...", "code": "..."} contributes Message and Reason; any other
// body is used verbatim, trimmed.
func ReadStatusError(service string, resp *http.Response) *StatusError {
	se := &StatusError{Service: service, Code: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		se.Message = payload.Error
		se.Reason = payload.Code
		return se
	}
	se.Message = strings.TrimSpace(string(body))
	return se
}
