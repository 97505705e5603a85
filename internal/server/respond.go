package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are ignored so
// older clients keep working.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

func compile(name, schema string) (*jsonschema.Schema, error) {
	url := "https://parley.local/schemas/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("server: add schema %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("server: compile schema %s: %w", name, err)
	}
	return s, nil
}

var (
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
	fenceRe  = regexp.MustCompile("(?s)^```(?:json)?\\s*|\\s*```$")
)

// extractJSON finds the outermost {...} in a model reply, decodes it into
// out and checks it against schema.
func extractJSON(raw string, schema *jsonschema.Schema, out any) error {
	m := objectRe.FindString(fenceRe.ReplaceAllString(strings.TrimSpace(raw), ""))
	if m == "" {
		return errors.New("no JSON object in reply")
	}
	var doc any
	if err := json.Unmarshal([]byte(m), &doc); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("reply does not match schema: %w", err)
	}
	if err := json.Unmarshal([]byte(m), out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
