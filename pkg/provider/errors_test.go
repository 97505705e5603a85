package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestReadStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantMsg    string
		wantReason string
	}{
		{"json", `{"error":"Слишком короткое аудио","code":"audio_too_short"}`, "Слишком короткое аудио", "audio_too_short"},
		{"plain", "  upstream timeout \n", "upstream timeout", ""},
		{"empty", "", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{StatusCode: 400, Body: io.NopCloser(strings.NewReader(tc.body))}
			se := ReadStatusError("stt", resp)
			if se.Code != 400 || se.Message != tc.wantMsg || se.Reason != tc.wantReason {
				t.Errorf("got %+v", se)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", &StatusError{Service: "tts", Code: 502})
	if got := StatusCode(err); got != 502 {
		t.Errorf("StatusCode = %d, want 502", got)
	}
	if got := StatusCode(io.EOF); got != 0 {
		t.Errorf("StatusCode(EOF) = %d, want 0", got)
	}
	if got := (&StatusError{Service: "tts", Code: 502}).Error(); got != "tts: HTTP 502" {
		t.Errorf("Error() = %q", got)
	}
}
