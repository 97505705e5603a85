package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "recording.webm")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/agent/stt", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSTT(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		field    string
		data     []byte
		result   stt.Transcript
		err      error
		want     int
		wantCode string
		wantText string
	}{
		{name: "ok", field: "audio", data: []byte("RIFF...."), result: stt.Transcript{Text: "hello"}, want: http.StatusOK, wantText: "hello"},
		{name: "silence is ok", field: "audio", data: []byte("RIFF...."), want: http.StatusOK},
		{name: "missing file", field: "", want: http.StatusBadRequest},
		{name: "wrong field", field: "file", data: []byte("x"), want: http.StatusBadRequest},
		{name: "empty file", field: "audio", data: nil, want: http.StatusBadRequest},
		{name: "too short", field: "audio", data: []byte("x"), err: fmt.Errorf("whisper: %w", stt.ErrAudioTooShort), want: http.StatusBadRequest, wantCode: "audio_too_short"},
		{name: "timeout", field: "audio", data: []byte("x"), err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "upstream", field: "audio", data: []byte("x"), err: errors.New("503"), want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.stt.Result, f.stt.Err = tc.result, tc.err

			rec := httptest.NewRecorder()
			f.h.ServeHTTP(rec, uploadRequest(t, tc.field, tc.data))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body)
			}
			if tc.want == http.StatusOK {
				got := decodeBody[transcribeResponse](t, rec)
				if !got.OK || got.Text != tc.wantText {
					t.Errorf("body = %+v, want ok with %q", got, tc.wantText)
				}
				return
			}
			if tc.wantCode != "" {
				if got := decodeBody[errorBody](t, rec); got.Code != tc.wantCode {
					t.Errorf("code = %q, want %q", got.Code, tc.wantCode)
				}
			}
		})
	}
}

func TestSTT_PassesAudioAndBills(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Result = stt.Transcript{Text: "hi"}
	data := bytes.Repeat([]byte{1}, 300*1024)

	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, uploadRequest(t, "audio", data))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.stt.Calls) != 1 {
		t.Fatalf("stt calls = %d", len(f.stt.Calls))
	}
	a := f.stt.Calls[0].Audio
	if len(a.Data) != len(data) || a.Filename != "recording.webm" {
		t.Errorf("audio = %d bytes %q", len(a.Data), a.Filename)
	}
	entries := f.ledger.Entries()
	if len(entries) != 1 || entries[0].Service != billing.ServiceTranscription {
		t.Fatalf("ledger = %+v", entries)
	}
	// 300 KiB at 128 KiB/s rounds up to three seconds.
	if entries[0].Usage.Duration != 3*time.Second {
		t.Errorf("billed duration = %v, want 3s", entries[0].Usage.Duration)
	}
}

func TestSTT_ReportedDurationWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Result = stt.Transcript{Text: "hi", Duration: 7 * time.Second}

	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, uploadRequest(t, "audio", []byte("x")))
	if got := f.ledger.Entries()[0].Usage.Duration; got != 7*time.Second {
		t.Errorf("billed duration = %v, want 7s", got)
	}
}

func TestTTS(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.Result = tts.Speech{Audio: []byte("ID3mp3"), MIME: "audio/mpeg"}

	rec := f.do(t, http.MethodPost, "/api/agent/tts", synthesizeRequest{Text: "  Hello there 👋  "})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "6" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `inline; filename="agent_tts.mp3"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "ID3mp3" {
		t.Errorf("body = %q", rec.Body)
	}
	call := f.tts.Calls[0]
	if call.Text != "Hello there" {
		t.Errorf("synthesized text = %q, want emoji stripped and trimmed", call.Text)
	}
	if call.Voice != "nova" {
		t.Errorf("voice = %q, want default nova", call.Voice)
	}
	entries := f.ledger.Entries()
	if len(entries) != 1 || entries[0].Service != billing.ServiceSpeech || entries[0].Usage.Characters != len("Hello there") {
		t.Errorf("ledger = %+v", entries)
	}
}

func TestTTS_VoiceAndCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.Result = tts.Speech{Audio: []byte("x")}
	long := string(bytes.Repeat([]byte("a"), 2500))

	f.do(t, http.MethodPost, "/api/agent/tts", synthesizeRequest{Text: long, Voice: "onyx"})
	call := f.tts.Calls[0]
	if call.Voice != "onyx" {
		t.Errorf("voice = %q", call.Voice)
	}
	if n := utf8.RuneCountInString(call.Text); n != tts.DefaultMaxChars+1 || !strings.HasSuffix(call.Text, "…") {
		t.Errorf("text has %d runes, want %d plus an ellipsis", n, tts.DefaultMaxChars)
	}
}

func TestTTS_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		err  error
		want int
	}{
		{"empty", "", nil, http.StatusBadRequest},
		{"only emoji", "🎉🎉", nil, http.StatusBadRequest},
		{"upstream", "hi", errors.New("quota"), http.StatusBadGateway},
		{"timeout", "hi", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.tts.Err = tc.err
			rec := f.do(t, http.MethodPost, "/api/agent/tts", synthesizeRequest{Text: tc.text})
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if len(f.ledger.Entries()) != 0 {
				t.Error("failed synthesis was billed")
			}
		})
	}
}
