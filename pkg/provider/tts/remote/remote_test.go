package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/remote"
)

func TestSynthesize(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != remote.Path {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	p, _ := remote.New(srv.URL)
	sp, err := p.Synthesize(context.Background(), "  Hello  ", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(sp.Audio) != "mp3" || sp.MIME != "audio/mpeg" {
		t.Errorf("speech = %q %q", sp.Audio, sp.MIME)
	}
	if got["text"] != "Hello" || got["voice"] != tts.DefaultVoice {
		t.Errorf("request = %v", got)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Text is required"}`))
	}))
	defer srv.Close()

	p, _ := remote.New(srv.URL)
	_, err := p.Synthesize(context.Background(), "x", "nova")
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != 400 || se.Message != "Text is required" {
		t.Fatalf("err = %v", err)
	}
	if _, err := p.Synthesize(context.Background(), " ", ""); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
