package tts

import (
	"errors"
	"strings"
	"testing"
)

func TestPrepareText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		max     int
		want    string
		wantErr error
	}{
		{name: "plain", in: "Hello there.", want: "Hello there."},
		{name: "emoji stripped", in: "  Great job! 🎉👍 Keep going ☀️ ", want: "Great job!  Keep going"},
		{name: "only emoji", in: "😀🚀", wantErr: ErrEmptyText},
		{name: "blank", in: "   \n", wantErr: ErrEmptyText},
		{name: "capped", in: "абвгдеж", max: 3, want: "абв…"},
		{name: "exact cap", in: "abc", max: 3, want: "abc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := PrepareText(tc.in, tc.max)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPrepareText_DefaultCap(t *testing.T) {
	t.Parallel()
	got, err := PrepareText(strings.Repeat("a", DefaultMaxChars+10), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(got)); n != DefaultMaxChars+1 {
		t.Errorf("length = %d, want %d", n, DefaultMaxChars+1)
	}
}
