package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/billing"
)

func TestCost(t *testing.T) {
	t.Parallel()

	rates := billing.DefaultRates()
	tests := []struct {
		name    string
		service string
		usage   billing.Usage
		want    float64
	}{
		{"one minute of audio", billing.ServiceTranscription, billing.Usage{Duration: time.Minute}, 1.84},
		{"short audio rounds up to a kopeck", billing.ServiceTranscription, billing.Usage{Duration: 2 * time.Second}, 0.07},
		{"one million characters", billing.ServiceSpeech, billing.Usage{Characters: 1_000_000}, 4620.74},
		{"a sentence of speech", billing.ServiceSpeech, billing.Usage{Characters: 40}, 0.19},
		{"chat in and out", billing.ServiceChat, billing.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 215.56},
		{"tiny chat", billing.ServiceChat, billing.Usage{InputTokens: 10, OutputTokens: 5}, 0.01},
		{"nothing used", billing.ServiceChat, billing.Usage{}, 0},
		{"irrelevant fields ignored", billing.ServiceSpeech, billing.Usage{InputTokens: 1_000_000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := rates.Cost(tt.service, tt.usage)
			if err != nil {
				t.Fatalf("Cost: %v", err)
			}
			if got != tt.want {
				t.Errorf("Cost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCost_UnknownService(t *testing.T) {
	t.Parallel()
	if _, err := billing.DefaultRates().Cost("gpt-5", billing.Usage{InputTokens: 1}); !errors.Is(err, billing.ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestRoundUp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.0001, 0.01},
		{0.01, 0.01},
		{0.011, 0.02},
		{1.84, 1.84},
		{4620.74, 4620.74},
	}
	for _, tt := range tests {
		if got := billing.RoundUp(tt.in); got != tt.want {
			t.Errorf("RoundUp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"":           0,
		"abc":        1,
		"abcd":       1,
		"abcde":      2,
		"привет мир": 3,
	}
	for in, want := range tests {
		if got := billing.EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := billing.NewLedger(billing.DefaultRates().Merge(billing.RateTable{
		"flat": {PerMinute: 60},
	}))

	if got := l.Charge(ctx, billing.ServiceTranscription, billing.Usage{Duration: time.Minute}); got != 1.84 {
		t.Errorf("charge = %v", got)
	}
	l.Charge(ctx, "flat", billing.Usage{Duration: time.Second})
	if got := l.Charge(ctx, "unknown", billing.Usage{Characters: 10}); got != 0 {
		t.Errorf("unknown service charged %v", got)
	}

	if n := len(l.Entries()); n != 2 {
		t.Fatalf("entries = %d, want 2", n)
	}
	if got := l.Total(); got != 2.84 {
		t.Errorf("Total = %v, want 2.84", got)
	}
	if got := l.Total("flat"); got != 1 {
		t.Errorf("Total(flat) = %v, want 1", got)
	}
}

func TestLedger_SetRates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := billing.NewLedger(nil)
	l.SetRates(billing.RateTable{billing.ServiceTranscription: {PerMinute: 10}})

	if got := l.Charge(ctx, billing.ServiceTranscription, billing.Usage{Duration: time.Minute}); got != 10 {
		t.Errorf("charge = %v, want 10", got)
	}
	if got := l.Charge(ctx, billing.ServiceChat, billing.Usage{InputTokens: 1000}); got != 0 {
		t.Errorf("service dropped from the table charged %v", got)
	}

	l.SetRates(nil)
	if got := l.Charge(ctx, billing.ServiceTranscription, billing.Usage{Duration: time.Minute}); got != 1.84 {
		t.Errorf("charge after reset = %v, want the default 1.84", got)
	}
}
