// Package billing prices provider usage.
//
// It does not hold balances. [RateTable.Cost] turns a usage shape (token
// counts, characters or audio duration) into a cost in rubles rounded up to
// whole kopecks, and a [Ledger] keeps a running record of what each turn
// cost. The turn controller and the dialogue server both report usage
// through the [Meter] interface.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unicode/utf8"
)

// Service identifiers with a default rate.
const (
	ServiceChat          = "deepseek-v3.2"
	ServiceSpeech        = "gpt-4o-mini-tts"
	ServiceTranscription = "whisper-1"
)

// ErrUnknownService is returned by [RateTable.Cost] for a service without a
// rate.
var ErrUnknownService = errors.New("billing: unknown service")

// Usage is what one provider call consumed. Only the fields relevant to the
// service are read.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Characters   int
	Duration     time.Duration
}

// Rate prices one service, in rubles.
type Rate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
	CharsPerMillion  float64 `yaml:"chars_per_million"`
	PerMinute        float64 `yaml:"per_minute"`
}

// RateTable maps a service identifier to its rate.
type RateTable map[string]Rate

// DefaultRates returns the built-in rates. The returned table is a fresh copy.
func DefaultRates() RateTable {
	return RateTable{
		ServiceChat:          {InputPerMillion: 86.22, OutputPerMillion: 129.34},
		ServiceSpeech:        {CharsPerMillion: 4620.74},
		ServiceTranscription: {PerMinute: 1.84},
	}
}

// Merge returns a copy of t with the entries of other added or replaced.
func (t RateTable) Merge(other RateTable) RateTable {
	out := make(RateTable, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Cost prices u for service, rounded up to whole kopecks.
func (t RateTable) Cost(service string, u Usage) (float64, error) {
	r, ok := t[service]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	v := float64(u.InputTokens)/1e6*r.InputPerMillion +
		float64(u.OutputTokens)/1e6*r.OutputPerMillion +
		float64(u.Characters)/1e6*r.CharsPerMillion +
		u.Duration.Seconds()/60*r.PerMinute
	return RoundUp(v), nil
}

// RoundUp rounds v up to two decimals. Non-positive values yield 0.
func RoundUp(v float64) float64 {
	if v <= 0 {
		return 0
	}
	// The epsilon keeps exact kopeck amounts such as 1.84 from being pushed
	// up a step by binary representation error.
	return math.Ceil(v*100-1e-9) / 100
}

// EstimateTokens approximates the token count of text as one token per four
// characters, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Meter attributes the cost of provider calls.
type Meter interface {
	// Charge prices u for service, records it and returns the cost.
	Charge(ctx context.Context, service string, u Usage) float64
}

// Nop is a Meter that records nothing.
type Nop struct{}

// Charge implements [Meter].
func (Nop) Charge(context.Context, string, Usage) float64 { return 0 }

// Entry is one charged call.
type Entry struct {
	Service string
	Usage   Usage
	Cost    float64
	At      time.Time
}

// Ledger is an in-memory [Meter] that keeps every charge.
//
// All methods are safe for concurrent use.
type Ledger struct {
	rates RateTable
	log   *slog.Logger

	mu      sync.Mutex
	entries []Entry
}

var _ Meter = (*Ledger)(nil)

// NewLedger returns a Ledger pricing with rates. A nil table selects
// [DefaultRates].
func NewLedger(rates RateTable) *Ledger {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Ledger{rates: rates, log: slog.Default()}
}

// Charge implements [Meter]. An unknown service is logged and costs nothing.
func (l *Ledger) Charge(ctx context.Context, service string, u Usage) float64 {
	l.mu.Lock()
	cost, err := l.rates.Cost(service, u)
	if err != nil {
		l.mu.Unlock()
		l.log.WarnContext(ctx, "billing: charge skipped", "service", service, "err", err)
		return 0
	}
	l.entries = append(l.entries, Entry{Service: service, Usage: u, Cost: cost, At: time.Now()})
	l.mu.Unlock()
	l.log.DebugContext(ctx, "billing: charged", "service", service, "cost_rub", cost)
	return cost
}

// SetRates replaces the rate table for later charges. A nil table selects
// [DefaultRates].
func (l *Ledger) SetRates(rates RateTable) {
	if rates == nil {
		rates = DefaultRates()
	}
	l.mu.Lock()
	l.rates = rates
	l.mu.Unlock()
}

// Entries returns a copy of every charge, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Total returns the sum of all charges, or of the charges for service when
// one is given.
func (l *Ledger) Total(service ...string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	for _, e := range l.entries {
		if len(service) > 0 && e.Service != service[0] {
			continue
		}
		sum += e.Cost
	}
	return math.Round(sum*100) / 100
}
