package reconcile

import (
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// DefaultWindow bounds the nearest-timestamp fallback. A candidate further
// than this from the target is never selected.
const DefaultWindow = 48 * time.Hour

// Rule names the linkage rule that produced a [Match].
type Rule string

const (
	RuleExplicit Rule = "explicit"
	RuleSession  Rule = "session"
	RuleNearest  Rule = "nearest"
	RuleNone     Rule = "none"
)

// Target is what an assessment is being looked up for: a completion record
// or a live session.
type Target struct {
	// AssessmentID is the explicit assessment owner id, if known.
	AssessmentID string

	// SessionID is the linked session, if any.
	SessionID string

	// At is the completion (or session) timestamp. Zero disables the
	// nearest-timestamp fallback.
	At time.Time
}

// TargetForCompletion returns the lookup target of c.
func TargetForCompletion(c types.CompletionRecord) Target {
	return Target{AssessmentID: c.AssessmentID, SessionID: c.SessionID, At: c.CreatedAt}
}

// TargetForSession returns the lookup target of a live session. The session's
// last update stands in for a completion time.
func TargetForSession(s types.Session) Target {
	return Target{SessionID: s.ID, At: s.UpdatedAt}
}

// Match is the outcome of [Resolve].
type Match struct {
	Assessment types.AssessmentRecord
	Rule       Rule
}

// Found reports whether an assessment was linked. A miss is the normal state
// of a session abandoned before scoring.
func (m Match) Found() bool { return m.Rule != RuleNone && m.Rule != "" }

// Resolve links t to one of pool, trying in order:
//
//  1. the candidate whose id equals t.AssessmentID;
//  2. a candidate whose session link equals t.SessionID (the one closest to
//     t.At when several share it);
//  3. the candidate closest to t.At within window.
//
// window <= 0 selects [DefaultWindow].
func Resolve(t Target, pool []types.AssessmentRecord, window time.Duration) Match {
	if window <= 0 {
		window = DefaultWindow
	}

	if t.AssessmentID != "" {
		for _, a := range pool {
			if a.ID == t.AssessmentID {
				return Match{Assessment: a, Rule: RuleExplicit}
			}
		}
	}

	if t.SessionID != "" {
		var same []types.AssessmentRecord
		for _, a := range pool {
			if a.SessionID == t.SessionID {
				same = append(same, a)
			}
		}
		if len(same) > 0 {
			a, ok := NearestByTime(t.At, same, assessmentTime, assessmentID, 0)
			if !ok {
				a = lowestID(same)
			}
			return Match{Assessment: a, Rule: RuleSession}
		}
	}

	if a, ok := NearestByTime(t.At, pool, assessmentTime, assessmentID, window); ok {
		return Match{Assessment: a, Rule: RuleNearest}
	}
	return Match{Rule: RuleNone}
}

// NearestByTime returns the item whose timestamp is closest to target. Items
// with a zero timestamp are skipped, as are items further than window from
// target; window <= 0 means unbounded. Equidistant items resolve to the
// lowest id. It reports false when nothing qualifies or target is zero.
//
// This is the only nearest-timestamp implementation; live linking and
// analytics both go through it.
func NearestByTime[T any](target time.Time, items []T, at func(T) time.Time, id func(T) string, window time.Duration) (T, bool) {
	var (
		best     T
		bestDiff time.Duration
		found    bool
	)
	if target.IsZero() {
		return best, false
	}
	for _, it := range items {
		ts := at(it)
		if ts.IsZero() {
			continue
		}
		diff := ts.Sub(target).Abs()
		if window > 0 && diff > window {
			continue
		}
		if !found || diff < bestDiff || (diff == bestDiff && id(it) < id(best)) {
			best, bestDiff, found = it, diff, true
		}
	}
	return best, found
}

// Assign resolves every completion against pool and returns the matches
// keyed by completion id. Completions that stay unassessed are absent. It is
// the analytics view of the same rules [Resolve] applies to a single record.
func Assign(completions []types.CompletionRecord, pool []types.AssessmentRecord, window time.Duration) map[string]Match {
	out := make(map[string]Match, len(completions))
	for _, c := range completions {
		if m := Resolve(TargetForCompletion(c), pool, window); m.Found() {
			out[c.ID] = m
		}
	}
	return out
}

func assessmentTime(a types.AssessmentRecord) time.Time { return a.CreatedAt }
func assessmentID(a types.AssessmentRecord) string      { return a.ID }

func lowestID(as []types.AssessmentRecord) types.AssessmentRecord {
	best := as[0]
	for _, a := range as[1:] {
		if a.ID < best.ID {
			best = a
		}
	}
	return best
}
