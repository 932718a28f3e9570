// Package conflict analyzes a candidate rule against the active ruleset
// and reports shadowing, redundancy, contradictions and overlaps. The
// analyzer is pure: it never consults or mutates any store, and its
// findings are warnings — whether a conflicted rule may deploy is the
// caller's decision.
package conflict

import (
	"fmt"
	"sort"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/policy"
)

// Kind classifies a finding.
type Kind string

const (
	// KindShadow: an earlier-evaluated rule fully subsumes the candidate.
	KindShadow Kind = "shadow"
	// KindShadowedByLater: under last-match evaluation a later rule wins
	// over the whole candidate.
	KindShadowedByLater Kind = "shadowed-by-later"
	// KindRedundant: exact duplicate after canonicalization.
	KindRedundant Kind = "redundant"
	// KindContradiction: same match, opposite action.
	KindContradiction Kind = "contradiction"
	// KindOverlap: partial intersection with a differing action.
	KindOverlap Kind = "overlap"
)

// Finding is one detected conflict.
type Finding struct {
	Kind        Kind        `json:"kind"`
	Existing    policy.Rule `json:"existing"`
	Explanation string      `json:"explanation"`
}

// Report lists all findings for one candidate.
type Report struct {
	Findings []Finding `json:"findings,omitempty"`
}

// HasAny reports whether the report contains a finding of any given kind.
func (r *Report) HasAny(kinds ...Kind) bool {
	for _, f := range r.Findings {
		for _, k := range kinds {
			if f.Kind == k {
				return true
			}
		}
	}
	return false
}

// AgainstOrigin reports whether any finding of the given kinds targets an
// existing rule with the given origin. The autonomy controller refuses to
// deploy over shadow/contradiction findings against user rules.
func (r *Report) AgainstOrigin(origin policy.Origin, kinds ...Kind) bool {
	for _, f := range r.Findings {
		if f.Existing.Origin != origin {
			continue
		}
		for _, k := range kinds {
			if f.Kind == k {
				return true
			}
		}
	}
	return false
}

// Existing pairs a parsed rule with its insertion position as reported by
// the adapter's rule listing. Position breaks priority ties.
type Existing struct {
	Rule     policy.Rule
	Position int
}

// Analyze compares candidate against the active rules under the given
// evaluation order. The candidate is treated as appended after all
// existing rules.
func Analyze(candidate policy.Rule, existing []Existing, order backend.EvaluationOrder) Report {
	candidate.Canonicalize()

	// Evaluate in priority order, ties broken by insertion position.
	rules := make([]Existing, len(existing))
	copy(rules, existing)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Rule.Priority != rules[j].Rule.Priority {
			return rules[i].Rule.Priority < rules[j].Rule.Priority
		}
		return rules[i].Position < rules[j].Position
	})

	var report Report
	for _, ex := range rules {
		other := ex.Rule
		other.Canonicalize()
		if !overlaps(candidate, other) {
			continue
		}

		switch {
		case policy.Equal(candidate, other):
			report.add(KindRedundant, other, "exact duplicate after canonicalization")
		case policy.MatchEqual(candidate, other) && opposite(candidate.Action, other.Action):
			report.add(KindContradiction, other, fmt.Sprintf(
				"identical match with opposite action (%s vs %s)", candidate.Action, other.Action))
		case subsumes(other, candidate) && evaluatedFirst(other, candidate, order):
			report.add(KindShadow, other, fmt.Sprintf(
				"fully subsumed by %s rule evaluated first; candidate will never match", other.Action))
		case subsumes(other, candidate) && order == backend.LastMatch:
			report.add(KindShadowedByLater, other,
				"under last-match evaluation a later broader rule decides this traffic")
		case candidate.Action != other.Action:
			report.add(KindOverlap, other, fmt.Sprintf(
				"partial match intersection with differing action (%s vs %s)",
				candidate.Action, other.Action))
		}
	}
	return report
}

func (r *Report) add(kind Kind, existing policy.Rule, explanation string) {
	r.Findings = append(r.Findings, Finding{Kind: kind, Existing: existing, Explanation: explanation})
}

func opposite(a, b policy.Action) bool {
	deny := func(x policy.Action) bool { return x == policy.ActionDrop || x == policy.ActionReject }
	return (a == policy.ActionAccept && deny(b)) || (deny(a) && b == policy.ActionAccept)
}

// evaluatedFirst reports whether other is evaluated before the candidate.
// The candidate is hypothetically appended last, so under first-match any
// lower-or-equal priority existing rule runs first; under last-match only
// strictly lower priority does.
func evaluatedFirst(other, candidate policy.Rule, order backend.EvaluationOrder) bool {
	if order == backend.LastMatch {
		return other.Priority < candidate.Priority
	}
	return other.Priority <= candidate.Priority
}
