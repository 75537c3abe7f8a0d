// Copyright 2025 James Ross
package stages

import (
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/jamesross/pmcad/internal/ontology"
)

// matchAnswerToCandidate implements §4.5.3 Step B.2: normalize the
// model's answer, match it against candidate ids, then candidate
// names, both as substring matches. Supplementing the reference's
// exact-match-only behavior, a fuzzy-distance fallback tier is tried
// last so minor typos/truncation in the model's answer still resolve.
// Returns nil if the answer is the literal "None" or nothing matched.
func matchAnswerToCandidate(answer string, hits []ontology.Candidate) *ontology.Candidate {
	norm := normalizeAnswer(answer)
	if norm == "" || norm == "NONE" {
		return nil
	}

	for i := range hits {
		if id := normalizeAnswer(hits[i].ID); id != "" && contains(norm, id) {
			return &hits[i]
		}
	}
	for i := range hits {
		if name := normalizeAnswer(hits[i].Name); name != "" && contains(norm, name) {
			return &hits[i]
		}
	}

	ids := make([]string, len(hits))
	for i := range hits {
		ids[i] = normalizeAnswer(hits[i].ID)
	}
	ranks := fuzzy.RankFindNormalizedFold(norm, ids)
	if len(ranks) == 0 {
		return nil
	}
	best := ranks[0]
	for _, r := range ranks[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}
	if best.Distance <= fuzzyMatchThreshold(norm) {
		return &hits[best.OriginalIndex]
	}
	return nil
}

// fuzzyMatchThreshold bounds how much edit distance is tolerated
// before a fuzzy match is rejected, scaled to the answer's length so
// short ids aren't matched too loosely.
func fuzzyMatchThreshold(s string) int {
	t := len(s) / 4
	if t < 1 {
		t = 1
	}
	return t
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
