// Copyright 2025 James Ross
package ontology

import (
	"fmt"
	"strings"
)

// SelectionPrompt builds the candidate-selection prompt for the given
// judge policy, mirroring the reference per-ontology prompt files
// (select_db_id/{strict,relaxed,forced}.txt) collapsed into one
// templated builder since they differ only in selection criteria.
func SelectionPrompt(policy JudgePolicy, queryName, queryDescription, abstract string, hits []Candidate) string {
	var hitLines []string
	for _, h := range hits {
		hitLines = append(hitLines, fmt.Sprintf("- %s: %s", h.ID, h.Description))
	}
	hitsText := strings.Join(hitLines, "\n")

	query := "Name: " + queryName
	if queryDescription != "" {
		query += "\nDescription: " + queryDescription
	}

	return fmt.Sprintf(`%s

QUERY:
%s

ABSTRACT:
%s

CANDIDATES:
%s

OUTPUT FORMAT:
- Output EXACTLY ONE of the candidate ids listed above, or the literal string "None".
- Do NOT output explanations, extra text, or quotes.

Your answer:
`, criteriaFor(policy), query, abstract, hitsText)
}

func criteriaFor(policy JudgePolicy) string {
	switch policy {
	case JudgeRelaxed:
		return "You are an ontology mapping assistant. Select the single most relevant " +
			"candidate term. Exact semantic equivalence is NOT required: functional, " +
			"developmental, or lineage-level relevance is acceptable. Only output " +
			"\"None\" if the candidate list is empty."
	case JudgeForced:
		return "You are an ontology mapping assistant. You MUST select one candidate " +
			"from the list below; only output \"None\" if the candidate list is empty."
	default:
		return "You are an ontology mapping assistant. Select a candidate term ONLY IF " +
			"it is a clear, exact semantic match to the query. If no reasonable match " +
			"exists, output \"None\"."
	}
}
