// Copyright 2025 James Ross
package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TaxonCandidate is one ranked taxonomic search hit.
type TaxonCandidate struct {
	Rank    int
	ID      string
	Name    string
	TextAll string
	Score   float64
}

// TaxonSearchOptions parameterizes one taxonomic search call.
type TaxonSearchOptions struct {
	Index string
	Query string
	K     int
}

// SearchTaxon runs the token-exact scoring search (score = matched*100 -
// ntokens), then deduplicates by id keeping the highest-scoring hit,
// max-normalizes, and assigns 1-based ranks.
func (c *SearchClient) SearchTaxon(ctx context.Context, opts TaxonSearchOptions) ([]TaxonCandidate, error) {
	if opts.K <= 0 {
		opts.K = 20
	}
	tokens := tokenize(opts.Query)
	if len(tokens) == 0 {
		return nil, nil
	}

	should := make([]map[string]any, len(tokens))
	for i, t := range tokens {
		should[i] = map[string]any{"term": map[string]any{"tokens": t}}
	}
	body := map[string]any{
		"size": opts.K,
		"query": map[string]any{
			"script_score": map[string]any{
				"query": map[string]any{
					"bool": map[string]any{
						"should":               should,
						"minimum_should_match": 1,
					},
				},
				"script": map[string]any{
					"source": taxonScoreScript,
					"params": map[string]any{"q_tokens": tokens},
				},
			},
		},
		"_source": []string{"id", "name", "ntokens", "text_all"},
	}

	hits, err := c.rawSearch(ctx, opts.Index, body)
	if err != nil {
		return nil, fmt.Errorf("adapters: taxon search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	type row struct {
		id, name, textAll string
		score             float64
	}
	rows := make([]row, 0, len(hits))
	for _, h := range hits {
		src, _ := h["_source"].(map[string]any)
		rows = append(rows, row{
			id:      asString(src["id"]),
			name:    asString(src["name"]),
			textAll: asString(src["text_all"]),
			score:   asFloat(h["_score"]),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].score > rows[j].score })

	seen := make(map[string]bool, len(rows))
	unique := rows[:0]
	for _, r := range rows {
		if seen[r.id] {
			continue
		}
		seen[r.id] = true
		unique = append(unique, r)
	}
	if len(unique) > opts.K {
		unique = unique[:opts.K]
	}

	maxScore := 0.0
	if len(unique) > 0 {
		maxScore = unique[0].score
	}
	out := make([]TaxonCandidate, len(unique))
	for i, r := range unique {
		score := 0.0
		if maxScore > 0 {
			score = r.score / maxScore
		}
		out[i] = TaxonCandidate{Rank: i + 1, ID: r.id, Name: r.name, TextAll: r.textAll, Score: score}
	}
	return out, nil
}

// taxonScoreScript is the Elasticsearch Painless script computing
// matched*100 - ntokens, transliterated verbatim from the reference.
const taxonScoreScript = `
int matched = 0;
for (t in params.q_tokens) {
  if (doc['tokens'].contains(t)) {
    matched += 1;
  }
}
return matched * 100 - doc['ntokens'].value;
`

func tokenize(query string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
