// Copyright 2025 James Ross
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Candidate is one ranked hit from the hybrid search index. Extra carries
// any additional _source fields the caller requested.
type Candidate struct {
	ID          string
	Name        string
	Description string
	DenseRank   int
	SpladeRank  int
	Rank        int
	Extra       map[string]any
}

// SearchConfig points at one Elasticsearch-compatible search backend.
type SearchConfig struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// SearchClient issues hybrid dense+SPLADE queries against one index.
// The embedding step itself (dense/SPLADE encoding of the query string)
// is an explicit non-goal performed upstream; callers already hold the
// query vectors by the time they call Search.
type SearchClient struct {
	cfg  SearchConfig
	http *http.Client
}

func NewSearchClient(cfg SearchConfig) *SearchClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SearchClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// SearchOptions parameterizes one hybrid-search call.
type SearchOptions struct {
	Index              string
	DenseVector        []float64
	SpladeTokenWeights map[string]float64
	K                  int
	VecTopN            int
	WeightDense        float64
	WeightSplade       float64
	ExtraSourceFields  []string
}

// Search performs the dense-KNN recall, SPLADE dot-product rescoring,
// max-normalized fusion, and rank assignment described by the ontology
// mapping stage, returning the top K candidates ordered by fused rank.
func (c *SearchClient) Search(ctx context.Context, opts SearchOptions) ([]Candidate, error) {
	if opts.K <= 0 {
		opts.K = 10
	}
	if opts.VecTopN <= 0 {
		opts.VecTopN = 200
	}
	if opts.WeightDense == 0 && opts.WeightSplade == 0 {
		opts.WeightDense, opts.WeightSplade = 0.5, 0.5
	}

	sourceFields := dedupFields(append([]string{"id", "label", "text_all", "splade"}, opts.ExtraSourceFields...))
	numCandidates := opts.VecTopN * 3
	if numCandidates < 1000 {
		numCandidates = 1000
	}

	body := map[string]any{
		"size": opts.VecTopN,
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   opts.DenseVector,
			"k":              opts.VecTopN,
			"num_candidates": numCandidates,
		},
		"_source": sourceFields,
	}

	hits, err := c.rawSearch(ctx, opts.Index, body)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	type item struct {
		id          string
		label       string
		textAll     string
		denseScore  float64
		spladeScore float64
		finalScore  float64
		extra       map[string]any
	}

	items := make([]*item, 0, len(hits))
	for _, h := range hits {
		src, _ := h["_source"].(map[string]any)
		it := &item{
			id:         asString(src["id"]),
			label:      asString(src["label"]),
			textAll:    asString(src["text_all"]),
			denseScore: asFloat(h["_score"]),
			extra:      map[string]any{},
		}
		for _, f := range opts.ExtraSourceFields {
			if v, ok := src[f]; ok {
				it.extra[f] = v
			}
		}
		docSplade, _ := src["splade"].(map[string]any)
		for tok, wq := range opts.SpladeTokenWeights {
			if wd, ok := docSplade[tok]; ok {
				it.spladeScore += wq * asFloat(wd)
			}
		}
		items = append(items, it)
	}

	maxDense := 1e-9
	maxSplade := 1e-9
	for _, it := range items {
		if it.denseScore > maxDense {
			maxDense = it.denseScore
		}
		if it.spladeScore > maxSplade {
			maxSplade = it.spladeScore
		}
	}
	for _, it := range items {
		it.finalScore = opts.WeightDense*(it.denseScore/maxDense) + opts.WeightSplade*(it.spladeScore/maxSplade)
	}

	denseRank := rankBy(items, func(it *item) float64 { return it.denseScore })
	spladeRank := rankBy(items, func(it *item) float64 { return it.spladeScore })

	sorted := append([]*item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].finalScore > sorted[j].finalScore })
	if len(sorted) > opts.K {
		sorted = sorted[:opts.K]
	}

	out := make([]Candidate, len(sorted))
	for i, it := range sorted {
		out[i] = Candidate{
			ID:          it.id,
			Name:        it.label,
			Description: it.textAll,
			DenseRank:   denseRank[it],
			SpladeRank:  spladeRank[it],
			Rank:        i + 1,
			Extra:       it.extra,
		}
	}
	return out, nil
}

func rankBy[T any](items []*T, score func(*T) float64) map[*T]int {
	sorted := append([]*T(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return score(sorted[i]) > score(sorted[j]) })
	ranks := make(map[*T]int, len(sorted))
	for i, it := range sorted {
		ranks[it] = i + 1
	}
	return ranks
}

func (c *SearchClient) rawSearch(ctx context.Context, index string, query map[string]any) ([]map[string]any, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("adapters: encode search query: %w", err)
	}
	url := fmt.Sprintf("%s/%s/_search", c.cfg.URL, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("adapters: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adapters: search request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("adapters: read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("adapters: search endpoint returned status %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	var decoded struct {
		Hits struct {
			Hits []map[string]any `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("adapters: decode search response: %w", err)
	}
	return decoded.Hits.Hits, nil
}

func dedupFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
