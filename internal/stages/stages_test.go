// Copyright 2025 James Ross
package stages

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "pmcad.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scriptedLLM returns successive canned answers per call, cycling the
// last one once exhausted; errOn triggers an error on that 0-based
// call index instead.
type scriptedLLM struct {
	answers []string
	errOn   map[int]bool
	calls   int
}

func (f *scriptedLLM) Query(ctx context.Context, prompt string) (string, error) {
	idx := f.calls
	f.calls++
	if f.errOn[idx] {
		return "", context.DeadlineExceeded
	}
	if len(f.answers) == 0 {
		return "None", nil
	}
	if idx >= len(f.answers) {
		return f.answers[len(f.answers)-1], nil
	}
	return f.answers[idx], nil
}

func TestBuildQueryStripsBracketedAndJoinsSpecies(t *testing.T) {
	got := buildQuery("IL-6", "a cytokine (e.g. inflammatory)", "Homo sapiens")
	require.Equal(t, "IL-6, a cytokine, Homo sapiens", got)
}

func TestStripBracketedHandlesNesting(t *testing.T) {
	require.Equal(t, "abc", stripBracketed("a(b[c(d)e]f)bc"))
}

func TestNormalizeAnswerUppercasesStripsQuotes(t *testing.T) {
	require.Equal(t, "CL:0000127", normalizeAnswer(`  "cl:0000127"  `))
}

func TestResolveSpeciesLadder(t *testing.T) {
	ent := map[string]any{"type": "gene", "name": "IL6"}
	require.Equal(t, "doc-species", resolveSpecies(ent, "", "doc-species"))
	require.Equal(t, "rel-species", resolveSpecies(ent, "rel-species", "doc-species"))

	entWithMeta := map[string]any{
		"type": "gene", "name": "IL6",
		"meta": []any{map[string]any{"type": "species", "name": "meta-species"}},
	}
	require.Equal(t, "meta-species", resolveSpecies(entWithMeta, "rel-species", "doc-species"))
}

func TestResolveSpeciesWithCellLineProxy(t *testing.T) {
	ent := map[string]any{"type": "cell_line", "name": "HeLa"}
	got := ResolveSpeciesWithCellLine(ent, "", "doc-species", map[string]string{"HeLa": "Homo sapiens"})
	require.Equal(t, "Homo sapiens", got)
}

func TestCollectTriplesDedupsByNameDescriptionSpecies(t *testing.T) {
	doc := map[string]any{
		"relations": []any{
			map[string]any{
				"rel_from_this_sent": []any{
					map[string]any{
						"components": []any{
							map[string]any{"type": "gene", "name": "IL6", "description": "cytokine"},
							map[string]any{"type": "gene", "name": "IL6", "description": "cytokine"},
						},
						"targets": []any{
							map[string]any{"type": "gene", "name": "TNF", "description": "cytokine"},
						},
					},
				},
			},
		},
	}
	triples := collectTriples(doc, []string{"gene"}, false)
	require.Len(t, triples, 2)
}

func TestWalkEntitiesReplaceRewritesInPlace(t *testing.T) {
	doc := map[string]any{
		"relations": []any{
			map[string]any{
				"rel_from_this_sent": []any{
					map[string]any{
						"components": []any{
							map[string]any{"type": "gene", "name": "IL6"},
						},
					},
				},
			},
		},
	}
	walkEntitiesReplace(doc, func(ent map[string]any) map[string]any {
		ent["name"] = "rewritten"
		return ent
	})
	rels := doc["relations"].([]any)
	block := rels[0].(map[string]any)
	relList := block["rel_from_this_sent"].([]any)
	rel := relList[0].(map[string]any)
	comps := rel["components"].([]any)
	ent := comps[0].(map[string]any)
	require.Equal(t, "rewritten", ent["name"])
}

func TestValidateEnvelopeRejectsMissingFields(t *testing.T) {
	require.Error(t, ValidateEnvelope(map[string]any{"abstract": "x"}))
	require.NoError(t, ValidateEnvelope(map[string]any{"doc_id": float64(1), "abstract": "x"}))
	require.NoError(t, ValidateEnvelope(map[string]any{"pmid": "123", "abstract": "x"}))
}
