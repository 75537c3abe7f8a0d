// Copyright 2025 James Ross
package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/ontology"
)

func TestConvertFailedRemapsAndRelabelsType(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	relations := map[string]any{
		"doc_id":   float64(1),
		"abstract": "an unresolved RNA entity",
		"relations": []any{
			map[string]any{
				"rel_from_this_sent": []any{
					map[string]any{
						"components": []any{
							map[string]any{"type": "rna", "name": "XIST", "description": "long noncoding RNA"},
						},
					},
				},
			},
		},
	}
	require.NoError(t, s.Put(ctx, 1, "relations.json", relations))

	srcMap := map[string]any{
		"doc_id":   float64(1),
		"abstract": "an unresolved RNA entity",
		"rn_map": []any{
			map[string]any{
				"name": "XIST", "description": "long noncoding RNA", "species": "",
				"hits": []any{}, "llm_best_match": nil,
			},
		},
	}
	require.NoError(t, s.Put(ctx, 1, "rn_map.json", srcMap))

	src := ontology.New([]string{"rna"}, "rn")
	tgt := ontology.New([]string{"so"}, "so", ontology.WithSearch(func(ctx context.Context, query string) ([]ontology.Candidate, error) {
		return []ontology.Candidate{{ID: "SO:0001", Name: "XIST", Description: "lncRNA sequence ontology term"}}, nil
	}))

	llm := &scriptedLLM{answers: []string{"SO:0001"}}
	step := ConvertFailed(ConvertFailedConfig{
		RelationsName: "relations.json",
		SourceName:    "rn_map.json",
		TargetName:    "so_map.json",
		SrcOntology:   src,
		TgtOntology:   tgt,
	})
	_, infos, err := step(ctx, 1, s, llm, nil)
	require.NoError(t, err)

	var converted int
	for _, info := range infos {
		if info.Name == "converted" {
			converted = info.Correct
		}
	}
	require.Equal(t, 1, converted)

	relOut, _, _ := s.Get(ctx, 1, "relations.json")
	ent := extractFirstComponent(relOut.(map[string]any))
	require.Equal(t, "so", ent["type"])

	srcOut, _, _ := s.Get(ctx, 1, "rn_map.json")
	srcDoc := srcOut.(map[string]any)
	require.Len(t, srcDoc["rn_map"].([]any), 0)

	tgtOut, ok, err := s.Get(ctx, 1, "so_map.json")
	require.NoError(t, err)
	require.True(t, ok)
	tgtDoc := tgtOut.(map[string]any)
	tgtList := tgtDoc["so_map"].([]any)
	require.Len(t, tgtList, 1)
	rec := tgtList[0].(map[string]any)
	best := rec["llm_best_match"].(map[string]any)
	require.Equal(t, "SO:0001", best["id"])
}

func TestConvertFailedLeavesRecordInSourceWhenNoMatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Put(ctx, 1, "relations.json", map[string]any{"doc_id": float64(1), "abstract": "x", "relations": []any{}}))
	require.NoError(t, s.Put(ctx, 1, "rn_map.json", map[string]any{
		"doc_id": float64(1), "abstract": "x",
		"rn_map": []any{
			map[string]any{"name": "XIST", "description": "", "species": "", "hits": []any{}, "llm_best_match": nil},
		},
	}))

	src := ontology.New([]string{"rna"}, "rn")
	tgt := ontology.New([]string{"so"}, "so", ontology.WithSearch(func(ctx context.Context, query string) ([]ontology.Candidate, error) {
		return nil, nil
	}))

	step := ConvertFailed(ConvertFailedConfig{
		RelationsName: "relations.json", SourceName: "rn_map.json", TargetName: "so_map.json",
		SrcOntology: src, TgtOntology: tgt,
	})
	_, _, err := step(ctx, 1, s, &scriptedLLM{}, nil)
	require.NoError(t, err)

	srcOut, _, _ := s.Get(ctx, 1, "rn_map.json")
	require.Len(t, srcOut.(map[string]any)["rn_map"].([]any), 1)
}
