// Copyright 2025 James Ross
package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/ontology"
)

func mappingDocWithOneUnjudgedRecord() map[string]any {
	return map[string]any{
		"doc_id":   float64(1),
		"abstract": "IL6 is a cytokine.",
		"gn_map": []any{
			map[string]any{
				"name": "IL6", "description": "cytokine",
				"hits": []any{
					map[string]any{"id": "GN:1", "name": "IL6", "description": "interleukin 6"},
				},
				"llm_best_match": nil,
			},
		},
	}
}

func TestJudgeDBIDMatchesByCandidateID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Put(ctx, 1, "gn_map.json", mappingDocWithOneUnjudgedRecord()))

	ot := ontology.New([]string{"gene"}, "gn")
	llm := &scriptedLLM{answers: []string{"GN:1"}}

	step := JudgeDBID(JudgeDBIDConfig{InputName: "gn_map.json", OutputName: "gn_map.json", Ontology: ot})
	_, infos, err := step(ctx, 1, s, llm, nil)
	require.NoError(t, err)

	out, _, _ := s.Get(ctx, 1, "gn_map.json")
	doc := out.(map[string]any)
	records := doc["gn_map"].([]any)
	rec := records[0].(map[string]any)
	best := rec["llm_best_match"].(map[string]any)
	require.Equal(t, "GN:1", best["id"])

	var matched int
	for _, info := range infos {
		if info.Name == "matched" {
			matched = info.Correct
		}
	}
	require.Equal(t, 1, matched)
}

func TestJudgeDBIDSkipsAlreadyJudgedRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	doc := mappingDocWithOneUnjudgedRecord()
	rec := doc["gn_map"].([]any)[0].(map[string]any)
	rec["llm_best_match"] = map[string]any{"id": "GN:1", "name": "IL6", "description": "interleukin 6"}
	require.NoError(t, s.Put(ctx, 1, "gn_map.json", doc))

	ot := ontology.New([]string{"gene"}, "gn")
	llm := &scriptedLLM{}

	step := JudgeDBID(JudgeDBIDConfig{InputName: "gn_map.json", OutputName: "gn_map.json", Ontology: ot})
	_, _, err := step(ctx, 1, s, llm, nil)
	require.NoError(t, err)
	require.Equal(t, 0, llm.calls)
}

func TestJudgeDBIDNoneAnswerLeavesBestMatchNil(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Put(ctx, 1, "gn_map.json", mappingDocWithOneUnjudgedRecord()))

	ot := ontology.New([]string{"gene"}, "gn")
	llm := &scriptedLLM{answers: []string{"None"}}

	step := JudgeDBID(JudgeDBIDConfig{InputName: "gn_map.json", OutputName: "gn_map.json", Ontology: ot})
	_, _, err := step(ctx, 1, s, llm, nil)
	require.NoError(t, err)

	out, _, _ := s.Get(ctx, 1, "gn_map.json")
	doc := out.(map[string]any)
	records := doc["gn_map"].([]any)
	rec := records[0].(map[string]any)
	require.Nil(t, rec["llm_best_match"])
}
