// Copyright 2025 James Ross
package ontology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	d := New([]string{"gene"}, "ncbi_gene")
	assert.Equal(t, "ncbi_gene", d.DBType)
	assert.Equal(t, "ncbi_gene_map", d.KeyInMap)
	assert.Equal(t, "ncbi_gene_index", d.IndexName)
	assert.Equal(t, JudgeStrict, d.JudgeMethod)
	assert.Nil(t, d.Search)
}

func TestNewOptionsOverrideDefaults(t *testing.T) {
	calls := 0
	searchFn := func(ctx context.Context, query string) ([]Candidate, error) {
		calls++
		return []Candidate{{ID: "1", Name: query}}, nil
	}

	d := New([]string{"cell_line"}, "cellosaurus",
		WithUseSpecies(true),
		WithKeyInMap("custom_map"),
		WithFilename("cellosaurus.json"),
		WithIndexName("custom_index"),
		WithJudgeMethod(JudgeForced),
		WithSearch(searchFn),
	)

	assert.True(t, d.UseSpecies)
	assert.Equal(t, "custom_map", d.KeyInMap)
	assert.Equal(t, "cellosaurus.json", d.Filename)
	assert.Equal(t, "custom_index", d.IndexName)
	assert.Equal(t, JudgeForced, d.JudgeMethod)

	cands, err := d.Search(context.Background(), "HeLa")
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, cands, 1)
	assert.Equal(t, "HeLa", cands[0].Name)
}

func TestJudgePolicyConstants(t *testing.T) {
	assert.Equal(t, JudgePolicy("strict"), JudgeStrict)
	assert.Equal(t, JudgePolicy("relaxed"), JudgeRelaxed)
	assert.Equal(t, JudgePolicy("forced"), JudgeForced)
}

func TestSelectionPromptVariesByPolicy(t *testing.T) {
	hits := []Candidate{{ID: "CL:001", Description: "a stem cell line"}}

	strict := SelectionPrompt(JudgeStrict, "hESC", "", "abstract text", hits)
	assert.Contains(t, strict, "clear, exact semantic match")
	assert.Contains(t, strict, "CL:001")

	relaxed := SelectionPrompt(JudgeRelaxed, "hESC", "pluripotent", "abstract text", hits)
	assert.Contains(t, relaxed, "NOT required")
	assert.Contains(t, relaxed, "Description: pluripotent")

	forced := SelectionPrompt(JudgeForced, "hESC", "", "abstract text", nil)
	assert.Contains(t, forced, "MUST select one candidate")
}
