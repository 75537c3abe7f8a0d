// Copyright 2025 James Ross
package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/stagedriver"
)

func TestExtractRelationsParsesPerSentence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutAbstract(ctx, 1, "IL-6 activates STAT3. TNF binds its receptor."))

	llm := &scriptedLLM{answers: []string{
		`[{"components":[{"type":"gene","name":"IL6"}],"relation":"activates","targets":[{"type":"gene","name":"STAT3"}],"contexts":[]}]`,
		`[]`,
	}}

	step := ExtractRelations(ExtractRelationsConfig{OutputName: "relations.json"})
	_, infos, err := step(ctx, 1, s, llm, nil)
	require.NoError(t, err)

	out, ok, err := s.Get(ctx, 1, "relations.json")
	require.NoError(t, err)
	require.True(t, ok)
	doc := out.(map[string]any)
	relations := doc["relations"].([]any)
	require.Len(t, relations, 2)

	var judge, llmErr *int
	for _, info := range infos {
		if info.Name == "judge" {
			v := info.Correct
			judge = &v
		}
		if info.Name == "llm_error" {
			v := info.Correct
			llmErr = &v
		}
	}
	require.NotNil(t, judge)
	require.Equal(t, 2, *judge)
	require.NotNil(t, llmErr)
	require.Equal(t, 0, *llmErr)
}

func TestExtractRelationsMissingAbstractIsInputMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	step := ExtractRelations(ExtractRelationsConfig{OutputName: "relations.json"})
	_, _, err := step(ctx, 99, s, &scriptedLLM{}, nil)
	require.ErrorIs(t, err, stagedriver.ErrInputMissing)
}

func TestParseRelationArrayToleratesSurroundingProse(t *testing.T) {
	rels, err := parseRelationArray("Sure, here is the result:\n[{\"components\":[]}]\nHope that helps!")
	require.NoError(t, err)
	require.Len(t, rels, 1)
}

func TestParseRelationArrayWrapsBareObject(t *testing.T) {
	rels, err := parseRelationArray(`{"components":[]}`)
	require.NoError(t, err)
	require.Len(t, rels, 1)
}

func TestParseRelationArrayFailsOnGarbage(t *testing.T) {
	_, err := parseRelationArray("not json at all")
	require.Error(t, err)
}
