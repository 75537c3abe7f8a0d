// Copyright 2025 James Ross
package stages

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeArtifactDictDictRecursive(t *testing.T) {
	base := map[string]any{"a": float64(1), "nested": map[string]any{"x": float64(1), "y": float64(2)}}
	override := map[string]any{"b": float64(2), "nested": map[string]any{"y": float64(99)}}
	got := MergeArtifact(base, override)
	require.Equal(t, map[string]any{
		"a":      float64(1),
		"b":      float64(2),
		"nested": map[string]any{"x": float64(1), "y": float64(99)},
	}, got)
}

func TestMergeArtifactListSmartMatchMergesSimilarElements(t *testing.T) {
	base := []any{map[string]any{"name": "IL6", "type": "gene", "score": float64(1)}}
	override := []any{map[string]any{"name": "IL6", "type": "gene", "score": float64(9)}}
	got := MergeArtifact(base, override)
	require.Equal(t, []any{map[string]any{"name": "IL6", "type": "gene", "score": float64(9)}}, got)
}

func TestMergeArtifactListAppendsDissimilarElements(t *testing.T) {
	base := []any{map[string]any{"name": "IL6", "type": "gene"}}
	override := []any{map[string]any{"name": "TNF", "type": "gene"}}
	got := MergeArtifact(base, override).([]any)
	require.Len(t, got, 2)
}

func TestMergeArtifactScalarReplacesScalar(t *testing.T) {
	require.Equal(t, "new", MergeArtifact("old", "new"))
}
