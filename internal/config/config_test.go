// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	require.Equal(t, "./pmcad.db", cfg.Store.Path)
	require.Equal(t, 60000, cfg.Store.BusyTimeoutMS)
	require.Equal(t, "info", cfg.Observability.LogLevel)
	require.Contains(t, cfg.RateLimit, "default")
}

func TestValidateFailsOnEmptyStorePath(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.Path = ""
	require.Error(t, Validate(cfg))
}

func TestValidateFailsOnStageMissingLLMPool(t *testing.T) {
	cfg := defaultConfig()
	cfg.Stages = []StageConfig{{
		Name:        "extract",
		Workers:     2,
		LLMPool:     "main",
		SubPipeline: []StepConfig{{Op: "extract_relations"}},
	}}
	require.ErrorContains(t, Validate(cfg), "llm_pool")
}

func TestValidateFailsOnStageWithEmptySubPipeline(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLMPools = map[string][]LLMEndpointConfig{"main": {{URL: "http://x"}}}
	cfg.Stages = []StageConfig{{Name: "extract", Workers: 2, LLMPool: "main"}}
	require.ErrorContains(t, Validate(cfg), "sub_pipeline")
}

func TestValidatePassesWithWiredStage(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLMPools = map[string][]LLMEndpointConfig{"main": {{URL: "http://x"}}}
	cfg.Stages = []StageConfig{{
		Name:        "extract",
		Workers:     2,
		LLMPool:     "main",
		SubPipeline: []StepConfig{{Op: "extract_relations"}},
	}}
	require.NoError(t, Validate(cfg))
}

func TestLoadStageScriptsDiscoversYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	script := `
name: extract
workers: 3
llm_pool: main
sub_pipeline:
  - op: extract_relations
    output_name: relations.json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract.yaml"), []byte(script), 0o644))

	cfg := &Config{StagesDir: dir, StagesGlob: "*.yaml"}
	require.NoError(t, cfg.LoadStageScripts())
	require.Len(t, cfg.Stages, 1)
	require.Equal(t, "extract", cfg.Stages[0].Name)
	require.Equal(t, 3, cfg.Stages[0].Workers)
	require.Equal(t, "extract_relations", cfg.Stages[0].SubPipeline[0].Op)
}

func TestLoadStageScriptsToleratesMissingDir(t *testing.T) {
	cfg := &Config{StagesDir: filepath.Join(t.TempDir(), "nope")}
	require.NoError(t, cfg.LoadStageScripts())
	require.Empty(t, cfg.Stages)
}
