// Copyright 2025 James Ross
package compose

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/adapters"
	"github.com/jamesross/pmcad/internal/config"
	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// BuildSearchClients constructs one adapters.SearchClient per configured
// search endpoint, keyed the same way config.Config.Search is.
func BuildSearchClients(cfg *config.Config) map[string]*adapters.SearchClient {
	out := make(map[string]*adapters.SearchClient, len(cfg.Search))
	for name, sec := range cfg.Search {
		out[name] = adapters.NewSearchClient(adapters.SearchConfig{
			URL: sec.URL, User: sec.User, Password: sec.Password,
			Timeout: time.Duration(sec.TimeoutSeconds) * time.Second,
		})
	}
	return out
}

// BuildDriver assembles one stage's complete stagedriver.Driver from
// cfg, the shared ontologies/llmPools maps a process builds once at
// startup (internal/adapters clients are safe to share across stage
// drivers in the same process), and the store handle that process
// opened.
func BuildDriver(stageCfg config.StageConfig, st *store.Store, llmPools map[string][]stagedriver.LLM, ontologies map[string]ontology.Descriptor, reporter stagedriver.Reporter, log *zap.Logger) (*stagedriver.Driver, error) {
	pool, ok := llmPools[stageCfg.LLMPool]
	if !ok || len(pool) == 0 {
		return nil, fmt.Errorf("compose: stage %s: llm_pool %q not configured", stageCfg.Name, stageCfg.LLMPool)
	}
	steps, err := BuildSubPipeline(stageCfg.SubPipeline, ontologies)
	if err != nil {
		return nil, fmt.Errorf("compose: stage %s: %w", stageCfg.Name, err)
	}
	perStepMax := make([]int, len(stageCfg.SubPipeline))
	for i, sc := range stageCfg.SubPipeline {
		if sc.PerStepMax > 0 {
			perStepMax[i] = sc.PerStepMax
		} else {
			perStepMax[i] = stageCfg.Workers
		}
	}

	return stagedriver.New(stagedriver.Spec{
		Name:             stageCfg.Name,
		Store:            st,
		LLMPool:          pool,
		SubPipeline:      steps,
		Workers:          stageCfg.Workers,
		PerStepMax:       perStepMax,
		OpQueueNames:     stageCfg.OpQueueNames,
		ClearDoneOnStart: stageCfg.ClearDoneOnStart,
		Reporter:         reporter,
		Log:              log,
	})
}

// FindStage returns the StageConfig named name, or an error if none
// matches — used by cmd/pmcad run-stage to resolve its --name flag.
func FindStage(cfg *config.Config, name string) (config.StageConfig, error) {
	for _, st := range cfg.Stages {
		if st.Name == name {
			return st, nil
		}
	}
	return config.StageConfig{}, fmt.Errorf("compose: no stage named %q in config", name)
}
