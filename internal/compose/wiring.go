// Copyright 2025 James Ross
// Package compose is the Pipeline Composer (spec.md §4.6): it turns a
// parsed config.Config into live stagedriver.Spec values (wiring.go)
// and launches/supervises one OS process per stage (composer.go),
// generalizing test/test_queue.py's mp.Process(target=run_stage_A, ...)
// three-process launch to Go's os/exec.
package compose

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"

	"github.com/jamesross/pmcad/internal/adapters"
	"github.com/jamesross/pmcad/internal/config"
	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/stages"
)

func decodeParams(params map[string]any, out any) error {
	if params == nil {
		return nil
	}
	return mapstructure.Decode(params, out)
}

// BuildOntologies constructs one ontology.Descriptor per configured
// OntologyConfig, wiring its Search function against either the
// taxonomic search endpoint (token-exact, no embedding required) or
// the hybrid dense+SPLADE endpoint (requires embedder, the boundary
// spec.md §1 explicitly leaves unimplemented). An ontology configured
// with taxonomic=false and no embedder still builds — it simply errors
// if Search is ever invoked, since nothing in this repository performs
// text embedding.
func BuildOntologies(cfg *config.Config, searchClients map[string]*adapters.SearchClient, embedder adapters.Embedder) (map[string]ontology.Descriptor, error) {
	out := make(map[string]ontology.Descriptor, len(cfg.Ontologies))
	for _, oc := range cfg.Ontologies {
		if oc.DBType == "" {
			return nil, fmt.Errorf("compose: ontology missing db_type")
		}
		opts := []ontology.Option{
			ontology.WithUseSpecies(oc.UseSpecies),
		}
		if oc.JudgeMethod != "" {
			opts = append(opts, ontology.WithJudgeMethod(ontology.JudgePolicy(oc.JudgeMethod)))
		}
		if oc.Filename != "" {
			opts = append(opts, ontology.WithFilename(oc.Filename))
		}
		if oc.IndexName != "" {
			opts = append(opts, ontology.WithIndexName(oc.IndexName))
		}

		sc := searchClients[oc.SearchEndpoint]
		indexName := oc.IndexName
		if indexName == "" {
			indexName = oc.DBType + "_index"
		}
		taxonomic := oc.Taxonomic
		opts = append(opts, ontology.WithSearch(buildSearchFn(sc, indexName, taxonomic, embedder)))

		out[oc.DBType] = ontology.New(oc.OntologyType, oc.DBType, opts...)
	}
	return out, nil
}

func buildSearchFn(sc *adapters.SearchClient, indexName string, taxonomic bool, embedder adapters.Embedder) ontology.SearchFunc {
	return func(ctx context.Context, query string) ([]ontology.Candidate, error) {
		if sc == nil {
			return nil, fmt.Errorf("compose: no search client configured for index %q", indexName)
		}
		if taxonomic {
			hits, err := sc.SearchTaxon(ctx, adapters.TaxonSearchOptions{Index: indexName, Query: query})
			if err != nil {
				return nil, err
			}
			cands := make([]ontology.Candidate, len(hits))
			for i, h := range hits {
				cands[i] = ontology.Candidate{ID: h.ID, Name: h.Name, Description: h.TextAll, Score: h.Score, Rank: h.Rank}
			}
			return cands, nil
		}
		if embedder == nil {
			return nil, fmt.Errorf("compose: no embedder configured; hybrid search over index %q requires one", indexName)
		}
		dense, splade, err := embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("compose: embed query: %w", err)
		}
		hits, err := sc.Search(ctx, adapters.SearchOptions{Index: indexName, DenseVector: dense, SpladeTokenWeights: splade})
		if err != nil {
			return nil, err
		}
		cands := make([]ontology.Candidate, len(hits))
		for i, h := range hits {
			cands[i] = ontology.Candidate{ID: h.ID, Name: h.Name, Description: h.Description, DenseRank: h.DenseRank, SpladeRank: h.SpladeRank, Rank: h.Rank}
		}
		return cands, nil
	}
}

// BuildLLMPools constructs one []stagedriver.LLM per named pool, in the
// configured round-robin order.
func BuildLLMPools(cfg *config.Config) map[string][]stagedriver.LLM {
	out := make(map[string][]stagedriver.LLM, len(cfg.LLMPools))
	for name, endpoints := range cfg.LLMPools {
		pool := make([]stagedriver.LLM, 0, len(endpoints))
		for _, ep := range endpoints {
			lc := adapters.LLMConfig{
				APIKey:      ep.APIKey,
				URL:         ep.URL,
				ModelName:   ep.ModelName,
				Format:      adapters.LLMFormat(ep.Format),
				RemoveThink: ep.RemoveThink,
				Temperature: ep.Temperature,
				ProxyURL:    ep.ProxyURL,
				RateLimit:   rate.Limit(ep.RateLimitPerSec),
				Timeout:     config.LLMEndpointTimeout(ep),
			}
			pool = append(pool, adapters.NewLLMClient(lc))
		}
		out[name] = pool
	}
	return out
}

// BuildSubPipeline resolves one stage's ordered list of StepConfig into
// stagedriver.Steps, mapping each config.StepConfig.Op to the
// corresponding internal/stages constructor.
func BuildSubPipeline(steps []config.StepConfig, ontologies map[string]ontology.Descriptor) ([]stagedriver.Step, error) {
	out := make([]stagedriver.Step, len(steps))
	for i, sc := range steps {
		fn, err := buildStep(sc, ontologies)
		if err != nil {
			return nil, fmt.Errorf("compose: step %d (%s): %w", i+1, sc.Op, err)
		}
		out[i] = stagedriver.Step{Fn: fn, Index: i + 1}
	}
	return out, nil
}

func lookupOntology(ontologies map[string]ontology.Descriptor, dbType string) (ontology.Descriptor, error) {
	ot, ok := ontologies[dbType]
	if !ok {
		return ontology.Descriptor{}, fmt.Errorf("ontology %q not configured", dbType)
	}
	return ot, nil
}

func buildStep(sc config.StepConfig, ontologies map[string]ontology.Descriptor) (stagedriver.StepFunc, error) {
	switch sc.Op {
	case "extract_relations":
		return stages.ExtractRelations(stages.ExtractRelationsConfig{OutputName: sc.OutputName}), nil

	case "ontology_decomposition":
		var p struct {
			DecomposableTypes []string `mapstructure:"decomposable_types"`
		}
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		return stages.OntologyDecomposition(stages.OntologyDecompositionConfig{
			InputName: sc.InputName, OutputName: sc.OutputName, DecomposableTypes: p.DecomposableTypes,
		}), nil

	case "get_db_id":
		var p struct {
			Ontology string `mapstructure:"ontology"`
		}
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		ot, err := lookupOntology(ontologies, p.Ontology)
		if err != nil {
			return nil, err
		}
		return stages.GetDBID(stages.GetDBIDConfig{InputName: sc.InputName, OutputName: sc.OutputName, Ontology: ot}), nil

	case "judge_db_id":
		var p struct {
			Ontology string `mapstructure:"ontology"`
		}
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		ot, err := lookupOntology(ontologies, p.Ontology)
		if err != nil {
			return nil, err
		}
		return stages.JudgeDBID(stages.JudgeDBIDConfig{InputName: sc.InputName, OutputName: sc.OutputName, Ontology: ot}), nil

	case "convert_failed":
		var p struct {
			RelationsName  string `mapstructure:"relations_name"`
			SourceOntology string `mapstructure:"source_ontology"`
			TargetOntology string `mapstructure:"target_ontology"`
		}
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		src, err := lookupOntology(ontologies, p.SourceOntology)
		if err != nil {
			return nil, err
		}
		tgt, err := lookupOntology(ontologies, p.TargetOntology)
		if err != nil {
			return nil, err
		}
		return stages.ConvertFailed(stages.ConvertFailedConfig{
			RelationsName: p.RelationsName, SourceName: sc.InputName, TargetName: sc.OutputName,
			SrcOntology: src, TgtOntology: tgt,
		}), nil

	case "validate_relations":
		var p struct {
			PrerequisiteName string `mapstructure:"prerequisite_name"`
			SkipExisting     bool   `mapstructure:"skip_existing"`
			Strict           bool   `mapstructure:"strict"`
		}
		p.SkipExisting = true
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		return stages.ValidateRelations(stages.ValidateRelationsConfig{
			InputName: sc.InputName, OutputName: sc.OutputName,
			PrerequisiteName: p.PrerequisiteName, SkipExisting: p.SkipExisting, Strict: p.Strict,
		}), nil

	case "apply_llm_best":
		var p struct {
			Ontologies      []string          `mapstructure:"ontologies"`
			MappingNames    map[string]string `mapstructure:"mapping_names"`
			CellLineMapName string            `mapstructure:"cell_line_map_name"`
		}
		if err := decodeParams(sc.Params, &p); err != nil {
			return nil, err
		}
		ots := make([]ontology.Descriptor, 0, len(p.Ontologies))
		for _, name := range p.Ontologies {
			ot, err := lookupOntology(ontologies, name)
			if err != nil {
				return nil, err
			}
			ots = append(ots, ot)
		}
		return stages.ApplyLLMBest(stages.ApplyLLMBestConfig{
			InputName: sc.InputName, OutputName: sc.OutputName,
			Ontologies: ots, MappingNames: p.MappingNames, CellLineMapName: p.CellLineMapName,
		}), nil

	default:
		return nil, fmt.Errorf("unknown stage op %q", sc.Op)
	}
}
