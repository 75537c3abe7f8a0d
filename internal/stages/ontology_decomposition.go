// Copyright 2025 James Ross
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// OntologyDecompositionConfig parameterizes the entity decomposition
// stage.
type OntologyDecompositionConfig struct {
	InputName  string
	OutputName string
	// DecomposableTypes lists the entity `type` values eligible for
	// decomposition; the reference pipeline uses GO and cell_type.
	DecomposableTypes []string
}

// OntologyDecomposition calls the LLM once per eligible entity asking
// it to keep ("None") or rewrite the entity into a canonical JSON
// form, replacing entities in place. Grounded on
// ontology_decompostion.py's process_one_folder_entity_decomposition.
func OntologyDecomposition(cfg OntologyDecompositionConfig) stagedriver.StepFunc {
	decomposable := make(map[string]bool, len(cfg.DecomposableTypes))
	for _, t := range cfg.DecomposableTypes {
		decomposable[t] = true
	}

	return func(ctx context.Context, docID int64, st *store.Store, llm stagedriver.LLM, kwargs map[string]any) (any, []stagedriver.Info, error) {
		raw, ok, err := st.Get(ctx, docID, cfg.InputName)
		if err != nil {
			return nil, nil, fmt.Errorf("stages: get %d/%s: %w", docID, cfg.InputName, err)
		}
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing input " + cfg.InputName}}, stagedriver.ErrInputMissing
		}
		doc, ok := asMap(raw)
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "bad input type " + cfg.InputName}}, stagedriver.ErrParseFailure
		}

		if _, hasRelations := doc["relations"]; !hasRelations {
			if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
				return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
			}
			return nil, []stagedriver.Info{{Type: stagedriver.InfoStatus, Name: "success", Description: "no relations"}}, nil
		}

		totalEnts, rewritten := 0, 0
		walkEntitiesReplace(doc, func(ent map[string]any) map[string]any {
			if !decomposable[asStr(ent["type"])] {
				return ent
			}
			totalEnts++
			next, changed := decomposeEntity(ctx, ent, llm)
			if changed {
				rewritten++
			}
			return next
		})

		if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		status := "maintained"
		if rewritten > 0 {
			status = "success"
		}
		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: status, Description: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "rewrite", Correct: rewritten, Total: totalEnts},
		}, nil
	}
}

func decomposeEntity(ctx context.Context, ent map[string]any, llm stagedriver.LLM) (map[string]any, bool) {
	prompt := buildDecompositionPrompt(ent)
	raw, err := llm.Query(ctx, prompt)
	if err != nil {
		return ent, false
	}
	raw = strings.TrimSpace(raw)

	if raw == "None" {
		return ent, false
	}
	if strings.HasPrefix(raw, "{") {
		var next map[string]any
		if err := json.Unmarshal([]byte(raw), &next); err == nil {
			return next, true
		}
	}
	return ent, false
}

func buildDecompositionPrompt(ent map[string]any) string {
	entJSON, _ := json.MarshalIndent(ent, "", "  ")
	return fmt.Sprintf(`You are a biomedical entity canonicalization and decomposition system.

Given ONE extracted biomedical entity, decide whether it should be kept as-is or
rewritten into a canonical form. If the entity improperly fuses a biological
process with a specific gene/protein/hormone name, decompose it; otherwise keep it.

OUTPUT FORMAT (STRICT):
- To keep: output exactly "None".
- To rewrite: output ONLY a JSON object with fields name, type, description, meta.

ENTITY TO PROCESS:
%s`, entJSON)
}
