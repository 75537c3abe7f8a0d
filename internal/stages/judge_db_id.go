// Copyright 2025 James Ross
package stages

import (
	"context"
	"fmt"

	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// JudgeDBIDConfig parameterizes LLM candidate selection (§4.5.3 Step B)
// over one ontology's mapping records.
type JudgeDBIDConfig struct {
	InputName  string
	OutputName string
	Ontology   ontology.Descriptor
}

// JudgeDBID asks the LLM to pick the best candidate for every mapping
// record that does not yet carry a non-null llm_best_match, leaving
// already-judged records untouched (idempotence). Grounded on
// cl_judge.py / ontology_map.py's selection-prompt-then-match loop.
func JudgeDBID(cfg JudgeDBIDConfig) stagedriver.StepFunc {
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
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "bad input type"}}, stagedriver.ErrParseFailure
		}
		abstract := asStr(doc["abstract"])

		list, ok := asSlice(doc[cfg.Ontology.KeyInMap])
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing " + cfg.Ontology.KeyInMap}}, stagedriver.ErrInputMissing
		}

		nTotal, nJudged, nMatched, nLLMErr := 0, 0, 0, 0
		for i, itemAny := range list {
			item, ok := asMap(itemAny)
			if !ok {
				continue
			}
			nTotal++

			if existing, ok := item["llm_best_match"]; ok && existing != nil {
				continue
			}

			hitsRaw, _ := asSlice(item["hits"])
			hits := make([]ontology.Candidate, 0, len(hitsRaw))
			for _, hAny := range hitsRaw {
				h, ok := asMap(hAny)
				if !ok {
					continue
				}
				hits = append(hits, ontology.Candidate{
					ID:          asStr(h["id"]),
					Name:        asStr(h["name"]),
					Description: asStr(h["description"]),
				})
			}
			if len(hits) == 0 {
				item["llm_best_match"] = nil
				list[i] = item
				nJudged++
				continue
			}

			prompt := ontology.SelectionPrompt(cfg.Ontology.JudgeMethod, asStr(item["name"]), asStr(item["description"]), abstract, hits)
			answer, err := llm.Query(ctx, prompt)
			if err != nil {
				nLLMErr++
				continue
			}
			nJudged++

			item["llm_raw_output"] = answer
			best := matchAnswerToCandidate(answer, hits)
			if best == nil {
				item["llm_best_match"] = nil
			} else {
				nMatched++
				item["llm_best_match"] = map[string]any{
					"id":          best.ID,
					"name":        best.Name,
					"description": best.Description,
				}
			}
			list[i] = item
		}
		doc[cfg.Ontology.KeyInMap] = list

		if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "judge", Correct: nJudged, Total: nTotal},
			{Type: stagedriver.InfoMetric, Name: "matched", Correct: nMatched, Total: nJudged},
			{Type: stagedriver.InfoMetric, Name: "llm_error", Correct: nLLMErr, Total: nTotal},
		}, nil
	}
}
