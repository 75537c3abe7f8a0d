// Copyright 2025 James Ross
package stages

import (
	"context"
	"fmt"

	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// ConvertFailedConfig parameterizes cross-ontology re-mapping of
// records left unresolved (llm_best_match = null) after judge_db_id.
type ConvertFailedConfig struct {
	RelationsName string
	SourceName    string
	TargetName    string
	SrcOntology   ontology.Descriptor
	TgtOntology   ontology.Descriptor
}

// ConvertFailed re-maps every unresolved source-mapping record against
// a target ontology: re-search, re-judge, and on success rewrite the
// entity's type in the shared relations artifact, merge the converted
// record into the target mapping (deduped), and strip it from the
// source mapping. Grounded on rnacentral_to_so.py's
// process_rnacentral_failed_rna_to_so / merge_rnacentral_to_so_and_cleanup.
func ConvertFailed(cfg ConvertFailedConfig) stagedriver.StepFunc {
	return func(ctx context.Context, docID int64, st *store.Store, llm stagedriver.LLM, kwargs map[string]any) (any, []stagedriver.Info, error) {
		relRaw, ok, err := st.Get(ctx, docID, cfg.RelationsName)
		if err != nil {
			return nil, nil, fmt.Errorf("stages: get %d/%s: %w", docID, cfg.RelationsName, err)
		}
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing " + cfg.RelationsName}}, stagedriver.ErrInputMissing
		}
		relDoc, ok := asMap(relRaw)
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "bad relations type"}}, stagedriver.ErrParseFailure
		}

		srcRaw, ok, err := st.Get(ctx, docID, cfg.SourceName)
		if err != nil {
			return nil, nil, fmt.Errorf("stages: get %d/%s: %w", docID, cfg.SourceName, err)
		}
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing " + cfg.SourceName}}, stagedriver.ErrInputMissing
		}
		srcDoc, ok := asMap(srcRaw)
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "bad source mapping type"}}, stagedriver.ErrParseFailure
		}
		abstract := asStr(srcDoc["abstract"])

		tgtDoc := loadOrInitMapping(ctx, st, docID, cfg.TargetName, cfg.TgtOntology.KeyInMap, abstract)

		srcList, _ := asSlice(srcDoc[cfg.SrcOntology.KeyInMap])
		tgtList, _ := asSlice(tgtDoc[cfg.TgtOntology.KeyInMap])

		nTotal, nConverted := 0, 0
		remaining := srcList[:0]
		for _, itemAny := range srcList {
			item, ok := asMap(itemAny)
			if !ok {
				continue
			}
			if existing, ok := item["llm_best_match"]; !ok || existing != nil {
				remaining = append(remaining, item)
				continue
			}
			nTotal++

			query := buildQuery(asStr(item["name"]), asStr(item["description"]), asStr(item["species"]))
			var hits []ontology.Candidate
			if cfg.TgtOntology.Search != nil {
				cands, err := cfg.TgtOntology.Search(ctx, query)
				if err == nil {
					hits = cands
				}
			}
			if len(hits) == 0 {
				remaining = append(remaining, item)
				continue
			}

			prompt := ontology.SelectionPrompt(cfg.TgtOntology.JudgeMethod, asStr(item["name"]), asStr(item["description"]), abstract, hits)
			answer, err := llm.Query(ctx, prompt)
			if err != nil {
				remaining = append(remaining, item)
				continue
			}
			best := matchAnswerToCandidate(answer, hits)
			if best == nil {
				remaining = append(remaining, item)
				continue
			}

			nConverted++
			converted := map[string]any{
				"name":        item["name"],
				"description": item["description"],
				"species":     item["species"],
				"hits":        hitsToAny(hits),
				"llm_best_match": map[string]any{
					"id":          best.ID,
					"name":        best.Name,
					"description": best.Description,
				},
			}
			tgtList = mergeMappingRecord(tgtList, converted)

			srcType := asStr(item["name"])
			renameEntityType(relDoc, srcType, cfg.SrcOntology.OntologyType, cfg.TgtOntology.OntologyType)
		}

		srcDoc[cfg.SrcOntology.KeyInMap] = remaining
		tgtDoc[cfg.TgtOntology.KeyInMap] = tgtList

		if err := st.Put(ctx, docID, cfg.RelationsName, relDoc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.RelationsName, err)
		}
		if err := st.Put(ctx, docID, cfg.SourceName, srcDoc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.SourceName, err)
		}
		if err := st.Put(ctx, docID, cfg.TargetName, tgtDoc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.TargetName, err)
		}

		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "converted", Correct: nConverted, Total: nTotal},
		}, nil
	}
}

func loadOrInitMapping(ctx context.Context, st *store.Store, docID int64, artifact, keyInMap, abstract string) map[string]any {
	raw, ok, err := st.Get(ctx, docID, artifact)
	if err == nil && ok {
		if doc, ok := asMap(raw); ok {
			if _, has := doc[keyInMap]; !has {
				doc[keyInMap] = []any{}
			}
			return doc
		}
	}
	return map[string]any{
		"doc_id":   docID,
		"abstract": abstract,
		keyInMap:   []any{},
	}
}

func hitsToAny(hits []ontology.Candidate) []any {
	out := make([]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"id": h.ID, "name": h.Name, "description": h.Description,
			"dense_rank": h.DenseRank, "splade_rank": h.SpladeRank, "rank": h.Rank,
		})
	}
	return out
}

// mergeMappingRecord appends record to list unless an entry already
// matches by (name, description, species), deduplicating.
func mergeMappingRecord(list []any, record map[string]any) []any {
	for _, itemAny := range list {
		item, ok := asMap(itemAny)
		if !ok {
			continue
		}
		if asStr(item["name"]) == asStr(record["name"]) &&
			asStr(item["description"]) == asStr(record["description"]) &&
			asStr(item["species"]) == asStr(record["species"]) {
			return list
		}
	}
	return append(list, record)
}

// renameEntityType rewrites every entity's `type` in the relations
// tree from one of srcTypes to the matching tgtTypes member (by
// index) when the entity's name matches entityName.
func renameEntityType(relDoc map[string]any, entityName string, srcTypes, tgtTypes []string) {
	if len(srcTypes) == 0 || len(tgtTypes) == 0 {
		return
	}
	walkEntities(relDoc, func(ent map[string]any) {
		if asStr(ent["name"]) != entityName {
			return
		}
		for i, t := range srcTypes {
			if asStr(ent["type"]) == t {
				if i < len(tgtTypes) {
					ent["type"] = tgtTypes[i]
				} else {
					ent["type"] = tgtTypes[0]
				}
				return
			}
		}
	})
}
