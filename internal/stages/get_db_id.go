// Copyright 2025 James Ross
package stages

import (
	"context"
	"fmt"

	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// GetDBIDConfig parameterizes candidate generation (§4.5.3 Step A) for
// one ontology.
type GetDBIDConfig struct {
	InputName  string
	OutputName string
	Ontology   ontology.Descriptor
}

// candidateHit is the persisted shape of one ranked candidate inside a
// mapping record's hits list.
type candidateHit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DenseRank   int    `json:"dense_rank"`
	SpladeRank  int    `json:"splade_rank"`
	Rank        int    `json:"rank"`
}

// mappingRecord is the persisted shape of one ontology mapping entry.
type mappingRecord struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Species       string         `json:"species,omitempty"`
	Hits          []candidateHit `json:"hits"`
	LLMRawOutput  *string        `json:"llm_raw_output,omitempty"`
	LLMBestMatch  *candidateHit  `json:"llm_best_match"`
}

// GetDBID walks the relations document collecting unique
// (name, description[, species]) triples whose type matches the
// ontology, queries its search function, and persists a mapping
// record per triple, merging with any pre-existing records and never
// overwriting an existing llm_best_match. Grounded on
// map_ontology.py's process_one_folder_get_db_id.
func GetDBID(cfg GetDBIDConfig) stagedriver.StepFunc {
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

		triples := collectTriples(doc, cfg.Ontology.OntologyType, cfg.Ontology.UseSpecies)

		existing := loadExistingRecords(ctx, st, docID, cfg.OutputName, cfg.Ontology.KeyInMap)

		judged := false
		records := make([]mappingRecord, 0, len(triples))
		for _, t := range triples {
			key := recordKey{Name: t.Name, Description: t.Description, Species: t.Species}
			if prior, ok := existing[key]; ok && prior.LLMBestMatch != nil {
				records = append(records, prior)
				judged = true
				continue
			}

			query := buildQuery(t.Name, t.Description, t.Species)
			var hits []candidateHit
			if cfg.Ontology.Search != nil {
				cands, err := cfg.Ontology.Search(ctx, query)
				if err == nil {
					for _, c := range cands {
						hits = append(hits, candidateHit{
							ID: c.ID, Name: c.Name, Description: c.Description,
							DenseRank: c.DenseRank, SpladeRank: c.SpladeRank, Rank: c.Rank,
						})
					}
				}
			}
			if len(hits) > 0 {
				judged = true
			}
			rec := mappingRecord{Name: t.Name, Description: t.Description, Species: t.Species, Hits: hits}
			if prior, ok := existing[key]; ok {
				rec.LLMRawOutput = prior.LLMRawOutput
				rec.LLMBestMatch = prior.LLMBestMatch
			}
			records = append(records, rec)
		}

		out := map[string]any{
			"doc_id":          docID,
			"abstract":        abstract,
			cfg.Ontology.KeyInMap: records,
		}
		if err := st.Put(ctx, docID, cfg.OutputName, out); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		correct := 0
		if judged {
			correct = 1
		}
		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Correct: correct, Total: 1},
		}, nil
	}
}

type recordKey struct {
	Name, Description, Species string
}

func loadExistingRecords(ctx context.Context, st *store.Store, docID int64, artifact, keyInMap string) map[recordKey]mappingRecord {
	out := make(map[recordKey]mappingRecord)
	raw, ok, err := st.Get(ctx, docID, artifact)
	if err != nil || !ok {
		return out
	}
	doc, ok := asMap(raw)
	if !ok {
		return out
	}
	list, ok := asSlice(doc[keyInMap])
	if !ok {
		return out
	}
	for _, itemAny := range list {
		item, ok := asMap(itemAny)
		if !ok {
			continue
		}
		key := recordKey{Name: asStr(item["name"]), Description: asStr(item["description"]), Species: asStr(item["species"])}
		rec := mappingRecord{Name: key.Name, Description: key.Description, Species: key.Species}
		if bm, ok := asMap(item["llm_best_match"]); ok {
			rec.LLMBestMatch = &candidateHit{
				ID:          asStr(bm["id"]),
				Name:        asStr(bm["name"]),
				Description: asStr(bm["description"]),
			}
		}
		if raw, ok := item["llm_raw_output"].(string); ok {
			rec.LLMRawOutput = &raw
		}
		out[key] = rec
	}
	return out
}
