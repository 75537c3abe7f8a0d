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

// ExtractRelationsConfig parameterizes the relation-extraction stage.
type ExtractRelationsConfig struct {
	OutputName string
}

// ExtractRelations splits the document's abstract into sentences and,
// for each in order, prompts the LLM with a growing background plus
// the current sentence, parses the JSON relation array from the
// response, and appends it to the output artifact. Grounded on
// extract_relations.py's build_prompt/extract_json_array loop.
func ExtractRelations(cfg ExtractRelationsConfig) stagedriver.StepFunc {
	return func(ctx context.Context, docID int64, st *store.Store, llm stagedriver.LLM, kwargs map[string]any) (any, []stagedriver.Info, error) {
		abstract, ok, err := st.GetAbstract(ctx, docID)
		if err != nil {
			return nil, nil, fmt.Errorf("stages: get abstract %d: %w", docID, err)
		}
		if !ok {
			return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing abstract"}}, stagedriver.ErrInputMissing
		}

		sentences := SplitSentences(abstract)
		var background strings.Builder
		var allRelations []map[string]any
		nTotal, nParsed, nLLMErr := 0, 0, 0

		for _, sent := range sentences {
			nTotal++
			prompt := buildExtractionPrompt(background.String(), sent)
			raw, err := llm.Query(ctx, prompt)
			if err != nil {
				nLLMErr++
				continue
			}

			rels, err := parseRelationArray(raw)
			if err != nil {
				continue
			}
			nParsed++

			allRelations = append(allRelations, map[string]any{
				"sentence":          sent,
				"rel_from_this_sent": rels,
			})
			if background.Len() > 0 {
				background.WriteByte(' ')
			}
			background.WriteString(sent)
		}

		doc := map[string]any{
			"doc_id":    docID,
			"abstract":  abstract,
			"relations": allRelations,
			"error":     nil,
		}
		if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: "success", Description: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "judge", Correct: nParsed, Total: nTotal},
			{Type: stagedriver.InfoMetric, Name: "llm_error", Correct: nLLMErr, Total: nTotal},
		}, nil
	}
}

func buildExtractionPrompt(background, sentence string) string {
	return fmt.Sprintf(`You are a biomedical relation extraction system.
Extract all relations explicitly present in the current sentence as a JSON array of
{components, relation, targets, contexts} objects. Output ONLY a JSON list; if no
relations exist, output [].

BACKGROUND (relations before the current one):
%s

CURRENT SENTENCE:
%s`, strings.TrimSpace(background+" "+sentence), sentence)
}

// parseRelationArray extracts the first top-level JSON array or
// object from raw, tolerating surrounding prose, and wraps a bare
// object into a single-element array. Grounded on
// extract_relations.py's extract_json_array.
func parseRelationArray(raw string) ([]any, error) {
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '[' && c != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		switch val := v.(type) {
		case []any:
			return val, nil
		case map[string]any:
			return []any{val}, nil
		}
	}

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start != -1 && end != -1 && end >= start {
		var v []any
		if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: no valid JSON array/object found", stagedriver.ErrParseFailure)
}
