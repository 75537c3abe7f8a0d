// Copyright 2025 James Ross
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// ValidateRelationsConfig parameterizes the relation-validation stage.
type ValidateRelationsConfig struct {
	InputName  string
	OutputName string
	// PrerequisiteName, if set, must already exist for the document;
	// its absence fails the step rather than silently skipping.
	PrerequisiteName string
	// SkipExisting, when true, leaves relations with a populated `valid`
	// field untouched; when false every relation is judged again. The
	// composer's validate_relations wiring sets it to true unless the
	// step's skip_existing param says otherwise.
	SkipExisting bool
	Strict       bool
}

// ValidateRelations asks the LLM a yes/no question per relation
// lacking a `valid` attribute (every relation when SkipExisting is
// false), setting valid=true iff the model's
// first non-whitespace token begins with 'y'/'Y'. Synthesized from the
// leniency pattern of compare_relation.py's _parse_yes_no, adapted to
// the simpler per-relation judgment this stage performs (the reference
// function instead compares two extraction runs for coverage).
func ValidateRelations(cfg ValidateRelationsConfig) stagedriver.StepFunc {
	return func(ctx context.Context, docID int64, st *store.Store, llm stagedriver.LLM, kwargs map[string]any) (any, []stagedriver.Info, error) {
		if cfg.PrerequisiteName != "" {
			if has, err := st.Has(ctx, docID, cfg.PrerequisiteName); err != nil {
				return nil, nil, fmt.Errorf("stages: has %d/%s: %w", docID, cfg.PrerequisiteName, err)
			} else if !has {
				return nil, []stagedriver.Info{{Type: stagedriver.InfoError, Msg: "missing prerequisite " + cfg.PrerequisiteName}}, stagedriver.ErrInputMissing
			}
		}

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

		nTotal, nJudged, nValid, nLLMErr := 0, 0, 0, 0
		relations, _ := asSlice(doc["relations"])
		for _, blockAny := range relations {
			block, ok := asMap(blockAny)
			if !ok {
				continue
			}
			sentence := asStr(block["sentence"])
			rels, _ := asSlice(block["rel_from_this_sent"])
			for i, relAny := range rels {
				rel, ok := asMap(relAny)
				if !ok {
					continue
				}
				nTotal++

				if v, has := rel["valid"]; has && v != nil && cfg.SkipExisting {
					continue
				}

				prompt := buildValidationPrompt(cfg.Strict, abstract, sentence, rel)
				answer, err := llm.Query(ctx, prompt)
				if err != nil {
					nLLMErr++
					continue
				}
				nJudged++

				valid := parseYesNo(answer)
				if valid {
					nValid++
				}
				rel["valid"] = valid
				rels[i] = rel
			}
			block["rel_from_this_sent"] = rels
		}

		if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "judge", Correct: nJudged, Total: nTotal},
			{Type: stagedriver.InfoMetric, Name: "valid", Correct: nValid, Total: nJudged},
			{Type: stagedriver.InfoMetric, Name: "llm_error", Correct: nLLMErr, Total: nTotal},
		}, nil
	}
}

// parseYesNo returns true iff the first non-whitespace token of
// answer begins with 'y' or 'Y', leniently tolerating surrounding
// punctuation/prose the way compare_relation.py's _parse_yes_no does.
func parseYesNo(answer string) bool {
	trimmed := strings.TrimLeft(answer, " \t\r\n")
	if trimmed == "" {
		return false
	}
	c := trimmed[0]
	return c == 'y' || c == 'Y'
}

func buildValidationPrompt(strict bool, abstract, sentence string, rel map[string]any) string {
	relJSON := fmt.Sprintf("%v", rel)
	criteria := "Be lenient: accept relations that are plausibly supported by the sentence, even if phrased loosely."
	if strict {
		criteria = "Be strict: only accept relations that are explicitly and unambiguously stated in the sentence."
	}
	return fmt.Sprintf(`You are validating whether an extracted biomedical relation is actually
supported by its source sentence. %s

ABSTRACT:
%s

SENTENCE:
%s

EXTRACTED RELATION:
%s

Answer with exactly "Yes" or "No" as the first word of your response.`, criteria, abstract, sentence, relJSON)
}
