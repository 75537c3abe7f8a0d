// Copyright 2025 James Ross
// Package stages holds the stage callables (C5 Stage Definitions):
// relation extraction, entity decomposition, ontology identifier
// mapping, cross-ontology conversion, relation validation, and final
// assembly. Each stage is a stagedriver.StepFunc operating on JSON
// documents held as map[string]any, the shape internal/store.Get
// already decodes artifacts into.
package stages

import (
	_ "embed"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/xeipuuv/gojsonschema"

	"github.com/jamesross/pmcad/internal/stagedriver"
)

//go:embed schemas/envelope.json
var envelopeSchemaJSON []byte

var envelopeSchema = gojsonschema.NewBytesLoader(envelopeSchemaJSON)

// ValidateEnvelope checks that doc satisfies the artifact envelope
// contract (§6: every stage-produced artifact has at least
// {doc_id|pmid, abstract}). A violation is an ErrParseFailure, never
// a panic.
func ValidateEnvelope(doc map[string]any) error {
	result, err := gojsonschema.Validate(envelopeSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: envelope validation: %v", stagedriver.ErrParseFailure, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: envelope missing required fields: %v", stagedriver.ErrParseFailure, result.Errors())
	}
	return nil
}

// asMap type-asserts v as a JSON object, returning (nil, false) for
// anything else (nil, scalars, arrays).
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}

// relationFields are the entity slots every parsed relation carries.
var relationFields = []string{"components", "targets", "contexts"}

// walkEntities visits every entity in the document's relations tree
// (components/targets/contexts of every rel_from_this_sent, plus each
// entity's meta, recursively), calling visit on each. visit may mutate
// the entity map in place; structural replacement (e.g. decomposition)
// is handled by walkEntitiesReplace.
func walkEntities(doc map[string]any, visit func(ent map[string]any)) {
	walkEntitiesReplace(doc, func(ent map[string]any) map[string]any {
		visit(ent)
		return ent
	})
}

// walkEntitiesReplace is walkEntities but visit may return a
// replacement entity, mirroring the reference's postprocess_entity
// rewrite-in-place pattern.
func walkEntitiesReplace(doc map[string]any, visit func(ent map[string]any) map[string]any) {
	relations, _ := asSlice(doc["relations"])
	for _, blockAny := range relations {
		block, ok := asMap(blockAny)
		if !ok {
			continue
		}
		rels, _ := asSlice(block["rel_from_this_sent"])
		for _, relAny := range rels {
			rel, ok := asMap(relAny)
			if !ok {
				continue
			}
			for _, field := range relationFields {
				ents, ok := asSlice(rel[field])
				if !ok {
					continue
				}
				for i, entAny := range ents {
					ent, ok := asMap(entAny)
					if !ok {
						continue
					}
					ents[i] = visitEntityTree(ent, visit)
				}
				rel[field] = ents
			}
		}
	}
}

func visitEntityTree(ent map[string]any, visit func(ent map[string]any) map[string]any) map[string]any {
	replaced := visit(ent)
	if metas, ok := asSlice(replaced["meta"]); ok {
		for i, mAny := range metas {
			m, ok := asMap(mAny)
			if !ok {
				continue
			}
			metas[i] = visitEntityTree(m, visit)
		}
		replaced["meta"] = metas
	}
	return replaced
}

// entityTriple is a deduplicated (name, description, species) query
// key collected while walking the relations tree for one ontology.
type entityTriple struct {
	Name        string
	Description string
	Species     string
}

// collectTriples walks the document collecting unique triples whose
// `type` matches one of ontologyTypes, resolving species via the
// priority ladder documented in §4.5.3 when useSpecies is set.
func collectTriples(doc map[string]any, ontologyTypes []string, useSpecies bool) []entityTriple {
	typeSet := make(map[string]bool, len(ontologyTypes))
	for _, t := range ontologyTypes {
		typeSet[t] = true
	}

	docSpecies := documentFallbackSpecies(doc)
	seen := make(map[entityTriple]bool)
	var out []entityTriple

	relations, _ := asSlice(doc["relations"])
	for _, blockAny := range relations {
		block, ok := asMap(blockAny)
		if !ok {
			continue
		}
		rels, _ := asSlice(block["rel_from_this_sent"])
		for _, relAny := range rels {
			rel, ok := asMap(relAny)
			if !ok {
				continue
			}
			relSpecies := relationSpecies(rel)
			for _, field := range relationFields {
				ents, _ := asSlice(rel[field])
				for _, entAny := range ents {
					ent, ok := asMap(entAny)
					if !ok {
						continue
					}
					collectFromEntity(ent, typeSet, useSpecies, relSpecies, docSpecies, seen, &out)
					metas, _ := asSlice(ent["meta"])
					for _, mAny := range metas {
						m, ok := asMap(mAny)
						if !ok {
							continue
						}
						collectFromEntity(m, typeSet, useSpecies, relSpecies, docSpecies, seen, &out)
					}
				}
			}
		}
	}
	return out
}

func collectFromEntity(ent map[string]any, typeSet map[string]bool, useSpecies bool, relSpecies, docSpecies string, seen map[entityTriple]bool, out *[]entityTriple) {
	if !typeSet[asStr(ent["type"])] {
		return
	}
	name := asStr(ent["name"])
	if name == "" {
		return
	}
	t := entityTriple{Name: name, Description: asStr(ent["description"])}
	if useSpecies {
		t.Species = resolveSpecies(ent, relSpecies, docSpecies)
	}
	if seen[t] {
		return
	}
	seen[t] = true
	*out = append(*out, t)
}

// resolveSpecies implements the §4.5.3 ladder: entity.meta species >
// relation-level species > document-level fallback. Cell-line proxy
// lookup is left to callers that hold a cell-line->species mapping
// artifact (see ResolveSpeciesWithCellLine).
func resolveSpecies(ent map[string]any, relSpecies, docSpecies string) string {
	if metas, ok := asSlice(ent["meta"]); ok {
		for _, mAny := range metas {
			m, ok := asMap(mAny)
			if ok && asStr(m["type"]) == "species" {
				if name := asStr(m["name"]); name != "" {
					return name
				}
			}
		}
	}
	if relSpecies != "" {
		return relSpecies
	}
	return docSpecies
}

// ResolveSpeciesWithCellLine extends resolveSpecies with the
// cell-line-to-species proxy tier, for callers (apply_llm_best) that
// hold a cellLineSpecies lookup artifact keyed by cell-line name.
func ResolveSpeciesWithCellLine(ent map[string]any, relSpecies, docSpecies string, cellLineSpecies map[string]string) string {
	if metas, ok := asSlice(ent["meta"]); ok {
		for _, mAny := range metas {
			m, ok := asMap(mAny)
			if ok && asStr(m["type"]) == "species" {
				if name := asStr(m["name"]); name != "" {
					return name
				}
			}
		}
	}
	if relSpecies != "" {
		return relSpecies
	}
	if asStr(ent["type"]) == "cell_line" {
		if sp, ok := cellLineSpecies[asStr(ent["name"])]; ok && sp != "" {
			return sp
		}
	}
	return docSpecies
}

// relationSpecies resolves the relation-level species fallback:
// contexts first, then components/targets, then their metas.
func relationSpecies(rel map[string]any) string {
	order := []string{"contexts", "components", "targets"}
	for _, field := range order {
		ents, _ := asSlice(rel[field])
		for _, entAny := range ents {
			ent, ok := asMap(entAny)
			if !ok {
				continue
			}
			if asStr(ent["type"]) == "species" {
				if name := asStr(ent["name"]); name != "" {
					return name
				}
			}
			metas, _ := asSlice(ent["meta"])
			for _, mAny := range metas {
				m, ok := asMap(mAny)
				if ok && asStr(m["type"]) == "species" {
					if name := asStr(m["name"]); name != "" {
						return name
					}
				}
			}
		}
	}
	return ""
}

// documentFallbackSpecies returns the first non-empty name of a species
// entity listed in any relation's contexts, the ladder's last tier.
func documentFallbackSpecies(doc map[string]any) string {
	result, err := jsonpath.Get(
		`$.relations[*].rel_from_this_sent[*].contexts[*][?(@.type=="species")].name`,
		doc,
	)
	if err != nil {
		return ""
	}
	switch v := result.(type) {
	case []any:
		for _, item := range v {
			if s := asStr(item); s != "" {
				return s
			}
		}
	case string:
		return v
	}
	return ""
}

// buildQuery concatenates name, optional description, and optional
// species with punctuation, then strips parenthetical/bracketed
// substrings together with the spaces just before them, mirroring
// §4.5.3 step A.2.
func buildQuery(name, description, species string) string {
	q := name
	if description != "" {
		q += ", " + description
	}
	if species != "" {
		q += ", " + species
	}
	return stripBracketed(q)
}

func stripBracketed(s string) string {
	var out []byte
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '(', '[':
			if depth == 0 {
				for len(out) > 0 && out[len(out)-1] == ' ' {
					out = out[:len(out)-1]
				}
			}
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				out = append(out, c)
			}
		}
	}
	return trimSpace(string(out))
}

func normalizeAnswer(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\'' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return trimSpace(string(out))
}
