// Copyright 2025 James Ross
package stages

import (
	"context"
	"fmt"

	"github.com/jamesross/pmcad/internal/ontology"
	"github.com/jamesross/pmcad/internal/stagedriver"
	"github.com/jamesross/pmcad/internal/store"
)

// RelationTypeName is the distinguished entity type denoting the
// predicate of a relation itself; entities of this type survive final
// assembly even when no canonical mapping is found.
const RelationTypeName = "relation"

// ApplyLLMBestConfig parameterizes final assembly (§4.5.6) for a set
// of ontologies sharing one relations document.
type ApplyLLMBestConfig struct {
	InputName       string
	OutputName      string
	Ontologies      []ontology.Descriptor
	MappingNames    map[string]string // DBType -> mapping artifact name
	CellLineMapName string            // optional cell-line -> species proxy artifact
}

// canonicalEntry is one resolved mapping record reduced to the fields
// final assembly rewrites an entity from.
type canonicalEntry struct {
	ID          string
	Name        string
	Description string
	Species     string
}

// ApplyLLMBest rewrites every governed entity's id/name/description
// from its canonical mapping record, resolved by (name, species_final)
// falling back to (name, "") then — if the name has exactly one
// candidate species — that lone candidate; entities with no resolution
// are dropped unless they are the relation predicate itself. This
// algorithm is synthesized directly from the final-assembly text of
// the specification: no single reference Python module implements
// this exact species-fallback-ladder shape (db_change.py implements
// the convert_failed shape instead, already grounded in
// convert_failed.go); the entity tree-walk/relabel idiom and the
// species resolution ladder itself are reused from that file and from
// stages.go respectively.
func ApplyLLMBest(cfg ApplyLLMBestConfig) stagedriver.StepFunc {
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

		typeToOntology := make(map[string]ontology.Descriptor)
		for _, ot := range cfg.Ontologies {
			for _, t := range ot.OntologyType {
				typeToOntology[t] = ot
			}
		}

		canon := make(map[string]map[canonicalKey]canonicalEntry) // dbType -> key -> entry
		bySpeciesCount := make(map[string]map[string]int)         // dbType -> name -> distinct species count
		for _, ot := range cfg.Ontologies {
			artifact := cfg.MappingNames[ot.DBType]
			if artifact == "" {
				continue
			}
			entries, speciesCount := loadCanonicalEntries(ctx, st, docID, artifact, ot.KeyInMap)
			canon[ot.DBType] = entries
			bySpeciesCount[ot.DBType] = speciesCount
		}

		cellLineSpecies := loadCellLineSpecies(ctx, st, docID, cfg.CellLineMapName)
		docSpecies := documentFallbackSpecies(doc)

		nTotal, nResolved, nDropped := 0, 0, 0
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
					kept := ents[:0]
					for _, entAny := range ents {
						ent, ok := asMap(entAny)
						if !ok {
							continue
						}
						nTotal++
						next, ok := assembleEntity(ent, typeToOntology, canon, bySpeciesCount, relSpecies, docSpecies, cellLineSpecies)
						if ok {
							nResolved++
							kept = append(kept, next)
						} else {
							nDropped++
						}
					}
					rel[field] = kept
				}
			}
		}

		if err := st.Put(ctx, docID, cfg.OutputName, doc); err != nil {
			return nil, nil, fmt.Errorf("stages: put %d/%s: %w", docID, cfg.OutputName, err)
		}

		return nil, []stagedriver.Info{
			{Type: stagedriver.InfoStatus, Name: fmt.Sprintf("%d", docID)},
			{Type: stagedriver.InfoMetric, Name: "resolved", Correct: nResolved, Total: nTotal},
			{Type: stagedriver.InfoMetric, Name: "dropped", Correct: nDropped, Total: nTotal},
		}, nil
	}
}

// assembleEntity applies step 1-4 of §4.5.6 to one entity, recursing
// into its meta entries. The bool return reports whether the entity
// (possibly rewritten) should be kept in its parent list.
func assembleEntity(
	ent map[string]any,
	typeToOntology map[string]ontology.Descriptor,
	canon map[string]map[canonicalKey]canonicalEntry,
	bySpeciesCount map[string]map[string]int,
	relSpecies, docSpecies string,
	cellLineSpecies map[string]string,
) (map[string]any, bool) {
	entType := asStr(ent["type"])
	ot, governed := typeToOntology[entType]
	if !governed {
		recurseMeta(ent, typeToOntology, canon, bySpeciesCount, relSpecies, docSpecies, cellLineSpecies)
		return ent, true
	}

	speciesFinal := ResolveSpeciesWithCellLine(ent, relSpecies, docSpecies, cellLineSpecies)
	name := asStr(ent["name"])
	entries := canon[ot.DBType]
	counts := bySpeciesCount[ot.DBType]

	entry, found := entries[canonicalKey{Name: name, Species: speciesFinal}]
	if !found {
		entry, found = entries[canonicalKey{Name: name, Species: ""}]
	}
	if !found && counts[name] == 1 {
		for k, e := range entries {
			if k.Name == name {
				entry, found = e, true
				break
			}
		}
	}

	if !found {
		if entType == RelationTypeName {
			recurseMeta(ent, typeToOntology, canon, bySpeciesCount, relSpecies, docSpecies, cellLineSpecies)
			return ent, true
		}
		return nil, false
	}

	ent["id"] = entry.ID
	ent["name"] = entry.Name
	ent["description"] = entry.Description
	canonicalizeSpeciesMeta(ent, entry.Species)

	recurseMeta(ent, typeToOntology, canon, bySpeciesCount, relSpecies, docSpecies, cellLineSpecies)
	return ent, true
}

func recurseMeta(
	ent map[string]any,
	typeToOntology map[string]ontology.Descriptor,
	canon map[string]map[canonicalKey]canonicalEntry,
	bySpeciesCount map[string]map[string]int,
	relSpecies, docSpecies string,
	cellLineSpecies map[string]string,
) {
	metas, ok := asSlice(ent["meta"])
	if !ok {
		return
	}
	kept := metas[:0]
	for _, mAny := range metas {
		m, ok := asMap(mAny)
		if !ok {
			continue
		}
		next, keep := assembleEntity(m, typeToOntology, canon, bySpeciesCount, relSpecies, docSpecies, cellLineSpecies)
		if keep {
			kept = append(kept, next)
		}
	}
	ent["meta"] = kept
}

// canonicalizeSpeciesMeta rewrites (or inserts) the species meta entry
// of ent to match the canonical record's resolved species.
func canonicalizeSpeciesMeta(ent map[string]any, species string) {
	if species == "" {
		return
	}
	metas, _ := asSlice(ent["meta"])
	for i, mAny := range metas {
		m, ok := asMap(mAny)
		if !ok {
			continue
		}
		if asStr(m["type"]) == "species" {
			m["name"] = species
			metas[i] = m
			ent["meta"] = metas
			return
		}
	}
	metas = append(metas, map[string]any{"type": "species", "name": species})
	ent["meta"] = metas
}

type canonicalKey struct {
	Name    string
	Species string
}

func loadCanonicalEntries(ctx context.Context, st *store.Store, docID int64, artifact, keyInMap string) (map[canonicalKey]canonicalEntry, map[string]int) {
	entries := make(map[canonicalKey]canonicalEntry)
	speciesSets := make(map[string]map[string]bool)

	raw, ok, err := st.Get(ctx, docID, artifact)
	if err != nil || !ok {
		return entries, map[string]int{}
	}
	doc, ok := asMap(raw)
	if !ok {
		return entries, map[string]int{}
	}
	list, ok := asSlice(doc[keyInMap])
	if !ok {
		return entries, map[string]int{}
	}
	for _, itemAny := range list {
		item, ok := asMap(itemAny)
		if !ok {
			continue
		}
		bm, ok := asMap(item["llm_best_match"])
		if !ok {
			continue
		}
		name := asStr(item["name"])
		species := asStr(item["species"])
		entries[canonicalKey{Name: name, Species: species}] = canonicalEntry{
			ID:          asStr(bm["id"]),
			Name:        asStr(bm["name"]),
			Description: asStr(bm["description"]),
			Species:     species,
		}
		if species != "" {
			if speciesSets[name] == nil {
				speciesSets[name] = make(map[string]bool)
			}
			speciesSets[name][species] = true
		}
	}

	counts := make(map[string]int, len(speciesSets))
	for name, set := range speciesSets {
		counts[name] = len(set)
	}
	return entries, counts
}

func loadCellLineSpecies(ctx context.Context, st *store.Store, docID int64, artifact string) map[string]string {
	out := make(map[string]string)
	if artifact == "" {
		return out
	}
	raw, ok, err := st.Get(ctx, docID, artifact)
	if err != nil || !ok {
		return out
	}
	doc, ok := asMap(raw)
	if !ok {
		return out
	}
	list, ok := asSlice(doc["cell_line_map"])
	if !ok {
		return out
	}
	for _, itemAny := range list {
		item, ok := asMap(itemAny)
		if !ok {
			continue
		}
		if name := asStr(item["name"]); name != "" {
			out[name] = asStr(item["species"])
		}
	}
	return out
}
