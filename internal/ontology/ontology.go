// Copyright 2025 James Ross
// Package ontology describes the cross-ontology mapping targets the
// identifier-mapping stages operate against: which entity types feed
// into which ontology, how its mapping artifact is named and keyed,
// and which judge policy governs LLM candidate selection for it.
package ontology

import "context"

// JudgePolicy selects the LLM selection-prompt template used when
// asking the model to pick a best-match candidate.
type JudgePolicy string

const (
	// JudgeStrict requires near-exact semantic equivalence.
	JudgeStrict JudgePolicy = "strict"
	// JudgeRelaxed allows broader functional/lineage-level relevance.
	JudgeRelaxed JudgePolicy = "relaxed"
	// JudgeForced always selects a candidate when any exist.
	JudgeForced JudgePolicy = "forced"
)

// SearchFunc resolves a query string to ranked candidates for one
// ontology's index. Implementations typically wrap
// internal/adapters.SearchClient's Search or SearchTaxon.
type SearchFunc func(ctx context.Context, query string) ([]Candidate, error)

// Candidate is a ranked ontology-mapping hit, the common shape both
// hybrid search and taxonomic search adapters are reduced to.
type Candidate struct {
	ID          string
	Name        string
	Description string
	Score       float64
	DenseRank   int
	SpladeRank  int
	Rank        int
}

// Descriptor is one ontology mapping target, field-for-field the Go
// shape of the reference Ontology class.
type Descriptor struct {
	// OntologyType lists the entity `type` values this ontology maps.
	OntologyType []string
	// DBType is the short identifier for the target database (e.g. "cl", "so").
	DBType string
	// UseSpecies enables the species-resolution ladder during query
	// construction and during final assembly.
	UseSpecies bool
	// KeyInMap is the field name under which this ontology's mapping
	// records live in its artifact, defaulting to "<db_type>_map".
	KeyInMap string
	// Filename is the artifact name this ontology's mapping document
	// is stored under.
	Filename string
	// IndexName is the search index this ontology's SearchFunc queries,
	// defaulting to "<db_type>_index".
	IndexName string
	// JudgeMethod selects the selection-prompt template.
	JudgeMethod JudgePolicy
	// Search performs candidate generation against this ontology's index.
	Search SearchFunc
}

// New builds a Descriptor, applying the same defaulting the reference
// constructor does for KeyInMap/IndexName/JudgeMethod.
func New(ontologyType []string, dbType string, opts ...Option) Descriptor {
	d := Descriptor{
		OntologyType: ontologyType,
		DBType:       dbType,
		KeyInMap:     dbType + "_map",
		IndexName:    dbType + "_index",
		JudgeMethod:  JudgeStrict,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option customizes a Descriptor built via New.
type Option func(*Descriptor)

func WithUseSpecies(v bool) Option        { return func(d *Descriptor) { d.UseSpecies = v } }
func WithKeyInMap(key string) Option      { return func(d *Descriptor) { d.KeyInMap = key } }
func WithFilename(name string) Option     { return func(d *Descriptor) { d.Filename = name } }
func WithIndexName(name string) Option    { return func(d *Descriptor) { d.IndexName = name } }
func WithJudgeMethod(p JudgePolicy) Option { return func(d *Descriptor) { d.JudgeMethod = p } }
func WithSearch(fn SearchFunc) Option     { return func(d *Descriptor) { d.Search = fn } }
