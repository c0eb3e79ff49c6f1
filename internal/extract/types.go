package extract

import "time"

// EntityType identifies one kind of fact the extractor produces.
type EntityType string

const (
	EntityRevenue     EntityType = "revenue"
	EntityProfit      EntityType = "profit"
	EntityEmployees   EntityType = "employees"
	EntityFounded     EntityType = "founded"
	EntityLocation    EntityType = "location"
	EntityProducts    EntityType = "products"
	EntityPeople      EntityType = "people"
	EntityCompetitors EntityType = "competitors"
)

// Numeric reports whether values of this type are compared by magnitude.
func (e EntityType) Numeric() bool {
	switch e {
	case EntityRevenue, EntityProfit, EntityEmployees, EntityFounded:
		return true
	}
	return false
}

// Priority returns the tie-break rank for conflict ordering; lower sorts first.
func (e EntityType) Priority() int {
	switch e {
	case EntityRevenue:
		return 0
	case EntityProfit:
		return 1
	case EntityEmployees:
		return 2
	case EntityProducts:
		return 3
	case EntityPeople:
		return 4
	case EntityCompetitors:
		return 5
	case EntityFounded:
		return 6
	case EntityLocation:
		return 7
	default:
		return 8
	}
}

// SourceType classifies where a piece of evidence came from. Weights per
// source type live in configuration, not here.
type SourceType string

const (
	SourceAnnualReport SourceType = "annual_report"
	SourceDocument     SourceType = "document"
	SourceNews         SourceType = "news"
	SourceWeb          SourceType = "web"
)

// SourceMeta describes the provenance of a text being extracted from.
type SourceMeta struct {
	URL   string
	Type  SourceType
	Title string
}

// Evidence is a single sourced fact. Immutable once created.
type Evidence struct {
	EntityType  EntityType `json:"entity_type"`
	Value       string     `json:"value"`
	Normalized  float64    `json:"normalized,omitempty"` // canonical magnitude for numeric types
	Unit        string     `json:"unit,omitempty"`       // "usd", "count", "year"
	SourceURL   string     `json:"source_url"`
	SourceType  SourceType `json:"source_type"`
	Confidence  float64    `json:"confidence"`
	ExtractedAt time.Time  `json:"extracted_at"`
	RawText     string     `json:"raw_text,omitempty"`
}
