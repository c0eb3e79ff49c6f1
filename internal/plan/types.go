package plan

import (
	"time"
)

// SectionKey identifies one section of an account plan.
type SectionKey string

const (
	SectionOverview         SectionKey = "company_overview"
	SectionFinancialSummary SectionKey = "financial_summary"
	SectionProductsServices SectionKey = "products_services"
	SectionKeyPeople        SectionKey = "key_people"
	SectionSwotStrengths    SectionKey = "swot.strengths"
	SectionSwotWeaknesses   SectionKey = "swot.weaknesses"
	SectionSwotOpportunity  SectionKey = "swot.opportunities"
	SectionSwotThreats      SectionKey = "swot.threats"
	SectionCompetitors      SectionKey = "competitors"
	SectionStrategy         SectionKey = "recommended_strategy"
)

// AllSections lists every section in document order.
func AllSections() []SectionKey {
	return []SectionKey{
		SectionOverview,
		SectionFinancialSummary,
		SectionProductsServices,
		SectionKeyPeople,
		SectionSwotStrengths,
		SectionSwotWeaknesses,
		SectionSwotOpportunity,
		SectionSwotThreats,
		SectionCompetitors,
		SectionStrategy,
	}
}

// ValidSection reports whether key names a known section.
func ValidSection(key SectionKey) bool {
	for _, k := range AllSections() {
		if k == key {
			return true
		}
	}
	return false
}

// ListSection reports whether key renders as a list of records instead of
// prose.
func ListSection(key SectionKey) bool {
	return key == SectionKeyPeople || key == SectionCompetitors
}

// RecordEntry is one item of a list section: a person (Name + Title) or a
// competitor (Name + Reason).
type RecordEntry struct {
	Name   string `json:"name"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

// SourceRef attributes section content to where it came from.
type SourceRef struct {
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// SectionContent is the synthesized body of one section: prose for most
// sections, Items for the list sections. Confidence is the mean confidence
// of the evidence behind it; zero means nothing usable was found.
type SectionContent struct {
	Text       string        `json:"text,omitempty"`
	Items      []RecordEntry `json:"items,omitempty"`
	Confidence float64       `json:"confidence"`
	Sources    []SourceRef   `json:"sources,omitempty"`
}

// Empty reports whether the section carries no content at all.
func (c SectionContent) Empty() bool {
	return c.Text == "" && len(c.Items) == 0
}

// Plan is the stored account plan header. Section bodies live in the
// version table.
type Plan struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	CompanyName string    `db:"company_name" json:"company_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Version is one appended revision of a section. Versions are never updated
// or deleted; reverting appends a copy of an older version.
type Version struct {
	PlanID     string         `db:"plan_id" json:"plan_id"`
	SectionKey SectionKey     `db:"section_key" json:"section_key"`
	Version    int            `db:"version" json:"version"`
	Content    SectionContent `db:"-" json:"content"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// SWOT is the four-quadrant block of the wire document.
type SWOT struct {
	Strengths     string `json:"strengths,omitempty"`
	Weaknesses    string `json:"weaknesses,omitempty"`
	Opportunities string `json:"opportunities,omitempty"`
	Threats       string `json:"threats,omitempty"`
}

// Document is the wire form of an assembled plan: each section at its latest
// version, never-written sections absent rather than null.
type Document struct {
	CompanyName         string        `json:"company_name"`
	CompanyOverview     string        `json:"company_overview,omitempty"`
	FinancialSummary    string        `json:"financial_summary,omitempty"`
	ProductsServices    string        `json:"products_services,omitempty"`
	KeyPeople           []RecordEntry `json:"key_people,omitempty"`
	SWOT                *SWOT         `json:"swot,omitempty"`
	Competitors         []RecordEntry `json:"competitors,omitempty"`
	RecommendedStrategy string        `json:"recommended_strategy,omitempty"`
	Sources             []SourceRef   `json:"sources"`
	LastUpdated         time.Time     `json:"last_updated"`
}

func (d *Document) setSection(key SectionKey, content SectionContent) {
	swot := func() *SWOT {
		if d.SWOT == nil {
			d.SWOT = &SWOT{}
		}
		return d.SWOT
	}
	switch key {
	case SectionOverview:
		d.CompanyOverview = content.Text
	case SectionFinancialSummary:
		d.FinancialSummary = content.Text
	case SectionProductsServices:
		d.ProductsServices = content.Text
	case SectionKeyPeople:
		d.KeyPeople = content.Items
	case SectionSwotStrengths:
		swot().Strengths = content.Text
	case SectionSwotWeaknesses:
		swot().Weaknesses = content.Text
	case SectionSwotOpportunity:
		swot().Opportunities = content.Text
	case SectionSwotThreats:
		swot().Threats = content.Text
	case SectionCompetitors:
		d.Competitors = content.Items
	case SectionStrategy:
		d.RecommendedStrategy = content.Text
	}
}
