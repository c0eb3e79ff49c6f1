package conflict

import (
	"time"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
)

// Status of a conflict record.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Severity buckets a conflict by how far apart the candidates are.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Candidate is one contested value together with the sources that back it.
// Confidence is the sum of the corroborating sources' weights, so a value
// repeated by an annual report and a news article outranks a lone web page.
type Candidate struct {
	Value       string               `json:"value"`
	Normalized  float64              `json:"normalized,omitempty"`
	Sources     []string             `json:"sources"`
	SourceTypes []extract.SourceType `json:"source_types"`
	Confidence  float64              `json:"confidence"`
	ExtractedAt time.Time            `json:"extracted_at"`
}

// Record is a detected conflict for a single entity.
type Record struct {
	ID            string             `json:"id"`
	EntityType    extract.EntityType `json:"entity_type"`
	Candidates    []Candidate        `json:"candidates"`
	VarianceScore float64            `json:"variance_score"`
	Severity      Severity           `json:"severity"`
	Status        Status             `json:"status"`
	Resolution    string             `json:"resolution,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ResolutionKind classifies what the user asked for when clarifying.
type ResolutionKind string

const (
	ResolutionPickSource ResolutionKind = "pick_source"
	ResolutionUseLatest  ResolutionKind = "use_latest"
	ResolutionDigDeeper  ResolutionKind = "dig_deeper"
)

// Resolution is a parsed clarification reply. Candidate is nil for
// ResolutionDigDeeper.
type Resolution struct {
	Kind      ResolutionKind
	Candidate *Candidate
}
