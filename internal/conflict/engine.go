package conflict

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
)

// Engine detects contradictions in gathered evidence. Detection is pure
// arithmetic over normalized values: no model call is involved, so the same
// evidence always produces the same conflicts.
type Engine struct {
	view   *config.ConflictView
	logger *zap.Logger
	clock  func() time.Time
}

// NewEngine creates a conflict engine reading its thresholds and source
// weights through view, which may be hot-reloaded behind it.
func NewEngine(view *config.ConflictView, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{view: view, logger: logger, clock: time.Now}
}

// Detect groups evidence by entity and flags entities whose independent
// sources disagree. Numeric entities conflict when the relative spread
// (max-min)/max meets the configured threshold; categorical entities conflict
// when independent sources report disjoint value sets. Results are ordered by
// variance descending, entity priority as the tiebreak.
func (e *Engine) Detect(evidence []extract.Evidence) []Record {
	cfg := e.view.Current()

	byEntity := make(map[extract.EntityType][]extract.Evidence)
	for _, ev := range evidence {
		byEntity[ev.EntityType] = append(byEntity[ev.EntityType], ev)
	}

	var records []Record
	for et, evs := range byEntity {
		var rec *Record
		if et.Numeric() {
			rec = e.detectNumeric(et, evs, cfg)
		} else {
			rec = e.detectCategorical(et, evs, cfg)
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].VarianceScore != records[j].VarianceScore {
			return records[i].VarianceScore > records[j].VarianceScore
		}
		return records[i].EntityType.Priority() < records[j].EntityType.Priority()
	})

	for _, rec := range records {
		metrics.ConflictsDetected.WithLabelValues(string(rec.EntityType)).Inc()
		e.logger.Info("Conflict detected",
			zap.String("entity_type", string(rec.EntityType)),
			zap.Float64("variance", rec.VarianceScore),
			zap.Int("candidates", len(rec.Candidates)),
		)
	}
	return records
}

func (e *Engine) detectNumeric(et extract.EntityType, evs []extract.Evidence, cfg config.ConflictConfig) *Record {
	// Cluster evidence whose normalized values agree within 1%; equivalent
	// phrasings of the same figure must never conflict with each other.
	type cluster struct {
		value       float64
		display     string
		sources     map[string]extract.SourceType
		extractedAt time.Time
	}
	var clusters []*cluster
	for _, ev := range evs {
		if ev.Normalized <= 0 {
			continue
		}
		var match *cluster
		for _, c := range clusters {
			if relativeSpread(c.value, ev.Normalized) < 0.01 {
				match = c
				break
			}
		}
		if match == nil {
			match = &cluster{
				value:   ev.Normalized,
				display: ev.Value,
				sources: make(map[string]extract.SourceType),
			}
			clusters = append(clusters, match)
		}
		match.sources[ev.SourceURL] = ev.SourceType
		if ev.ExtractedAt.After(match.extractedAt) {
			match.extractedAt = ev.ExtractedAt
		}
	}
	if len(clusters) < 2 {
		return nil
	}

	independent := make(map[string]struct{})
	lo, hi := clusters[0].value, clusters[0].value
	for _, c := range clusters {
		if c.value < lo {
			lo = c.value
		}
		if c.value > hi {
			hi = c.value
		}
		for url := range c.sources {
			independent[url] = struct{}{}
		}
	}
	if len(independent) < cfg.MinIndependentSources {
		return nil
	}
	variance := (hi - lo) / hi
	if variance < cfg.NumericThreshold {
		return nil
	}

	candidates := make([]Candidate, 0, len(clusters))
	for _, c := range clusters {
		cand := Candidate{
			Value:       c.display,
			Normalized:  c.value,
			ExtractedAt: c.extractedAt,
		}
		for url, st := range c.sources {
			cand.Sources = append(cand.Sources, url)
			cand.SourceTypes = append(cand.SourceTypes, st)
			cand.Confidence += sourceWeight(cfg, st)
		}
		sort.Strings(cand.Sources)
		candidates = append(candidates, cand)
	}
	sortCandidates(candidates)

	return &Record{
		ID:            uuid.New().String(),
		EntityType:    et,
		Candidates:    candidates,
		VarianceScore: variance,
		Severity:      severityFor(variance, cfg.NumericThreshold),
		Status:        StatusOpen,
		CreatedAt:     e.clock(),
	}
}

func (e *Engine) detectCategorical(et extract.EntityType, evs []extract.Evidence, cfg config.ConflictConfig) *Record {
	bySource := make(map[string]map[string]struct{})
	sourceType := make(map[string]extract.SourceType)
	latest := make(map[string]time.Time)
	for _, ev := range evs {
		key := strings.ToLower(strings.TrimSpace(ev.Value))
		if key == "" {
			continue
		}
		if bySource[ev.SourceURL] == nil {
			bySource[ev.SourceURL] = make(map[string]struct{})
		}
		bySource[ev.SourceURL][key] = struct{}{}
		sourceType[ev.SourceURL] = ev.SourceType
		if ev.ExtractedAt.After(latest[ev.SourceURL]) {
			latest[ev.SourceURL] = ev.ExtractedAt
		}
	}
	if len(bySource) < cfg.MinIndependentSources {
		return nil
	}

	urls := make([]string, 0, len(bySource))
	for url := range bySource {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	// Only fully disjoint reports count: any shared value means the sources
	// are describing the same thing at different granularity.
	for i := 0; i < len(urls); i++ {
		for j := i + 1; j < len(urls); j++ {
			if intersects(bySource[urls[i]], bySource[urls[j]]) {
				return nil
			}
		}
	}

	candidates := make([]Candidate, 0, len(urls))
	for _, url := range urls {
		values := make([]string, 0, len(bySource[url]))
		for _, ev := range evs {
			if ev.SourceURL != url {
				continue
			}
			if !containsFold(values, ev.Value) {
				values = append(values, ev.Value)
			}
		}
		sort.Strings(values)
		candidates = append(candidates, Candidate{
			Value:       strings.Join(values, ", "),
			Sources:     []string{url},
			SourceTypes: []extract.SourceType{sourceType[url]},
			Confidence:  sourceWeight(cfg, sourceType[url]),
			ExtractedAt: latest[url],
		})
	}
	sortCandidates(candidates)

	return &Record{
		ID:         uuid.New().String(),
		EntityType: et,
		Candidates: candidates,
		Severity:   SeverityMedium,
		Status:     StatusOpen,
		CreatedAt:  e.clock(),
	}
}

// Resolve marks rec resolved and returns the evidence filtered down to the
// winning value for rec's entity type. Evidence for other entities passes
// through untouched.
func Resolve(rec *Record, chosen *Candidate, evidence []extract.Evidence) []extract.Evidence {
	return resolve(rec, chosen, evidence, "user")
}

// AutoResolve picks the highest-confidence candidate, used when the
// clarification round budget is exhausted.
func AutoResolve(rec *Record, evidence []extract.Evidence) []extract.Evidence {
	return resolve(rec, &rec.Candidates[0], evidence, "auto")
}

func resolve(rec *Record, chosen *Candidate, evidence []extract.Evidence, method string) []extract.Evidence {
	rec.Status = StatusResolved
	rec.Resolution = chosen.Value

	keep := make(map[string]struct{}, len(chosen.Sources))
	for _, url := range chosen.Sources {
		keep[url] = struct{}{}
	}
	out := make([]extract.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		if ev.EntityType != rec.EntityType {
			out = append(out, ev)
			continue
		}
		if _, ok := keep[ev.SourceURL]; ok {
			out = append(out, ev)
		}
	}
	metrics.ConflictsResolved.WithLabelValues(method).Inc()
	return out
}

// Latest returns the candidate with the most recent extraction time.
func (r *Record) Latest() *Candidate {
	if len(r.Candidates) == 0 {
		return nil
	}
	best := &r.Candidates[0]
	for i := range r.Candidates {
		if r.Candidates[i].ExtractedAt.After(best.ExtractedAt) {
			best = &r.Candidates[i]
		}
	}
	return best
}

func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		return cands[i].ExtractedAt.After(cands[j].ExtractedAt)
	})
}

func sourceWeight(cfg config.ConflictConfig, st extract.SourceType) float64 {
	if w, ok := cfg.SourceWeights[string(st)]; ok {
		return w
	}
	return 0.5
}

func severityFor(variance, threshold float64) Severity {
	switch {
	case variance >= 3*threshold:
		return SeverityHigh
	case variance >= 1.5*threshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func relativeSpread(a, b float64) float64 {
	hi, lo := a, b
	if b > a {
		hi, lo = b, a
	}
	if hi == 0 {
		return 0
	}
	return (hi - lo) / hi
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, existing := range values {
		if strings.EqualFold(existing, v) {
			return true
		}
	}
	return false
}
