package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/llm"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
)

// sectionEntities maps each evidence-driven section to the entity types that
// feed it. Sections absent here (overview, SWOT, strategy) synthesize from
// the full evidence pool.
var sectionEntities = map[plan.SectionKey][]extract.EntityType{
	plan.SectionFinancialSummary: {extract.EntityRevenue, extract.EntityProfit, extract.EntityEmployees},
	plan.SectionProductsServices: {extract.EntityProducts},
	plan.SectionKeyPeople:        {extract.EntityPeople},
	plan.SectionCompetitors:      {extract.EntityCompetitors},
}

var sectionInstructions = map[plan.SectionKey]string{
	plan.SectionOverview:         "Write a concise company overview: what the company does, where it is based, when it was founded, and its scale.",
	plan.SectionFinancialSummary: "Summarize the company's financial position: revenue, profitability, and headcount.",
	plan.SectionProductsServices: "Describe the company's main products and services.",
	plan.SectionKeyPeople:        "List the key executives and decision makers with their roles.",
	plan.SectionSwotStrengths:    "Identify the company's strengths as an account: market position, financial health, capabilities.",
	plan.SectionSwotWeaknesses:   "Identify the company's weaknesses: gaps, risks in its position, operational concerns.",
	plan.SectionSwotOpportunity:  "Identify sales opportunities this account presents: growth areas, initiatives, unmet needs.",
	plan.SectionSwotThreats:      "Identify threats around this account: competitive pressure, market headwinds.",
	plan.SectionCompetitors:      "List the company's main competitors and how it is positioned against them.",
	plan.SectionStrategy:         "Recommend an account strategy: how to approach this company, whom to engage, and what to lead with.",
}

// Result is the synthesized content for one section.
type Result struct {
	Section plan.SectionKey
	Content plan.SectionContent
	Skipped bool
	Err     error
}

// Synthesizer turns resolved evidence into plan sections. Sections are
// synthesized concurrently, one completion each; a section whose entities
// still carry unresolved conflicts is skipped rather than written from
// contested numbers.
type Synthesizer struct {
	engine llm.Engine
	logger *zap.Logger
}

// New creates a synthesizer.
func New(engine llm.Engine, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{engine: engine, logger: logger}
}

// Synthesize produces content for every section in keys. conflicted lists
// entity types whose conflicts remain open; their sections come back with
// Skipped set. Evidence-free sections come back with zero confidence and an
// explicit unavailability note instead of invented content.
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	companyName string,
	keys []plan.SectionKey,
	evidence []extract.Evidence,
	conflicted []extract.EntityType,
) map[plan.SectionKey]Result {
	start := time.Now()
	if len(keys) == 0 {
		keys = plan.AllSections()
	}

	conflictSet := make(map[extract.EntityType]struct{}, len(conflicted))
	for _, et := range conflicted {
		conflictSet[et] = struct{}{}
	}

	var (
		mu      sync.Mutex
		results = make(map[plan.SectionKey]Result, len(keys))
	)
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(4)

	for _, key := range keys {
		key := key
		grp.Go(func() error {
			res := s.synthesizeSection(grpCtx, companyName, key, evidence, conflictSet)
			mu.Lock()
			results[key] = res
			mu.Unlock()
			return nil
		})
	}
	grp.Wait()

	metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	return results
}

func (s *Synthesizer) synthesizeSection(
	ctx context.Context,
	companyName string,
	key plan.SectionKey,
	evidence []extract.Evidence,
	conflictSet map[extract.EntityType]struct{},
) Result {
	relevant := sectionEvidence(key, evidence)

	for _, ev := range relevant {
		if _, open := conflictSet[ev.EntityType]; open {
			metrics.SectionsSynthesized.WithLabelValues(string(key), "skipped").Inc()
			s.logger.Info("Section skipped: unresolved conflict",
				zap.String("section", string(key)),
				zap.String("entity_type", string(ev.EntityType)),
			)
			return Result{Section: key, Skipped: true}
		}
	}

	if len(relevant) == 0 {
		metrics.SectionsSynthesized.WithLabelValues(string(key), "empty").Inc()
		return Result{Section: key, Content: plan.SectionContent{
			Text:       fmt.Sprintf("Information unavailable: no evidence found for %s.", sectionLabel(key)),
			Confidence: 0,
		}}
	}

	if plan.ListSection(key) {
		return s.synthesizeList(ctx, companyName, key, relevant)
	}

	resp, err := s.engine.Complete(ctx, llm.Request{
		AgentID:      "synthesizer",
		SystemPrompt: "You write account plan sections for sales teams. Use only the evidence provided. Do not invent facts.",
		Prompt:       buildPrompt(companyName, key, relevant),
	})
	if err != nil {
		metrics.SectionsSynthesized.WithLabelValues(string(key), "error").Inc()
		s.logger.Warn("Section synthesis failed",
			zap.String("section", string(key)),
			zap.Error(err),
		)
		return Result{Section: key, Err: err}
	}

	metrics.SectionsSynthesized.WithLabelValues(string(key), "success").Inc()
	return Result{Section: key, Content: plan.SectionContent{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: meanConfidence(relevant),
		Sources:    sourceRefs(relevant),
	}}
}

// synthesizeList produces the record-list sections (key people, competitors)
// as structured entries rather than prose.
func (s *Synthesizer) synthesizeList(
	ctx context.Context,
	companyName string,
	key plan.SectionKey,
	relevant []extract.Evidence,
) Result {
	field := "title"
	if key == plan.SectionCompetitors {
		field = "reason"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\nSection: %s\n\n%s\n\nEvidence:\n",
		companyName, sectionLabel(key), sectionInstructions[key])
	for _, ev := range relevant {
		fmt.Fprintf(&b, "- [%s] %s (source: %s)\n", ev.SourceType, ev.Value, ev.SourceURL)
	}
	fmt.Fprintf(&b, "\nReturn a JSON array of objects with keys \"name\", \"%s\" and \"source\" (the evidence source URL). No other text.", field)

	var items []plan.RecordEntry
	err := llm.CompleteJSONWith(ctx, s.engine, llm.Request{
		AgentID:      "synthesizer",
		SystemPrompt: "You write account plan sections for sales teams. Use only the evidence provided. Do not invent facts.",
		Prompt:       b.String(),
	}, &items)
	if err != nil {
		metrics.SectionsSynthesized.WithLabelValues(string(key), "error").Inc()
		s.logger.Warn("Section synthesis failed",
			zap.String("section", string(key)),
			zap.Error(err),
		)
		return Result{Section: key, Err: err}
	}

	fallback := ""
	if len(relevant) > 0 {
		fallback = relevant[0].SourceURL
	}
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = fallback
		}
	}

	metrics.SectionsSynthesized.WithLabelValues(string(key), "success").Inc()
	return Result{Section: key, Content: plan.SectionContent{
		Items:      items,
		Confidence: meanConfidence(relevant),
		Sources:    sourceRefs(relevant),
	}}
}

// sectionEvidence returns the evidence feeding a section: the mapped entity
// types for fact sections, everything for the narrative ones.
func sectionEvidence(key plan.SectionKey, evidence []extract.Evidence) []extract.Evidence {
	entities, mapped := sectionEntities[key]
	if !mapped {
		return evidence
	}
	var out []extract.Evidence
	for _, ev := range evidence {
		for _, et := range entities {
			if ev.EntityType == et {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func buildPrompt(companyName string, key plan.SectionKey, evidence []extract.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\nSection: %s\n\n%s\n\nEvidence:\n",
		companyName, sectionLabel(key), sectionInstructions[key])
	for _, ev := range evidence {
		fmt.Fprintf(&b, "- [%s] %s: %s (source: %s)\n",
			ev.SourceType, ev.EntityType, ev.Value, ev.SourceURL)
	}
	b.WriteString("\nWrite the section text only, no heading.")
	return b.String()
}

func sectionLabel(key plan.SectionKey) string {
	return strings.NewReplacer(".", " ", "_", " ").Replace(string(key))
}

func meanConfidence(evidence []extract.Evidence) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range evidence {
		sum += ev.Confidence
	}
	return sum / float64(len(evidence))
}

func sourceRefs(evidence []extract.Evidence) []plan.SourceRef {
	seen := make(map[string]struct{}, len(evidence))
	var out []plan.SourceRef
	for _, ev := range evidence {
		if ev.SourceURL == "" {
			continue
		}
		if _, ok := seen[ev.SourceURL]; ok {
			continue
		}
		seen[ev.SourceURL] = struct{}{}
		out = append(out, plan.SourceRef{
			URL:         ev.SourceURL,
			Type:        string(ev.SourceType),
			ExtractedAt: ev.ExtractedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
