package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/llm"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
)

type stubEngine struct {
	mu        sync.Mutex
	prompts   []string
	reply     string
	listReply string
	err       error
}

func (s *stubEngine) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if strings.Contains(req.Prompt, "JSON array") {
		reply := s.listReply
		if reply == "" {
			reply = `[{"name":"Initech","reason":"direct rival","source":"https://b.example.com"}]`
		}
		return &llm.Response{Text: reply, TokensUsed: 10}, nil
	}
	reply := s.reply
	if reply == "" {
		reply = "synthesized text"
	}
	return &llm.Response{Text: reply, TokensUsed: 10}, nil
}

func (s *stubEngine) CompleteJSON(ctx context.Context, req llm.Request, out interface{}) error {
	return llm.CompleteJSONWith(ctx, s, req, out)
}

func sampleEvidence() []extract.Evidence {
	return []extract.Evidence{
		{EntityType: extract.EntityRevenue, Value: "$200B", Normalized: 200e9, SourceURL: "https://a.example.com", SourceType: extract.SourceAnnualReport, Confidence: 1.0},
		{EntityType: extract.EntityEmployees, Value: "150K", Normalized: 150000, SourceURL: "https://b.example.com", SourceType: extract.SourceNews, Confidence: 0.6},
		{EntityType: extract.EntityCompetitors, Value: "Initech", SourceURL: "https://b.example.com", SourceType: extract.SourceNews, Confidence: 0.6},
	}
}

func TestSynthesizeFinancialSummary(t *testing.T) {
	engine := &stubEngine{reply: "Acme generated $200B in revenue with 150K employees."}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme",
		[]plan.SectionKey{plan.SectionFinancialSummary}, sampleEvidence(), nil)

	res := results[plan.SectionFinancialSummary]
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "Acme generated $200B in revenue with 150K employees.", res.Content.Text)
	// Mean of the revenue (1.0) and employee (0.6) evidence.
	assert.InDelta(t, 0.8, res.Content.Confidence, 1e-9)
	require.Len(t, res.Content.Sources, 2)
	assert.Equal(t, "https://a.example.com", res.Content.Sources[0].URL)
	assert.Equal(t, "annual_report", res.Content.Sources[0].Type)
	assert.Equal(t, "https://b.example.com", res.Content.Sources[1].URL)

	require.Len(t, engine.prompts, 1)
	assert.Contains(t, engine.prompts[0], "$200B")
	assert.Contains(t, engine.prompts[0], "150K")
	// Competitor evidence does not leak into the financial prompt.
	assert.NotContains(t, engine.prompts[0], "Initech")
}

func TestSynthesizeEmptySectionReportsUnavailable(t *testing.T) {
	engine := &stubEngine{}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme",
		[]plan.SectionKey{plan.SectionKeyPeople}, sampleEvidence(), nil)

	res := results[plan.SectionKeyPeople]
	require.NoError(t, res.Err)
	assert.Zero(t, res.Content.Confidence)
	assert.Contains(t, res.Content.Text, "Information unavailable")
	// No model call for an empty section.
	assert.Empty(t, engine.prompts)
}

func TestSynthesizeSkipsConflictedSections(t *testing.T) {
	engine := &stubEngine{}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme",
		[]plan.SectionKey{plan.SectionFinancialSummary, plan.SectionCompetitors},
		sampleEvidence(),
		[]extract.EntityType{extract.EntityRevenue})

	assert.True(t, results[plan.SectionFinancialSummary].Skipped)
	// Competitors are untouched by the revenue conflict.
	assert.False(t, results[plan.SectionCompetitors].Skipped)
	require.NoError(t, results[plan.SectionCompetitors].Err)
	assert.NotEmpty(t, results[plan.SectionCompetitors].Content.Items)
}

func TestSynthesizeListSection(t *testing.T) {
	engine := &stubEngine{listReply: `[{"name":"Initech","reason":"competes on anvils"},{"name":"Hooli","reason":"platform play","source":"https://c.example.com"}]`}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme",
		[]plan.SectionKey{plan.SectionCompetitors}, sampleEvidence(), nil)

	res := results[plan.SectionCompetitors]
	require.NoError(t, res.Err)
	require.Len(t, res.Content.Items, 2)
	assert.Equal(t, "Initech", res.Content.Items[0].Name)
	// Entries without a source fall back to the evidence source.
	assert.Equal(t, "https://b.example.com", res.Content.Items[0].Source)
	assert.Equal(t, "https://c.example.com", res.Content.Items[1].Source)
	assert.Empty(t, res.Content.Text)
}

func TestSynthesizeAllSectionsConcurrently(t *testing.T) {
	engine := &stubEngine{}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme", nil, sampleEvidence(), nil)

	require.Len(t, results, len(plan.AllSections()))
	for _, key := range plan.AllSections() {
		res, ok := results[key]
		require.True(t, ok, "missing section %s", key)
		require.NoError(t, res.Err)
	}
	// Narrative sections see the full evidence pool.
	found := false
	for _, p := range engine.prompts {
		if strings.Contains(p, "recommended strategy") && strings.Contains(p, "Initech") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSynthesizeSectionErrorDoesNotPoisonOthers(t *testing.T) {
	engine := &stubEngine{err: errors.New("llm unavailable")}
	s := New(engine, zap.NewNop())

	results := s.Synthesize(context.Background(), "Acme",
		[]plan.SectionKey{plan.SectionFinancialSummary, plan.SectionKeyPeople}, sampleEvidence(), nil)

	assert.Error(t, results[plan.SectionFinancialSummary].Err)
	// The evidence-free section never called the model and still resolved.
	assert.NoError(t, results[plan.SectionKeyPeople].Err)
	assert.Contains(t, results[plan.SectionKeyPeople].Content.Text, "Information unavailable")
}
