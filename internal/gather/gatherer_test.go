package gather

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/util"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/vectordb"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/websearch"
)

type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2}, nil
}

type stubDocs struct {
	docs   []vectordb.Document
	err    error
	filter vectordb.Filter
	calls  int
}

func (s *stubDocs) Search(_ context.Context, _ []float32, filter vectordb.Filter, _ int) ([]vectordb.Document, error) {
	s.calls++
	s.filter = filter
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

type stubWeb struct {
	results   []websearch.Result
	pages     map[string]string
	searchErr error
	queries   []string
}

func (s *stubWeb) Search(_ context.Context, query string) ([]websearch.Result, error) {
	s.queries = append(s.queries, query)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.results, nil
}

func (s *stubWeb) Scrape(_ context.Context, pageURL string) (string, error) {
	text, ok := s.pages[pageURL]
	if !ok {
		return "", errors.New("page unavailable")
	}
	return text, nil
}

func gatherConfig() (config.GatherConfig, config.WebSearchConfig) {
	return config.GatherConfig{
			CallTimeout: time.Second,
			MaxRetries:  1,
			BackoffBase: time.Millisecond,
		}, config.WebSearchConfig{
			Enabled:   true,
			ScrapeTop: 1,
		}
}

func testViewG() *config.ConflictView {
	return config.NewConflictView(config.ConflictConfig{
		NumericThreshold:      0.10,
		MinIndependentSources: 2,
		SourceWeights: map[string]float64{
			"annual_report": 1.0,
			"document":      0.9,
			"news":          0.6,
			"web":           0.4,
		},
	})
}

func TestGatherMergesDocumentAndWebEvidence(t *testing.T) {
	docs := &stubDocs{docs: []vectordb.Document{{
		ID:          "d1",
		Text:        "Acme reported revenue of $200 billion for fiscal 2024.",
		URL:         "https://docs.example.com/10k",
		SourceType:  "annual_report",
		CompanyName: "Acme",
		Score:       0.9,
	}}}
	web := &stubWeb{
		results: []websearch.Result{{
			Title:   "Acme results",
			URL:     "https://news.example.com/acme",
			Snippet: "Acme posted revenue of $180 billion last year.",
		}},
		pages: map[string]string{
			"https://news.example.com/acme": "<p>The company employs 150,000 employees.</p>",
		},
	}
	gcfg, wcfg := gatherConfig()
	g := New(&stubEmbedder{}, docs, web, gcfg, wcfg, testViewG(), zap.NewNop())

	res, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.NoError(t, err)
	assert.Empty(t, res.SourceErrors)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 1, res.WebPages)

	// The document search was scoped to the requesting user and company.
	assert.Equal(t, vectordb.Filter{UserID: "u1", CompanyName: "Acme"}, docs.filter)

	byType := make(map[extract.EntityType][]extract.Evidence)
	for _, ev := range res.Evidence {
		byType[ev.EntityType] = append(byType[ev.EntityType], ev)
	}
	require.Len(t, byType[extract.EntityRevenue], 2)
	require.Len(t, byType[extract.EntityEmployees], 1)

	for _, ev := range byType[extract.EntityRevenue] {
		switch ev.SourceType {
		case extract.SourceAnnualReport:
			assert.Equal(t, 1.0, ev.Confidence)
		case extract.SourceWeb:
			assert.Equal(t, 0.4, ev.Confidence)
		}
	}
}

func TestGatherToleratesOneSourceFailing(t *testing.T) {
	docs := &stubDocs{err: errors.New("qdrant is down")}
	web := &stubWeb{
		results: []websearch.Result{{
			URL:     "https://news.example.com/acme",
			Snippet: "Acme posted revenue of $180 billion last year.",
		}},
	}
	gcfg, wcfg := gatherConfig()
	g := New(&stubEmbedder{}, docs, web, gcfg, wcfg, testViewG(), zap.NewNop())

	res, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.NoError(t, err)
	require.Len(t, res.SourceErrors, 1)
	assert.Contains(t, res.SourceErrors[0], "vectordb")
	assert.NotEmpty(t, res.Evidence)
}

func TestGatherFailsWhenAllSourcesFail(t *testing.T) {
	docs := &stubDocs{err: errors.New("qdrant is down")}
	web := &stubWeb{searchErr: errors.New("provider quota exceeded")}
	gcfg, wcfg := gatherConfig()
	g := New(&stubEmbedder{}, docs, web, gcfg, wcfg, testViewG(), zap.NewNop())

	_, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all evidence sources failed")
}

func TestGatherDoesNotRetryClientErrors(t *testing.T) {
	embedder := &stubEmbedder{err: fmt.Errorf("embed query: %w", &util.StatusError{Code: 400, Body: "text too long"})}
	web := &stubWeb{searchErr: fmt.Errorf("search provider: %w", &util.StatusError{Code: 422})}
	gcfg, wcfg := gatherConfig()
	gcfg.MaxRetries = 3
	g := New(embedder, &stubDocs{}, web, gcfg, wcfg, testViewG(), zap.NewNop())

	_, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.Error(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Len(t, web.queries, 1)
}

func TestGatherRetriesTransientFailures(t *testing.T) {
	docs := &stubDocs{err: errors.New("connection reset")}
	gcfg, wcfg := gatherConfig()
	gcfg.MaxRetries = 3
	wcfg.Enabled = false
	g := New(&stubEmbedder{}, docs, nil, gcfg, wcfg, testViewG(), zap.NewNop())

	_, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.Error(t, err)
	assert.Equal(t, 3, docs.calls)
}

func TestGatherDedupesRepeatedFacts(t *testing.T) {
	docs := &stubDocs{docs: []vectordb.Document{
		{Text: "Revenue of $200 billion.", URL: "https://a.example.com", SourceType: "annual_report", CompanyName: "Acme"},
		{Text: "Full year revenue of $200 billion.", URL: "https://a.example.com", SourceType: "annual_report", CompanyName: "Acme"},
	}}
	gcfg, wcfg := gatherConfig()
	wcfg.Enabled = false
	g := New(&stubEmbedder{}, docs, nil, gcfg, wcfg, testViewG(), zap.NewNop())

	res, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.NoError(t, err)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, extract.EntityRevenue, res.Evidence[0].EntityType)
}

func TestGatherSkipsOtherCompanies(t *testing.T) {
	docs := &stubDocs{docs: []vectordb.Document{
		{Text: "Revenue of $5 billion.", URL: "https://b.example.com", SourceType: "document", CompanyName: "Globex"},
	}}
	gcfg, wcfg := gatherConfig()
	wcfg.Enabled = false
	g := New(&stubEmbedder{}, docs, nil, gcfg, wcfg, testViewG(), zap.NewNop())

	res, err := g.Gather(context.Background(), Request{UserID: "u1", CompanyName: "Acme"})
	require.NoError(t, err)
	assert.Empty(t, res.Evidence)
}

func TestGatherFocusNarrowsQuery(t *testing.T) {
	docs := &stubDocs{}
	web := &stubWeb{}
	gcfg, wcfg := gatherConfig()
	g := New(&stubEmbedder{}, docs, web, gcfg, wcfg, testViewG(), zap.NewNop())

	_, err := g.Gather(context.Background(), Request{
		UserID:        "u1",
		CompanyName:   "Acme",
		FocusEntities: []extract.EntityType{extract.EntityRevenue},
		Round:         1,
	})
	require.NoError(t, err)
	require.Len(t, web.queries, 1)
	assert.Equal(t, "Acme revenue", web.queries[0])
}

func TestGatherCancelledContext(t *testing.T) {
	docs := &stubDocs{}
	gcfg, wcfg := gatherConfig()
	wcfg.Enabled = false
	g := New(&stubEmbedder{}, docs, nil, gcfg, wcfg, testViewG(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Gather(ctx, Request{UserID: "u1", CompanyName: "Acme"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGatherRequiresCompany(t *testing.T) {
	gcfg, wcfg := gatherConfig()
	g := New(&stubEmbedder{}, &stubDocs{}, nil, gcfg, wcfg, testViewG(), zap.NewNop())
	_, err := g.Gather(context.Background(), Request{UserID: "u1"})
	assert.Error(t, err)
}
