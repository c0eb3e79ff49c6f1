package gather

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/util"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/vectordb"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/websearch"
)

// Embedder produces query vectors.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// DocumentSearcher finds indexed documents by vector similarity.
type DocumentSearcher interface {
	Search(ctx context.Context, vector []float32, filter vectordb.Filter, limit int) ([]vectordb.Document, error)
}

// WebSearcher finds and scrapes public pages.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]websearch.Result, error)
	Scrape(ctx context.Context, pageURL string) (string, error)
}

// Request scopes one gathering round.
type Request struct {
	UserID      string
	CompanyName string
	// FocusEntities narrows a follow-up round to the entities still in
	// dispute. Empty means gather everything.
	FocusEntities []extract.EntityType
	Round         int
}

// Result is the evidence from one round plus the failures that were
// tolerated along the way.
type Result struct {
	Evidence     []extract.Evidence
	Documents    int
	WebPages     int
	SourceErrors []string
}

// Gatherer fans out to the document index and the open web in parallel,
// extracts typed evidence from everything that comes back, and dedupes it.
// A source failing or timing out costs its evidence, not the round: only
// when every source fails does Gather return an error.
type Gatherer struct {
	embedder  Embedder
	docs      DocumentSearcher
	web       WebSearcher
	extractor *extract.Extractor
	view      *config.ConflictView

	callTimeout time.Duration
	retryCfg    util.RetryConfig
	scrapeTop   int
	webEnabled  bool

	logger *zap.Logger
}

// New creates a gatherer. web may be nil when web search is disabled.
func New(
	embedder Embedder,
	docs DocumentSearcher,
	web WebSearcher,
	gatherCfg config.GatherConfig,
	webCfg config.WebSearchConfig,
	view *config.ConflictView,
	logger *zap.Logger,
) *Gatherer {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryCfg := util.DefaultRetryConfig()
	if gatherCfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = gatherCfg.MaxRetries
	}
	if gatherCfg.BackoffBase > 0 {
		retryCfg.BaseDelay = gatherCfg.BackoffBase
	}
	callTimeout := gatherCfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}
	return &Gatherer{
		embedder:    embedder,
		docs:        docs,
		web:         web,
		extractor:   extract.New(nil),
		view:        view,
		callTimeout: callTimeout,
		retryCfg:    retryCfg,
		scrapeTop:   webCfg.ScrapeTop,
		webEnabled:  webCfg.Enabled && web != nil,
		logger:      logger,
	}
}

// Gather runs one evidence-gathering round.
func (g *Gatherer) Gather(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.CompanyName) == "" {
		return nil, fmt.Errorf("company name is required")
	}

	var (
		mu     sync.Mutex
		result Result
	)
	addEvidence := func(evs []extract.Evidence) {
		mu.Lock()
		result.Evidence = append(result.Evidence, evs...)
		mu.Unlock()
	}
	addError := func(source string, err error) {
		mu.Lock()
		result.SourceErrors = append(result.SourceErrors, fmt.Sprintf("%s: %v", source, err))
		mu.Unlock()
		g.logger.Warn("Gather source failed",
			zap.String("source", source),
			zap.String("company_name", req.CompanyName),
			zap.Error(err),
		)
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		evs, docs, err := g.gatherDocuments(grpCtx, req)
		if err != nil {
			addError("vectordb", err)
			return nil
		}
		mu.Lock()
		result.Documents = docs
		mu.Unlock()
		addEvidence(evs)
		return nil
	})

	if g.webEnabled {
		grp.Go(func() error {
			evs, pages, err := g.gatherWeb(grpCtx, req)
			if err != nil {
				addError("websearch", err)
				return nil
			}
			mu.Lock()
			result.WebPages = pages
			mu.Unlock()
			addEvidence(evs)
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sourcesTried := 1
	if g.webEnabled {
		sourcesTried = 2
	}
	if len(result.Evidence) == 0 && len(result.SourceErrors) == sourcesTried {
		return nil, fmt.Errorf("all evidence sources failed: %s", strings.Join(result.SourceErrors, "; "))
	}

	result.Evidence = g.finalize(req, result.Evidence)
	g.logger.Info("Gather round finished",
		zap.String("company_name", req.CompanyName),
		zap.Int("round", req.Round),
		zap.Int("evidence", len(result.Evidence)),
		zap.Int("documents", result.Documents),
		zap.Int("web_pages", result.WebPages),
		zap.Int("source_errors", len(result.SourceErrors)),
	)
	return &result, nil
}

func (g *Gatherer) gatherDocuments(ctx context.Context, req Request) ([]extract.Evidence, int, error) {
	start := time.Now()
	query := g.buildQuery(req)

	var docs []vectordb.Document
	err := util.Retry(ctx, g.retryCfg, util.Transient, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		vector, err := g.embedder.GenerateEmbedding(callCtx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		docs, err = g.docs.Search(callCtx, vector, vectordb.Filter{
			UserID:      req.UserID,
			CompanyName: req.CompanyName,
		}, 0)
		return err
	})
	metrics.RecordGatherCall("vectordb", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		return nil, 0, err
	}

	var evs []extract.Evidence
	for _, doc := range docs {
		if doc.CompanyName != "" && !strings.EqualFold(doc.CompanyName, req.CompanyName) {
			continue
		}
		meta := extract.SourceMeta{
			URL:   doc.URL,
			Type:  documentSourceType(doc.SourceType),
			Title: doc.Title,
		}
		evs = append(evs, g.extractor.Extract(doc.Text, meta)...)
	}
	return evs, len(docs), nil
}

func (g *Gatherer) gatherWeb(ctx context.Context, req Request) ([]extract.Evidence, int, error) {
	start := time.Now()
	query := g.buildQuery(req)

	var results []websearch.Result
	err := util.Retry(ctx, g.retryCfg, util.Transient, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		var err error
		results, err = g.web.Search(callCtx, query)
		return err
	})
	metrics.RecordGatherCall("websearch", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		return nil, 0, err
	}

	var evs []extract.Evidence
	pages := 0
	for i, res := range results {
		meta := extract.SourceMeta{URL: res.URL, Type: extract.SourceWeb, Title: res.Title}
		evs = append(evs, g.extractor.Extract(res.Snippet, meta)...)

		if i >= g.scrapeTop {
			continue
		}
		scrapeStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		text, err := g.web.Scrape(callCtx, res.URL)
		cancel()
		metrics.RecordGatherCall("scrape", statusOf(err), time.Since(scrapeStart).Seconds())
		if err != nil {
			// A dead page is routine; the snippet already contributed.
			g.logger.Debug("Scrape failed", zap.String("url", res.URL), zap.Error(err))
			continue
		}
		pages++
		evs = append(evs, g.extractor.Extract(text, meta)...)
	}
	return evs, pages, nil
}

func (g *Gatherer) buildQuery(req Request) string {
	if len(req.FocusEntities) == 0 {
		return req.CompanyName + " company overview revenue employees products leadership competitors"
	}
	parts := make([]string, 0, len(req.FocusEntities))
	for _, et := range req.FocusEntities {
		parts = append(parts, string(et))
	}
	return req.CompanyName + " " + strings.Join(parts, " ")
}

// finalize assigns source-weight confidence, drops evidence that mentions a
// different company in its raw text, and dedupes on (entity, source, value).
func (g *Gatherer) finalize(req Request, evs []extract.Evidence) []extract.Evidence {
	weights := g.view.Current().SourceWeights

	seen := make(map[string]struct{}, len(evs))
	out := make([]extract.Evidence, 0, len(evs))
	for _, ev := range evs {
		key := string(ev.EntityType) + "|" + ev.SourceURL + "|" + strings.ToLower(ev.Value)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if w, ok := weights[string(ev.SourceType)]; ok {
			ev.Confidence = clamp01(w)
		} else {
			ev.Confidence = 0.5
		}
		metrics.EvidenceCollected.WithLabelValues(string(ev.EntityType), string(ev.SourceType)).Inc()
		out = append(out, ev)
	}
	return out
}

func documentSourceType(raw string) extract.SourceType {
	switch raw {
	case string(extract.SourceAnnualReport):
		return extract.SourceAnnualReport
	case string(extract.SourceNews):
		return extract.SourceNews
	case string(extract.SourceWeb):
		return extract.SourceWeb
	default:
		return extract.SourceDocument
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
