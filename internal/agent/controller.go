package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/gather"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/llm"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/session"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/synthesis"
)

// ErrSuperseded is returned when a newer message on the same session cancels
// this turn. The superseded turn publishes nothing and writes nothing after
// the cancellation point.
var ErrSuperseded = errors.New("turn superseded by a newer message")

const (
	persistFailureReply = "I hit a storage error while saving the plan. Nothing was lost on my side; please try again."
	allSourcesDownReply = "I couldn't reach any evidence sources just now. Please try again in a moment."
	noCompanyReply      = "Which company would you like me to research? Give me a name and I'll build an account plan."
	generalFallback     = "I research companies and build account plans. Tell me a company name to get started."
)

// Gatherer runs an evidence-gathering round.
type Gatherer interface {
	Gather(ctx context.Context, req gather.Request) (*gather.Result, error)
}

// Synthesizer turns evidence into plan sections.
type Synthesizer interface {
	Synthesize(ctx context.Context, companyName string, keys []plan.SectionKey, evidence []extract.Evidence, conflicted []extract.EntityType) map[plan.SectionKey]synthesis.Result
}

// PlanStore is the subset of the plan store the controller writes through.
type PlanStore interface {
	Create(ctx context.Context, userID, companyName string) (*plan.Plan, error)
	FindByCompany(ctx context.Context, userID, companyName string) (*plan.Plan, error)
	UpdateSection(ctx context.Context, planID string, key plan.SectionKey, content plan.SectionContent) (int, error)
}

// Reply is the controller's answer to one user message.
type Reply struct {
	SessionID string         `json:"session_id"`
	Intent    session.Intent `json:"intent"`
	Text      string         `json:"text"`
	PlanID    string         `json:"plan_id,omitempty"`
	// AwaitingClarification is set when the turn suspended on a conflict and
	// the reply text is a question back to the user.
	AwaitingClarification bool `json:"awaiting_clarification,omitempty"`

	// failed marks a turn that already ended with a terminal error event,
	// so no complete event follows.
	failed bool
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller drives a conversation turn through the research lifecycle:
// classify the intent, gather evidence, check for conflicts, suspend on the
// user when sources disagree, synthesize, persist. At most one turn runs per
// session; a new message cancels the one in flight, and a cancelled turn is
// fenced out of the event stream and the plan store.
type Controller struct {
	sessions  *session.Manager
	gatherer  Gatherer
	conflicts *conflict.Engine
	synth     Synthesizer
	plans     PlanStore
	streams   *streaming.Manager
	engine    llm.Engine
	extractor *extract.Extractor
	view      *config.ConflictView
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewController wires the research pipeline together.
func NewController(
	sessions *session.Manager,
	gatherer Gatherer,
	conflicts *conflict.Engine,
	synth Synthesizer,
	plans PlanStore,
	streams *streaming.Manager,
	engine llm.Engine,
	view *config.ConflictView,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sessions:  sessions,
		gatherer:  gatherer,
		conflicts: conflicts,
		synth:     synth,
		plans:     plans,
		streams:   streams,
		engine:    engine,
		extractor: extract.New(nil),
		view:      view,
		logger:    logger,
	}
}

// HandleMessage processes one user message end to end and returns the
// assistant's reply. sessionID may be empty to start a fresh session.
func (c *Controller) HandleMessage(ctx context.Context, sessionID, userID, text string) (*Reply, error) {
	start := time.Now()
	sess, err := c.loadSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	runCtx, r := c.begin(ctx, sess.ID)
	defer c.end(sess.ID, r)

	sess.AddMessage("user", text)
	cls := c.classify(runCtx, sess, text)
	sess.LastIntent = cls.Intent
	metrics.WorkflowsStarted.WithLabelValues(string(cls.Intent)).Inc()
	c.logger.Info("Message classified",
		zap.String("session_id", sess.ID),
		zap.String("intent", string(cls.Intent)),
		zap.String("company", cls.Company),
	)

	var reply *Reply
	switch cls.Intent {
	case session.IntentResearchCompany:
		reply, err = c.handleResearch(runCtx, sess, r, cls.Company)
	case session.IntentClarifyResponse:
		reply, err = c.handleClarification(runCtx, sess, r, text)
	case session.IntentUpdateSection:
		reply, err = c.handleUpdateSection(runCtx, sess, r, cls)
	default:
		reply, err = c.handleGeneral(runCtx, sess, r, text)
	}
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			metrics.RecordWorkflowMetrics(string(cls.Intent), "error", time.Since(start).Seconds())
		}
		return nil, err
	}

	reply.SessionID = sess.ID
	reply.Intent = cls.Intent
	reply.PlanID = sess.PlanID
	sess.AddMessage("assistant", reply.Text)
	c.saveSession(runCtx, sess)
	c.finish(sess.ID, r, reply)
	metrics.RecordWorkflowMetrics(string(cls.Intent), workflowStatus(reply), time.Since(start).Seconds())
	return reply, nil
}

// RegenerateSection re-synthesizes a single section from the session's
// existing evidence and appends a new version. No new gathering happens.
func (c *Controller) RegenerateSection(ctx context.Context, sessionID string, key plan.SectionKey) (*Reply, error) {
	if !plan.ValidSection(key) {
		return nil, fmt.Errorf("%w: %s", plan.ErrUnknownSection, key)
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.PlanID == "" {
		return nil, plan.ErrPlanNotFound
	}

	runCtx, r := c.begin(ctx, sess.ID)
	defer c.end(sess.ID, r)

	start := time.Now()
	metrics.WorkflowsStarted.WithLabelValues("regenerate_section").Inc()
	reply, err := c.synthesizeAndPersist(runCtx, sess, r, []plan.SectionKey{key})
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			metrics.RecordWorkflowMetrics("regenerate_section", "error", time.Since(start).Seconds())
		}
		return nil, err
	}
	reply.SessionID = sess.ID
	reply.PlanID = sess.PlanID
	c.saveSession(runCtx, sess)
	c.finish(sess.ID, r, reply)
	metrics.RecordWorkflowMetrics("regenerate_section", workflowStatus(reply), time.Since(start).Seconds())
	return reply, nil
}

// finish emits the turn's terminal complete event. Turns that already ended
// on a terminal error event are marked failed and emit nothing more.
func (c *Controller) finish(sessionID string, r *run, reply *Reply) {
	if reply.failed {
		return
	}
	ev := streaming.Event{Type: streaming.EventComplete, Message: reply.Text}
	if reply.AwaitingClarification {
		ev.Payload = map[string]interface{}{"awaiting_clarification": true}
	}
	c.emit(sessionID, r, ev)
}

func workflowStatus(reply *Reply) string {
	if reply.failed {
		return "error"
	}
	return "success"
}

// begin registers a new turn for the session, cancelling and draining any
// turn already in flight.
func (c *Controller) begin(parent context.Context, sessionID string) (context.Context, *run) {
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.runs == nil {
		c.runs = make(map[string]*run)
	}
	prev := c.runs[sessionID]
	c.runs[sessionID] = r
	c.mu.Unlock()

	if prev != nil {
		metrics.WorkflowsCancelled.Inc()
		prev.cancel()
		<-prev.done
	}
	return ctx, r
}

func (c *Controller) end(sessionID string, r *run) {
	c.mu.Lock()
	if c.runs[sessionID] == r {
		delete(c.runs, sessionID)
	}
	c.mu.Unlock()
	r.cancel()
	close(r.done)
}

// isCurrent reports whether r is still the session's live turn. A superseded
// turn must not publish events or write plan versions.
func (c *Controller) isCurrent(sessionID string, r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[sessionID] == r
}

func (c *Controller) emit(sessionID string, r *run, ev streaming.Event) {
	if !c.isCurrent(sessionID, r) {
		return
	}
	ev.SessionID = sessionID
	c.streams.Publish(ev)
}

func (c *Controller) loadSession(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if sessionID == "" {
		return c.sessions.Create(ctx, userID)
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return c.sessions.Create(ctx, userID)
	}
	return sess, err
}

// saveSession persists session state. A failed save degrades to in-memory
// state for the rest of the turn instead of failing it.
func (c *Controller) saveSession(ctx context.Context, sess *session.Session) {
	if err := c.sessions.Update(ctx, sess); err != nil && ctx.Err() == nil {
		c.logger.Warn("Session save failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}

func (c *Controller) handleResearch(ctx context.Context, sess *session.Session, r *run, companyName string) (*Reply, error) {
	if companyName == "" {
		// A research intent with no extractable name reuses the company
		// already under discussion.
		companyName = sess.CompanyName
	}
	if companyName == "" {
		sess.State = session.StateIdle
		return &Reply{Text: noCompanyReply}, nil
	}

	p, err := c.plans.FindByCompany(ctx, sess.UserID, companyName)
	if errors.Is(err, plan.ErrPlanNotFound) {
		p, err = c.plans.Create(ctx, sess.UserID, companyName)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrSuperseded
		}
		c.logger.Error("Plan lookup failed", zap.String("company", companyName), zap.Error(err))
		c.emit(sess.ID, r, streaming.Event{Type: streaming.EventError, Message: persistFailureReply})
		return &Reply{Text: persistFailureReply, failed: true}, nil
	}

	// Fresh research resets the working set; follow-up rounds build on it.
	sess.CompanyName = companyName
	sess.PlanID = p.ID
	sess.Evidence = nil
	sess.PendingConflicts = nil
	sess.GatherRounds = 0
	sess.QuestionsAsked = 0
	return c.runResearch(ctx, sess, r, nil)
}

// runResearch executes one gather round, re-checks conflicts over the merged
// evidence, and either suspends on the user or synthesizes the plan.
func (c *Controller) runResearch(ctx context.Context, sess *session.Session, r *run, focus []extract.EntityType) (*Reply, error) {
	sess.State = session.StateGathering
	c.saveSession(ctx, sess)
	c.emit(sess.ID, r, streaming.Event{
		Type:    streaming.EventProgress,
		Message: fmt.Sprintf("Gathering evidence on %s...", sess.CompanyName),
	})

	res, err := c.gatherer.Gather(ctx, gather.Request{
		UserID:        sess.UserID,
		CompanyName:   sess.CompanyName,
		FocusEntities: focus,
		Round:         sess.GatherRounds,
	})
	if ctx.Err() != nil {
		return nil, ErrSuperseded
	}
	if err != nil {
		sess.State = session.StateIdle
		c.saveSession(ctx, sess)
		c.emit(sess.ID, r, streaming.Event{Type: streaming.EventError, Message: allSourcesDownReply})
		return &Reply{Text: allSourcesDownReply, failed: true}, nil
	}
	for _, msg := range res.SourceErrors {
		c.logger.Warn("Evidence source degraded",
			zap.String("session_id", sess.ID),
			zap.String("source_error", msg),
		)
	}

	sess.Evidence = mergeEvidence(sess.Evidence, res.Evidence)
	sess.State = session.StateConflictCheck
	c.saveSession(ctx, sess)
	c.emit(sess.ID, r, streaming.Event{
		Type:    streaming.EventProgress,
		Message: fmt.Sprintf("Collected %d pieces of evidence, checking for disagreements...", len(sess.Evidence)),
	})

	records := c.conflicts.Detect(sess.Evidence)
	if sess.GatherRounds >= c.view.Current().MaxGatherRounds {
		// Out of rounds: settle whatever is still contested by confidence.
		for i := range records {
			if records[i].Status == conflict.StatusOpen {
				sess.Evidence = conflict.AutoResolve(&records[i], sess.Evidence)
			}
		}
	}
	sess.PendingConflicts = records

	if rec := sess.OpenConflict(); rec != nil {
		return c.askClarification(ctx, sess, r, rec)
	}
	return c.synthesizeAndPersist(ctx, sess, r, nil)
}

// askClarification suspends the turn: the session is persisted in
// awaiting_clarification and the question goes back to the user. The next
// message resumes from this exact state, surviving a process restart.
func (c *Controller) askClarification(ctx context.Context, sess *session.Session, r *run, rec *conflict.Record) (*Reply, error) {
	question := conflict.RenderPrompt(sess.CompanyName, rec)
	sess.State = session.StateAwaitingInput
	sess.QuestionsAsked++
	c.saveSession(ctx, sess)
	c.emit(sess.ID, r, streaming.Event{
		Type:    streaming.EventProgress,
		Message: question,
		Payload: map[string]interface{}{
			"clarification": true,
			"conflict_id":   rec.ID,
			"entity_type":   string(rec.EntityType),
		},
	})
	return &Reply{Text: question, AwaitingClarification: true}, nil
}

func (c *Controller) handleClarification(ctx context.Context, sess *session.Session, r *run, text string) (*Reply, error) {
	rec := sess.OpenConflict()
	res, ok := conflict.ParseResolution(text, rec)
	if !ok {
		if sess.QuestionsAsked >= 3 {
			// The user isn't converging; settle by confidence and move on.
			sess.Evidence = conflict.AutoResolve(rec, sess.Evidence)
			return c.afterResolution(ctx, sess, r)
		}
		question := "Sorry, I didn't catch that. " + conflict.RenderPrompt(sess.CompanyName, rec)
		sess.QuestionsAsked++
		c.saveSession(ctx, sess)
		return &Reply{Text: question, AwaitingClarification: true}, nil
	}

	if res.Kind == conflict.ResolutionDigDeeper {
		cfg := c.view.Current()
		if sess.GatherRounds >= cfg.MaxGatherRounds {
			sess.Evidence = conflict.AutoResolve(rec, sess.Evidence)
			return c.afterResolution(ctx, sess, r)
		}
		sess.GatherRounds++
		return c.runResearch(ctx, sess, r, []extract.EntityType{rec.EntityType})
	}

	sess.Evidence = conflict.Resolve(rec, res.Candidate, sess.Evidence)
	return c.afterResolution(ctx, sess, r)
}

func (c *Controller) afterResolution(ctx context.Context, sess *session.Session, r *run) (*Reply, error) {
	if next := sess.OpenConflict(); next != nil {
		return c.askClarification(ctx, sess, r, next)
	}
	return c.synthesizeAndPersist(ctx, sess, r, nil)
}

func (c *Controller) handleUpdateSection(ctx context.Context, sess *session.Session, r *run, cls classification) (*Reply, error) {
	if cls.Section == "" {
		return &Reply{Text: "Which section should I update? For example: financial summary, key people, competitors, or strategy."}, nil
	}
	if cls.Company != "" && !strings.EqualFold(cls.Company, sess.CompanyName) {
		// Switching companies means a fresh research run, not a section edit.
		return c.handleResearch(ctx, sess, r, cls.Company)
	}
	if sess.PlanID == "" {
		return &Reply{Text: "I don't have an account plan in this conversation yet. Ask me to research a company first."}, nil
	}
	if len(sess.Evidence) == 0 {
		// Nothing to synthesize from; refresh the evidence first.
		return c.runResearch(ctx, sess, r, nil)
	}
	return c.synthesizeAndPersist(ctx, sess, r, []plan.SectionKey{cls.Section})
}

func (c *Controller) handleGeneral(ctx context.Context, sess *session.Session, r *run, text string) (*Reply, error) {
	resp, err := c.engine.Complete(ctx, llm.Request{
		AgentID:      "assistant",
		SystemPrompt: "You are a concise assistant for sales account research. If the user seems to want research, ask which company.",
		Prompt:       classifierPrompt(sess, text),
	})
	if ctx.Err() != nil {
		return nil, ErrSuperseded
	}
	if err != nil {
		return &Reply{Text: generalFallback}, nil
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		reply = generalFallback
	}
	return &Reply{Text: reply}, nil
}

// synthesizeAndPersist writes the synthesized sections to the plan store.
// Sections whose entities are still contested are left out while the rest
// persist; a store write failure ends the turn with a retryable message.
func (c *Controller) synthesizeAndPersist(ctx context.Context, sess *session.Session, r *run, keys []plan.SectionKey) (*Reply, error) {
	sess.State = session.StateSynthesizing
	c.saveSession(ctx, sess)
	c.emit(sess.ID, r, streaming.Event{
		Type:    streaming.EventProgress,
		Message: "Writing the account plan...",
	})

	conflicted := openEntities(sess.PendingConflicts)
	results := c.synth.Synthesize(ctx, sess.CompanyName, keys, sess.Evidence, conflicted)
	if ctx.Err() != nil {
		return nil, ErrSuperseded
	}

	order := keys
	if len(order) == 0 {
		order = plan.AllSections()
	}
	versions := make(map[string]interface{})
	var written, skipped, failed int
	for _, key := range order {
		res, ok := results[key]
		if !ok {
			continue
		}
		if res.Skipped {
			skipped++
			continue
		}
		if res.Err != nil {
			failed++
			continue
		}
		if !c.isCurrent(sess.ID, r) || ctx.Err() != nil {
			return nil, ErrSuperseded
		}
		version, err := c.plans.UpdateSection(ctx, sess.PlanID, key, res.Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrSuperseded
			}
			c.logger.Error("Plan write failed",
				zap.String("plan_id", sess.PlanID),
				zap.String("section", string(key)),
				zap.Error(err),
			)
			sess.State = session.StateIdle
			c.saveSession(ctx, sess)
			c.emit(sess.ID, r, streaming.Event{Type: streaming.EventError, Message: persistFailureReply})
			return &Reply{Text: persistFailureReply, failed: true}, nil
		}
		versions[string(key)] = version
		written++
	}

	c.emit(sess.ID, r, streaming.Event{
		Type: streaming.EventPlanUpdated,
		Payload: map[string]interface{}{
			"plan_id":  sess.PlanID,
			"sections": versions,
		},
	})

	sess.State = session.StatePersisted
	c.saveSession(ctx, sess)

	return &Reply{Text: c.summaryReply(sess, written, skipped, failed)}, nil
}

func (c *Controller) summaryReply(sess *session.Session, written, skipped, failed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I've updated the account plan for %s: %d section", sess.CompanyName, written)
	if written != 1 {
		b.WriteString("s")
	}
	b.WriteString(" written")
	if skipped > 0 {
		fmt.Fprintf(&b, ", %d held back pending conflicting data", skipped)
	}
	if failed > 0 {
		fmt.Fprintf(&b, ", %d could not be generated", failed)
	}
	b.WriteString(".")
	return b.String()
}

func openEntities(records []conflict.Record) []extract.EntityType {
	var out []extract.EntityType
	for _, rec := range records {
		if rec.Status == conflict.StatusOpen {
			out = append(out, rec.EntityType)
		}
	}
	return out
}

// mergeEvidence appends new evidence, dropping exact repeats of what an
// earlier round already produced.
func mergeEvidence(existing, fresh []extract.Evidence) []extract.Evidence {
	seen := make(map[string]struct{}, len(existing))
	for _, ev := range existing {
		seen[evidenceKey(ev)] = struct{}{}
	}
	out := existing
	for _, ev := range fresh {
		key := evidenceKey(ev)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}

func evidenceKey(ev extract.Evidence) string {
	return string(ev.EntityType) + "|" + ev.SourceURL + "|" + strings.ToLower(ev.Value)
}
