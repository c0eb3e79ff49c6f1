package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/llm"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/session"
)

const classifierSystem = `You classify messages sent to a sales research assistant.
Respond with a JSON object: {"intent": "...", "company_name": "...", "section": "..."}.
Valid intents: research_company, update_section, clarify_response, general.
Use clarify_response only when the assistant's last message asked the user to
resolve conflicting information. Leave company_name and section empty when not
present in the message.`

// classification is the classifier's verdict after guards are applied.
type classification struct {
	Intent  session.Intent
	Company string
	Section plan.SectionKey
}

type classifierOutput struct {
	Intent      string `json:"intent"`
	CompanyName string `json:"company_name"`
	Section     string `json:"section"`
}

func (c *Controller) classify(ctx context.Context, sess *session.Session, text string) classification {
	var out classifierOutput
	err := llm.CompleteJSONWith(ctx, c.engine, llm.Request{
		AgentID:      "intent_classifier",
		SystemPrompt: classifierSystem,
		Prompt:       classifierPrompt(sess, text),
		MaxTokens:    200,
	}, &out)

	var cls classification
	if err != nil {
		c.logger.Warn("Intent classification fell back to heuristics", zap.Error(err))
		cls = classifyHeuristic(sess, text)
	} else {
		cls = classification{
			Intent:  session.Intent(strings.TrimSpace(out.Intent)),
			Company: strings.TrimSpace(out.CompanyName),
			Section: plan.SectionKey(strings.TrimSpace(out.Section)),
		}
	}

	// A clarification reply only makes sense while a conflict is waiting on
	// the user; anything else degrades to general conversation.
	switch cls.Intent {
	case session.IntentClarifyResponse:
		if sess.OpenConflict() == nil {
			cls.Intent = session.IntentGeneral
		}
	case session.IntentResearchCompany, session.IntentUpdateSection, session.IntentGeneral:
	default:
		cls.Intent = session.IntentGeneral
	}

	if cls.Intent == session.IntentResearchCompany && cls.Company == "" {
		cls.Company = c.companyFromText(text)
	}
	if cls.Intent == session.IntentUpdateSection {
		if !plan.ValidSection(cls.Section) {
			cls.Section = sectionFromText(text)
		}
		if cls.Company == "" {
			cls.Company = c.companyFromText(text)
		}
	}
	return cls
}

func classifierPrompt(sess *session.Session, text string) string {
	var b strings.Builder
	if sess.CompanyName != "" {
		fmt.Fprintf(&b, "Current company: %s\n", sess.CompanyName)
	}
	if rec := sess.OpenConflict(); rec != nil {
		fmt.Fprintf(&b, "The assistant just asked the user to resolve conflicting %s figures.\n", rec.EntityType)
	}
	if len(sess.History) > 1 {
		last := sess.History[len(sess.History)-2]
		if last.Role == "assistant" {
			fmt.Fprintf(&b, "Previous assistant message: %s\n", last.Content)
		}
	}
	fmt.Fprintf(&b, "User message: %s", text)
	return b.String()
}

// classifyHeuristic handles the model being down or returning garbage. It is
// deliberately conservative: when nothing matches, the turn becomes a general
// reply with a clarifying question rather than a guessed research run.
func classifyHeuristic(sess *session.Session, text string) classification {
	lower := strings.ToLower(text)

	if rec := sess.OpenConflict(); rec != nil {
		if _, ok := conflict.ParseResolution(text, rec); ok {
			return classification{Intent: session.IntentClarifyResponse}
		}
		if len(strings.Fields(text)) <= 6 {
			return classification{Intent: session.IntentClarifyResponse}
		}
	}

	for _, kw := range []string{"update", "refresh", "redo", "regenerate", "rewrite"} {
		if strings.Contains(lower, kw) {
			if key := sectionFromText(text); key != "" {
				return classification{Intent: session.IntentUpdateSection, Section: key}
			}
		}
	}

	for _, kw := range []string{"research", "account plan", "plan for", "look into", "tell me about", "analyze", "investigate"} {
		if strings.Contains(lower, kw) {
			return classification{Intent: session.IntentResearchCompany}
		}
	}

	return classification{Intent: session.IntentGeneral}
}

// commandVerbs are leading words that read as instructions, not names. The
// name extractor keys on capitalization, so a sentence-initial verb would
// otherwise be swallowed into the company name.
var commandVerbs = map[string]struct{}{
	"research": {}, "analyze": {}, "investigate": {}, "update": {},
	"refresh": {}, "build": {}, "create": {}, "make": {}, "draft": {},
	"prepare": {}, "tell": {}, "find": {}, "look": {}, "please": {},
	"can": {}, "could": {}, "what": {}, "who": {}, "how": {},
}

func (c *Controller) companyFromText(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		bare := strings.ToLower(strings.Trim(w, ",.!?"))
		if _, ok := commandVerbs[bare]; ok {
			words[i] = bare
			continue
		}
		break
	}
	return c.extractor.CompanyName(strings.Join(words, " "))
}

var sectionAliases = map[string]plan.SectionKey{
	"overview":      plan.SectionOverview,
	"financial":     plan.SectionFinancialSummary,
	"financials":    plan.SectionFinancialSummary,
	"finance":       plan.SectionFinancialSummary,
	"revenue":       plan.SectionFinancialSummary,
	"products":      plan.SectionProductsServices,
	"product":       plan.SectionProductsServices,
	"services":      plan.SectionProductsServices,
	"people":        plan.SectionKeyPeople,
	"executives":    plan.SectionKeyPeople,
	"leadership":    plan.SectionKeyPeople,
	"contacts":      plan.SectionKeyPeople,
	"strengths":     plan.SectionSwotStrengths,
	"weaknesses":    plan.SectionSwotWeaknesses,
	"opportunities": plan.SectionSwotOpportunity,
	"threats":       plan.SectionSwotThreats,
	"competitors":   plan.SectionCompetitors,
	"competition":   plan.SectionCompetitors,
	"strategy":      plan.SectionStrategy,
}

func sectionFromText(text string) plan.SectionKey {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if key, ok := sectionAliases[strings.Trim(w, ",.!?")]; ok {
			return key
		}
	}
	return ""
}
