package conflict

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
)

var entityLabels = map[string]string{
	"revenue":     "annual revenue",
	"profit":      "net income",
	"employees":   "employee count",
	"founded":     "founding year",
	"location":    "headquarters location",
	"products":    "product lineup",
	"people":      "leadership",
	"competitors": "competitors",
}

// RenderPrompt builds the clarification question for a conflict. At most the
// two strongest candidates are named; anything beyond that only confuses the
// user without changing the decision.
func RenderPrompt(companyName string, rec *Record) string {
	entity := entityLabels[string(rec.EntityType)]
	if entity == "" {
		entity = string(rec.EntityType)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I'm finding conflicting information about %s's %s: ", companyName, entity)

	shown := rec.Candidates
	if len(shown) > 2 {
		shown = shown[:2]
	}
	for i, cand := range shown {
		if i > 0 {
			b.WriteString(", while ")
		}
		fmt.Fprintf(&b, "%s reports %s", describeSources(cand), cand.Value)
	}
	b.WriteString(". Which should I use, or should I dig deeper?")

	metrics.ClarificationsRequested.Inc()
	return b.String()
}

func describeSources(cand Candidate) string {
	if len(cand.Sources) == 0 {
		return "one source"
	}
	host := hostOf(cand.Sources[0])
	if len(cand.Sources) == 1 {
		return host
	}
	return fmt.Sprintf("%s (and %d more)", host, len(cand.Sources)-1)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(u.Host, "www.")
}

// ParseResolution interprets a clarification reply against an open conflict.
// Recognized forms: naming a source (by host or value), "use the latest",
// and "dig deeper". Returns false when the reply matches none of them.
func ParseResolution(reply string, rec *Record) (Resolution, bool) {
	text := strings.ToLower(strings.TrimSpace(reply))
	if text == "" {
		return Resolution{}, false
	}

	if strings.Contains(text, "dig deeper") || strings.Contains(text, "more research") ||
		strings.Contains(text, "look again") || strings.Contains(text, "keep looking") {
		return Resolution{Kind: ResolutionDigDeeper}, true
	}

	if strings.Contains(text, "latest") || strings.Contains(text, "most recent") ||
		strings.Contains(text, "newest") {
		if cand := rec.Latest(); cand != nil {
			return Resolution{Kind: ResolutionUseLatest, Candidate: cand}, true
		}
		return Resolution{}, false
	}

	// Match by source host or by the value itself.
	for i := range rec.Candidates {
		cand := &rec.Candidates[i]
		for _, src := range cand.Sources {
			host := strings.ToLower(hostOf(src))
			if host != "" && strings.Contains(text, host) {
				return Resolution{Kind: ResolutionPickSource, Candidate: cand}, true
			}
			if short := strings.TrimSuffix(host, ".com"); short != host && strings.Contains(text, short) {
				return Resolution{Kind: ResolutionPickSource, Candidate: cand}, true
			}
		}
		if v := strings.ToLower(cand.Value); v != "" && strings.Contains(text, v) {
			return Resolution{Kind: ResolutionPickSource, Candidate: cand}, true
		}
	}

	// Ordinal references: "the first one", "use the second".
	ordinals := []string{"first", "second", "third"}
	for i, word := range ordinals {
		if i < len(rec.Candidates) && strings.Contains(text, word) {
			return Resolution{Kind: ResolutionPickSource, Candidate: &rec.Candidates[i]}, true
		}
	}

	return Resolution{}, false
}
