package extract

import (
	"regexp"
	"strings"
	"time"
)

// Extractor pulls typed facts out of unstructured text. Extraction is
// deterministic: the same text and taxonomy always yield the same values,
// and ambiguous fields are omitted rather than guessed.
type Extractor struct {
	clock func() time.Time
}

// New creates an extractor. clock may be nil (wall clock).
func New(clock func() time.Time) *Extractor {
	if clock == nil {
		clock = time.Now
	}
	return &Extractor{clock: clock}
}

var (
	revenuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:annual\s+)?revenue[s]?\s+(?:of|is|was|were|are|reached|:)\s*(\$?\s*[\d,]+(?:\.\d+)?\s*(?:trillion|billion|million|thousand|[TBMK])?)`),
		regexp.MustCompile(`(?i)(\$\s*[\d,]+(?:\.\d+)?\s*(?:trillion|billion|million|thousand|[TBMK])?)\s+in\s+(?:annual\s+)?revenue`),
		regexp.MustCompile(`(?i)(?:sales|turnover)\s+of\s+(\$?\s*[\d,]+(?:\.\d+)?\s*(?:trillion|billion|million|thousand|[TBMK])?)`),
	}
	profitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:net\s+income|net\s+profit|profit)\s+(?:of|is|was|reached|:)\s*(\$?\s*[\d,]+(?:\.\d+)?\s*(?:trillion|billion|million|thousand|[TBMK])?)`),
		regexp.MustCompile(`(?i)(\$\s*[\d,]+(?:\.\d+)?\s*(?:trillion|billion|million|thousand|[TBMK])?)\s+in\s+(?:net\s+income|profit)`),
	}
	employeePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)([\d,]+(?:\.\d+)?\s*(?:thousand|million|[KM])?)\s+employees`),
		regexp.MustCompile(`(?i)employs\s+(?:approximately\s+|about\s+|over\s+)?([\d,]+(?:\.\d+)?\s*(?:thousand|million|[KM])?)`),
		regexp.MustCompile(`(?i)workforce\s+of\s+(?:approximately\s+|about\s+)?([\d,]+(?:\.\d+)?\s*(?:thousand|million|[KM])?)`),
		regexp.MustCompile(`(?i)headcount\s+of\s+([\d,]+(?:\.\d+)?\s*(?:thousand|million|[KM])?)`),
	}
	foundedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:founded|established|incorporated|started)\s+in\s+(\d{4})`),
	}
	locationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)headquarter(?:s|ed)\s+(?:in|at|:)\s+([A-Z][a-zA-Z .]+(?:,\s*[A-Z][a-zA-Z .]+)?)`),
		regexp.MustCompile(`(?i)based\s+in\s+([A-Z][a-zA-Z .]+(?:,\s*[A-Z][a-zA-Z .]+)?)`),
	}
	personPattern     = regexp.MustCompile(`(?:CEO|CTO|CFO|COO|Chief\s+\w+\s+Officer|President|Chairman|founder)[,\s]+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2})|([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2})[,\s]+(?:the\s+)?(?:CEO|CTO|CFO|COO|President|Chairman|founder)`)
	competitorPattern = regexp.MustCompile(`(?i)(?:competes?\s+with|competitors?\s+(?:include|are|such\s+as)|rivals?\s+(?:include|are|such\s+as))\s+([A-Z][\w .&-]*(?:,\s*(?:and\s+)?[A-Z][\w .&-]*)*)`)
	productPattern    = regexp.MustCompile(`(?i)(?:products?|offerings?)\s+(?:include|are|such\s+as)\s+([A-Z][\w .&-]*(?:,\s*(?:and\s+)?[A-Z][\w .&-]*)*)`)

	companyNamePattern = regexp.MustCompile(`([A-Z][A-Za-z0-9&.\- ]+?)\s+(?:Inc\.?|LLC|Ltd\.?|Corp\.?|Corporation|Company|Group|Holdings)\b`)
)

// Extract returns every typed fact found in text, attributed to meta.
func (x *Extractor) Extract(text string, meta SourceMeta) []Evidence {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	now := x.clock()
	var out []Evidence

	add := func(et EntityType, value string, normalized float64, unit string) {
		out = append(out, Evidence{
			EntityType:  et,
			Value:       value,
			Normalized:  normalized,
			Unit:        unit,
			SourceURL:   meta.URL,
			SourceType:  meta.Type,
			ExtractedAt: now,
			RawText:     snippet(text, value),
		})
	}

	if norm, ok := firstMoney(text, revenuePatterns); ok {
		add(EntityRevenue, CanonicalValue(EntityRevenue, norm), norm, "usd")
	}
	if norm, ok := firstMoney(text, profitPatterns); ok {
		add(EntityProfit, CanonicalValue(EntityProfit, norm), norm, "usd")
	}
	if norm, ok := firstCount(text, employeePatterns); ok {
		add(EntityEmployees, CanonicalValue(EntityEmployees, norm), norm, "count")
	}
	for _, p := range foundedPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			if norm, ok := NormalizeYear(m[1]); ok {
				add(EntityFounded, m[1], norm, "year")
			}
			break
		}
	}
	for _, p := range locationPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			loc := cleanCategorical(m[1])
			if loc != "" {
				add(EntityLocation, loc, 0, "")
			}
			break
		}
	}
	for _, name := range extractPeople(text) {
		add(EntityPeople, name, 0, "")
	}
	for _, name := range extractList(text, competitorPattern) {
		add(EntityCompetitors, name, 0, "")
	}
	for _, name := range extractList(text, productPattern) {
		add(EntityProducts, name, 0, "")
	}
	return out
}

// CompanyName attempts to find the subject company name in text. Empty when
// no confident match exists.
func (x *Extractor) CompanyName(text string) string {
	if m := companyNamePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func firstMoney(text string, patterns []*regexp.Regexp) (float64, bool) {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			if norm, ok := NormalizeMoney(m[1]); ok && norm > 0 {
				return norm, true
			}
		}
	}
	return 0, false
}

func firstCount(text string, patterns []*regexp.Regexp) (float64, bool) {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			if norm, ok := NormalizeCount(m[1]); ok && norm > 0 {
				return norm, true
			}
		}
	}
	return 0, false
}

func extractPeople(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range personPattern.FindAllStringSubmatch(text, 10) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func extractList(text string, pattern *regexp.Regexp) []string {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "and "))
		part = strings.TrimRight(part, ".")
		part = cleanCategorical(part)
		if part == "" || len(part) > 60 {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
		if len(out) == 10 {
			break
		}
	}
	return out
}

func cleanCategorical(s string) string {
	s = strings.TrimSpace(s)
	// Cut at sentence boundaries that slipped into the capture.
	if idx := strings.IndexAny(s, ".!?\n"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if len(s) < 2 {
		return ""
	}
	return s
}

func snippet(text, value string) string {
	idx := strings.Index(text, value)
	if idx < 0 {
		if len(text) > 160 {
			return text[:160]
		}
		return text
	}
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + len(value) + 60
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
