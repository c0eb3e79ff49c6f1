package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// moneyPattern matches "$1.2B", "1,200 million", "3.4 billion USD", "$200B".
var moneyPattern = regexp.MustCompile(`(?i)\$?\s*([\d,]+(?:\.\d+)?)\s*(trillion|billion|million|thousand|T|B|M|K)?\b`)

var scaleFactors = map[string]float64{
	"":         1,
	"k":        1e3,
	"thousand": 1e3,
	"m":        1e6,
	"million":  1e6,
	"b":        1e9,
	"billion":  1e9,
	"t":        1e12,
	"trillion": 1e12,
}

// NormalizeMoney parses a human money expression into canonical USD
// magnitude. "$1.2B" and "1,200 million" both resolve to 1.2e9.
func NormalizeMoney(s string) (float64, bool) {
	m := moneyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	num, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	factor, ok := scaleFactors[strings.ToLower(m[2])]
	if !ok {
		return 0, false
	}
	return num * factor, true
}

// NormalizeCount parses an integer count like "12,500" or "12.5 thousand".
func NormalizeCount(s string) (float64, bool) {
	v, ok := NormalizeMoney(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if !ok || v < 0 {
		return 0, false
	}
	return v, true
}

// NormalizeYear parses a four-digit year within a sane range.
func NormalizeYear(s string) (float64, bool) {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < 1800 || y > 2100 {
		return 0, false
	}
	return float64(y), true
}

// CanonicalValue returns a stable display string for a normalized magnitude,
// so "$1.2B" and "1,200 million" render identically in conflict prompts.
func CanonicalValue(entityType EntityType, normalized float64) string {
	switch entityType {
	case EntityRevenue, EntityProfit:
		return "$" + humanizeMagnitude(normalized)
	case EntityEmployees:
		return humanizeMagnitude(normalized)
	case EntityFounded:
		return strconv.Itoa(int(normalized))
	default:
		return strconv.FormatFloat(normalized, 'f', -1, 64)
	}
}

func humanizeMagnitude(v float64) string {
	switch {
	case v >= 1e12:
		return trimZeros(v/1e12) + "T"
	case v >= 1e9:
		return trimZeros(v/1e9) + "B"
	case v >= 1e6:
		return trimZeros(v/1e6) + "M"
	case v >= 1e3:
		return trimZeros(v/1e3) + "K"
	default:
		return trimZeros(v)
	}
}

func trimZeros(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
