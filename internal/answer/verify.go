package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/labmesh/backend/internal/retrieval"
)

// Caveat is appended verbatim when the answer carries too many numbers the
// sources cannot account for.
const Caveat = "\n\nNote: some numeric values in this answer could not be traced to the retrieved sources. Verify them against the original documents before relying on them."

const maxUnexplained = 3

var answerNumberRE = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// CheckNumbers counts numeric tokens in the answer that no source text or
// derived statistic explains. Small integers, calendar years and percentages
// are exempt: they are usually enumeration, dates or values the model restated
// in percent form.
func CheckNumbers(answerText string, sources []string, aggregates []retrieval.MetricAggregate) int {
	matches := answerNumberRE.FindAllStringIndex(answerText, -1)
	if len(matches) == 0 {
		return 0
	}

	knownValues := deriveKnownValues(aggregates)

	unexplained := 0
	for _, loc := range matches {
		token := answerText[loc[0]:loc[1]]
		if isPercentage(answerText, loc[1]) {
			continue
		}
		if skippableInteger(token) {
			continue
		}
		if tokenExplained(token, sources, knownValues) {
			continue
		}
		unexplained++
	}
	return unexplained
}

// NeedsCaveat reports whether the unexplained-number count crosses the
// threshold that warrants the fixed caveat.
func NeedsCaveat(answerText string, sources []string, aggregates []retrieval.MetricAggregate) bool {
	return CheckNumbers(answerText, sources, aggregates) > maxUnexplained
}

// skippableInteger exempts small counts (10 and below) and calendar years.
func skippableInteger(token string) bool {
	if strings.ContainsAny(token, ".,") {
		return false
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return false
	}
	if v <= 10 {
		return true
	}
	return v >= 1900 && v <= 2100
}

func isPercentage(text string, end int) bool {
	rest := strings.TrimLeft(text[end:], " ")
	return strings.HasPrefix(rest, "%") || strings.HasPrefix(rest, "percent")
}

func tokenExplained(token string, sources []string, knownValues map[string]bool) bool {
	dotForm := strings.ReplaceAll(token, ",", ".")
	commaForm := strings.ReplaceAll(token, ".", ",")
	for _, src := range sources {
		if strings.Contains(src, token) || strings.Contains(src, dotForm) || strings.Contains(src, commaForm) {
			return true
		}
	}
	if knownValues[dotForm] {
		return true
	}

	// The model may round; accept a match against known values at the token's
	// own precision.
	if v, err := strconv.ParseFloat(dotForm, 64); err == nil {
		decimals := 0
		if idx := strings.Index(dotForm, "."); idx >= 0 {
			decimals = len(dotForm) - idx - 1
		}
		rounded := strconv.FormatFloat(v, 'f', decimals, 64)
		if knownValues[rounded] {
			return true
		}
	}
	return false
}

// deriveKnownValues expands aggregate statistics into the string forms the
// model plausibly echoes, including the percent-scale conversions the catalog
// applies to filler-content metrics.
func deriveKnownValues(aggregates []retrieval.MetricAggregate) map[string]bool {
	known := make(map[string]bool)
	add := func(v float64) {
		for _, digits := range []int{0, 1, 2, 3, 4} {
			known[strconv.FormatFloat(v, 'f', digits, 64)] = true
		}
		known[strconv.FormatFloat(v, 'f', -1, 64)] = true
	}

	for _, a := range aggregates {
		for _, v := range []float64{a.Min, a.Max, a.Mean, a.Median, a.StdDev} {
			add(v)
			add(v * 100)
			add(v / 100)
		}
		known[fmt.Sprintf("%d", a.N)] = true
	}
	return known
}
