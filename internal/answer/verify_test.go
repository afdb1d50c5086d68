package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labmesh/backend/internal/retrieval"
)

func TestCheckNumbersExemptions(t *testing.T) {
	// Small counts, years and percentages never count against the answer.
	answer := "Across 3 experiments run in 2024, strength improved by 12% and again by 15 percent."

	assert.Zero(t, CheckNumbers(answer, nil, nil))
}

func TestCheckNumbersSourceBacked(t *testing.T) {
	sources := []string{"The flexural strength was 32.5 MPa at a load of 0.4."}

	assert.Zero(t, CheckNumbers("The strength reached 32.5 MPa.", sources, nil))
	assert.Zero(t, CheckNumbers("A resistência foi 32,5 MPa.", sources, nil), "comma form matches a dot source")
	assert.Equal(t, 1, CheckNumbers("The strength reached 99.9 MPa.", sources, nil))
}

func TestCheckNumbersAggregateDerived(t *testing.T) {
	aggregates := []retrieval.MetricAggregate{{
		Metric: "carga", Unit: "pct", N: 4,
		Min: 0.4, Max: 0.8, Mean: 0.6, Median: 0.6, StdDev: 0.163,
	}}

	// 0.6 is the mean itself; 60 is its percent-scale form; 0.16 is the stddev
	// rounded to the answer's own precision.
	answer := "Mean load was 0.6, i.e. 60 on the percent scale, with spread 0.16."
	assert.Zero(t, CheckNumbers(answer, nil, aggregates))
}

func TestCheckNumbersCountsUnknownValues(t *testing.T) {
	answer := "Values of 42.7, 55.3, 61.8 and 77.1 were observed at 88.4 degrees."

	assert.Equal(t, 5, CheckNumbers(answer, nil, nil))
}

func TestNeedsCaveatThreshold(t *testing.T) {
	three := "Readings: 42.7, 55.3 and 61.8."
	four := "Readings: 42.7, 55.3, 61.8 and 77.1."

	assert.False(t, NeedsCaveat(three, nil, nil), "three unexplained numbers stay below the bar")
	assert.True(t, NeedsCaveat(four, nil, nil))
}

func TestSkippableInteger(t *testing.T) {
	assert.True(t, skippableInteger("7"))
	assert.True(t, skippableInteger("10"))
	assert.False(t, skippableInteger("11"))
	assert.True(t, skippableInteger("2019"))
	assert.False(t, skippableInteger("2500"))
	assert.False(t, skippableInteger("7.0"), "decimals are never treated as counts")
}
