package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/parser"
)

func testSheet() parser.Sheet {
	return parser.Sheet{
		Name:    "Plan1",
		Headers: []string{"Amostra", "Carga (%)", "RF (MPa)", "Observações"},
		Rows: [][]string{
			{"CP-01", "0,4", "32,5", "sem defeitos"},
			{"CP-02", "0,6", "28,1", ""},
			{"CP-03", "", "x", "descartado"},
		},
	}
}

func TestHeuristicColumns(t *testing.T) {
	roles := heuristicColumns(testSheet().Headers)

	require.Len(t, roles, 4)
	assert.Equal(t, RoleIdentifier, roles[0].Role)
	assert.Equal(t, RoleMetric, roles[1].Role)
	assert.Equal(t, RoleMetric, roles[2].Role)
	assert.Equal(t, "MPa", roles[2].Unit)
	assert.Equal(t, RoleCondition, roles[3].Role)
}

func TestMapColumnsFallsBackOnInferenceFailure(t *testing.T) {
	engine := NewEngine(&fakeInference{structuredErr: errors.New("model down")})

	roles, tokens, err := engine.MapColumns(context.Background(), testSheet())

	require.NoError(t, err, "column mapping never depends on the model")
	assert.Zero(t, tokens)
	assert.Equal(t, RoleMetric, roles[1].Role)
}

func TestExtractSheetFillerNormalization(t *testing.T) {
	sheet := testSheet()
	roles := heuristicColumns(sheet.Headers)

	out := ExtractSheet(sheet, roles)

	// Two data rows with two metric cells each; the third row has one blank
	// metric cell and one unparsable one.
	require.Len(t, out.Measurements, 4)
	assert.Equal(t, 1, out.SkippedCells)

	carga := out.Measurements[0]
	assert.Equal(t, "Carga (%)", carga.MetricRaw)
	assert.InDelta(t, 0.4, carga.Value, 1e-9, "raw value preserved as written")
	assert.InDelta(t, 40, carga.ValueCanonical, 1e-9, "fraction scaled to percent")
	assert.Equal(t, "pct", carga.UnitCanonical)
	assert.Contains(t, carga.SourceExcerpt, "0,4")

	rf := out.Measurements[1]
	assert.Equal(t, "RF (MPa)", rf.MetricRaw)
	assert.InDelta(t, 32.5, rf.Value, 1e-9)
	assert.InDelta(t, 32.5, rf.ValueCanonical, 1e-9)
	assert.Equal(t, "MPa", rf.Unit)

	// Conditions carry the identifier and the free-text column.
	names := map[string]bool{}
	for _, cond := range rf.Conditions {
		names[cond.Name] = true
	}
	assert.True(t, names["sample"])
	assert.True(t, names["Observações"])
}

func TestExtractSheetSkipsUnitlessNumericColumns(t *testing.T) {
	sheet := parser.Sheet{
		Name:    "data",
		Headers: []string{"id", "count"},
		Rows:    [][]string{{"a", "5"}},
	}
	roles := []ColumnRole{
		{Index: 0, Role: RoleIdentifier, Metric: "id"},
		{Index: 1, Role: RoleMetric, Metric: "count"},
	}

	out := ExtractSheet(sheet, roles)

	assert.Empty(t, out.Measurements)
	assert.Equal(t, 1, out.SkippedCells)
}
