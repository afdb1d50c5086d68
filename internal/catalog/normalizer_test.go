package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/storage/models"
)

type fakeStore struct {
	entries  []models.MetricsCatalogEntry
	inserted []models.MetricsCatalogEntry
}

func (f *fakeStore) ListCatalog() ([]models.MetricsCatalogEntry, error) {
	return f.entries, nil
}

func (f *fakeStore) InsertCatalogEntryIfAbsent(e *models.MetricsCatalogEntry) error {
	f.inserted = append(f.inserted, *e)
	f.entries = append(f.entries, *e)
	return nil
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "flexural_strength_mpa", Slug("Flexural Strength (MPa)"))
	assert.Equal(t, "carga", Slug("  Carga (%)  "))
	assert.Equal(t, "rf_mpa", Slug("RF (MPa)"))
	assert.Equal(t, "", Slug("---"))
}

func TestNormalizeMatchesCanonical(t *testing.T) {
	store := &fakeStore{entries: []models.MetricsCatalogEntry{
		{CanonicalName: "flexural_strength", NameAliases: []string{"rf", "resistencia a flexao"}},
	}}
	n := NewNormalizer(store)

	got, err := n.Normalize("Flexural Strength")
	require.NoError(t, err)
	assert.Equal(t, "flexural_strength", got)
	assert.Empty(t, store.inserted)
}

func TestNormalizeMatchesAlias(t *testing.T) {
	store := &fakeStore{entries: []models.MetricsCatalogEntry{
		{CanonicalName: "flexural_strength", NameAliases: []string{"rf", "resistencia a flexao"}},
	}}
	n := NewNormalizer(store)

	got, err := n.Normalize("RF")
	require.NoError(t, err)
	assert.Equal(t, "flexural_strength", got)
}

func TestNormalizeAutoRegisters(t *testing.T) {
	store := &fakeStore{}
	n := NewNormalizer(store)

	got, err := n.Normalize("Izod Impact (J/m)")
	require.NoError(t, err)
	assert.Equal(t, "izod_impact_j_m", got)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "izod_impact_j_m", store.inserted[0].CanonicalName)
	assert.Equal(t, "Izod Impact (J/m)", store.inserted[0].DisplayName)
	assert.Equal(t, float64(1), store.inserted[0].ConversionFactor)

	// A second pass resolves against the freshly registered entry.
	again, err := n.Normalize("izod impact (j/m)")
	require.NoError(t, err)
	assert.Equal(t, "izod_impact_j_m", again)
	assert.Len(t, store.inserted, 1)
}

func TestIsFillerHeader(t *testing.T) {
	assert.True(t, IsFillerHeader("Carga (%)"))
	assert.True(t, IsFillerHeader("Filler content"))
	assert.True(t, IsFillerHeader("Glass Content (wt%)"))
	assert.False(t, IsFillerHeader("RF (MPa)"))
	assert.False(t, IsFillerHeader("Temperature (C)"))
	assert.False(t, IsFillerHeader(""))
}

func TestNormalizeFillerValue(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"0,4", 40, true},   // fraction with comma decimal
		{"0.4", 40, true},   // fraction with dot decimal
		{"40", 40, true},    // already percent scale
		{"40%", 40, true},   // explicit percent
		{"0.4%", 0.4, true}, // explicit percent stays literal
		{"1.5", 150, true},  // boundary: still treated as fraction
		{"1.6", 1.6, true},  // above threshold, taken literally
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeFillerValue(tc.raw)
		assert.Equal(t, tc.ok, ok, "raw=%q", tc.raw)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, "raw=%q", tc.raw)
		}
	}
}
