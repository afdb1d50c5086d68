package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

// Store is the slice of the relational store the normalizer needs.
type Store interface {
	ListCatalog() ([]models.MetricsCatalogEntry, error)
	InsertCatalogEntryIfAbsent(e *models.MetricsCatalogEntry) error
}

type Normalizer struct {
	store Store
}

func NewNormalizer(store Store) *Normalizer {
	return &Normalizer{store: store}
}

var nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases, collapses whitespace and strips non-alphanumerics down to
// underscore-separated tokens: "Flexural Strength (MPa)" -> "flexural_strength_mpa".
func Slug(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = nonAlnumRE.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Normalize maps a free-text metric name to its canonical catalog name,
// auto-registering a new entry when nothing matches. The insert is
// upsert-if-absent so concurrent normalizers converge on one row.
func (n *Normalizer) Normalize(rawMetricName string) (string, error) {
	slug := Slug(rawMetricName)
	if slug == "" {
		return "", nil
	}

	entries, err := n.store.ListCatalog()
	if err != nil {
		return "", err
	}

	lower := strings.ToLower(strings.TrimSpace(rawMetricName))
	for _, e := range entries {
		if e.CanonicalName == slug || Slug(e.CanonicalName) == slug {
			return e.CanonicalName, nil
		}
		for _, alias := range e.NameAliases {
			if alias == slug || strings.ToLower(alias) == lower || Slug(alias) == slug {
				return e.CanonicalName, nil
			}
		}
	}

	entry := &models.MetricsCatalogEntry{
		ID:               uuid.New().String(),
		CanonicalName:    slug,
		DisplayName:      strings.TrimSpace(rawMetricName),
		NameAliases:      []string{slug, lower},
		ConversionFactor: 1,
		CreatedAt:        time.Now(),
	}
	if err := n.store.InsertCatalogEntryIfAbsent(entry); err != nil {
		return "", err
	}

	logger.Debug("Metric auto-registered", zap.String("canonical", slug), zap.String("raw", rawMetricName))
	return slug, nil
}

var fillerHeaderTokens = []string{
	"filler", "carga", "glass content", "fiber content", "fibre content",
	"load content", "reinforcement content", "% filler", "% carga", "wt%", "wt %",
}

// IsFillerHeader recognizes spreadsheet headers describing filler-type content
// percentages. The fraction-to-percent fix below is scoped to exactly these
// headers so unrelated metrics are never rescaled.
func IsFillerHeader(header string) bool {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return false
	}
	for _, tok := range fillerHeaderTokens {
		if strings.Contains(h, tok) {
			return true
		}
	}
	// A bare "%" header alongside a content-ish word also qualifies.
	if strings.Contains(h, "%") && (strings.Contains(h, "content") || strings.Contains(h, "conteudo")) {
		return true
	}
	return false
}

// NormalizeFillerValue resolves the 0.4-versus-40 spreadsheet ambiguity for
// filler-type columns: values carrying a literal % parse directly, fractions
// at or below 1.5 are scaled to percent. Returns the canonical percent value.
func NormalizeFillerValue(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	hadPercent := strings.Contains(s, "%")
	s = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	s = strings.ReplaceAll(s, ",", ".")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}

	if !hadPercent && v <= 1.5 {
		return v * 100, true
	}
	return v, true
}

// FillerUnit is the canonical unit recorded for filler-content measurements.
const FillerUnit = "pct"
