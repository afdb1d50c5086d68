package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/catalog"
	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/parser"
	"github.com/labmesh/backend/pkg/logger"
)

// Column roles assigned by the mapping step.
const (
	RoleMetric     = "metric"
	RoleUnit       = "unit"
	RoleCondition  = "condition"
	RoleIdentifier = "identifier"
	RoleIgnore     = "ignore"
)

type ColumnRole struct {
	Index  int    `json:"index"`
	Role   string `json:"role"`
	Metric string `json:"metric_name"`
	Unit   string `json:"unit"`
}

type columnMapping struct {
	Columns []ColumnRole `json:"columns"`
}

// SheetMeasurement is one numeric cell resolved against its column role. The
// excerpt is the full flattened row, so the value string is always present in
// it and the measurement gate holds by construction. Canonical fields carry
// the normalized form when it differs from what the cell literally says.
type SheetMeasurement struct {
	MetricRaw      string
	Value          float64
	Unit           string
	ValueCanonical float64
	UnitCanonical  string
	SourceExcerpt  string
	Conditions     []CandidateCondition
}

type SheetExtraction struct {
	SheetName    string
	Measurements []SheetMeasurement
	TokensUsed   int
	SkippedCells int
}

// MapColumns asks the fast model to classify each column of a sheet using only
// the header row and up to three sample rows. On inference failure it falls
// back to a header heuristic so spreadsheet ingestion never depends on the
// model being reachable.
func (e *Engine) MapColumns(ctx context.Context, sheet parser.Sheet) ([]ColumnRole, int, error) {
	var mapping columnMapping

	usage, err := e.inference.CompleteStructured(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			Tier:         llm.TierFast,
			SystemPrompt: columnMappingSystemPrompt,
			UserPrompt:   buildColumnPrompt(sheet),
			Temperature:  0,
		},
		FunctionName: "map_columns",
		Description:  "Classify spreadsheet columns by role.",
		Schema:       columnSchema,
	}, &mapping)
	if err != nil {
		logger.Warn("Column mapping inference failed, using header heuristic",
			zap.String("sheet", sheet.Name), zap.Error(err))
		return heuristicColumns(sheet.Headers), 0, nil
	}

	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
	}
	if len(mapping.Columns) == 0 {
		return heuristicColumns(sheet.Headers), tokens, nil
	}

	roles := make([]ColumnRole, len(sheet.Headers))
	for i, h := range sheet.Headers {
		roles[i] = ColumnRole{Index: i, Role: RoleIgnore, Metric: h}
	}
	for _, c := range mapping.Columns {
		if c.Index < 0 || c.Index >= len(roles) {
			continue
		}
		if c.Metric == "" {
			c.Metric = sheet.Headers[c.Index]
		}
		roles[c.Index] = c
	}
	return roles, tokens, nil
}

var unitParensRE = regexp.MustCompile(`\(([^)]+)\)`)

// heuristicColumns classifies by header shape alone: a parenthesized unit or a
// % marks a metric column, the first textual column is the row identifier and
// everything else is a condition.
func heuristicColumns(headers []string) []ColumnRole {
	roles := make([]ColumnRole, len(headers))
	identifierSeen := false
	for i, h := range headers {
		role := ColumnRole{Index: i, Role: RoleCondition, Metric: h}
		switch {
		case unitParensRE.MatchString(h) || strings.Contains(h, "%"):
			role.Role = RoleMetric
			if m := unitParensRE.FindStringSubmatch(h); m != nil {
				role.Unit = strings.TrimSpace(m[1])
			}
		case !identifierSeen:
			role.Role = RoleIdentifier
			identifierSeen = true
		}
		roles[i] = role
	}
	return roles
}

// ExtractSheet walks data rows deterministically: no model sees the numbers.
// Each metric cell becomes a measurement whose excerpt is the flattened row,
// and filler-type columns get the fraction-to-percent normalization.
func ExtractSheet(sheet parser.Sheet, roles []ColumnRole) SheetExtraction {
	out := SheetExtraction{SheetName: sheet.Name}

	for _, row := range sheet.Rows {
		excerpt := rowExcerpt(sheet.Headers, row)
		conditions := rowConditions(sheet.Headers, row, roles)

		for _, role := range roles {
			if role.Role != RoleMetric || role.Index >= len(row) {
				continue
			}
			raw := strings.TrimSpace(row[role.Index])
			if raw == "" {
				continue
			}

			header := sheet.Headers[role.Index]
			v, ok := parseCellNumber(raw)
			if !ok {
				out.SkippedCells++
				continue
			}

			unit := role.Unit
			if unit == "" {
				if m := unitParensRE.FindStringSubmatch(header); m != nil {
					unit = strings.TrimSpace(m[1])
				}
			}

			if catalog.IsFillerHeader(header) {
				canonical, ok := catalog.NormalizeFillerValue(raw)
				if !ok {
					out.SkippedCells++
					continue
				}
				if unit == "" {
					unit = "%"
				}
				out.Measurements = append(out.Measurements, SheetMeasurement{
					MetricRaw:      role.Metric,
					Value:          v,
					Unit:           unit,
					ValueCanonical: canonical,
					UnitCanonical:  catalog.FillerUnit,
					SourceExcerpt:  excerpt,
					Conditions:     conditions,
				})
				continue
			}

			if unit == "" {
				// Unit-less numeric columns fail the measurement gate anyway;
				// skip them here to keep counts honest.
				out.SkippedCells++
				continue
			}
			out.Measurements = append(out.Measurements, SheetMeasurement{
				MetricRaw:      role.Metric,
				Value:          v,
				Unit:           unit,
				ValueCanonical: v,
				UnitCanonical:  unit,
				SourceExcerpt:  excerpt,
				Conditions:     conditions,
			})
		}
	}
	return out
}

func parseCellNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rowExcerpt mirrors the flattened text the indexer stores, header=value pairs
// joined with commas, so excerpt containment checks line up with the index.
func rowExcerpt(headers, row []string) string {
	parts := make([]string, 0, len(row))
	for i, cell := range row {
		h := ""
		if i < len(headers) {
			h = headers[i]
		}
		if strings.TrimSpace(cell) == "" {
			continue
		}
		if h != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", h, cell))
		} else {
			parts = append(parts, cell)
		}
	}
	return strings.Join(parts, ", ")
}

func rowConditions(headers, row []string, roles []ColumnRole) []CandidateCondition {
	var conds []CandidateCondition
	for _, role := range roles {
		if role.Index >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[role.Index])
		if cell == "" {
			continue
		}
		name := role.Metric
		if name == "" && role.Index < len(headers) {
			name = headers[role.Index]
		}
		switch role.Role {
		case RoleCondition:
			conds = append(conds, CandidateCondition{Name: name, Value: cell})
		case RoleIdentifier:
			conds = append(conds, CandidateCondition{Name: "sample", Value: cell})
		}
	}
	return conds
}

func buildColumnPrompt(sheet parser.Sheet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sheet %q headers:\n%s\n", sheet.Name, strings.Join(sheet.Headers, " | "))
	limit := len(sheet.Rows)
	if limit > 3 {
		limit = 3
	}
	if limit > 0 {
		sb.WriteString("Sample rows:\n")
		for _, row := range sheet.Rows[:limit] {
			sb.WriteString(strings.Join(row, " | "))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Classify every column by zero-based index.")
	return sb.String()
}

const columnMappingSystemPrompt = `You classify spreadsheet columns from a laboratory data export.
Roles:
- metric: a numeric measured quantity (report metric_name and unit when the header carries one)
- unit: a column holding units for an adjacent metric column
- condition: an experimental condition or parameter
- identifier: sample or specimen labels
- ignore: notes or empty columns
Classify from headers and sample values only.`

var columnSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"columns": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"index":       map[string]interface{}{"type": "integer", "minimum": 0},
					"role":        map[string]interface{}{"type": "string", "enum": []string{RoleMetric, RoleUnit, RoleCondition, RoleIdentifier, RoleIgnore}},
					"metric_name": map[string]interface{}{"type": "string"},
					"unit":        map[string]interface{}{"type": "string"},
				},
				"required": []string{"index", "role"},
			},
		},
	},
	"required": []string{"columns"},
}
