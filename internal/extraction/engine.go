package extraction

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

// Inference is the slice of the LLM client the engine depends on.
type Inference interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteStructured(ctx context.Context, req llm.StructuredRequest, out interface{}) (*llm.Usage, error)
}

type Engine struct {
	inference Inference
}

func NewEngine(inference Inference) *Engine {
	return &Engine{inference: inference}
}

type CandidateInsight struct {
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Evidence   string  `json:"evidence"`
	Confidence float64 `json:"confidence"`
}

type CandidateMeasurement struct {
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit"`
	Method        string  `json:"method"`
	Confidence    string  `json:"confidence"`
	SourceExcerpt string  `json:"source_excerpt"`
}

type CandidateCondition struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CandidateCitation struct {
	Location string `json:"location"`
	Excerpt  string `json:"excerpt"`
}

type CandidateExperiment struct {
	Title        string                 `json:"title"`
	Objective    string                 `json:"objective"`
	Hypothesis   string                 `json:"hypothesis"`
	Summary      string                 `json:"summary"`
	Measurements []CandidateMeasurement `json:"measurements"`
	Conditions   []CandidateCondition   `json:"conditions"`
	Citations    []CandidateCitation    `json:"citations"`
}

// VerifiedInsight is a candidate that passed the ingestion boundary, with its
// confidence already de-weighted when the evidence could not be located.
type VerifiedInsight struct {
	Category         models.InsightCategory
	Title            string
	Content          string
	Evidence         string
	Confidence       float64
	EvidenceVerified bool
}

type ExtractResult struct {
	Insights    []VerifiedInsight
	Experiments []CandidateExperiment
	TokensUsed  int
	GateDropped int
}

// VerifyMeasurement is the anti-hallucination gate: the value must be a finite
// number, the unit non-empty, and the source excerpt must literally contain the
// value (dot or comma decimal form). Failing candidates are dropped, never
// corrected.
func VerifyMeasurement(value float64, unit, excerpt string) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	if strings.TrimSpace(unit) == "" {
		return false
	}
	return excerptContainsValue(excerpt, value)
}

func excerptContainsValue(excerpt string, value float64) bool {
	if excerpt == "" {
		return false
	}
	dot := strconv.FormatFloat(value, 'f', -1, 64)
	if strings.Contains(excerpt, dot) {
		return true
	}
	comma := strings.ReplaceAll(dot, ".", ",")
	return comma != dot && strings.Contains(excerpt, comma)
}

var matchStripRE = regexp.MustCompile(`[^a-z0-9]+`)
var numberTokenRE = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

func normalizeForMatch(s string) string {
	return matchStripRE.ReplaceAllString(strings.ToLower(s), "")
}

// VerifyEvidence checks a candidate insight's evidence against the parsed
// document text. When the evidence carries numbers, at least 60% of its numeric
// tokens must literally appear in the source; otherwise normalized substring
// containment of the full evidence or its first 50 normalized characters
// (when at least 20 long) is required. The heuristic is intentionally
// approximate and kept as-is for compatibility.
func VerifyEvidence(evidence, sourceText string) bool {
	if strings.TrimSpace(evidence) == "" {
		return false
	}

	numbers := numberTokenRE.FindAllString(evidence, -1)
	if len(numbers) > 0 {
		found := 0
		for _, n := range numbers {
			if strings.Contains(sourceText, n) ||
				strings.Contains(sourceText, strings.ReplaceAll(n, ",", ".")) {
				found++
			}
		}
		return float64(found)/float64(len(numbers)) >= 0.6
	}

	normEvidence := normalizeForMatch(evidence)
	normSource := normalizeForMatch(sourceText)
	if normEvidence == "" {
		return false
	}
	if strings.Contains(normSource, normEvidence) {
		return true
	}
	if len(normEvidence) >= 20 {
		prefix := normEvidence
		if len(prefix) > 50 {
			prefix = prefix[:50]
		}
		return strings.Contains(normSource, prefix)
	}
	return false
}

// gateInsight validates the category, clamps confidence and applies the
// evidence de-weighting: unverified evidence halves the reported confidence
// and caps it at 0.5 but never drops the item.
func gateInsight(c CandidateInsight, sourceText string) (VerifiedInsight, bool) {
	category := models.InsightCategory(strings.ToLower(strings.TrimSpace(c.Category)))
	if !category.Valid() {
		return VerifiedInsight{}, false
	}
	if strings.TrimSpace(c.Title) == "" {
		return VerifiedInsight{}, false
	}

	confidence := c.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	verified := VerifyEvidence(c.Evidence, sourceText)
	if !verified {
		confidence = math.Min(confidence*0.5, 0.5)
	}

	return VerifiedInsight{
		Category:         category,
		Title:            truncateString(c.Title, 200),
		Content:          truncateString(c.Content, 2000),
		Evidence:         truncateString(c.Evidence, 1000),
		Confidence:       confidence,
		EvidenceVerified: verified,
	}, true
}

type documentExtraction struct {
	Insights    []CandidateInsight    `json:"insights"`
	Experiments []CandidateExperiment `json:"experiments"`
}

// ExtractFromText runs the model-read path for PDF/Word documents: the model
// proposes insights and experiments directly, and every numeric claim is then
// gated against the source text.
func (e *Engine) ExtractFromText(ctx context.Context, text string, catalogSample []string) (*ExtractResult, error) {
	var raw documentExtraction

	usage, err := e.inference.CompleteStructured(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			Tier:         llm.TierFast,
			SystemPrompt: extractionSystemPrompt,
			UserPrompt:   buildExtractionPrompt(text, catalogSample),
			Temperature:  0.1,
		},
		FunctionName: "record_extraction",
		Description:  "Record insights and experiments extracted from a lab document.",
		Schema:       extractionSchema,
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("extraction inference failed: %w", err)
	}

	result := &ExtractResult{TokensUsed: usage.TotalTokens}

	for _, c := range raw.Insights {
		insight, ok := gateInsight(c, text)
		if !ok {
			result.GateDropped++
			continue
		}
		result.Insights = append(result.Insights, insight)
	}

	for _, exp := range raw.Experiments {
		if strings.TrimSpace(exp.Title) == "" {
			continue
		}
		var kept []CandidateMeasurement
		for _, m := range exp.Measurements {
			if !VerifyMeasurement(m.Value, m.Unit, m.SourceExcerpt) {
				result.GateDropped++
				logger.Debug("Measurement failed evidence gate",
					zap.String("metric", m.Metric),
					zap.Float64("value", m.Value),
				)
				continue
			}
			kept = append(kept, m)
		}
		exp.Measurements = kept
		result.Experiments = append(result.Experiments, exp)
	}

	return result, nil
}

func buildExtractionPrompt(text string, catalogSample []string) string {
	var sb strings.Builder
	sb.WriteString("Known canonical metrics (reuse these names when applicable):\n")
	sb.WriteString(strings.Join(catalogSample, ", "))
	sb.WriteString("\n\nDocument text:\n")
	sb.WriteString(text)
	sb.WriteString("\n\nExtract atomic insights and structured experiments. ")
	sb.WriteString("Every measurement's source_excerpt must be copied verbatim from the document and contain the numeric value. ")
	sb.WriteString("Never invent numbers that are not present in the text.")
	return sb.String()
}

const extractionSystemPrompt = `You are a research-data extraction system for laboratory documents.
Extract two kinds of items:
1. insights: atomic claims, each with category, title, content, verbatim evidence excerpt, and confidence in [0,1].
2. experiments: structured research records with measurements (metric, numeric value, unit, method, confidence tier, verbatim source excerpt), conditions (name/value) and citations (page/sheet location, excerpt).
Only report numbers that literally appear in the document. Copy excerpts verbatim.`

var categoryEnum = []string{
	"compound", "parameter", "result", "method", "observation", "finding",
	"correlation", "anomaly", "benchmark", "recommendation",
	"cross_reference", "pattern", "contradiction", "gap",
}

var extractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"insights": map[string]interface{}{
			"type":     "array",
			"maxItems": 30,
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"category":   map[string]interface{}{"type": "string", "enum": categoryEnum},
					"title":      map[string]interface{}{"type": "string", "maxLength": 200},
					"content":    map[string]interface{}{"type": "string", "maxLength": 2000},
					"evidence":   map[string]interface{}{"type": "string", "maxLength": 1000},
					"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
				},
				"required": []string{"category", "title", "content", "evidence", "confidence"},
			},
		},
		"experiments": map[string]interface{}{
			"type":     "array",
			"maxItems": 10,
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"title":      map[string]interface{}{"type": "string", "maxLength": 200},
					"objective":  map[string]interface{}{"type": "string", "maxLength": 1000},
					"hypothesis": map[string]interface{}{"type": "string", "maxLength": 1000},
					"summary":    map[string]interface{}{"type": "string", "maxLength": 2000},
					"measurements": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"metric":         map[string]interface{}{"type": "string"},
								"value":          map[string]interface{}{"type": "number"},
								"unit":           map[string]interface{}{"type": "string"},
								"method":         map[string]interface{}{"type": "string"},
								"confidence":     map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
								"source_excerpt": map[string]interface{}{"type": "string"},
							},
							"required": []string{"metric", "value", "unit", "source_excerpt"},
						},
					},
					"conditions": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"name":  map[string]interface{}{"type": "string"},
								"value": map[string]interface{}{"type": "string"},
							},
							"required": []string{"name", "value"},
						},
					},
					"citations": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"location": map[string]interface{}{"type": "string"},
								"excerpt":  map[string]interface{}{"type": "string"},
							},
							"required": []string{"location"},
						},
					},
				},
				"required": []string{"title"},
			},
		},
	},
	"required": []string{"insights", "experiments"},
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
