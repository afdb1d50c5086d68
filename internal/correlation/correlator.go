package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/logger"
)

const maxPerCategory = 5

// Store is the relational surface the correlator drives.
type Store interface {
	ListExperimentData(projectID string) ([]sqlite.ExperimentData, error)
	SoftDeleteAutoCorrelationInsights(projectID string) (int, error)
	InsertKnowledgeItem(item *models.KnowledgeItem) error
	InsertCorrelationJob(j *models.CorrelationJob) error
	CompleteCorrelationJob(j *models.CorrelationJob) error
	FailCorrelationJob(jobID, message string) error
}

// Inference is the slice of the LLM client the correlator needs.
type Inference interface {
	CompleteStructured(ctx context.Context, req llm.StructuredRequest, out interface{}) (*llm.Usage, error)
}

type Correlator struct {
	store     Store
	inference Inference
}

func NewCorrelator(store Store, inference Inference) *Correlator {
	return &Correlator{store: store, inference: inference}
}

// metricSeries is one canonical metric's values gathered across experiments.
type metricSeries struct {
	Metric      string
	Unit        string
	Experiments map[string]string // experiment ID -> title
	Values      []float64
}

type correlationCandidate struct {
	Category   string   `json:"category"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Metrics    []string `json:"metrics"`
}

type correlationResponse struct {
	Patterns       []correlationCandidate `json:"patterns"`
	Contradictions []correlationCandidate `json:"contradictions"`
	Gaps           []correlationCandidate `json:"gaps"`
}

// Run analyzes every repeated metric in the project and replaces the previous
// correlation snapshot. Prior auto-correlation items are tombstoned before the
// new ones land, so each run is a full rewrite, never a merge.
func (c *Correlator) Run(ctx context.Context, projectID string) (*models.CorrelationJob, error) {
	job := &models.CorrelationJob{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    models.JobProcessing,
		CreatedAt: time.Now(),
	}
	if err := c.store.InsertCorrelationJob(job); err != nil {
		return nil, err
	}

	if err := c.run(ctx, job); err != nil {
		msg := err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if failErr := c.store.FailCorrelationJob(job.ID, msg); failErr != nil {
			logger.Error("Failed to record correlation failure", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		job.Status = models.JobFailed
		job.ErrorMessage = msg
		return job, err
	}

	job.Status = models.JobCompleted
	return job, nil
}

func (c *Correlator) run(ctx context.Context, job *models.CorrelationJob) error {
	experiments, err := c.store.ListExperimentData(job.ProjectID)
	if err != nil {
		return err
	}

	if len(experiments) < 2 {
		logger.Info("Correlation skipped, not enough experiments",
			zap.String("project_id", job.ProjectID),
			zap.Int("experiments", len(experiments)),
		)
		return c.store.CompleteCorrelationJob(job)
	}

	series := buildSeries(experiments)
	repeated := repeatedMetrics(series)
	job.MetricsAnalyzed = len(repeated)
	if len(repeated) == 0 {
		return c.store.CompleteCorrelationJob(job)
	}

	var raw correlationResponse
	if _, err := c.inference.CompleteStructured(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			Tier:         llm.TierFast,
			SystemPrompt: correlationSystemPrompt,
			UserPrompt:   buildCorrelationPrompt(repeated, experiments),
			Temperature:  0.2,
		},
		FunctionName: "record_correlations",
		Description:  "Record cross-experiment patterns, contradictions and knowledge gaps.",
		Schema:       correlationSchema,
	}, &raw); err != nil {
		return fmt.Errorf("correlation inference failed: %w", err)
	}

	knownMetrics := make(map[string]bool, len(repeated))
	for _, s := range repeated {
		knownMetrics[s.Metric] = true
	}

	patterns := gateCandidates(raw.Patterns, models.CategoryPattern, knownMetrics)
	contradictions := gateCandidates(raw.Contradictions, models.CategoryContradiction, knownMetrics)
	gaps := gateCandidates(raw.Gaps, models.CategoryGap, knownMetrics)

	// Replace, never merge: the previous snapshot goes before anything lands.
	tombstoned, err := c.store.SoftDeleteAutoCorrelationInsights(job.ProjectID)
	if err != nil {
		return err
	}
	logger.Debug("Prior correlation snapshot tombstoned",
		zap.String("project_id", job.ProjectID),
		zap.Int("items", tombstoned),
	)

	created := 0
	for _, item := range append(append(patterns, contradictions...), gaps...) {
		item.ProjectID = job.ProjectID
		if err := c.store.InsertKnowledgeItem(&item); err != nil {
			return err
		}
		created++
	}

	job.PatternsFound = len(patterns)
	job.ContradictionsFound = len(contradictions)
	job.GapsFound = len(gaps)
	job.InsightsCreated = created
	return c.store.CompleteCorrelationJob(job)
}

func gateCandidates(candidates []correlationCandidate, category models.InsightCategory, knownMetrics map[string]bool) []models.KnowledgeItem {
	var out []models.KnowledgeItem
	for _, cand := range candidates {
		if len(out) >= maxPerCategory {
			break
		}
		if strings.TrimSpace(cand.Title) == "" {
			continue
		}

		metric := ""
		for _, m := range cand.Metrics {
			if knownMetrics[m] {
				metric = m
				break
			}
		}

		confidence := cand.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}

		out = append(out, models.KnowledgeItem{
			ID:               uuid.New().String(),
			Category:         category,
			Title:            cand.Title,
			Content:          cand.Content,
			Confidence:       confidence,
			RelationshipType: "auto_correlation",
			Metric:           metric,
			CreatedAt:        time.Now(),
		})
	}
	return out
}

func buildSeries(experiments []sqlite.ExperimentData) map[string]*metricSeries {
	series := make(map[string]*metricSeries)
	for _, e := range experiments {
		for _, m := range e.Measurements {
			s, ok := series[m.Metric]
			if !ok {
				s = &metricSeries{
					Metric:      m.Metric,
					Unit:        m.UnitCanonical,
					Experiments: make(map[string]string),
				}
				series[m.Metric] = s
			}
			s.Experiments[e.Experiment.ID] = e.Experiment.Title
			s.Values = append(s.Values, m.ValueCanonical)
		}
	}
	return series
}

// repeatedMetrics keeps metrics observed in at least two distinct experiments,
// sorted by coverage so the prompt leads with the strongest signal.
func repeatedMetrics(series map[string]*metricSeries) []*metricSeries {
	var out []*metricSeries
	for _, s := range series {
		if len(s.Experiments) >= 2 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Experiments) != len(out[j].Experiments) {
			return len(out[i].Experiments) > len(out[j].Experiments)
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

func buildCorrelationPrompt(repeated []*metricSeries, experiments []sqlite.ExperimentData) string {
	var sb strings.Builder
	sb.WriteString("Metrics measured across multiple experiments, with summary statistics:\n\n")
	for _, s := range repeated {
		n, minV, maxV, mean, stddev := summarize(s.Values)
		fmt.Fprintf(&sb, "metric: %s (unit: %s)\n", s.Metric, s.Unit)
		fmt.Fprintf(&sb, "  experiments: %d, n=%d, min=%.4g, max=%.4g, mean=%.4g, stddev=%.4g\n",
			len(s.Experiments), n, minV, maxV, mean, stddev)
		var titles []string
		for _, t := range s.Experiments {
			titles = append(titles, t)
		}
		sort.Strings(titles)
		fmt.Fprintf(&sb, "  sources: %s\n\n", strings.Join(titles, "; "))
	}

	sb.WriteString("Metric coverage per experiment (what each one did and did not measure):\n")
	for _, e := range experiments {
		coverage := metricCoverage(e)
		if len(coverage) == 0 {
			fmt.Fprintf(&sb, "- %s: no quantitative measurements\n", e.Experiment.Title)
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", e.Experiment.Title, strings.Join(coverage, ", "))
	}

	sb.WriteString("\nReport patterns, contradictions and gaps grounded in these numbers only. Reference metrics by their exact names above.")
	return sb.String()
}

// metricCoverage lists the distinct metrics an experiment measured, sorted.
func metricCoverage(e sqlite.ExperimentData) []string {
	seen := make(map[string]bool, len(e.Measurements))
	var out []string
	for _, m := range e.Measurements {
		if seen[m.Metric] {
			continue
		}
		seen[m.Metric] = true
		out = append(out, m.Metric)
	}
	sort.Strings(out)
	return out
}

func summarize(values []float64) (n int, minV, maxV, mean, stddev float64) {
	n = len(values)
	if n == 0 {
		return
	}
	minV, maxV = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
	}
	mean = sum / float64(n)
	if n > 1 {
		var sq float64
		for _, v := range values {
			sq += (v - mean) * (v - mean)
		}
		stddev = math.Sqrt(sq / float64(n-1))
	}
	return
}

const correlationSystemPrompt = `You analyze aggregated measurements from a research project.
You see only summary statistics per metric, never raw documents. Emit:
- patterns: consistent trends across experiments
- contradictions: metrics whose values conflict between experiments (for example a wide spread where agreement is expected)
- gaps: metrics or comparisons the project is missing
Reference metrics by the exact names given. Do not invent values beyond the statistics shown.`

var correlationCandidateSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"category":   map[string]interface{}{"type": "string"},
		"title":      map[string]interface{}{"type": "string", "maxLength": 200},
		"content":    map[string]interface{}{"type": "string", "maxLength": 2000},
		"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"metrics":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"title", "content", "confidence", "metrics"},
}

var correlationSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"patterns":       map[string]interface{}{"type": "array", "maxItems": maxPerCategory, "items": correlationCandidateSchema},
		"contradictions": map[string]interface{}{"type": "array", "maxItems": maxPerCategory, "items": correlationCandidateSchema},
		"gaps":           map[string]interface{}{"type": "array", "maxItems": maxPerCategory, "items": correlationCandidateSchema},
	},
	"required": []string{"patterns", "contradictions", "gaps"},
}
