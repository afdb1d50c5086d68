package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/retrieval"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/config"
	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/utils"
)

const (
	maxHistoryTurns = 6

	insufficientAnswer = "I could not find material in the project documents that addresses this question. Try rephrasing it, or upload the relevant documents first."
)

// Retriever produces the evidence bundle for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, projectIDs, pinnedChunkIDs []string) (*retrieval.Result, error)
}

// Store covers the deep-read and logging needs of the pipeline.
type Store interface {
	GetFileChunksOrdered(fileID string) ([]models.SearchChunk, error)
	GetSectionChunks(fileID string) ([]models.SearchChunk, error)
	InsertRAGLog(l *models.RAGLog) error
}

type Inference interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteStructured(ctx context.Context, req llm.StructuredRequest, out interface{}) (*llm.Usage, error)
	ModelFor(tier llm.Tier) string
}

type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

type Request struct {
	Query          string
	UserID         string
	ProjectIDs     []string
	PinnedChunkIDs []string
	History        []Turn
}

type Citation struct {
	Index   int
	ChunkID string
	FileID  string
	Excerpt string
}

type Response struct {
	Answer      string
	Citations   []Citation
	Mode        string
	ChunkIDs    []string
	ChunkScores []float64
	Grounded    bool
	CaveatAdded bool
	TokensUsed  int
	LatencyMS   int
}

type Pipeline struct {
	retriever Retriever
	store     Store
	inference Inference
	cfg       config.RetrievalConfig
}

func NewPipeline(retriever Retriever, store Store, inference Inference, cfg config.RetrievalConfig) *Pipeline {
	return &Pipeline{retriever: retriever, store: store, inference: inference, cfg: cfg}
}

// evidencePlan is the hidden first step: the model lays out how it would
// answer before any synthesis happens, and decides whether excerpt-level
// evidence suffices or whole files need reading.
type evidencePlan struct {
	Hypotheses     []string `json:"hypotheses"`
	ComparisonAxes []string `json:"comparison_axes"`
	TradeOffs      []string `json:"trade_offs"`
	EvidenceGaps   []string `json:"evidence_gaps"`
	NeedsDeepRead  bool     `json:"needs_deep_read"`
	DeepReadReason string   `json:"deep_read_reason"`
	FilesToRead    []string `json:"files_to_read"`
	Focus          string   `json:"focus"`
}

// Answer runs the three-step pipeline: plan which files deserve a deep read,
// read them, then synthesize with citations and verify the numbers. When
// nothing retrievable matches, it answers honestly instead of synthesizing.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	evidence, err := p.retriever.Retrieve(ctx, req.Query, req.ProjectIDs, req.PinnedChunkIDs)
	if err != nil {
		return nil, err
	}

	resp := &Response{Mode: evidence.Mode}
	for _, sc := range evidence.Chunks {
		resp.ChunkIDs = append(resp.ChunkIDs, sc.Chunk.ID)
		resp.ChunkScores = append(resp.ChunkScores, sc.Score)
	}

	if len(evidence.Chunks) == 0 && len(evidence.Experiments) == 0 && len(evidence.PivotInsights) == 0 {
		resp.Answer = insufficientAnswer
		resp.LatencyMS = int(time.Since(start).Milliseconds())
		p.logQuery(req, resp)
		return resp, nil
	}

	plan, planTokens := p.planEvidence(ctx, req.Query, evidence)
	resp.TokensUsed += planTokens

	deepReads := p.deepRead(plan)

	synthesis, err := p.inference.Complete(ctx, llm.CompletionRequest{
		Tier:         llm.TierDeep,
		SystemPrompt: synthesisSystemPrompt,
		UserPrompt:   p.buildSynthesisPrompt(req, evidence, deepReads, plan),
		Temperature:  0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("answer synthesis failed: %w", err)
	}
	resp.TokensUsed += synthesis.Usage.TotalTokens
	resp.Answer = strings.TrimSpace(synthesis.Content)
	resp.Grounded = true

	sources := collectSources(evidence, deepReads)
	if NeedsCaveat(resp.Answer, sources, evidence.Aggregates) {
		resp.Answer += Caveat
		resp.CaveatAdded = true
		logger.Info("Verification caveat appended", zap.String("user_id", req.UserID))
	}

	for i, sc := range evidence.Chunks {
		resp.Citations = append(resp.Citations, Citation{
			Index:   i + 1,
			ChunkID: sc.Chunk.ID,
			FileID:  sc.Chunk.SourceID,
			Excerpt: preview(sc.Chunk.Text, 200),
		})
	}

	resp.LatencyMS = int(time.Since(start).Milliseconds())
	p.logQuery(req, resp)
	return resp, nil
}

// planEvidence asks the fast model which source files merit a full read. A
// failed plan is not fatal; the synthesis step then works from excerpts alone.
func (p *Pipeline) planEvidence(ctx context.Context, query string, evidence *retrieval.Result) (evidencePlan, int) {
	fileScores := make(map[string]float64)
	for _, sc := range evidence.Chunks {
		if sc.Chunk.SourceType == "project_file" {
			fileScores[sc.Chunk.SourceID] += sc.Score
		}
	}
	if len(fileScores) == 0 {
		return evidencePlan{}, 0
	}

	var sb strings.Builder
	sb.WriteString("Question: " + query + "\n\nCandidate files (id: cumulative relevance):\n")
	for id, score := range fileScores {
		fmt.Fprintf(&sb, "- %s: %.3f\n", id, score)
	}
	fmt.Fprintf(&sb, "\nLay out hypotheses, comparison axes, trade-offs to check and evidence gaps. "+
		"Decide whether the excerpts suffice or whole files must be read; if deep reading is needed, "+
		"pick at most %d file ids, give the reason, and state what to look for.", p.cfg.DeepReadFiles)

	var plan evidencePlan
	usage, err := p.inference.CompleteStructured(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			Tier:         llm.TierFast,
			SystemPrompt: "You plan evidence gathering for a research question. Choose files only from the candidate ids given.",
			UserPrompt:   sb.String(),
			Temperature:  0,
		},
		FunctionName: "plan_reading",
		Description:  "Lay out the reasoning plan and select files for deep reading.",
		Schema:       planSchema,
	}, &plan)
	if err != nil {
		logger.Warn("Evidence planning failed, falling back to the top retrieval file", zap.Error(err))
		return heuristicPlan(fileScores), 0
	}

	if !plan.NeedsDeepRead {
		plan.FilesToRead = nil
	}
	var valid []string
	for _, id := range plan.FilesToRead {
		if _, ok := fileScores[id]; ok {
			valid = append(valid, id)
		}
		if len(valid) >= p.cfg.DeepReadFiles {
			break
		}
	}
	plan.FilesToRead = valid

	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
	}
	return plan, tokens
}

// heuristicPlan deep-reads the single file that contributed the most retrieval
// weight. Used when the planning call itself fails.
func heuristicPlan(fileScores map[string]float64) evidencePlan {
	best, bestScore := "", 0.0
	for id, score := range fileScores {
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	if best == "" {
		return evidencePlan{}
	}
	return evidencePlan{
		NeedsDeepRead:  true,
		DeepReadReason: "planning unavailable, reading the strongest retrieval match",
		FilesToRead:    []string{best},
	}
}

type deepReadResult struct {
	FileID   string
	Text     string
	Sections []string
}

// deepRead reconstructs each planned file from its ordered chunks, bounded per
// file, and pulls short previews of its tagged sections.
func (p *Pipeline) deepRead(plan evidencePlan) []deepReadResult {
	var out []deepReadResult
	for _, fileID := range plan.FilesToRead {
		chunks, err := p.store.GetFileChunksOrdered(fileID)
		if err != nil || len(chunks) == 0 {
			logger.Warn("Deep read skipped", zap.String("file_id", fileID), zap.Error(err))
			continue
		}

		var sb strings.Builder
		for _, ch := range chunks {
			if sb.Len() >= p.cfg.DeepReadChars {
				break
			}
			sb.WriteString(ch.Text)
			sb.WriteString("\n")
		}
		text := utils.TruncateUTF8(sb.String(), p.cfg.DeepReadChars)

		result := deepReadResult{FileID: fileID, Text: text}
		if sections, err := p.store.GetSectionChunks(fileID); err == nil {
			for _, ch := range sections {
				result.Sections = append(result.Sections, fmt.Sprintf("[%s] %s", ch.Section, preview(ch.Text, 200)))
				if len(result.Sections) >= 4 {
					break
				}
			}
		}
		out = append(out, result)
	}
	return out
}

func (p *Pipeline) buildSynthesisPrompt(req Request, evidence *retrieval.Result, deepReads []deepReadResult, plan evidencePlan) string {
	var sb strings.Builder

	if history := trimHistory(req.History); len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Question: " + req.Query + "\n")
	if plan.Focus != "" {
		sb.WriteString("Reading focus: " + plan.Focus + "\n")
	}
	writePlanList(&sb, "Working hypotheses", plan.Hypotheses)
	writePlanList(&sb, "Comparison axes", plan.ComparisonAxes)
	writePlanList(&sb, "Trade-offs to check", plan.TradeOffs)
	writePlanList(&sb, "Known evidence gaps", plan.EvidenceGaps)

	if len(evidence.Chunks) > 0 {
		sb.WriteString("\nRetrieved excerpts (cite by number):\n")
		for i, sc := range evidence.Chunks {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, sc.Chunk.Text)
		}
	}

	if len(evidence.Neighbors) > 0 {
		sb.WriteString("\nAdjacent context:\n")
		for _, ch := range evidence.Neighbors {
			sb.WriteString(preview(ch.Text, 400) + "\n")
		}
	}

	if len(evidence.Aggregates) > 0 {
		sb.WriteString("\nMeasurement statistics across the project:\n")
		for _, a := range evidence.Aggregates {
			fmt.Fprintf(&sb, "- %s (%s): n=%d min=%.4g max=%.4g mean=%.4g median=%.4g stddev=%.4g\n",
				a.Metric, a.Unit, a.N, a.Min, a.Max, a.Mean, a.Median, a.StdDev)
		}
	}

	if len(evidence.Experiments) > 0 {
		sb.WriteString("\nMatching experiments:\n")
		for _, e := range evidence.Experiments {
			fmt.Fprintf(&sb, "- %s (%d measurements)\n", e.Experiment.Title, len(e.Measurements))
		}
	}

	if len(evidence.PivotInsights) > 0 {
		sb.WriteString("\nCross-document insights:\n")
		for _, item := range evidence.PivotInsights {
			fmt.Fprintf(&sb, "- (%s, confidence %.2f) %s: %s\n", item.Category, item.Confidence, item.Title, preview(item.Content, 300))
		}
	}

	for _, dr := range deepReads {
		fmt.Fprintf(&sb, "\nFull reading of file %s:\n%s\n", dr.FileID, dr.Text)
		for _, s := range dr.Sections {
			sb.WriteString(s + "\n")
		}
	}

	sb.WriteString("\nAnswer the question from this material, citing excerpt numbers in brackets.")
	return sb.String()
}

func writePlanList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(label + ":\n")
	for _, item := range items {
		sb.WriteString("- " + item + "\n")
	}
}

func (p *Pipeline) logQuery(req Request, resp *Response) {
	err := p.store.InsertRAGLog(&models.RAGLog{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Query:         req.Query,
		Answer:        resp.Answer,
		ChunkIDs:      resp.ChunkIDs,
		Scores:        resp.ChunkScores,
		RetrievalMode: resp.Mode,
		Model:         p.inference.ModelFor(llm.TierDeep),
		LatencyMS:     resp.LatencyMS,
		Grounded:      resp.Grounded,
		CaveatAdded:   resp.CaveatAdded,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		logger.Warn("Query log insert failed", zap.Error(err))
	}
}

func trimHistory(history []Turn) []Turn {
	if len(history) > maxHistoryTurns {
		return history[len(history)-maxHistoryTurns:]
	}
	return history
}

func collectSources(evidence *retrieval.Result, deepReads []deepReadResult) []string {
	var sources []string
	for _, sc := range evidence.Chunks {
		sources = append(sources, sc.Chunk.Text)
	}
	for _, ch := range evidence.Neighbors {
		sources = append(sources, ch.Text)
	}
	for _, dr := range deepReads {
		sources = append(sources, dr.Text)
	}
	for _, e := range evidence.Experiments {
		for _, m := range e.Measurements {
			sources = append(sources, m.SourceExcerpt)
		}
	}
	for _, item := range evidence.PivotInsights {
		sources = append(sources, item.Content, item.Evidence)
	}
	return sources
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return utils.TruncateUTF8(s, max) + "…"
}

const synthesisSystemPrompt = `You are a research assistant for a materials-science laboratory.
Background you may assume, as interpretive framing only and never as a substitute for cited evidence: polymer composites are characterized by mechanical tests (flexural and tensile strength in MPa, elastic modulus in GPa), thermal analysis (DSC, TGA) and filler content in weight percent; higher filler loading typically trades stiffness against toughness.
Structure every answer with exactly these sections, in this order:
1. Synthesis — the direct answer.
2. Evidence table — metric | value | unit | source citation, one row per cited value.
3. Comparisons and trade-offs — how the experiments differ and what is traded against what.
4. Derived heuristics — rules of thumb the evidence supports.
5. Gaps — what the material does not answer.
6. Sources — the numbered list of cited excerpts and experiments.
Rules:
- Ground every technical claim in the provided excerpts and statistics; cite excerpt numbers in brackets, like [2], or the experiment title.
- Quote numeric values exactly as they appear in the material.
- When the material does not answer the question, say so plainly in the synthesis and leave the empty sections as "none".
- Keep the answer compact and technical; no preamble.`

var planSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"hypotheses": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "maxLength": 300},
		},
		"comparison_axes": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "maxLength": 200},
		},
		"trade_offs": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "maxLength": 300},
		},
		"evidence_gaps": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "maxLength": 300},
		},
		"needs_deep_read":  map[string]interface{}{"type": "boolean"},
		"deep_read_reason": map[string]interface{}{"type": "string", "maxLength": 300},
		"files_to_read": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"focus": map[string]interface{}{"type": "string", "maxLength": 300},
	},
	"required": []string{"hypotheses", "comparison_axes", "trade_offs", "evidence_gaps", "needs_deep_read", "files_to_read"},
}
