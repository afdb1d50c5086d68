package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/catalog"
	"github.com/labmesh/backend/internal/parser"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/config"
	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/utils"
)

const truncationMarker = "\n[content truncated]"

// Store is the relational surface the controller drives.
type Store interface {
	GetProjectFile(id string) (*models.ProjectFile, error)
	UpdateFileFingerprint(fileID, fingerprint string) error

	InsertExtractionJob(j *models.ExtractionJob) error
	MarkJobProcessing(jobID, fingerprint string) error
	CompleteExtractionJob(j *models.ExtractionJob) error
	FailExtractionJob(jobID, message string) error
	FindCompletedJob(projectID, fingerprint string) (*models.ExtractionJob, error)
	GetExtractionJob(jobID string) (*models.ExtractionJob, error)

	InsertExperiment(e *models.Experiment) error
	InsertMeasurement(m *models.Measurement) error
	InsertCondition(c *models.ExperimentCondition) error
	InsertCitation(c *models.Citation) error
	InsertKnowledgeItem(item *models.KnowledgeItem) error
	ListProjectInsights(projectID string, limit int) ([]models.KnowledgeItem, error)
	InsertSearchChunks(chunks []models.SearchChunk) error
	ListCatalog() ([]models.MetricsCatalogEntry, error)
}

// BlobStore fetches raw file bytes.
type BlobStore interface {
	Download(storagePath string) ([]byte, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkIndexer pushes chunk vectors to the vector store.
type ChunkIndexer interface {
	InsertVectors(ctx context.Context, ids []string, projectID string, vectors [][]float32) error
}

type Controller struct {
	store      Store
	blobs      BlobStore
	engine     *Engine
	normalizer *catalog.Normalizer
	embedder   Embedder
	indexer    ChunkIndexer
	cfg        config.ExtractionConfig
}

func NewController(store Store, blobs BlobStore, engine *Engine, normalizer *catalog.Normalizer,
	embedder Embedder, indexer ChunkIndexer, cfg config.ExtractionConfig) *Controller {
	return &Controller{
		store:      store,
		blobs:      blobs,
		engine:     engine,
		normalizer: normalizer,
		embedder:   embedder,
		indexer:    indexer,
		cfg:        cfg,
	}
}

// Run processes one extraction request end to end. Re-uploads of byte-identical
// content short-circuit to the earlier completed job unless force is set;
// everything downstream of parsing degrades rather than failing, so a failed
// job means infrastructure broke, not that a document was hard to read.
// A non-empty jobID is used for the job record so callers can correlate it
// with their own bookkeeping.
func (c *Controller) Run(ctx context.Context, projectID, fileID, jobID string, force bool) (*models.ExtractionJob, error) {
	file, err := c.store.GetProjectFile(fileID)
	if err != nil {
		return nil, err
	}
	if file.ProjectID != projectID {
		return nil, fmt.Errorf("file %s does not belong to project %s", fileID, projectID)
	}

	data, err := c.blobs.Download(file.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file content: %w", err)
	}

	// Byte-identical content that already completed is never reprocessed,
	// unless the caller explicitly forces a fresh run.
	fingerprint := utils.Fingerprint(data)
	if !force {
		if prior, err := c.store.FindCompletedJob(projectID, fingerprint); err == nil && prior != nil {
			logger.Info("Extraction short-circuited to completed job",
				zap.String("job_id", prior.ID),
				zap.String("fingerprint", fingerprint[:12]),
			)
			return prior, nil
		}
	}

	if jobID == "" {
		jobID = uuid.New().String()
	}
	job := &models.ExtractionJob{
		ID:          jobID,
		ProjectID:   projectID,
		FileID:      fileID,
		Status:      models.JobPending,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
	}
	if err := c.store.InsertExtractionJob(job); err != nil {
		return nil, err
	}
	if err := c.store.MarkJobProcessing(job.ID, fingerprint); err != nil {
		return nil, err
	}
	if err := c.store.UpdateFileFingerprint(fileID, fingerprint); err != nil {
		logger.Warn("Fingerprint update failed", zap.String("file_id", fileID), zap.Error(err))
	}

	if err := c.process(ctx, job, file, data); err != nil {
		msg := err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if failErr := c.store.FailExtractionJob(job.ID, msg); failErr != nil {
			logger.Error("Failed to record job failure", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		job.Status = models.JobFailed
		job.ErrorMessage = msg
		return job, err
	}

	return c.store.GetExtractionJob(job.ID)
}

func (c *Controller) process(ctx context.Context, job *models.ExtractionJob, file *models.ProjectFile, data []byte) error {
	parsed := parser.Parse(data, file.MimeType, file.Name)
	job.ParsingQuality = parsed.Quality

	if parsed.Quality == models.QualityFailed || parsed.Quality == models.QualityUnsupported {
		// Nothing extractable; a single qualitative experiment keeps the
		// document visible without fabricating data.
		logger.Warn("Document produced no extractable text",
			zap.String("file", file.Name),
			zap.String("quality", string(parsed.Quality)),
		)
		if err := c.insertFallbackExperiment(file, parsed); err != nil {
			return err
		}
		job.ItemsExtracted = 1
		return c.store.CompleteExtractionJob(job)
	}

	text := parsed.Text
	if len(text) > c.cfg.MaxContentChars {
		text = utils.TruncateUTF8(text, c.cfg.MaxContentChars) + truncationMarker
		job.ContentTruncated = true
	}

	if err := c.indexChunks(ctx, file, text); err != nil {
		logger.Warn("Chunk indexing degraded", zap.String("file_id", file.ID), zap.Error(err))
	}

	var insights []VerifiedInsight
	var priorInsights []models.KnowledgeItem
	var itemCount int

	if parsed.IsSpreadsheet() {
		count, tokens, err := c.processSpreadsheet(ctx, file, parsed.Sheets)
		if err != nil {
			return err
		}
		itemCount += count
		job.TokensUsed += tokens
	} else {
		result, err := c.engine.ExtractFromText(ctx, text, c.catalogSample())
		if err != nil {
			return err
		}
		job.TokensUsed += result.TokensUsed

		// Snapshot existing knowledge before this document's insights land,
		// so the cross-document pass never relates the document to itself.
		if len(result.Insights) > 0 {
			prior, err := c.store.ListProjectInsights(file.ProjectID, c.cfg.CrossDocMaxSeen)
			if err != nil {
				logger.Warn("Insight listing failed, skipping cross-document pass", zap.Error(err))
			} else {
				priorInsights = prior
			}
		}

		count, err := c.persistExperiments(file, result.Experiments, sourceTypeFor(file, parsed))
		if err != nil {
			return err
		}
		itemCount += count

		if len(result.Experiments) == 0 {
			if err := c.insertFallbackExperiment(file, parsed); err != nil {
				return err
			}
			itemCount++
		}

		for _, ins := range result.Insights {
			if err := c.insertInsight(file, ins); err != nil {
				return err
			}
			itemCount++
		}
		insights = result.Insights
	}

	if tokens := c.crossDocumentPass(ctx, file, insights, priorInsights); tokens > 0 {
		job.TokensUsed += tokens
	}

	job.ItemsExtracted = itemCount
	return c.store.CompleteExtractionJob(job)
}

// processSpreadsheet maps columns once per sheet and extracts rows without the
// model ever emitting a number.
func (c *Controller) processSpreadsheet(ctx context.Context, file *models.ProjectFile, sheets []parser.Sheet) (int, int, error) {
	items, tokens := 0, 0

	for _, sheet := range sheets {
		roles, used, err := c.engine.MapColumns(ctx, sheet)
		if err != nil {
			return items, tokens, err
		}
		tokens += used

		extracted := ExtractSheet(sheet, roles)
		if len(extracted.Measurements) == 0 {
			continue
		}

		exp := &models.Experiment{
			ID:         uuid.New().String(),
			ProjectID:  file.ProjectID,
			FileID:     file.ID,
			Title:      fmt.Sprintf("%s — %s", file.Name, sheet.Name),
			SourceType: models.SourceExcel,
			CreatedAt:  time.Now(),
		}
		if err := c.store.InsertExperiment(exp); err != nil {
			return items, tokens, err
		}
		items++

		seenConditions := make(map[string]bool)
		for _, m := range extracted.Measurements {
			canonical, err := c.normalizer.Normalize(m.MetricRaw)
			if err != nil {
				logger.Warn("Metric normalization failed, keeping raw name",
					zap.String("metric", m.MetricRaw), zap.Error(err))
				canonical = catalog.Slug(m.MetricRaw)
			}

			if err := c.store.InsertMeasurement(&models.Measurement{
				ID:             uuid.New().String(),
				ExperimentID:   exp.ID,
				Metric:         canonical,
				MetricRaw:      m.MetricRaw,
				Value:          m.Value,
				Unit:           m.Unit,
				UnitCanonical:  m.UnitCanonical,
				ValueCanonical: m.ValueCanonical,
				Confidence:     "high",
				SourceExcerpt:  m.SourceExcerpt,
				CreatedAt:      time.Now(),
			}); err != nil {
				return items, tokens, err
			}
			items++

			for _, cond := range m.Conditions {
				key := cond.Name + "=" + cond.Value
				if seenConditions[key] {
					continue
				}
				seenConditions[key] = true
				if err := c.store.InsertCondition(&models.ExperimentCondition{
					ID:           uuid.New().String(),
					ExperimentID: exp.ID,
					Name:         cond.Name,
					Value:        cond.Value,
				}); err != nil {
					return items, tokens, err
				}
			}
		}

		if err := c.store.InsertCitation(&models.Citation{
			ID:           uuid.New().String(),
			ExperimentID: exp.ID,
			Location:     fmt.Sprintf("sheet %s", sheet.Name),
		}); err != nil {
			return items, tokens, err
		}
	}

	return items, tokens, nil
}

func (c *Controller) persistExperiments(file *models.ProjectFile, experiments []CandidateExperiment, sourceType models.SourceType) (int, error) {
	items := 0
	for _, cand := range experiments {
		exp := &models.Experiment{
			ID:            uuid.New().String(),
			ProjectID:     file.ProjectID,
			FileID:        file.ID,
			Title:         cand.Title,
			Objective:     cand.Objective,
			Hypothesis:    cand.Hypothesis,
			Summary:       cand.Summary,
			IsQualitative: len(cand.Measurements) == 0,
			SourceType:    sourceType,
			CreatedAt:     time.Now(),
		}
		if err := c.store.InsertExperiment(exp); err != nil {
			return items, err
		}
		items++

		for _, m := range cand.Measurements {
			canonical, err := c.normalizer.Normalize(m.Metric)
			if err != nil {
				canonical = catalog.Slug(m.Metric)
			}
			confidence := m.Confidence
			if confidence == "" {
				confidence = "medium"
			}
			if err := c.store.InsertMeasurement(&models.Measurement{
				ID:             uuid.New().String(),
				ExperimentID:   exp.ID,
				Metric:         canonical,
				MetricRaw:      m.Metric,
				Value:          m.Value,
				Unit:           m.Unit,
				UnitCanonical:  m.Unit,
				ValueCanonical: m.Value,
				Method:         m.Method,
				Confidence:     confidence,
				SourceExcerpt:  m.SourceExcerpt,
				CreatedAt:      time.Now(),
			}); err != nil {
				return items, err
			}
			items++
		}

		for _, cond := range cand.Conditions {
			if err := c.store.InsertCondition(&models.ExperimentCondition{
				ID:           uuid.New().String(),
				ExperimentID: exp.ID,
				Name:         cond.Name,
				Value:        cond.Value,
			}); err != nil {
				return items, err
			}
		}

		for _, cit := range cand.Citations {
			if err := c.store.InsertCitation(&models.Citation{
				ID:           uuid.New().String(),
				ExperimentID: exp.ID,
				Location:     cit.Location,
				Excerpt:      cit.Excerpt,
			}); err != nil {
				return items, err
			}
		}
	}
	return items, nil
}

// insertFallbackExperiment keeps a document present in the knowledge graph
// when nothing structured could be read out of it. It carries no measurements.
func (c *Controller) insertFallbackExperiment(file *models.ProjectFile, parsed parser.Result) error {
	return c.store.InsertExperiment(&models.Experiment{
		ID:            uuid.New().String(),
		ProjectID:     file.ProjectID,
		FileID:        file.ID,
		Title:         file.Name,
		Summary:       fmt.Sprintf("Document recorded without structured extraction (parsing quality: %s).", parsed.Quality),
		IsQualitative: true,
		SourceType:    sourceTypeFor(file, parsed),
		CreatedAt:     time.Now(),
	})
}

func (c *Controller) insertInsight(file *models.ProjectFile, ins VerifiedInsight) error {
	return c.store.InsertKnowledgeItem(&models.KnowledgeItem{
		ID:               uuid.New().String(),
		ProjectID:        file.ProjectID,
		FileID:           file.ID,
		Category:         ins.Category,
		Title:            ins.Title,
		Content:          ins.Content,
		Evidence:         ins.Evidence,
		Confidence:       ins.Confidence,
		EvidenceVerified: ins.EvidenceVerified,
		CreatedAt:        time.Now(),
	})
}

// crossDocumentPass is best-effort: its failures never touch job status. It
// only runs against knowledge that predates the current document, and only
// when at least two such items exist.
func (c *Controller) crossDocumentPass(ctx context.Context, file *models.ProjectFile, fresh []VerifiedInsight, existing []models.KnowledgeItem) int {
	if len(fresh) == 0 || len(existing) < 2 {
		return 0
	}

	related, tokens := c.engine.RelateAcrossDocuments(ctx, fresh, existing, c.cfg.CrossDocMaxSeen, c.cfg.CrossDocMaxEmit)
	for _, r := range related {
		if err := c.store.InsertKnowledgeItem(&models.KnowledgeItem{
			ID:             uuid.New().String(),
			ProjectID:      file.ProjectID,
			FileID:         file.ID,
			Category:       r.Category,
			Title:          r.Title,
			Content:        r.Content,
			Confidence:     r.Confidence,
			RelatedItemIDs: r.RelatedItemIDs,
			CreatedAt:      time.Now(),
		}); err != nil {
			logger.Warn("Cross-document insight insert failed", zap.Error(err))
		}
	}
	return tokens
}

const (
	chunkSize    = 1200
	chunkOverlap = 200
)

// indexChunks writes chunks to the relational index and, best-effort, to the
// vector store. A vector outage leaves the lexical stages fully usable.
func (c *Controller) indexChunks(ctx context.Context, file *models.ProjectFile, text string) error {
	pieces := splitChunks(text, chunkSize, chunkOverlap)
	if len(pieces) == 0 {
		return nil
	}

	chunks := make([]models.SearchChunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, models.SearchChunk{
			ID:         uuid.New().String(),
			ProjectID:  file.ProjectID,
			SourceType: "project_file",
			SourceID:   file.ID,
			ChunkIndex: i,
			Text:       piece,
			Section:    parser.DetectSection(piece),
			CreatedAt:  time.Now(),
		})
	}

	if err := c.store.InsertSearchChunks(chunks); err != nil {
		return err
	}

	if c.embedder == nil || c.indexer == nil {
		return nil
	}
	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
		ids[i] = ch.ID
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(ids) {
		return fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(ids))
	}
	if err := c.indexer.InsertVectors(ctx, ids, file.ProjectID, vectors); err != nil {
		return fmt.Errorf("vector insert failed: %w", err)
	}
	return nil
}

// splitChunks cuts on paragraph boundaries when one falls inside the window,
// with a fixed overlap so excerpts spanning a cut stay findable.
func splitChunks(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, strings.TrimSpace(text[start:]))
			break
		}
		cut := strings.LastIndex(text[start:end], "\n")
		if cut > size/2 {
			end = start + cut
		}
		out = append(out, strings.TrimSpace(text[start:end]))
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return out
}

func (c *Controller) catalogSample() []string {
	entries, err := c.store.ListCatalog()
	if err != nil {
		return nil
	}
	limit := len(entries)
	if limit > 40 {
		limit = 40
	}
	names := make([]string, 0, limit)
	for _, e := range entries[:limit] {
		names = append(names, e.CanonicalName)
	}
	return names
}

func sourceTypeFor(file *models.ProjectFile, parsed parser.Result) models.SourceType {
	name := strings.ToLower(file.Name)
	switch {
	case parsed.IsSpreadsheet():
		return models.SourceExcel
	case strings.HasSuffix(name, ".docx") || strings.HasSuffix(name, ".doc"):
		return models.SourceWord
	default:
		return models.SourcePDF
	}
}
