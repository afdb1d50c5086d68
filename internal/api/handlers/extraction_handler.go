package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/extraction"
	"github.com/labmesh/backend/internal/metrics"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/logger"
)

// AnswerCache is the slice of the cache the extraction path touches: new
// content invalidates cached answers.
type AnswerCache interface {
	InvalidateProjectAnswers(ctx context.Context) error
}

type ExtractionHandler struct {
	controller *extraction.Controller
	members    MembershipStore
	jobs       *sqlite.Client
	cache      AnswerCache
}

func NewExtractionHandler(controller *extraction.Controller, members MembershipStore, jobs *sqlite.Client, cache AnswerCache) *ExtractionHandler {
	return &ExtractionHandler{controller: controller, members: members, jobs: jobs, cache: cache}
}

func (h *ExtractionHandler) StartExtraction(c *fiber.Ctx) error {
	var req struct {
		ProjectID string `json:"project_id"`
		FileID    string `json:"file_id"`
		JobID     string `json:"job_id"`
		UserID    string `json:"user_id"`
		Force     bool   `json:"force"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ProjectID == "" || req.FileID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "project_id and file_id are required",
		})
	}
	if err := requireMember(h.members, c, req.ProjectID, req.UserID, true); err != nil {
		return err
	}

	start := time.Now()
	job, err := h.controller.Run(c.Context(), req.ProjectID, req.FileID, req.JobID, req.Force)
	if err != nil {
		logger.Error("Extraction failed",
			zap.String("project_id", req.ProjectID),
			zap.String("file_id", req.FileID),
			zap.Error(err),
		)
		metrics.ExtractionJobs.WithLabelValues(string(models.JobFailed)).Inc()
		status := fiber.StatusInternalServerError
		if err == sqlite.ErrNotFound {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(fiber.Map{
			"error":  "Extraction failed",
			"job_id": jobID(job),
		})
	}

	metrics.ExtractionJobs.WithLabelValues(string(job.Status)).Inc()
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	metrics.ParsingQuality.WithLabelValues(string(job.ParsingQuality)).Inc()

	if h.cache != nil {
		if err := h.cache.InvalidateProjectAnswers(c.Context()); err != nil {
			logger.Warn("Answer cache invalidation failed", zap.Error(err))
		}
	}

	return c.JSON(jobJSON(job))
}

func (h *ExtractionHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobs.GetExtractionJob(c.Params("id"))
	if err == sqlite.ErrNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load job",
		})
	}
	return c.JSON(jobJSON(job))
}

func jobID(job *models.ExtractionJob) string {
	if job == nil {
		return ""
	}
	return job.ID
}

func jobJSON(job *models.ExtractionJob) fiber.Map {
	out := fiber.Map{
		"id":                job.ID,
		"project_id":        job.ProjectID,
		"file_id":           job.FileID,
		"status":            job.Status,
		"fingerprint":       job.Fingerprint,
		"parsing_quality":   job.ParsingQuality,
		"items_extracted":   job.ItemsExtracted,
		"tokens_used":       job.TokensUsed,
		"content_truncated": job.ContentTruncated,
		"created_at":        job.CreatedAt.Unix(),
	}
	if job.ErrorMessage != "" {
		out["error_message"] = job.ErrorMessage
	}
	if job.CompletedAt != nil {
		out["completed_at"] = job.CompletedAt.Unix()
	}
	return out
}
