package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/correlation"
	"github.com/labmesh/backend/internal/metrics"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

type CorrelationHandler struct {
	correlator *correlation.Correlator
	members    MembershipStore
}

func NewCorrelationHandler(correlator *correlation.Correlator, members MembershipStore) *CorrelationHandler {
	return &CorrelationHandler{correlator: correlator, members: members}
}

func (h *CorrelationHandler) RunCorrelation(c *fiber.Ctx) error {
	var req struct {
		ProjectID string `json:"project_id"`
		UserID    string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ProjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "project_id is required",
		})
	}
	if err := requireMember(h.members, c, req.ProjectID, req.UserID, true); err != nil {
		return err
	}

	job, err := h.correlator.Run(c.Context(), req.ProjectID)
	if err != nil {
		logger.Error("Correlation failed", zap.String("project_id", req.ProjectID), zap.Error(err))
		metrics.CorrelationJobs.WithLabelValues(string(models.JobFailed)).Inc()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Correlation failed",
		})
	}

	metrics.CorrelationJobs.WithLabelValues(string(job.Status)).Inc()
	return c.JSON(fiber.Map{
		"id":                   job.ID,
		"project_id":           job.ProjectID,
		"status":               job.Status,
		"metrics_analyzed":     job.MetricsAnalyzed,
		"patterns_found":       job.PatternsFound,
		"contradictions_found": job.ContradictionsFound,
		"gaps_found":           job.GapsFound,
		"insights_created":     job.InsightsCreated,
	})
}
