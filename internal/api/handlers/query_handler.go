package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/answer"
	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/metrics"
	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/utils"
)

const answerCacheTTL = 10 * time.Minute

// QueryCache caches full answers keyed by query hash.
type QueryCache interface {
	GetAnswer(ctx context.Context, queryHash string, response interface{}) (bool, error)
	SetAnswer(ctx context.Context, queryHash string, response interface{}, ttl time.Duration) error
}

type QueryHandler struct {
	pipeline *answer.Pipeline
	members  MembershipStore
	cache    QueryCache
}

func NewQueryHandler(pipeline *answer.Pipeline, members MembershipStore, cache QueryCache) *QueryHandler {
	return &QueryHandler{pipeline: pipeline, members: members, cache: cache}
}

type queryRequest struct {
	Query          string        `json:"query"`
	UserID         string        `json:"user_id"`
	ProjectIDs     []string      `json:"project_ids"`
	PinnedChunkIDs []string      `json:"pinned_chunk_ids"`
	History        []answer.Turn `json:"history"`
}

type queryResponse struct {
	Answer      string        `json:"answer"`
	Citations   []citationDTO `json:"citations"`
	Mode        string        `json:"retrieval_mode"`
	Grounded    bool          `json:"grounded"`
	CaveatAdded bool          `json:"caveat_added"`
	LatencyMS   int           `json:"latency_ms"`
	Cached      bool          `json:"cached"`
}

type citationDTO struct {
	Index   int    `json:"index"`
	ChunkID string `json:"chunk_id"`
	FileID  string `json:"file_id"`
	Excerpt string `json:"excerpt"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if len(req.ProjectIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one project_id is required",
		})
	}
	for _, projectID := range req.ProjectIDs {
		if err := requireMember(h.members, c, projectID, req.UserID, false); err != nil {
			return err
		}
	}

	// Follow-ups and pinned reads are conversation-specific; only bare
	// queries hit the cache.
	cacheable := h.cache != nil && len(req.History) == 0 && len(req.PinnedChunkIDs) == 0
	cacheKey := utils.HashString(req.Query + "|" + strings.Join(req.ProjectIDs, ","))

	if cacheable {
		var cached queryResponse
		if hit, err := h.cache.GetAnswer(c.Context(), cacheKey, &cached); err == nil && hit {
			metrics.CacheHits.WithLabelValues("answer").Inc()
			cached.Cached = true
			return c.JSON(cached)
		}
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}

	resp, err := h.pipeline.Answer(c.Context(), answer.Request{
		Query:          req.Query,
		UserID:         req.UserID,
		ProjectIDs:     req.ProjectIDs,
		PinnedChunkIDs: req.PinnedChunkIDs,
		History:        req.History,
	})
	if err != nil {
		logger.Error("Query processing failed", zap.Error(err))
		metrics.QueryTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "The language model is rate limited, try again shortly",
			})
		case errors.Is(err, llm.ErrQuotaExceeded):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error": "The language model quota is exhausted",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	metrics.QueryTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.WithLabelValues(resp.Mode).Observe(float64(resp.LatencyMS) / 1000)
	metrics.RetrievalMode.WithLabelValues(resp.Mode).Inc()
	if resp.CaveatAdded {
		metrics.VerificationCaveats.Inc()
	}
	metrics.LLMTokensUsed.WithLabelValues("answer").Add(float64(resp.TokensUsed))

	out := toDTO(resp)
	if cacheable && resp.Grounded {
		if err := h.cache.SetAnswer(c.Context(), cacheKey, out, answerCacheTTL); err != nil {
			logger.Warn("Answer caching failed", zap.Error(err))
		}
	}
	return c.JSON(out)
}

func toDTO(resp *answer.Response) queryResponse {
	out := queryResponse{
		Answer:      resp.Answer,
		Mode:        resp.Mode,
		Grounded:    resp.Grounded,
		CaveatAdded: resp.CaveatAdded,
		LatencyMS:   resp.LatencyMS,
	}
	for _, cit := range resp.Citations {
		out.Citations = append(out.Citations, citationDTO{
			Index:   cit.Index,
			ChunkID: cit.ChunkID,
			FileID:  cit.FileID,
			Excerpt: cit.Excerpt,
		})
	}
	return out
}
