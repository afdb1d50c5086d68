package extraction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/logger"
)

// CrossDocInsight links freshly extracted knowledge to existing project items.
type CrossDocInsight struct {
	Category       models.InsightCategory
	Title          string
	Content        string
	Confidence     float64
	RelatedItemIDs []string
}

type crossDocCandidate struct {
	Category       string   `json:"category"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	Confidence     float64  `json:"confidence"`
	RelatedItemIDs []string `json:"related_item_ids"`
}

type crossDocResponse struct {
	Insights []crossDocCandidate `json:"insights"`
}

// RelateAcrossDocuments compares new insights against what the project already
// knows and emits relational items: cross references, recurring patterns,
// contradictions and gaps. It is strictly best-effort; any failure returns nil
// and the extraction job is unaffected.
func (e *Engine) RelateAcrossDocuments(ctx context.Context, fresh []VerifiedInsight, existing []models.KnowledgeItem, maxSeen, maxPerCategory int) ([]CrossDocInsight, int) {
	if len(fresh) == 0 || len(existing) < 2 {
		return nil, 0
	}
	if len(existing) > maxSeen {
		existing = existing[:maxSeen]
	}

	knownIDs := make(map[string]bool, len(existing))
	for _, item := range existing {
		knownIDs[item.ID] = true
	}

	var raw crossDocResponse
	usage, err := e.inference.CompleteStructured(ctx, llm.StructuredRequest{
		CompletionRequest: llm.CompletionRequest{
			Tier:         llm.TierFast,
			SystemPrompt: crossDocSystemPrompt,
			UserPrompt:   buildCrossDocPrompt(fresh, existing),
			Temperature:  0.2,
		},
		FunctionName: "record_relations",
		Description:  "Record relational insights connecting new findings to existing project knowledge.",
		Schema:       crossDocSchema,
	}, &raw)
	if err != nil {
		logger.Warn("Cross-document pass skipped", zap.Error(err))
		return nil, 0
	}

	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
	}

	perCategory := make(map[models.InsightCategory]int)
	var out []CrossDocInsight
	for _, c := range raw.Insights {
		category := models.InsightCategory(strings.ToLower(strings.TrimSpace(c.Category)))
		if !isRelationalCategory(category) {
			continue
		}
		if perCategory[category] >= maxPerCategory {
			continue
		}

		// Drop references to item IDs the model was never shown.
		var related []string
		for _, id := range c.RelatedItemIDs {
			if knownIDs[id] {
				related = append(related, id)
			}
		}
		if len(related) == 0 {
			continue
		}

		confidence := c.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}

		perCategory[category]++
		out = append(out, CrossDocInsight{
			Category:       category,
			Title:          truncateString(c.Title, 200),
			Content:        truncateString(c.Content, 2000),
			Confidence:     confidence,
			RelatedItemIDs: related,
		})
	}
	return out, tokens
}

func isRelationalCategory(c models.InsightCategory) bool {
	for _, rc := range models.RelationalCategories {
		if c == rc {
			return true
		}
	}
	return false
}

func buildCrossDocPrompt(fresh []VerifiedInsight, existing []models.KnowledgeItem) string {
	var sb strings.Builder
	sb.WriteString("Existing project knowledge:\n")
	for _, item := range existing {
		fmt.Fprintf(&sb, "- [%s] (%s) %s: %s\n", item.ID, item.Category, item.Title, truncateString(item.Content, 300))
	}
	sb.WriteString("\nNew insights from the document just processed:\n")
	for _, ins := range fresh {
		fmt.Fprintf(&sb, "- (%s) %s: %s\n", ins.Category, ins.Title, truncateString(ins.Content, 300))
	}
	sb.WriteString("\nReport only relations grounded in both sides; cite the existing item IDs involved.")
	return sb.String()
}

const crossDocSystemPrompt = `You connect new research findings to a project's existing knowledge base.
Emit only relational insights, each citing the IDs of the existing items it builds on:
- cross_reference: the new document confirms or extends an existing item
- pattern: a trend now visible across multiple documents
- contradiction: the new document conflicts with an existing item
- gap: something the existing knowledge expected but the new document does not address
Do not restate individual findings. Skip categories with nothing noteworthy.`

var crossDocSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"insights": map[string]interface{}{
			"type":     "array",
			"maxItems": 20,
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"category":         map[string]interface{}{"type": "string", "enum": []string{"cross_reference", "pattern", "contradiction", "gap"}},
					"title":            map[string]interface{}{"type": "string", "maxLength": 200},
					"content":          map[string]interface{}{"type": "string", "maxLength": 2000},
					"confidence":       map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
					"related_item_ids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"category", "title", "content", "confidence", "related_item_ids"},
			},
		},
	},
	"required": []string{"insights"},
}
