package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/labmesh/backend/internal/storage/models"
)

func (c *Client) InsertKnowledgeItem(item *models.KnowledgeItem) error {
	if !item.Category.Valid() {
		return fmt.Errorf("invalid insight category %q", item.Category)
	}

	verified := 0
	if item.EvidenceVerified {
		verified = 1
	}
	relatedJSON, _ := json.Marshal(item.RelatedItemIDs)

	_, err := c.db.Exec(`
		INSERT INTO knowledge_items (id, project_id, file_id, category, title, content, evidence,
			confidence, evidence_verified, relationship_type, related_item_ids, experiment_id, metric, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ProjectID, item.FileID, string(item.Category), item.Title,
		item.Content, item.Evidence, item.Confidence, verified, item.RelationshipType,
		string(relatedJSON), item.ExperimentID, item.Metric, item.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert knowledge item: %w", err)
	}
	return nil
}

// ListProjectInsights returns non-deleted insights for the project, newest first.
func (c *Client) ListProjectInsights(projectID string, limit int) ([]models.KnowledgeItem, error) {
	rows, err := c.db.Query(`
		SELECT id, project_id, COALESCE(file_id, ''), category, title, COALESCE(content, ''),
			COALESCE(evidence, ''), COALESCE(confidence, 0), evidence_verified,
			COALESCE(relationship_type, ''), COALESCE(related_item_ids, '[]'),
			COALESCE(experiment_id, ''), COALESCE(metric, ''), created_at
		FROM knowledge_items
		WHERE project_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	defer rows.Close()
	return scanKnowledgeItems(rows)
}

// SoftDeleteAutoCorrelationInsights tombstones every prior correlator-generated
// item so each correlation run is a full replacement snapshot, never a merge.
func (c *Client) SoftDeleteAutoCorrelationInsights(projectID string) (int, error) {
	res, err := c.db.Exec(`
		UPDATE knowledge_items SET deleted_at = ?
		WHERE project_id = ? AND relationship_type = 'auto_correlation' AND deleted_at IS NULL
	`, time.Now().Unix(), projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to tombstone auto-correlation insights: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SearchPivotInsights returns relational-category insights (correlation,
// contradiction, pattern, gap, cross_reference) matching any query term.
func (c *Client) SearchPivotInsights(projectIDs, terms []string, limit int) ([]models.KnowledgeItem, error) {
	if len(projectIDs) == 0 || len(terms) == 0 {
		return nil, nil
	}

	projectIn := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")
	var args []interface{}
	for _, p := range projectIDs {
		args = append(args, p)
	}

	var likeClauses []string
	for _, t := range terms {
		likeClauses = append(likeClauses, "(title LIKE ? OR content LIKE ?)")
		like := "%" + t + "%"
		args = append(args, like, like)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, project_id, COALESCE(file_id, ''), category, title, COALESCE(content, ''),
			COALESCE(evidence, ''), COALESCE(confidence, 0), evidence_verified,
			COALESCE(relationship_type, ''), COALESCE(related_item_ids, '[]'),
			COALESCE(experiment_id, ''), COALESCE(metric, ''), created_at
		FROM knowledge_items
		WHERE project_id IN (%s) AND deleted_at IS NULL
			AND category IN ('correlation', 'contradiction', 'pattern', 'gap', 'cross_reference')
			AND (%s)
		ORDER BY confidence DESC LIMIT ?
	`, projectIn, strings.Join(likeClauses, " OR "))

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search pivot insights: %w", err)
	}
	defer rows.Close()
	return scanKnowledgeItems(rows)
}

// GetKnowledgeItemsByIDs resolves related_item_ids references, skipping
// tombstoned items.
func (c *Client) GetKnowledgeItemsByIDs(ids []string) ([]models.KnowledgeItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	in := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.Query(fmt.Sprintf(`
		SELECT id, project_id, COALESCE(file_id, ''), category, title, COALESCE(content, ''),
			COALESCE(evidence, ''), COALESCE(confidence, 0), evidence_verified,
			COALESCE(relationship_type, ''), COALESCE(related_item_ids, '[]'),
			COALESCE(experiment_id, ''), COALESCE(metric, ''), created_at
		FROM knowledge_items
		WHERE id IN (%s) AND deleted_at IS NULL
	`, in), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge items: %w", err)
	}
	defer rows.Close()
	return scanKnowledgeItems(rows)
}

func scanKnowledgeItems(rows rowScanner) ([]models.KnowledgeItem, error) {
	var out []models.KnowledgeItem
	for rows.Next() {
		var item models.KnowledgeItem
		var category, relatedJSON string
		var verified int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.FileID, &category,
			&item.Title, &item.Content, &item.Evidence, &item.Confidence, &verified,
			&item.RelationshipType, &relatedJSON, &item.ExperimentID, &item.Metric,
			&createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
		}
		item.Category = models.InsightCategory(category)
		item.EvidenceVerified = verified == 1
		item.CreatedAt = time.Unix(createdAt, 0)
		json.Unmarshal([]byte(relatedJSON), &item.RelatedItemIDs)
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func (c *Client) ListCatalog() ([]models.MetricsCatalogEntry, error) {
	rows, err := c.db.Query(`
		SELECT id, canonical_name, COALESCE(display_name, ''), COALESCE(unit, ''),
			COALESCE(unit_aliases, '[]'), COALESCE(name_aliases, '[]'),
			conversion_factor, created_at
		FROM metrics_catalog ORDER BY canonical_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics catalog: %w", err)
	}
	defer rows.Close()

	var out []models.MetricsCatalogEntry
	for rows.Next() {
		var e models.MetricsCatalogEntry
		var unitAliases, nameAliases string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.CanonicalName, &e.DisplayName, &e.Unit,
			&unitAliases, &nameAliases, &e.ConversionFactor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		json.Unmarshal([]byte(unitAliases), &e.UnitAliases)
		json.Unmarshal([]byte(nameAliases), &e.NameAliases)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertCatalogEntryIfAbsent auto-registers a new canonical metric. Concurrent
// normalizers racing on the same name resolve through the unique constraint
// rather than a check-then-insert race.
func (c *Client) InsertCatalogEntryIfAbsent(e *models.MetricsCatalogEntry) error {
	unitAliases, _ := json.Marshal(e.UnitAliases)
	nameAliases, _ := json.Marshal(e.NameAliases)

	_, err := c.db.Exec(`
		INSERT INTO metrics_catalog (id, canonical_name, display_name, unit, unit_aliases, name_aliases, conversion_factor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_name) DO NOTHING
	`, e.ID, e.CanonicalName, e.DisplayName, e.Unit, string(unitAliases),
		string(nameAliases), e.ConversionFactor, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert catalog entry: %w", err)
	}
	return nil
}
