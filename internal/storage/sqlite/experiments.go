package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/labmesh/backend/internal/storage/models"
)

// ExperimentData bundles an experiment with its owned rows, the unit the
// correlator and the retrieval layer both consume.
type ExperimentData struct {
	Experiment   models.Experiment
	Measurements []models.Measurement
	Conditions   []models.ExperimentCondition
}

func (c *Client) InsertExperiment(e *models.Experiment) error {
	qualitative := 0
	if e.IsQualitative {
		qualitative = 1
	}
	_, err := c.db.Exec(`
		INSERT INTO experiments (id, project_id, file_id, title, objective, hypothesis, summary, is_qualitative, source_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.FileID, e.Title, e.Objective, e.Hypothesis, e.Summary,
		qualitative, string(e.SourceType), e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

func (c *Client) InsertMeasurement(m *models.Measurement) error {
	_, err := c.db.Exec(`
		INSERT INTO measurements (id, experiment_id, metric, metric_raw, value, unit, unit_canonical, value_canonical, method, confidence, source_excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ExperimentID, m.Metric, m.MetricRaw, m.Value, m.Unit, m.UnitCanonical,
		m.ValueCanonical, m.Method, m.Confidence, m.SourceExcerpt, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

func (c *Client) InsertCondition(cond *models.ExperimentCondition) error {
	_, err := c.db.Exec(`
		INSERT INTO experiment_conditions (id, experiment_id, name, value) VALUES (?, ?, ?, ?)
	`, cond.ID, cond.ExperimentID, cond.Name, cond.Value)
	if err != nil {
		return fmt.Errorf("failed to insert condition: %w", err)
	}
	return nil
}

func (c *Client) InsertCitation(cit *models.Citation) error {
	_, err := c.db.Exec(`
		INSERT INTO experiment_citations (id, experiment_id, location, excerpt) VALUES (?, ?, ?, ?)
	`, cit.ID, cit.ExperimentID, cit.Location, cit.Excerpt)
	if err != nil {
		return fmt.Errorf("failed to insert citation: %w", err)
	}
	return nil
}

// ListExperimentData returns every non-deleted experiment in the project with its
// measurements and conditions attached.
func (c *Client) ListExperimentData(projectID string) ([]ExperimentData, error) {
	rows, err := c.db.Query(`
		SELECT id, project_id, file_id, title, COALESCE(objective, ''), COALESCE(hypothesis, ''),
			COALESCE(summary, ''), is_qualitative, COALESCE(source_type, ''), created_at
		FROM experiments WHERE project_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var result []ExperimentData
	for rows.Next() {
		var e models.Experiment
		var qualitative int
		var sourceType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.FileID, &e.Title, &e.Objective,
			&e.Hypothesis, &e.Summary, &qualitative, &sourceType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		e.IsQualitative = qualitative == 1
		e.SourceType = models.SourceType(sourceType)
		e.CreatedAt = time.Unix(createdAt, 0)
		result = append(result, ExperimentData{Experiment: e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		measurements, err := c.listMeasurements(result[i].Experiment.ID)
		if err != nil {
			return nil, err
		}
		conditions, err := c.listConditions(result[i].Experiment.ID)
		if err != nil {
			return nil, err
		}
		result[i].Measurements = measurements
		result[i].Conditions = conditions
	}

	return result, nil
}

func (c *Client) listMeasurements(experimentID string) ([]models.Measurement, error) {
	rows, err := c.db.Query(`
		SELECT id, experiment_id, metric, COALESCE(metric_raw, ''), value, unit,
			COALESCE(unit_canonical, ''), COALESCE(value_canonical, 0),
			COALESCE(method, ''), COALESCE(confidence, ''), source_excerpt, created_at
		FROM measurements WHERE experiment_id = ?
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var out []models.Measurement
	for rows.Next() {
		var m models.Measurement
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ExperimentID, &m.Metric, &m.MetricRaw, &m.Value,
			&m.Unit, &m.UnitCanonical, &m.ValueCanonical, &m.Method, &m.Confidence,
			&m.SourceExcerpt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) listConditions(experimentID string) ([]models.ExperimentCondition, error) {
	rows, err := c.db.Query(`
		SELECT id, experiment_id, name, COALESCE(value, '')
		FROM experiment_conditions WHERE experiment_id = ?
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	defer rows.Close()

	var out []models.ExperimentCondition
	for rows.Next() {
		var cond models.ExperimentCondition
		if err := rows.Scan(&cond.ID, &cond.ExperimentID, &cond.Name, &cond.Value); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		out = append(out, cond)
	}
	return out, rows.Err()
}

// SearchExperimentData returns experiments in the allowed projects whose title,
// metric names or condition text overlap any of the query terms.
func (c *Client) SearchExperimentData(projectIDs, terms []string) ([]ExperimentData, error) {
	if len(projectIDs) == 0 || len(terms) == 0 {
		return nil, nil
	}

	var clauses []string
	var args []interface{}
	for _, p := range projectIDs {
		args = append(args, p)
	}
	projectIn := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")

	for _, t := range terms {
		like := "%" + t + "%"
		clauses = append(clauses, `(e.title LIKE ? OR EXISTS (
			SELECT 1 FROM measurements m WHERE m.experiment_id = e.id AND (m.metric LIKE ? OR m.metric_raw LIKE ?)
		) OR EXISTS (
			SELECT 1 FROM experiment_conditions ec WHERE ec.experiment_id = e.id AND (ec.name LIKE ? OR ec.value LIKE ?)
		))`)
		args = append(args, like, like, like, like, like)
	}

	query := fmt.Sprintf(`
		SELECT e.id FROM experiments e
		WHERE e.project_id IN (%s) AND e.deleted_at IS NULL AND (%s)
		LIMIT 20
	`, projectIn, strings.Join(clauses, " OR "))

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search experiments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []ExperimentData
	for _, id := range ids {
		data, err := c.getExperimentData(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *data)
	}
	return out, nil
}

func (c *Client) getExperimentData(id string) (*ExperimentData, error) {
	var e models.Experiment
	var qualitative int
	var sourceType string
	var createdAt int64

	err := c.db.QueryRow(`
		SELECT id, project_id, file_id, title, COALESCE(objective, ''), COALESCE(hypothesis, ''),
			COALESCE(summary, ''), is_qualitative, COALESCE(source_type, ''), created_at
		FROM experiments WHERE id = ?
	`, id).Scan(&e.ID, &e.ProjectID, &e.FileID, &e.Title, &e.Objective, &e.Hypothesis,
		&e.Summary, &qualitative, &sourceType, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	e.IsQualitative = qualitative == 1
	e.SourceType = models.SourceType(sourceType)
	e.CreatedAt = time.Unix(createdAt, 0)

	measurements, err := c.listMeasurements(id)
	if err != nil {
		return nil, err
	}
	conditions, err := c.listConditions(id)
	if err != nil {
		return nil, err
	}
	return &ExperimentData{Experiment: e, Measurements: measurements, Conditions: conditions}, nil
}
