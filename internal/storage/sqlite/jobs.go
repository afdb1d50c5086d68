package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/labmesh/backend/internal/storage/models"
)

func (c *Client) InsertExtractionJob(j *models.ExtractionJob) error {
	query := `
		INSERT INTO extraction_jobs (id, project_id, file_id, status, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := c.db.Exec(query, j.ID, j.ProjectID, j.FileID, string(j.Status), j.Fingerprint, j.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert extraction job: %w", err)
	}
	return nil
}

func (c *Client) MarkJobProcessing(jobID, fingerprint string) error {
	_, err := c.db.Exec(
		`UPDATE extraction_jobs SET status = ?, fingerprint = ? WHERE id = ?`,
		string(models.JobProcessing), fingerprint, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return nil
}

func (c *Client) CompleteExtractionJob(j *models.ExtractionJob) error {
	truncated := 0
	if j.ContentTruncated {
		truncated = 1
	}
	_, err := c.db.Exec(`
		UPDATE extraction_jobs
		SET status = ?, parsing_quality = ?, items_extracted = ?, tokens_used = ?,
			content_truncated = ?, completed_at = ?
		WHERE id = ?
	`, string(models.JobCompleted), string(j.ParsingQuality), j.ItemsExtracted,
		j.TokensUsed, truncated, time.Now().Unix(), j.ID)
	if err != nil {
		return fmt.Errorf("failed to complete extraction job: %w", err)
	}
	return nil
}

func (c *Client) FailExtractionJob(jobID, message string) error {
	_, err := c.db.Exec(`
		UPDATE extraction_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
	`, string(models.JobFailed), message, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to fail extraction job: %w", err)
	}
	return nil
}

// FindCompletedJob returns the earliest completed job for this project and content
// fingerprint, which is what later byte-identical uploads short-circuit off.
func (c *Client) FindCompletedJob(projectID, fingerprint string) (*models.ExtractionJob, error) {
	query := `
		SELECT id, project_id, file_id, status, COALESCE(fingerprint, ''),
			COALESCE(parsing_quality, ''), items_extracted, tokens_used,
			content_truncated, COALESCE(error_message, ''), created_at, completed_at
		FROM extraction_jobs
		WHERE project_id = ? AND fingerprint = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1
	`
	row := c.db.QueryRow(query, projectID, fingerprint, string(models.JobCompleted))
	return scanJob(row)
}

func (c *Client) GetExtractionJob(jobID string) (*models.ExtractionJob, error) {
	query := `
		SELECT id, project_id, file_id, status, COALESCE(fingerprint, ''),
			COALESCE(parsing_quality, ''), items_extracted, tokens_used,
			content_truncated, COALESCE(error_message, ''), created_at, completed_at
		FROM extraction_jobs WHERE id = ?
	`
	row := c.db.QueryRow(query, jobID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*models.ExtractionJob, error) {
	var j models.ExtractionJob
	var status, quality string
	var truncated int
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&j.ID, &j.ProjectID, &j.FileID, &status, &j.Fingerprint,
		&quality, &j.ItemsExtracted, &j.TokensUsed, &truncated, &j.ErrorMessage,
		&createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan extraction job: %w", err)
	}

	j.Status = models.JobStatus(status)
	j.ParsingQuality = models.ParsingQuality(quality)
	j.ContentTruncated = truncated == 1
	j.CreatedAt = time.Unix(createdAt, 0)
	j.CompletedAt = timeFromNullable(completedAt)
	return &j, nil
}

func (c *Client) InsertCorrelationJob(j *models.CorrelationJob) error {
	_, err := c.db.Exec(`
		INSERT INTO correlation_jobs (id, project_id, status, created_at) VALUES (?, ?, ?, ?)
	`, j.ID, j.ProjectID, string(j.Status), j.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert correlation job: %w", err)
	}
	return nil
}

func (c *Client) CompleteCorrelationJob(j *models.CorrelationJob) error {
	_, err := c.db.Exec(`
		UPDATE correlation_jobs
		SET status = ?, metrics_analyzed = ?, patterns_found = ?, contradictions_found = ?,
			gaps_found = ?, insights_created = ?, completed_at = ?
		WHERE id = ?
	`, string(models.JobCompleted), j.MetricsAnalyzed, j.PatternsFound,
		j.ContradictionsFound, j.GapsFound, j.InsightsCreated, time.Now().Unix(), j.ID)
	if err != nil {
		return fmt.Errorf("failed to complete correlation job: %w", err)
	}
	return nil
}

func (c *Client) FailCorrelationJob(jobID, message string) error {
	_, err := c.db.Exec(`
		UPDATE correlation_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
	`, string(models.JobFailed), message, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to fail correlation job: %w", err)
	}
	return nil
}
