package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/labmesh/backend/internal/storage/models"
)

var ErrNotFound = errors.New("not found")

func (c *Client) GetProjectFile(id string) (*models.ProjectFile, error) {
	query := `
		SELECT id, project_id, name, storage_path, mime_type, size_bytes,
			COALESCE(fingerprint, ''), version, created_at, deleted_at
		FROM project_files WHERE id = ? AND deleted_at IS NULL
	`

	var f models.ProjectFile
	var createdAt int64
	var deletedAt sql.NullInt64

	err := c.db.QueryRow(query, id).Scan(
		&f.ID, &f.ProjectID, &f.Name, &f.StoragePath, &f.MimeType,
		&f.SizeBytes, &f.Fingerprint, &f.Version, &createdAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project file: %w", err)
	}

	f.CreatedAt = time.Unix(createdAt, 0)
	f.DeletedAt = timeFromNullable(deletedAt)
	return &f, nil
}

func (c *Client) InsertProjectFile(f *models.ProjectFile) error {
	query := `
		INSERT INTO project_files (id, project_id, name, storage_path, mime_type, size_bytes, fingerprint, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.Exec(query, f.ID, f.ProjectID, f.Name, f.StoragePath, f.MimeType,
		f.SizeBytes, f.Fingerprint, f.Version, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert project file: %w", err)
	}
	return nil
}

// UpdateFileFingerprint records the digest computed during (re)extraction.
func (c *Client) UpdateFileFingerprint(fileID, fingerprint string) error {
	_, err := c.db.Exec(`UPDATE project_files SET fingerprint = ? WHERE id = ?`, fingerprint, fileID)
	if err != nil {
		return fmt.Errorf("failed to update fingerprint: %w", err)
	}
	return nil
}

func (c *Client) GetMemberRole(projectID, userID string) (models.Role, error) {
	var role string
	err := c.db.QueryRow(
		`SELECT role FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get member role: %w", err)
	}
	return models.Role(role), nil
}

func (c *Client) UpsertMember(m *models.ProjectMember) error {
	_, err := c.db.Exec(`
		INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role
	`, m.ProjectID, m.UserID, string(m.Role))
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}
