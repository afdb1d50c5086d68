package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labmesh/backend/internal/storage/models"
)

var ErrFTSUnavailable = errors.New("full-text index unavailable")

// ChunkHit is a retrieved chunk with its lexical relevance score (higher is
// better; bm25 ranks are negated on the way out).
type ChunkHit struct {
	Chunk models.SearchChunk
	Score float64
}

func (c *Client) InsertSearchChunks(chunks []models.SearchChunk) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range chunks {
		_, err := tx.Exec(`
			INSERT INTO search_chunks (id, project_id, source_type, source_id, chunk_index, text, section, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ch.ID, ch.ProjectID, ch.SourceType, ch.SourceID, ch.ChunkIndex, ch.Text, ch.Section, ch.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert search chunk: %w", err)
		}
		if c.ftsEnabled {
			if _, err := tx.Exec(`INSERT INTO chunks_fts (chunk_id, text) VALUES (?, ?)`, ch.ID, ch.Text); err != nil {
				return fmt.Errorf("failed to index chunk: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (c *Client) GetChunksByIDs(ids, projectIDs []string) ([]models.SearchChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idIn := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	projectIn := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")

	var args []interface{}
	for _, id := range ids {
		args = append(args, id)
	}
	for _, p := range projectIDs {
		args = append(args, p)
	}

	query := fmt.Sprintf(`
		SELECT id, project_id, source_type, source_id, chunk_index, text, COALESCE(section, ''), created_at
		FROM search_chunks
		WHERE id IN (%s) AND project_id IN (%s) AND deleted_at IS NULL
	`, idIn, projectIn)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// FullTextSearch runs an OR match over the FTS index, best chunks first.
func (c *Client) FullTextSearch(terms, projectIDs []string, topK int) ([]ChunkHit, error) {
	if !c.ftsEnabled {
		return nil, ErrFTSUnavailable
	}
	if len(terms) == 0 || len(projectIDs) == 0 {
		return nil, nil
	}

	var quoted []string
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, "")+`"`)
	}
	match := strings.Join(quoted, " OR ")

	projectIn := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")
	args := []interface{}{match}
	for _, p := range projectIDs {
		args = append(args, p)
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT sc.id, sc.project_id, sc.source_type, sc.source_id, sc.chunk_index,
			sc.text, COALESCE(sc.section, ''), sc.created_at, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN search_chunks sc ON sc.id = chunks_fts.chunk_id
		WHERE chunks_fts MATCH ? AND sc.project_id IN (%s) AND sc.deleted_at IS NULL
		ORDER BY rank ASC LIMIT ?
	`, projectIn)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()

	var out []ChunkHit
	for rows.Next() {
		var ch models.SearchChunk
		var createdAt int64
		var rank float64
		if err := rows.Scan(&ch.ID, &ch.ProjectID, &ch.SourceType, &ch.SourceID,
			&ch.ChunkIndex, &ch.Text, &ch.Section, &createdAt, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan fts hit: %w", err)
		}
		ch.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ChunkHit{Chunk: ch, Score: -rank})
	}
	return out, rows.Err()
}

// SubstringSearch is the last-resort LIKE stage, scored by how many tokens a
// chunk contains.
func (c *Client) SubstringSearch(tokens, projectIDs []string, topK int) ([]ChunkHit, error) {
	if len(tokens) == 0 || len(projectIDs) == 0 {
		return nil, nil
	}

	projectIn := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")
	var args []interface{}
	var scoreParts, likeParts []string
	for _, t := range tokens {
		scoreParts = append(scoreParts, "(text LIKE ?)")
		likeParts = append(likeParts, "text LIKE ?")
		args = append(args, "%"+t+"%")
	}
	scoreArgs := make([]interface{}, len(args))
	copy(scoreArgs, args)
	allArgs := append(scoreArgs, args...)
	for _, p := range projectIDs {
		allArgs = append(allArgs, p)
	}
	allArgs = append(allArgs, topK)

	query := fmt.Sprintf(`
		SELECT id, project_id, source_type, source_id, chunk_index, text,
			COALESCE(section, ''), created_at, (%s) AS score
		FROM search_chunks
		WHERE (%s) AND project_id IN (%s) AND deleted_at IS NULL
		ORDER BY score DESC LIMIT ?
	`, strings.Join(scoreParts, " + "), strings.Join(likeParts, " OR "), projectIn)

	rows, err := c.db.Query(query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("substring search failed: %w", err)
	}
	defer rows.Close()

	var out []ChunkHit
	for rows.Next() {
		var ch models.SearchChunk
		var createdAt int64
		var score float64
		if err := rows.Scan(&ch.ID, &ch.ProjectID, &ch.SourceType, &ch.SourceID,
			&ch.ChunkIndex, &ch.Text, &ch.Section, &createdAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan substring hit: %w", err)
		}
		ch.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ChunkHit{Chunk: ch, Score: score})
	}
	return out, rows.Err()
}

// GetFileChunksOrdered reconstructs a file's indexed text in original chunk
// order, used by the deep-read step.
func (c *Client) GetFileChunksOrdered(fileID string) ([]models.SearchChunk, error) {
	rows, err := c.db.Query(`
		SELECT id, project_id, source_type, source_id, chunk_index, text, COALESCE(section, ''), created_at
		FROM search_chunks
		WHERE source_type = 'project_file' AND source_id = ? AND deleted_at IS NULL
		ORDER BY chunk_index ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetSectionChunks returns chunks tagged with a document-structure section
// (results, discussion, conclusion, methods) for the given file.
func (c *Client) GetSectionChunks(fileID string) ([]models.SearchChunk, error) {
	rows, err := c.db.Query(`
		SELECT id, project_id, source_type, source_id, chunk_index, text, COALESCE(section, ''), created_at
		FROM search_chunks
		WHERE source_type = 'project_file' AND source_id = ?
			AND section IN ('results', 'discussion', 'conclusion', 'methods')
			AND deleted_at IS NULL
		ORDER BY chunk_index ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get section chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows rowScanner) ([]models.SearchChunk, error) {
	var out []models.SearchChunk
	for rows.Next() {
		var ch models.SearchChunk
		var createdAt int64
		if err := rows.Scan(&ch.ID, &ch.ProjectID, &ch.SourceType, &ch.SourceID,
			&ch.ChunkIndex, &ch.Text, &ch.Section, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		ch.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *Client) InsertRAGLog(l *models.RAGLog) error {
	chunkIDs, _ := json.Marshal(l.ChunkIDs)
	scores, _ := json.Marshal(l.Scores)
	grounded, caveat := 0, 0
	if l.Grounded {
		grounded = 1
	}
	if l.CaveatAdded {
		caveat = 1
	}

	_, err := c.db.Exec(`
		INSERT INTO rag_logs (id, user_id, query, answer, chunk_ids, scores, retrieval_mode, model, latency_ms, grounded, caveat_added, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.UserID, l.Query, l.Answer, string(chunkIDs), string(scores),
		l.RetrievalMode, l.Model, l.LatencyMS, grounded, caveat, l.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert rag log: %w", err)
	}
	return nil
}
