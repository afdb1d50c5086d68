package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/labmesh/backend/pkg/logger"
)

type Client struct {
	db         *sql.DB
	ftsEnabled bool
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// FTSEnabled reports whether the full-text index is available. When the build
// lacks FTS5 the retrieval chain skips straight to the substring stage.
func (c *Client) FTSEnabled() bool {
	return c.ftsEnabled
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS project_files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		mime_type TEXT,
		size_bytes INTEGER,
		fingerprint TEXT,
		version INTEGER DEFAULT 1,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON project_files(project_id);
	CREATE INDEX IF NOT EXISTS idx_files_fingerprint ON project_files(fingerprint);

	CREATE TABLE IF NOT EXISTS extraction_jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		status TEXT NOT NULL,
		fingerprint TEXT,
		parsing_quality TEXT,
		items_extracted INTEGER DEFAULT 0,
		tokens_used INTEGER DEFAULT 0,
		content_truncated INTEGER DEFAULT 0,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (file_id) REFERENCES project_files(id)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_project_fp ON extraction_jobs(project_id, fingerprint, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_file ON extraction_jobs(file_id);

	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		title TEXT NOT NULL,
		objective TEXT,
		hypothesis TEXT,
		summary TEXT,
		is_qualitative INTEGER DEFAULT 0,
		source_type TEXT,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER,
		FOREIGN KEY (file_id) REFERENCES project_files(id)
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_project ON experiments(project_id);

	CREATE TABLE IF NOT EXISTS measurements (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		metric_raw TEXT,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		unit_canonical TEXT,
		value_canonical REAL,
		method TEXT,
		confidence TEXT,
		source_excerpt TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_experiment ON measurements(experiment_id);
	CREATE INDEX IF NOT EXISTS idx_measurements_metric ON measurements(metric);

	CREATE TABLE IF NOT EXISTS experiment_conditions (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conditions_experiment ON experiment_conditions(experiment_id);

	CREATE TABLE IF NOT EXISTS experiment_citations (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		location TEXT,
		excerpt TEXT,
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		file_id TEXT,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		evidence TEXT,
		confidence REAL,
		evidence_verified INTEGER DEFAULT 0,
		relationship_type TEXT,
		related_item_ids TEXT,
		experiment_id TEXT,
		metric TEXT,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge_items(project_id);
	CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_items(category);
	CREATE INDEX IF NOT EXISTS idx_knowledge_reltype ON knowledge_items(relationship_type);

	CREATE TABLE IF NOT EXISTS metrics_catalog (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL UNIQUE,
		display_name TEXT,
		unit TEXT,
		unit_aliases TEXT,
		name_aliases TEXT,
		conversion_factor REAL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS correlation_jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		metrics_analyzed INTEGER DEFAULT 0,
		patterns_found INTEGER DEFAULT 0,
		contradictions_found INTEGER DEFAULT 0,
		gaps_found INTEGER DEFAULT 0,
		insights_created INTEGER DEFAULT 0,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS search_chunks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		section TEXT,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_project ON search_chunks(project_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON search_chunks(source_type, source_id, chunk_index);

	CREATE TABLE IF NOT EXISTS rag_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		query TEXT NOT NULL,
		answer TEXT,
		chunk_ids TEXT,
		scores TEXT,
		retrieval_mode TEXT,
		model TEXT,
		latency_ms INTEGER,
		grounded INTEGER DEFAULT 0,
		caveat_added INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rag_logs_created ON rag_logs(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// FTS5 may be absent depending on how the driver was built; the retrieval
	// chain degrades to substring matching in that case.
	_, err := c.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, text)`)
	if err != nil {
		logger.Warn("FTS5 unavailable, full-text stage disabled", zap.Error(err))
		c.ftsEnabled = false
	} else {
		c.ftsEnabled = true
	}

	logger.Info("SQLite schema initialized", zap.Bool("fts", c.ftsEnabled))
	return nil
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
