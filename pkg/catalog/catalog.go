// Package catalog indexes collected benchmark artifacts in a local sqlite
// database so past runs can be queried without trawling the results tree.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	host TEXT NOT NULL,
	pattern TEXT NOT NULL,
	block_size TEXT NOT NULL,
	path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	collected_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_run_host ON artifacts(run_id, host);
`

// Artifact is one collected result file.
type Artifact struct {
	ID          int64
	RunID       string
	Host        string
	Pattern     string
	BlockSize   string
	Path        string
	SizeBytes   int64
	CollectedAt time.Time
}

// Catalog records and queries collected artifacts.
type Catalog struct {
	db  *sql.DB
	own bool
}

// Open opens (or creates) the catalog database at path and applies the schema.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &Catalog{db: db, own: true}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing database handle, applying the schema. The caller
// keeps ownership of the handle.
func New(db *sql.DB) (*Catalog, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	c := &Catalog{db: db}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

// Record inserts an artifact row and returns its id.
func (c *Catalog) Record(ctx context.Context, artifact Artifact) (int64, error) {
	if artifact.RunID == "" || artifact.Host == "" || artifact.Path == "" {
		return 0, errors.New("artifact requires run id, host, and path")
	}
	if artifact.CollectedAt.IsZero() {
		artifact.CollectedAt = time.Now().UTC()
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, host, pattern, block_size, path, size_bytes, collected_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.RunID, artifact.Host, artifact.Pattern, artifact.BlockSize, artifact.Path, artifact.SizeBytes,
		artifact.CollectedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("record artifact: %w", err)
	}
	return res.LastInsertId()
}

// ByRun returns every artifact collected for a run, ordered by host then path.
func (c *Catalog) ByRun(ctx context.Context, runID string) ([]Artifact, error) {
	return c.query(ctx,
		`SELECT id, run_id, host, pattern, block_size, path, size_bytes, collected_at FROM artifacts WHERE run_id = ? ORDER BY host, path`,
		runID)
}

// ByHost returns a run's artifacts for one host.
func (c *Catalog) ByHost(ctx context.Context, runID, host string) ([]Artifact, error) {
	return c.query(ctx,
		`SELECT id, run_id, host, pattern, block_size, path, size_bytes, collected_at FROM artifacts WHERE run_id = ? AND host = ? ORDER BY path`,
		runID, host)
}

func (c *Catalog) query(ctx context.Context, stmt string, args ...interface{}) ([]Artifact, error) {
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var collectedAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Host, &a.Pattern, &a.BlockSize, &a.Path, &a.SizeBytes, &collectedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, collectedAt); err == nil {
			a.CollectedAt = ts
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Close closes the underlying database when the catalog owns it.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil || !c.own {
		return nil
	}
	return c.db.Close()
}
