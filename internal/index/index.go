// Package index keeps a queryable catalog of jobs in SQLite. The
// per-job StateDocuments stay the durable truth; the index is a
// derived listing that can be rebuilt wholesale from the results
// directory at any time.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/pkg/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		key        TEXT PRIMARY KEY,
		service    TEXT NOT NULL,
		server     TEXT NOT NULL DEFAULT 'local',
		url        TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		ended_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_email ON jobs(email)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_service ON jobs(service)`,
}

// Index is the SQLite-backed job catalog.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the index database at dbPath. Use ":memory:"
// in tests.
func Open(dbPath string, logger *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	idx := &Index{db: db, logger: logger.With("component", "index")}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := x.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts one job row from its StateDocument.
func (x *Index) Put(ctx context.Context, doc *statestore.Document) error {
	x.logger.Debug("sql", "op", "upsert", "table", "jobs", "key", doc.ID)

	var endedAt *string
	if doc.Ended != nil {
		s := doc.Ended.Format(time.RFC3339Nano)
		endedAt = &s
	}
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO jobs (key, service, server, url, email, status, message, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		 status=excluded.status, message=excluded.message, ended_at=excluded.ended_at`,
		doc.ID, doc.Service, doc.Server, doc.URL, doc.Email,
		string(doc.Status), doc.Message,
		doc.Created.Format(time.RFC3339Nano), endedAt,
	)
	return err
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Email   string
	Service string
	Status  model.Status
	Limit   int
	Offset  int
}

// List returns job summaries newest first.
func (x *Index) List(ctx context.Context, f Filter) ([]model.JobSummary, error) {
	x.logger.Debug("sql", "op", "list", "table", "jobs")

	var where []string
	var args []any
	if f.Email != "" {
		where = append(where, "email = ?")
		args = append(args, f.Email)
	}
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT key, service, server, status, message, email, created_at, ended_at
		 FROM jobs`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var j model.JobSummary
		var status, createdAt string
		var endedAt *string
		if err := rows.Scan(&j.Key, &j.Service, &j.Server, &status,
			&j.Message, &j.Email, &createdAt, &endedAt); err != nil {
			return nil, err
		}
		j.Status = model.ParseStatus(status)
		j.Created, _ = time.Parse(time.RFC3339Nano, createdAt)
		if endedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *endedAt)
			j.Ended = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ActiveJobs counts an owner's non-ended jobs, backing the
// simultaneous-job cap.
func (x *Index) ActiveJobs(email string) (int, error) {
	var n int
	err := x.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE email = ? AND status NOT IN (?, ?, ?)`,
		email, string(model.StatusFinished), string(model.StatusError), string(model.StatusKilled),
	).Scan(&n)
	return n, err
}

// Rebuild drops every row and re-reads the StateDocuments under
// resultsDir. An unreadable document is logged and skipped; the rebuild
// never aborts.
func (x *Index) Rebuild(ctx context.Context, resultsDir string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}

	services, err := os.ReadDir(resultsDir)
	if err != nil {
		return fmt.Errorf("read results dir %s: %w", resultsDir, err)
	}
	for _, svc := range services {
		if !svc.IsDir() {
			continue
		}
		jobDirs, err := os.ReadDir(filepath.Join(resultsDir, svc.Name()))
		if err != nil {
			continue
		}
		for _, jd := range jobDirs {
			if !jd.IsDir() {
				continue
			}
			docPath := filepath.Join(resultsDir, svc.Name(), jd.Name(), statestore.DocumentName)
			doc, err := readDocument(docPath)
			if err != nil {
				if !os.IsNotExist(err) {
					x.logger.Warn("document skipped during rebuild", "path", docPath, "error", err)
				}
				continue
			}
			if err := x.Put(ctx, doc); err != nil {
				return err
			}
		}
	}
	x.logger.Info("index rebuilt", "dir", resultsDir)
	return nil
}

// readDocument reads a StateDocument under a shared lock so a rebuild
// never observes a half-written file.
func readDocument(path string) (*statestore.Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	txn, err := statestore.Open(path, statestore.READ, statestore.Options{})
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.Doc()
}
