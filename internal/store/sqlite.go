package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/editalflow/api/internal/model"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLite is a single-file durable store. The full record lives in the data
// column; status, dedupe key and lease expiry are projected for indexed lookups.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename ("001_jobs.sql" is 1).
func migrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

// AppliedMigrations lists applied migration versions in order.
func (s *SQLite) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func leaseExpiry(job *model.Job) any {
	if job.Lease == nil {
		return nil
	}
	return formatTime(job.Lease.ExpiresAt)
}

func (s *SQLite) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrConflict
	}
	if job.DedupeKey != "" {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE dedupe_key = ? AND status IN (?, ?)`,
			job.DedupeKey, string(model.JobStatusQueued), string(model.JobStatusRunning),
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
	}

	stored := job.Clone()
	stored.UpdatedAt = time.Now()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, status, dedupe_key, data, created_at, updated_at, lease_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Owner, string(stored.Status), stored.DedupeKey, string(data),
		formatTime(stored.CreatedAt), formatTime(stored.UpdatedAt), leaseExpiry(stored),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) load(ctx context.Context, q queryRower, id string) (*model.Job, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.load(ctx, s.db, id)
}

func (s *SQLite) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, data = ?, updated_at = ?, lease_expires_at = ? WHERE id = ?`,
		string(job.Status), string(data), formatTime(job.UpdatedAt), leaseExpiry(job), id,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLite) FindActiveByDedupeKey(ctx context.Context, key string) (*model.Job, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		key, string(model.JobStatusQueued), string(model.JobStatusRunning),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLite) CountByStatus(ctx context.Context, status model.JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *SQLite) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM jobs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Job, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}
