package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for an in-memory database, or a file path for persistent
// storage.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better performance
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			zone TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS authorized_orgs (
			github_org TEXT PRIMARY KEY,
			zones TEXT NOT NULL DEFAULT '',
			domain_patterns TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_contexts (
			job_id TEXT PRIMARY KEY,
			installation_id INTEGER NOT NULL,
			github_org TEXT NOT NULL,
			github_repo TEXT NOT NULL,
			pr_comment_id INTEGER,
			commit_sha TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pr_comments (
			github_org TEXT NOT NULL,
			github_repo TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			comment_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (github_org, github_repo, pr_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_contexts_org_repo ON job_contexts(github_org, github_repo)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Workers ---

func (s *SQLiteStorage) GetWorker(ctx context.Context, zone string) (*Worker, error) {
	worker := &Worker{}
	err := s.db.QueryRowContext(ctx,
		`SELECT zone, endpoint, enabled, last_seen, created_at, updated_at
		 FROM workers WHERE zone = ? AND enabled = 1`, zone).Scan(
		&worker.Zone, &worker.Endpoint, &worker.Enabled, &worker.LastSeen,
		&worker.CreatedAt, &worker.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return worker, err
}

func (s *SQLiteStorage) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone, endpoint, enabled, last_seen, created_at, updated_at
		 FROM workers WHERE enabled = 1 ORDER BY zone`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		worker := &Worker{}
		if err := rows.Scan(&worker.Zone, &worker.Endpoint, &worker.Enabled,
			&worker.LastSeen, &worker.CreatedAt, &worker.UpdatedAt); err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// SyncWorkers upserts the configured workers and disables any zone not in
// the map. The whole sync runs in one transaction.
func (s *SQLiteStorage) SyncWorkers(ctx context.Context, endpoints map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for zone, endpoint := range endpoints {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workers (zone, endpoint, enabled, created_at, updated_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT(zone) DO UPDATE SET endpoint = excluded.endpoint, enabled = 1, updated_at = excluded.updated_at`,
			zone, endpoint, now, now)
		if err != nil {
			return fmt.Errorf("upsert worker %s: %w", zone, err)
		}
	}

	if len(endpoints) == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workers SET enabled = 0, updated_at = ? WHERE enabled = 1`, now); err != nil {
			return fmt.Errorf("disable workers: %w", err)
		}
		return tx.Commit()
	}

	placeholders := make([]string, 0, len(endpoints))
	args := []any{now}
	for zone := range endpoints {
		placeholders = append(placeholders, "?")
		args = append(args, zone)
	}
	query := fmt.Sprintf(
		`UPDATE workers SET enabled = 0, updated_at = ? WHERE enabled = 1 AND zone NOT IN (%s)`,
		strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("disable absent workers: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) UpdateWorkerHeartbeat(ctx context.Context, zone string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_seen = ?, updated_at = ? WHERE zone = ? AND enabled = 1`,
		now, now, zone)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Authorized organizations ---

func (s *SQLiteStorage) GetAuthorizedOrg(ctx context.Context, org string) (*AuthorizedOrg, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT github_org, zones, domain_patterns, enabled, created_at, updated_at
		 FROM authorized_orgs WHERE github_org = ? AND enabled = 1`,
		strings.ToLower(org))
	return scanAuthorizedOrgSQLite(row)
}

func (s *SQLiteStorage) ListAuthorizedOrgs(ctx context.Context) ([]*AuthorizedOrg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT github_org, zones, domain_patterns, enabled, created_at, updated_at
		 FROM authorized_orgs ORDER BY github_org`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*AuthorizedOrg
	for rows.Next() {
		org := &AuthorizedOrg{}
		var zones, patterns string
		if err := rows.Scan(&org.GitHubOrg, &zones, &patterns, &org.Enabled,
			&org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		org.Zones = splitList(zones)
		org.DomainPatterns = splitList(patterns)
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (s *SQLiteStorage) UpsertAuthorizedOrg(ctx context.Context, org string, zones, domainPatterns []string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorized_orgs (github_org, zones, domain_patterns, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(github_org) DO UPDATE SET
			zones = excluded.zones,
			domain_patterns = excluded.domain_patterns,
			enabled = 1,
			updated_at = excluded.updated_at`,
		strings.ToLower(org), strings.Join(zones, ","), strings.Join(domainPatterns, ","), now, now)
	return err
}

func (s *SQLiteStorage) DeleteAuthorizedOrg(ctx context.Context, org string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorized_orgs WHERE github_org = ?`, strings.ToLower(org))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanAuthorizedOrgSQLite(row *sql.Row) (*AuthorizedOrg, error) {
	org := &AuthorizedOrg{}
	var zones, patterns string
	err := row.Scan(&org.GitHubOrg, &zones, &patterns, &org.Enabled,
		&org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.Zones = splitList(zones)
	org.DomainPatterns = splitList(patterns)
	return org, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// --- Job contexts ---

// StoreJobContext upserts a job context. Re-storing the same job id
// preserves an already-recorded PR comment id when the new one is null.
func (s *SQLiteStorage) StoreJobContext(ctx context.Context, jc *JobContext) error {
	created := jc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_contexts (job_id, installation_id, github_org, github_repo, pr_comment_id, commit_sha, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			installation_id = excluded.installation_id,
			github_org = excluded.github_org,
			github_repo = excluded.github_repo,
			pr_comment_id = COALESCE(excluded.pr_comment_id, job_contexts.pr_comment_id),
			commit_sha = excluded.commit_sha`,
		jc.JobID, jc.InstallationID, jc.GitHubOrg, jc.GitHubRepo, jc.PRCommentID, jc.CommitSHA, created)
	return err
}

func (s *SQLiteStorage) GetJobContext(ctx context.Context, jobID string) (*JobContext, error) {
	jc := &JobContext{}
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, installation_id, github_org, github_repo, pr_comment_id, commit_sha, created_at
		 FROM job_contexts WHERE job_id = ?`, jobID).Scan(
		&jc.JobID, &jc.InstallationID, &jc.GitHubOrg, &jc.GitHubRepo,
		&jc.PRCommentID, &jc.CommitSHA, &jc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return jc, err
}

// --- PR comments ---

func (s *SQLiteStorage) GetPRComment(ctx context.Context, org, repo string, prNumber int) (int64, error) {
	var commentID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT comment_id FROM pr_comments WHERE github_org = ? AND github_repo = ? AND pr_number = ?`,
		strings.ToLower(org), strings.ToLower(repo), prNumber).Scan(&commentID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return commentID, err
}

func (s *SQLiteStorage) UpsertPRComment(ctx context.Context, org, repo string, prNumber int, commentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pr_comments (github_org, github_repo, pr_number, comment_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(github_org, github_repo, pr_number) DO UPDATE SET comment_id = excluded.comment_id`,
		strings.ToLower(org), strings.ToLower(repo), prNumber, commentID, time.Now())
	return err
}

func (s *SQLiteStorage) DeletePRComment(ctx context.Context, org, repo string, prNumber int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pr_comments WHERE github_org = ? AND github_repo = ? AND pr_number = ?`,
		strings.ToLower(org), strings.ToLower(repo), prNumber)
	return err
}
