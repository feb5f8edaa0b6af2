// Package postgres archives normalized job listings in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
)

const defaultTable = "job_listings"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for listing rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// ListingStore writes the records of completed tasks.
type ListingStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewListingStore connects a pool using cfg.
func NewListingStore(ctx context.Context, cfg Config) (*ListingStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewListingStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewListingStoreWithPool constructs a store from an existing pool.
func NewListingStoreWithPool(p pool, table string) (*ListingStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingStore{
		pool:  p,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *ListingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the listing table when it does not exist.
func (s *ListingStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	search_keyword TEXT NOT NULL,
	title TEXT NOT NULL,
	role_type TEXT NOT NULL,
	address_short TEXT NOT NULL,
	address_full TEXT NOT NULL,
	description TEXT NOT NULL,
	education_requirement TEXT NOT NULL,
	period_description TEXT NOT NULL,
	applicant_count INTEGER NOT NULL,
	company_name TEXT NOT NULL,
	industry TEXT NOT NULL,
	salary_low INTEGER NOT NULL,
	salary_high INTEGER NOT NULL,
	posted_date DATE,
	job_link TEXT NOT NULL,
	remote_work_type TEXT NOT NULL,
	majors TEXT NOT NULL,
	salary_type TEXT NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, position)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Archive inserts every record of a task in one transaction. Re-archiving
// the same task is a no-op for rows already present.
func (s *ListingStore) Archive(ctx context.Context, taskID string, records []listing.Record) (err error) {
	if taskID == "" {
		return errors.New("task id is required")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	position,
	search_keyword,
	title,
	role_type,
	address_short,
	address_full,
	description,
	education_requirement,
	period_description,
	applicant_count,
	company_name,
	industry,
	salary_low,
	salary_high,
	posted_date,
	job_link,
	remote_work_type,
	majors,
	salary_type,
	archived_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
) ON CONFLICT (task_id, position) DO NOTHING`, s.table)

	archivedAt := s.now()
	for i, r := range records {
		if _, err = tx.Exec(ctx, query, rowArgs(taskID, i, r, archivedAt)...); err != nil {
			return fmt.Errorf("insert listing %d: %w", i, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

func rowArgs(taskID string, position int, r listing.Record, archivedAt time.Time) []any {
	var posted any
	if r.PostedDate != "" {
		posted = r.PostedDate
	}
	return []any{
		taskID,
		position,
		r.SearchKeyword,
		r.Title,
		string(r.RoleType),
		r.AddressShort,
		r.AddressFull,
		r.Description,
		r.EducationRequirement,
		r.PeriodDescription,
		r.ApplicantCount,
		r.CompanyName,
		r.Industry,
		r.SalaryLow,
		r.SalaryHigh,
		posted,
		r.JobLink,
		string(r.RemoteWorkType),
		r.Majors,
		string(r.SalaryType),
		archivedAt,
	}
}
