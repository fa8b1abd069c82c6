package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/multiplan/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeFormat keeps stored timestamps lexically sortable.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// =============================================================================
// SQLStore
// =============================================================================

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DriverSQLite, dsn)
}

// NewSQLStore opens a database with the given driver and runs migrations.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, NewStoreError("NewSQLStore", "", "", fmt.Sprintf("driver %q", driver), ErrUnsupportedDriver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, NewStoreError("NewSQLStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite serializes writers anyway, and ":memory:" databases are
	// per-connection.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB, driver); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB, driver string) error {
	var (
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Driver returns the database driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateJob(ctx context.Context, job *domain.Job) error {
	return createJob(ctx, s.db, job)
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	return updateJob(ctx, s.db, job)
}

func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	return deleteJob(ctx, s.db, id)
}

func (s *SQLStore) ListJobs(ctx context.Context, opts ListOptions) ([]domain.Job, error) {
	return listJobs(ctx, s.db, "", opts)
}

func (s *SQLStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, opts ListOptions) ([]domain.Job, error) {
	return listJobs(ctx, s.db, status, opts)
}

func (s *SQLStore) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	return countJobs(ctx, s.db, status)
}

func (s *SQLStore) ReleaseJob(ctx context.Context, job *domain.Job) error {
	return releaseJob(ctx, s.db, job)
}

func (s *SQLStore) RequeueStaleJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	return requeueStaleJobs(ctx, s.db, startedBefore)
}

func (s *SQLStore) ClaimPendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	var claimed []domain.Job
	err := s.WithTx(ctx, func(tx Store) error {
		var err error
		claimed, err = tx.ClaimPendingJobs(ctx, limit)
		return err
	})
	return claimed, err
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLStore implements Store within a transaction.
type txSQLStore struct {
	tx *sqlx.Tx
}

func (s *txSQLStore) CreateJob(ctx context.Context, job *domain.Job) error {
	return createJob(ctx, s.tx, job)
}

func (s *txSQLStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.tx, id)
}

func (s *txSQLStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	return updateJob(ctx, s.tx, job)
}

func (s *txSQLStore) DeleteJob(ctx context.Context, id string) error {
	return deleteJob(ctx, s.tx, id)
}

func (s *txSQLStore) ListJobs(ctx context.Context, opts ListOptions) ([]domain.Job, error) {
	return listJobs(ctx, s.tx, "", opts)
}

func (s *txSQLStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, opts ListOptions) ([]domain.Job, error) {
	return listJobs(ctx, s.tx, status, opts)
}

func (s *txSQLStore) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	return countJobs(ctx, s.tx, status)
}

func (s *txSQLStore) ReleaseJob(ctx context.Context, job *domain.Job) error {
	return releaseJob(ctx, s.tx, job)
}

func (s *txSQLStore) RequeueStaleJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	return requeueStaleJobs(ctx, s.tx, startedBefore)
}

func (s *txSQLStore) ClaimPendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return claimPendingJobs(ctx, s.tx, limit)
}

func (s *txSQLStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txSQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

// jobRow represents a job row in the database.
type jobRow struct {
	ID            string  `db:"id"`
	Status        string  `db:"status"`
	Format        string  `db:"format"`
	Payload       []byte  `db:"payload"`
	Result        []byte  `db:"result"`
	ErrorMessage  string  `db:"error_message"`
	NodeCount     int     `db:"node_count"`
	InstanceCount int     `db:"instance_count"`
	Attempts      int     `db:"attempts"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
	StartedAt     *string `db:"started_at"`
	CompletedAt   *string `db:"completed_at"`
}

const jobColumns = `id, status, format, payload, result, error_message, node_count,
	instance_count, attempts, created_at, updated_at, started_at, completed_at`

func jobToRow(job *domain.Job) map[string]any {
	return map[string]any{
		"id":             job.ID,
		"status":         string(job.Status),
		"format":         job.Format,
		"payload":        job.Payload,
		"result":         job.Result,
		"error_message":  job.ErrorMessage,
		"node_count":     job.NodeCount,
		"instance_count": job.InstanceCount,
		"attempts":       job.Attempts,
		"created_at":     formatTime(job.CreatedAt),
		"updated_at":     formatTime(job.UpdatedAt),
		"started_at":     formatTimePtr(job.StartedAt),
		"completed_at":   formatTimePtr(job.CompletedAt),
	}
}

func createJob(ctx context.Context, exec executor, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, status, format, payload, result, error_message, node_count,
			instance_count, attempts, created_at, updated_at, started_at, completed_at
		) VALUES (
			:id, :status, :format, :payload, :result, :error_message, :node_count,
			:instance_count, :attempts, :created_at, :updated_at, :started_at, :completed_at
		)`

	_, err := exec.NamedExecContext(ctx, query, jobToRow(job))
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateJob", "job", job.ID, "job with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateJob", "job", job.ID, err.Error(), err)
	}

	return nil
}

func getJob(ctx context.Context, exec executor, id string) (*domain.Job, error) {
	query := exec.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	var row jobRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetJob", "job", id, "job not found", ErrNotFound)
		}
		return nil, NewStoreError("GetJob", "job", id, err.Error(), err)
	}

	return rowToJob(&row)
}

func updateJob(ctx context.Context, exec executor, job *domain.Job) error {
	query := `
		UPDATE jobs SET
			status = :status,
			format = :format,
			payload = :payload,
			result = :result,
			error_message = :error_message,
			node_count = :node_count,
			instance_count = :instance_count,
			attempts = :attempts,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, jobToRow(job))
	if err != nil {
		return NewStoreError("UpdateJob", "job", job.ID, err.Error(), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("UpdateJob", "job", job.ID, err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("UpdateJob", "job", job.ID, "job not found", ErrNotFound)
	}

	return nil
}

func deleteJob(ctx context.Context, exec executor, id string) error {
	result, err := exec.ExecContext(ctx, exec.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return NewStoreError("DeleteJob", "job", id, err.Error(), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("DeleteJob", "job", id, err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("DeleteJob", "job", id, "job not found", ErrNotFound)
	}

	return nil
}

func listJobs(ctx context.Context, exec executor, status domain.JobStatus, opts ListOptions) ([]domain.Job, error) {
	opts = opts.Normalize()

	var (
		rows []jobRow
		err  error
	)
	if status == "" {
		query := exec.Rebind(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`)
		err = exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	} else {
		query := exec.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`)
		err = exec.SelectContext(ctx, &rows, query, string(status), opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListJobs", "job", "", err.Error(), err)
	}

	return rowsToJobs(rows)
}

func countJobs(ctx context.Context, exec executor, status domain.JobStatus) (int, error) {
	var (
		count int
		err   error
	)
	if status == "" {
		err = exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs`)
	} else {
		err = exec.GetContext(ctx, &count, exec.Rebind(`SELECT COUNT(*) FROM jobs WHERE status = ?`), string(status))
	}
	if err != nil {
		return 0, NewStoreError("CountJobs", "job", "", err.Error(), err)
	}
	return count, nil
}

func releaseJob(ctx context.Context, exec executor, job *domain.Job) error {
	query := `
		UPDATE jobs SET
			status = :status,
			error_message = :error_message,
			result = :result,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id AND status = 'running'`

	result, err := exec.NamedExecContext(ctx, query, jobToRow(job))
	if err != nil {
		return NewStoreError("ReleaseJob", "job", job.ID, err.Error(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("ReleaseJob", "job", job.ID, err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("ReleaseJob", "job", job.ID, "job is no longer running", ErrConflict)
	}
	return nil
}

func requeueStaleJobs(ctx context.Context, exec executor, startedBefore time.Time) (int, error) {
	query := exec.Rebind(`
		UPDATE jobs SET
			status = 'pending',
			updated_at = ?,
			started_at = NULL
		WHERE status = 'running' AND started_at < ?`)

	result, err := exec.ExecContext(ctx, query, formatTime(time.Now()), formatTime(startedBefore))
	if err != nil {
		return 0, NewStoreError("RequeueStaleJobs", "job", "", err.Error(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, NewStoreError("RequeueStaleJobs", "job", "", err.Error(), err)
	}
	return int(rows), nil
}

func claimPendingJobs(ctx context.Context, exec executor, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := exec.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`)

	var rows []jobRow
	if err := exec.SelectContext(ctx, &rows, query, string(domain.JobStatusPending), limit); err != nil {
		return nil, NewStoreError("ClaimPendingJobs", "job", "", err.Error(), err)
	}

	pending, err := rowsToJobs(rows)
	if err != nil {
		return nil, err
	}

	claim := `
		UPDATE jobs SET
			status = :status,
			attempts = :attempts,
			updated_at = :updated_at,
			started_at = :started_at
		WHERE id = :id AND status = 'pending'`

	claimed := make([]domain.Job, 0, len(pending))
	for i := range pending {
		job := &pending[i]
		if err := job.Transition(domain.JobStatusRunning); err != nil {
			return nil, NewStoreError("ClaimPendingJobs", "job", job.ID, err.Error(), err)
		}

		result, err := exec.NamedExecContext(ctx, claim, jobToRow(job))
		if err != nil {
			return nil, NewStoreError("ClaimPendingJobs", "job", job.ID, err.Error(), err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, NewStoreError("ClaimPendingJobs", "job", job.ID, err.Error(), err)
		}
		if n == 0 {
			// claimed by someone else in the meantime
			continue
		}
		claimed = append(claimed, *job)
	}

	return claimed, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowsToJobs(rows []jobRow) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rowToJob(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func rowToJob(row *jobRow) (*domain.Job, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToJob", "job", row.ID, "invalid created_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToJob", "job", row.ID, "invalid updated_at", ErrInvalidData)
	}
	startedAt, err := parseTimePtr(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToJob", "job", row.ID, "invalid started_at", ErrInvalidData)
	}
	completedAt, err := parseTimePtr(row.CompletedAt)
	if err != nil {
		return nil, NewStoreError("rowToJob", "job", row.ID, "invalid completed_at", ErrInvalidData)
	}

	return &domain.Job{
		ID:            row.ID,
		Status:        domain.JobStatus(row.Status),
		Format:        row.Format,
		Payload:       row.Payload,
		Result:        row.Result,
		ErrorMessage:  row.ErrorMessage,
		NodeCount:     row.NodeCount,
		InstanceCount: row.InstanceCount,
		Attempts:      row.Attempts,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
