package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wires the job store backed by pgxpool.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

const jobColumns = `job_id, file_id, distributor_id, initiated_by, status,
	rows_total, rows_success, rows_failed, rows_skipped,
	started_at, finished_at, created_at`

func (r *jobRepository) CreateJob(ctx context.Context, job domain.Job, data domain.JobData, rows []domain.JobRow) (domain.Job, error) {
	rowsJSON, err := json.Marshal(data.Rows)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job data snapshot: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO velocity_job_data (job_id, rows_json, created_by, created_at)
		 VALUES ($1, $2, $3, $4)`,
		job.ID,
		rowsJSON,
		data.CreatedBy,
		data.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to create job data snapshot: %w", err)
	}

	for _, row := range rows {
		raw, err := json.Marshal(row.RawValues)
		if err != nil {
			return domain.Job{}, fmt.Errorf("failed to marshal row %d: %w", row.RowIndex, err)
		}
		_, err = tx.Exec(
			ctx,
			`INSERT INTO velocity_job_rows (row_id, job_id, file_id, row_index, raw_values, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			row.ID,
			row.JobID,
			row.FileID,
			row.RowIndex,
			raw,
			string(row.Status),
			row.CreatedAt,
		)
		if err != nil {
			return domain.Job{}, fmt.Errorf("failed to create job row %d: %w", row.RowIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("failed to commit job creation: %w", err)
	}

	return job, nil
}

func (r *jobRepository) CreateFailed(ctx context.Context, job domain.Job, jobErr domain.JobError) (domain.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}

	details, err := json.Marshal(jobErr.Details)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal error details: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO velocity_job_errors (error_id, job_id, error_code, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		jobErr.ID,
		job.ID,
		jobErr.Code,
		jobErr.Message,
		details,
		jobErr.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to record job error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("failed to commit failed job: %w", err)
	}

	return job, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job domain.Job) error {
	_, err := tx.Exec(
		ctx,
		`INSERT INTO velocity_jobs (job_id, file_id, distributor_id, initiated_by, status,
			rows_total, rows_success, rows_failed, rows_skipped, started_at, finished_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		job.FileID,
		job.DistributorID,
		job.InitiatedBy,
		string(job.Status),
		job.Totals.Rows,
		job.Totals.Success,
		job.Totals.Failed,
		job.Totals.Skipped,
		job.StartedAt,
		job.FinishedAt,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+jobColumns+` FROM velocity_jobs WHERE job_id = $1`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]domain.Job, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var (
		total int
		err   error
	)
	if status != nil {
		err = r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM velocity_jobs WHERE status = $1`, string(*status)).Scan(&total)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM velocity_jobs`).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var rows pgx.Rows
	if status != nil {
		rows, err = r.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM velocity_jobs WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			string(*status), limit, offset)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM velocity_jobs
			 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *jobRepository) ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+jobColumns+` FROM velocity_jobs WHERE status = ANY($1) ORDER BY created_at`,
		values,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *jobRepository) ListByFile(ctx context.Context, fileID uuid.UUID) ([]domain.Job, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+jobColumns+` FROM velocity_jobs WHERE file_id = $1 ORDER BY created_at`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by file: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *jobRepository) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	row := r.pool.QueryRow(
		ctx,
		`UPDATE velocity_jobs
		 SET status = 'processing', started_at = COALESCE(started_at, now())
		 WHERE job_id = (
			SELECT job_id FROM velocity_jobs
			WHERE status IN ('queued', 'processing')
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, true, nil
}

func (r *jobRepository) UpdateProgress(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE velocity_jobs
		 SET rows_success = $2, rows_failed = $3, rows_skipped = $4
		 WHERE job_id = $1`,
		jobID,
		totals.Success,
		totals.Failed,
		totals.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (r *jobRepository) Finalize(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals, status domain.JobStatus) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE velocity_jobs
		 SET status = $2, rows_total = $3, rows_success = $4, rows_failed = $5, rows_skipped = $6,
		     finished_at = now()
		 WHERE job_id = $1`,
		jobID,
		string(status),
		totals.Rows,
		totals.Success,
		totals.Failed,
		totals.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepository) ResetForRestart(ctx context.Context, jobID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(
		ctx,
		`UPDATE velocity_jobs
		 SET status = 'queued', rows_success = 0, rows_failed = 0, rows_skipped = 0,
		     started_at = NULL, finished_at = NULL
		 WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(
		ctx,
		`UPDATE velocity_job_rows
		 SET status = 'pending', error_message = NULL
		 WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset job rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit restart: %w", err)
	}
	return nil
}

func (r *jobRepository) GetJobData(ctx context.Context, jobID uuid.UUID) (domain.JobData, bool, error) {
	var (
		data      domain.JobData
		rowsJSON  []byte
		createdAt pgtype.Timestamptz
	)
	err := r.pool.QueryRow(
		ctx,
		`SELECT job_id, rows_json, created_by, created_at FROM velocity_job_data WHERE job_id = $1`,
		jobID,
	).Scan(&data.JobID, &rowsJSON, &data.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobData{}, false, nil
		}
		return domain.JobData{}, false, fmt.Errorf("failed to get job data: %w", err)
	}

	if err := json.Unmarshal(rowsJSON, &data.Rows); err != nil {
		return domain.JobData{}, false, fmt.Errorf("failed to unmarshal job data snapshot: %w", err)
	}
	if createdAt.Valid {
		data.CreatedAt = createdAt.Time
	}
	return data, true, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job        domain.Job
		status     string
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.FileID,
		&job.DistributorID,
		&job.InitiatedBy,
		&status,
		&job.Totals.Rows,
		&job.Totals.Success,
		&job.Totals.Failed,
		&job.Totals.Skipped,
		&startedAt,
		&finishedAt,
		&job.CreatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}
