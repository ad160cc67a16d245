package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobErrorRepository struct {
	pool *pgxpool.Pool
}

// NewJobErrorRepository wires the aggregated error store backed by pgxpool.
func NewJobErrorRepository(pool *pgxpool.Pool) JobErrorRepository {
	return &jobErrorRepository{pool: pool}
}

func (r *jobErrorRepository) RecordBucket(ctx context.Context, jobID uuid.UUID, code, message string) error {
	// One bucket per (job, code); the first message wins, later
	// occurrences only bump the count kept in details.
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO velocity_job_errors (error_id, job_id, error_code, message, details, created_at)
		 VALUES ($1, $2, $3, $4, '{"occurrences": 1}', now())
		 ON CONFLICT (job_id, error_code) DO UPDATE SET
			details = jsonb_set(velocity_job_errors.details, '{occurrences}',
				(COALESCE((velocity_job_errors.details->>'occurrences')::int, 0) + 1)::text::jsonb)`,
		uuid.New(),
		jobID,
		code,
		message,
	)
	if err != nil {
		return fmt.Errorf("failed to record job error bucket: %w", err)
	}
	return nil
}

func (r *jobErrorRepository) ListErrors(ctx context.Context, jobID uuid.UUID) ([]domain.JobError, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT error_id, job_id, error_code, message, details, created_at
		 FROM velocity_job_errors
		 WHERE job_id = $1
		 ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job errors: %w", err)
	}
	defer rows.Close()

	result := []domain.JobError{}
	for rows.Next() {
		var (
			jobErr  domain.JobError
			details []byte
		)
		if err := rows.Scan(
			&jobErr.ID,
			&jobErr.JobID,
			&jobErr.Code,
			&jobErr.Message,
			&details,
			&jobErr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job error: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &jobErr.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
			}
		}
		result = append(result, jobErr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job errors: %w", err)
	}
	return result, nil
}
