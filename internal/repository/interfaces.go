package repository

import (
	"context"
	"errors"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrActionNotAllowed is returned when an exception action targets a
	// row whose processing status is not failed.
	ErrActionNotAllowed = errors.New("exception action only allowed on failed rows")
)

// FileRepository is the File Registry's durable store.
type FileRepository interface {
	CreateFile(ctx context.Context, file domain.IngestedFile) (domain.IngestedFile, error)
	// GetByHash looks up a file by (distributor, content hash), the dedup key.
	GetByHash(ctx context.Context, distributorID uuid.UUID, hash string) (domain.IngestedFile, bool, error)
}

// RowFilter narrows row listings for the exceptions report.
type RowFilter struct {
	Status *domain.RowStatus
	// Action filters by disposition. ActionOpen matches rows with no
	// action taken yet.
	Action *domain.ActionStatus
	Limit  int
	Offset int
}

// JobRepository owns the job lifecycle: jobs, their snapshot, and claims.
type JobRepository interface {
	// CreateJob writes the job, its JobData snapshot, and all pending rows
	// as one atomic unit. If any part fails nothing is left half-written.
	CreateJob(ctx context.Context, job domain.Job, data domain.JobData, rows []domain.JobRow) (domain.Job, error)
	// CreateFailed records a job that died before any row was attempted
	// (whole-file parse failure), together with its single JobError.
	CreateFailed(ctx context.Context, job domain.Job, jobErr domain.JobError) (domain.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error)
	List(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]domain.Job, int, error)
	ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error)
	ListByFile(ctx context.Context, fileID uuid.UUID) ([]domain.Job, error)
	// ClaimNext transitions the oldest queued or interrupted-processing job
	// into processing. StartedAt is recorded only on the first claim.
	ClaimNext(ctx context.Context) (domain.Job, bool, error)
	// UpdateProgress publishes mid-run totals (a lower bound).
	UpdateProgress(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals) error
	Finalize(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals, status domain.JobStatus) error
	// ResetForRestart moves the job back to queued and every row back to
	// pending. The JobData snapshot is untouched.
	ResetForRestart(ctx context.Context, jobID uuid.UUID) error
	GetJobData(ctx context.Context, jobID uuid.UUID) (domain.JobData, bool, error)
}

// RowRepository owns per-row outcomes and exception dispositions.
type RowRepository interface {
	// RecordOutcome upserts the outcome for (job, row index). Reprocessing
	// the same index overwrites; it never duplicates the row.
	RecordOutcome(ctx context.Context, jobID uuid.UUID, rowIndex int, outcome domain.RowOutcome) error
	GetRow(ctx context.Context, rowID uuid.UUID) (domain.JobRow, error)
	ListRows(ctx context.Context, jobID uuid.UUID, filter RowFilter) ([]domain.JobRow, int, error)
	// FirstPendingIndex returns the resume checkpoint, or ok=false when no
	// row is pending.
	FirstPendingIndex(ctx context.Context, jobID uuid.UUID) (int, bool, error)
	// StatusCounts aggregates row statuses into job totals.
	StatusCounts(ctx context.Context, jobID uuid.UUID) (domain.JobTotals, error)
	// ApplyAction sets the disposition sub-state of a failed row.
	// Last-write-wins; returns ErrActionNotAllowed for non-failed rows.
	ApplyAction(ctx context.Context, rowID uuid.UUID, action domain.ActionStatus, notes, actor string) (domain.JobRow, error)
}

// ShipmentRepository stores canonical shipment records.
type ShipmentRepository interface {
	// Upsert writes a shipment keyed on (job, row index), the idempotent
	// re-processing guarantee.
	Upsert(ctx context.Context, shipment domain.Shipment) error
	CountByJob(ctx context.Context, jobID uuid.UUID) (int, error)
	ListShipments(ctx context.Context, jobID uuid.UUID) ([]domain.Shipment, error)
}

// JobErrorRepository stores per-job aggregated error buckets.
type JobErrorRepository interface {
	// RecordBucket inserts the first occurrence of an error code for a job
	// and increments the occurrence count on later ones.
	RecordBucket(ctx context.Context, jobID uuid.UUID, code, message string) error
	ListErrors(ctx context.Context, jobID uuid.UUID) ([]domain.JobError, error)
}
