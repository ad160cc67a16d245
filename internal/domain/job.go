package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobPartialSuccess      JobStatus = "partial_success"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether the status can no longer change without an
// operator-triggered restart.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartialSuccess, JobCompletedWithErrors, JobFailed:
		return true
	}
	return false
}

// JobTotals aggregates row outcomes. While a job is processing these are
// a lower bound; they are final only once the job reaches a terminal status.
type JobTotals struct {
	Rows    int `json:"rows_total"`
	Success int `json:"rows_success"`
	Failed  int `json:"rows_failed"`
	Skipped int `json:"rows_skipped"`
}

// FinalStatus derives the terminal status from completed totals.
// A job is "failed" only for whole-file failures before any row was
// attempted; those are set directly, never derived here.
func (t JobTotals) FinalStatus() JobStatus {
	switch {
	case t.Failed == 0:
		return JobCompleted
	case t.Success > 0:
		return JobPartialSuccess
	default:
		return JobCompletedWithErrors
	}
}

// Job is one ingestion-and-processing attempt against a file.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	FileID        uuid.UUID  `json:"file_id"`
	DistributorID uuid.UUID  `json:"distributor_id"`
	InitiatedBy   string     `json:"initiated_by"`
	Status        JobStatus  `json:"status"`
	Totals        JobTotals  `json:"totals"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewJob creates a job in the queued state.
func NewJob(fileID, distributorID uuid.UUID, initiatedBy string, totalRows int) Job {
	return Job{
		ID:            uuid.New(),
		FileID:        fileID,
		DistributorID: distributorID,
		InitiatedBy:   initiatedBy,
		Status:        JobQueued,
		Totals:        JobTotals{Rows: totalRows},
		CreatedAt:     time.Now().UTC(),
	}
}

// Restartable reports whether an operator may restart the job. Failed and
// queued jobs are always restartable; a processing job only once it has been
// stuck longer than the staleness window.
func (j Job) Restartable(now time.Time, staleness time.Duration) bool {
	switch j.Status {
	case JobFailed, JobQueued:
		return true
	case JobProcessing:
		if j.StartedAt == nil {
			return true
		}
		return now.Sub(*j.StartedAt) > staleness
	}
	return false
}

// JobData is the immutable per-job snapshot of parsed rows plus the
// submitting identity. It exists so a new worker can resume a job without
// re-reading or re-parsing the original file.
type JobData struct {
	JobID     uuid.UUID `json:"job_id"`
	Rows      []RawRow  `json:"rows"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// JobError is an aggregated, queryable error fact for a job, bucketed by
// error code. Distinct from per-row error messages.
type JobError struct {
	ID        uuid.UUID      `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Error codes bucketed into JobError records.
const (
	ErrCodeParse      = "parse_failure"
	ErrCodeValidation = "validation_failure"
	ErrCodeSnapshot   = "snapshot_missing"
)
