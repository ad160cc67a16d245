package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawRow is the ordered field map a parser produced for one input row.
type RawRow map[string]string

// Blank reports whether every field of the row is empty.
func (r RawRow) Blank() bool {
	for _, v := range r {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// RowStatus is the processing outcome of a single row. Row status doubles
// as the resume checkpoint: a worker picks up from the first pending index.
type RowStatus string

const (
	RowPending RowStatus = "pending"
	RowSuccess RowStatus = "success"
	RowFailed  RowStatus = "failed"
	RowSkipped RowStatus = "skipped"
)

// ActionStatus is the operator disposition of a failed row. It is a second
// state machine independent of RowStatus: the processor never writes it and
// operator actions never touch RowStatus.
type ActionStatus string

const (
	ActionOpen        ActionStatus = ""
	ActionDismissed   ActionStatus = "dismissed"
	ActionNewContract ActionStatus = "new_contract"
	ActionAmendment   ActionStatus = "amendment"
)

// ValidAction reports whether the value is an assignable disposition.
func ValidAction(a ActionStatus) bool {
	switch a {
	case ActionDismissed, ActionNewContract, ActionAmendment:
		return true
	}
	return false
}

// JobRow is the per-row audit record of a job. RowIndex is 0-based, unique
// within the job, and defines deterministic resume order.
type JobRow struct {
	ID           uuid.UUID `json:"id"`
	JobID        uuid.UUID `json:"job_id"`
	FileID       uuid.UUID `json:"file_id"`
	RowIndex     int       `json:"row_index"`
	RawValues    RawRow    `json:"raw_values"`
	Status       RowStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	ActionStatus  ActionStatus `json:"action_status,omitempty"`
	ActionNotes   string       `json:"action_notes,omitempty"`
	ActionTakenBy string       `json:"action_taken_by,omitempty"`
	ActionTakenAt *time.Time   `json:"action_taken_at,omitempty"`
}

// NewJobRow creates a pending row for a job.
func NewJobRow(jobID, fileID uuid.UUID, index int, raw RawRow) JobRow {
	return JobRow{
		ID:        uuid.New(),
		JobID:     jobID,
		FileID:    fileID,
		RowIndex:  index,
		RawValues: raw,
		Status:    RowPending,
		CreatedAt: time.Now().UTC(),
	}
}

// RowOutcome is the result of evaluating one row, written idempotently
// keyed on (job, row index).
type RowOutcome struct {
	Status       RowStatus
	ErrorMessage string
}
