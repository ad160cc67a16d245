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

type rowRepository struct {
	pool *pgxpool.Pool
}

// NewRowRepository wires the per-row audit store backed by pgxpool.
func NewRowRepository(pool *pgxpool.Pool) RowRepository {
	return &rowRepository{pool: pool}
}

const rowColumns = `row_id, job_id, file_id, row_index, raw_values, status, error_message,
	action_status, action_notes, action_taken_by, action_taken_at, created_at`

func (r *rowRepository) RecordOutcome(ctx context.Context, jobID uuid.UUID, rowIndex int, outcome domain.RowOutcome) error {
	var message any
	if outcome.ErrorMessage != "" {
		message = outcome.ErrorMessage
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE velocity_job_rows
		 SET status = $3, error_message = $4
		 WHERE job_id = $1 AND row_index = $2`,
		jobID,
		rowIndex,
		string(outcome.Status),
		message,
	)
	if err != nil {
		return fmt.Errorf("failed to record row outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *rowRepository) GetRow(ctx context.Context, rowID uuid.UUID) (domain.JobRow, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+rowColumns+` FROM velocity_job_rows WHERE row_id = $1`,
		rowID,
	)
	jobRow, err := scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobRow{}, ErrNotFound
		}
		return domain.JobRow{}, fmt.Errorf("failed to get job row: %w", err)
	}
	return jobRow, nil
}

func (r *rowRepository) ListRows(ctx context.Context, jobID uuid.UUID, filter RowFilter) ([]domain.JobRow, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := `WHERE job_id = $1`
	args := []any{jobID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Action != nil {
		if *filter.Action == domain.ActionOpen {
			where += ` AND action_status IS NULL`
		} else {
			args = append(args, string(*filter.Action))
			where += fmt.Sprintf(` AND action_status = $%d`, len(args))
		}
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM velocity_job_rows `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count job rows: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM velocity_job_rows %s ORDER BY row_index LIMIT $%d OFFSET $%d`,
		rowColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list job rows: %w", err)
	}
	defer rows.Close()

	result := []domain.JobRow{}
	for rows.Next() {
		jobRow, err := scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job row: %w", err)
		}
		result = append(result, jobRow)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return result, total, nil
}

func (r *rowRepository) FirstPendingIndex(ctx context.Context, jobID uuid.UUID) (int, bool, error) {
	// MIN over zero pending rows yields NULL.
	var index pgtype.Int4
	err := r.pool.QueryRow(
		ctx,
		`SELECT MIN(row_index) FROM velocity_job_rows WHERE job_id = $1 AND status = 'pending'`,
		jobID,
	).Scan(&index)
	if err != nil {
		return 0, false, fmt.Errorf("failed to find first pending row: %w", err)
	}
	if !index.Valid {
		return 0, false, nil
	}
	return int(index.Int32), true, nil
}

func (r *rowRepository) StatusCounts(ctx context.Context, jobID uuid.UUID) (domain.JobTotals, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT status, COUNT(*) FROM velocity_job_rows WHERE job_id = $1 GROUP BY status`,
		jobID,
	)
	if err != nil {
		return domain.JobTotals{}, fmt.Errorf("failed to count row statuses: %w", err)
	}
	defer rows.Close()

	var totals domain.JobTotals
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return domain.JobTotals{}, fmt.Errorf("failed to scan status count: %w", err)
		}
		totals.Rows += count
		switch domain.RowStatus(status) {
		case domain.RowSuccess:
			totals.Success = count
		case domain.RowFailed:
			totals.Failed = count
		case domain.RowSkipped:
			totals.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.JobTotals{}, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return totals, nil
}

func (r *rowRepository) ApplyAction(ctx context.Context, rowID uuid.UUID, action domain.ActionStatus, notes, actor string) (domain.JobRow, error) {
	row := r.pool.QueryRow(
		ctx,
		`UPDATE velocity_job_rows
		 SET action_status = $2, action_notes = $3, action_taken_by = $4, action_taken_at = now()
		 WHERE row_id = $1 AND status = 'failed'
		 RETURNING `+rowColumns,
		rowID,
		string(action),
		notes,
		actor,
	)

	jobRow, err := scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the row does not exist or it is not failed; look it
			// up to distinguish the two.
			if _, getErr := r.GetRow(ctx, rowID); getErr != nil {
				return domain.JobRow{}, getErr
			}
			return domain.JobRow{}, ErrActionNotAllowed
		}
		return domain.JobRow{}, fmt.Errorf("failed to apply exception action: %w", err)
	}
	return jobRow, nil
}

func scanRow(row pgx.Row) (domain.JobRow, error) {
	var (
		jobRow        domain.JobRow
		raw           []byte
		status        string
		errorMessage  pgtype.Text
		actionStatus  pgtype.Text
		actionNotes   pgtype.Text
		actionTakenBy pgtype.Text
		actionTakenAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&jobRow.ID,
		&jobRow.JobID,
		&jobRow.FileID,
		&jobRow.RowIndex,
		&raw,
		&status,
		&errorMessage,
		&actionStatus,
		&actionNotes,
		&actionTakenBy,
		&actionTakenAt,
		&jobRow.CreatedAt,
	); err != nil {
		return domain.JobRow{}, err
	}

	jobRow.Status = domain.RowStatus(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &jobRow.RawValues); err != nil {
			return domain.JobRow{}, fmt.Errorf("failed to unmarshal raw values: %w", err)
		}
	}
	if errorMessage.Valid {
		jobRow.ErrorMessage = errorMessage.String
	}
	if actionStatus.Valid {
		jobRow.ActionStatus = domain.ActionStatus(actionStatus.String)
	}
	if actionNotes.Valid {
		jobRow.ActionNotes = actionNotes.String
	}
	if actionTakenBy.Valid {
		jobRow.ActionTakenBy = actionTakenBy.String
	}
	if actionTakenAt.Valid {
		jobRow.ActionTakenAt = &actionTakenAt.Time
	}
	return jobRow, nil
}
