package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory job store implementing every repository
// interface. It backs the engine's unit tests; the pgx repositories are
// the production counterpart with identical semantics.
type MemoryStore struct {
	mu sync.Mutex

	files     map[uuid.UUID]domain.IngestedFile
	jobs      map[uuid.UUID]domain.Job
	jobOrder  []uuid.UUID
	jobData   map[uuid.UUID]domain.JobData
	rows      map[uuid.UUID]map[int]domain.JobRow
	rowIDs    map[uuid.UUID]rowRef
	shipments map[uuid.UUID]map[int]domain.Shipment
	jobErrors map[uuid.UUID][]domain.JobError
}

// rowRef locates a row by its owning job and index.
type rowRef struct {
	jobID uuid.UUID
	index int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:     make(map[uuid.UUID]domain.IngestedFile),
		jobs:      make(map[uuid.UUID]domain.Job),
		jobData:   make(map[uuid.UUID]domain.JobData),
		rows:      make(map[uuid.UUID]map[int]domain.JobRow),
		rowIDs:    make(map[uuid.UUID]rowRef),
		shipments: make(map[uuid.UUID]map[int]domain.Shipment),
		jobErrors: make(map[uuid.UUID][]domain.JobError),
	}
}

var (
	_ FileRepository     = (*MemoryStore)(nil)
	_ JobRepository      = (*MemoryStore)(nil)
	_ RowRepository      = (*MemoryStore)(nil)
	_ ShipmentRepository = (*MemoryStore)(nil)
	_ JobErrorRepository = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateFile(ctx context.Context, file domain.IngestedFile) (domain.IngestedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.ID] = file
	return file, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, distributorID uuid.UUID, hash string) (domain.IngestedFile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, file := range s.files {
		if file.DistributorID == distributorID && file.ContentSHA256 == hash {
			return file, true, nil
		}
	}
	return domain.IngestedFile{}, false, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job domain.Job, data domain.JobData, rows []domain.JobRow) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	s.jobData[job.ID] = data

	byIndex := make(map[int]domain.JobRow, len(rows))
	for _, row := range rows {
		byIndex[row.RowIndex] = row
		s.rowIDs[row.ID] = rowRef{jobID: job.ID, index: row.RowIndex}
	}
	s.rows[job.ID] = byIndex
	return job, nil
}

func (s *MemoryStore) CreateFailed(ctx context.Context, job domain.Job, jobErr domain.JobError) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	s.jobErrors[job.ID] = append(s.jobErrors[job.ID], jobErr)
	return job, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) List(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]domain.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	matched := []domain.Job{}
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		job := s.jobs[s.jobOrder[i]]
		if status != nil && job.Status != *status {
			continue
		}
		matched = append(matched, job)
	}

	total := len(matched)
	if offset >= total {
		return []domain.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.JobStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	jobs := []domain.Job{}
	for _, id := range s.jobOrder {
		if job := s.jobs[id]; wanted[job.Status] {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListByFile(ctx context.Context, fileID uuid.UUID) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []domain.Job{}
	for _, id := range s.jobOrder {
		if job := s.jobs[id]; job.FileID == fileID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Status != domain.JobQueued && job.Status != domain.JobProcessing {
			continue
		}
		job.Status = domain.JobProcessing
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
		s.jobs[id] = job
		return job, true, nil
	}
	return domain.Job{}, false, nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Totals.Success = totals.Success
	job.Totals.Failed = totals.Failed
	job.Totals.Skipped = totals.Skipped
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, jobID uuid.UUID, totals domain.JobTotals, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.Totals = totals
	job.FinishedAt = &now
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) ResetForRestart(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = domain.JobQueued
	job.Totals.Success = 0
	job.Totals.Failed = 0
	job.Totals.Skipped = 0
	job.StartedAt = nil
	job.FinishedAt = nil
	s.jobs[jobID] = job

	for index, row := range s.rows[jobID] {
		row.Status = domain.RowPending
		row.ErrorMessage = ""
		s.rows[jobID][index] = row
	}
	return nil
}

func (s *MemoryStore) GetJobData(ctx context.Context, jobID uuid.UUID) (domain.JobData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.jobData[jobID]
	return data, ok, nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, jobID uuid.UUID, rowIndex int, outcome domain.RowOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[jobID][rowIndex]
	if !ok {
		return ErrNotFound
	}
	row.Status = outcome.Status
	row.ErrorMessage = outcome.ErrorMessage
	s.rows[jobID][rowIndex] = row
	return nil
}

func (s *MemoryStore) GetRow(ctx context.Context, rowID uuid.UUID) (domain.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.rowIDs[rowID]
	if !ok {
		return domain.JobRow{}, ErrNotFound
	}
	return s.rows[ref.jobID][ref.index], nil
}

func (s *MemoryStore) ListRows(ctx context.Context, jobID uuid.UUID, filter RowFilter) ([]domain.JobRow, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	matched := []domain.JobRow{}
	for _, row := range s.rows[jobID] {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.Action != nil && row.ActionStatus != *filter.Action {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].RowIndex < matched[j].RowIndex })

	total := len(matched)
	offset := filter.Offset
	if offset >= total {
		return []domain.JobRow{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) FirstPendingIndex(ctx context.Context, jobID uuid.UUID) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := -1
	for index, row := range s.rows[jobID] {
		if row.Status != domain.RowPending {
			continue
		}
		if first == -1 || index < first {
			first = index
		}
	}
	if first == -1 {
		return 0, false, nil
	}
	return first, true, nil
}

func (s *MemoryStore) StatusCounts(ctx context.Context, jobID uuid.UUID) (domain.JobTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totals domain.JobTotals
	for _, row := range s.rows[jobID] {
		totals.Rows++
		switch row.Status {
		case domain.RowSuccess:
			totals.Success++
		case domain.RowFailed:
			totals.Failed++
		case domain.RowSkipped:
			totals.Skipped++
		}
	}
	return totals, nil
}

func (s *MemoryStore) ApplyAction(ctx context.Context, rowID uuid.UUID, action domain.ActionStatus, notes, actor string) (domain.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.rowIDs[rowID]
	if !ok {
		return domain.JobRow{}, ErrNotFound
	}
	row := s.rows[ref.jobID][ref.index]
	if row.Status != domain.RowFailed {
		return domain.JobRow{}, ErrActionNotAllowed
	}

	now := time.Now().UTC()
	row.ActionStatus = action
	row.ActionNotes = notes
	row.ActionTakenBy = actor
	row.ActionTakenAt = &now
	s.rows[ref.jobID][ref.index] = row
	return row, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, shipment domain.Shipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.shipments[shipment.JobID]
	if !ok {
		byIndex = make(map[int]domain.Shipment)
		s.shipments[shipment.JobID] = byIndex
	}
	if existing, ok := byIndex[shipment.RowIndex]; ok {
		shipment.ID = existing.ID
	}
	byIndex[shipment.RowIndex] = shipment
	return nil
}

func (s *MemoryStore) CountByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shipments[jobID]), nil
}

func (s *MemoryStore) ListShipments(ctx context.Context, jobID uuid.UUID) ([]domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shipments := []domain.Shipment{}
	for _, shipment := range s.shipments[jobID] {
		shipments = append(shipments, shipment)
	}
	sort.Slice(shipments, func(i, j int) bool { return shipments[i].RowIndex < shipments[j].RowIndex })
	return shipments, nil
}

func (s *MemoryStore) RecordBucket(ctx context.Context, jobID uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, jobErr := range s.jobErrors[jobID] {
		if jobErr.Code == code {
			occurrences, _ := jobErr.Details["occurrences"].(int)
			if jobErr.Details == nil {
				jobErr.Details = map[string]any{}
			}
			jobErr.Details["occurrences"] = occurrences + 1
			s.jobErrors[jobID][i] = jobErr
			return nil
		}
	}
	s.jobErrors[jobID] = append(s.jobErrors[jobID], domain.JobError{
		ID:        uuid.New(),
		JobID:     jobID,
		Code:      code,
		Message:   message,
		Details:   map[string]any{"occurrences": 1},
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) ListErrors(ctx context.Context, jobID uuid.UUID) ([]domain.JobError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobError{}, s.jobErrors[jobID]...), nil
}
