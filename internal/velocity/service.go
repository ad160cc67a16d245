package velocity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nppsupply/velocity/internal/domain"
	"github.com/nppsupply/velocity/internal/parser"
	"github.com/nppsupply/velocity/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateFile is returned when byte-identical content was already
	// submitted for the distributor and a non-failed job exists for it.
	ErrDuplicateFile = errors.New("file already submitted for this distributor")

	// ErrNotRestartable is returned when a restart is requested for a job
	// outside the restartable states.
	ErrNotRestartable = errors.New("job is not in a restartable state")

	// ErrNoSnapshot is returned when a restart is requested for a job that
	// has no stored row snapshot (whole-file parse failures never get one).
	ErrNoSnapshot = errors.New("job has no row snapshot; re-submit the file")

	// ErrInvalidAction is returned for an unknown exception disposition.
	ErrInvalidAction = errors.New("invalid exception action")
)

// Service is the ingestion front door: it registers files, creates jobs
// with their row snapshots, and carries the operator commands (restart,
// exception actions). Row processing itself is the Worker's job.
type Service struct {
	files     repository.FileRepository
	jobs      repository.JobRepository
	rows      repository.RowRepository
	shipments repository.ShipmentRepository
	jobErrors repository.JobErrorRepository
	parsers   *parser.Registry
	staleness time.Duration
	wake      func()
}

// NewService wires the ingestion service. wake, if non-nil, is invoked
// after a job becomes claimable so the worker need not wait out its poll
// interval.
func NewService(
	files repository.FileRepository,
	jobs repository.JobRepository,
	rows repository.RowRepository,
	shipments repository.ShipmentRepository,
	jobErrors repository.JobErrorRepository,
	parsers *parser.Registry,
	staleness time.Duration,
	wake func(),
) *Service {
	if wake == nil {
		wake = func() {}
	}
	return &Service{
		files:     files,
		jobs:      jobs,
		rows:      rows,
		shipments: shipments,
		jobErrors: jobErrors,
		parsers:   parsers,
		staleness: staleness,
		wake:      wake,
	}
}

// IngestRequest describes one submitted usage file.
type IngestRequest struct {
	DistributorID uuid.UUID
	FileName      string
	SourceKind    domain.SourceKind
	SourceDetail  map[string]any
	InitiatedBy   string
	Payload       []byte
}

// IngestResult reports the created job.
type IngestResult struct {
	JobID     uuid.UUID        `json:"jobId"`
	FileID    uuid.UUID        `json:"fileId"`
	Status    domain.JobStatus `json:"status"`
	TotalRows int              `json:"totalRows"`
	Duplicate bool             `json:"duplicate"`
	Message   string           `json:"message,omitempty"`
}

// RegisterFile deduplicates the payload by (distributor, content hash).
// A byte-identical resubmission returns the existing file and
// duplicate=true instead of creating a second record.
func (s *Service) RegisterFile(ctx context.Context, req IngestRequest) (domain.IngestedFile, bool, error) {
	if req.DistributorID == uuid.Nil {
		return domain.IngestedFile{}, false, errors.New("distributor id is required")
	}
	if len(req.Payload) == 0 {
		return domain.IngestedFile{}, false, errors.New("file is empty")
	}

	hash := domain.HashContent(req.Payload)
	existing, found, err := s.files.GetByHash(ctx, req.DistributorID, hash)
	if err != nil {
		return domain.IngestedFile{}, false, fmt.Errorf("failed to check for duplicate file: %w", err)
	}
	if found {
		return existing, true, nil
	}

	file := domain.NewIngestedFile(req.DistributorID, req.FileName, req.SourceKind, req.SourceDetail, req.Payload)
	created, err := s.files.CreateFile(ctx, file)
	if err != nil {
		return domain.IngestedFile{}, false, fmt.Errorf("failed to register file: %w", err)
	}
	return created, false, nil
}

// Ingest registers the file, parses it once, and creates the job with its
// durable row snapshot. A duplicate file is refused unless every prior
// job against it failed. A parse failure creates the job directly in the
// failed state with a single parse-failure error; no rows are attempted.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	file, duplicate, err := s.RegisterFile(ctx, req)
	if err != nil {
		return IngestResult{}, err
	}

	if duplicate {
		priorJobs, err := s.jobs.ListByFile(ctx, file.ID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("failed to list jobs for duplicate file: %w", err)
		}
		for _, prior := range priorJobs {
			if prior.Status != domain.JobFailed {
				return IngestResult{FileID: file.ID, Duplicate: true}, ErrDuplicateFile
			}
		}
	}

	p, err := s.parsers.For(req.FileName)
	if err != nil {
		return IngestResult{}, err
	}

	rawRows, parseErr := p.Parse(req.Payload)
	if parseErr != nil {
		job := domain.NewJob(file.ID, req.DistributorID, req.InitiatedBy, 0)
		job.Status = domain.JobFailed
		now := time.Now().UTC()
		job.FinishedAt = &now

		jobErr := domain.JobError{
			ID:        uuid.New(),
			JobID:     job.ID,
			Code:      domain.ErrCodeParse,
			Message:   parseErr.Error(),
			CreatedAt: now,
		}
		if _, err := s.jobs.CreateFailed(ctx, job, jobErr); err != nil {
			return IngestResult{}, fmt.Errorf("failed to record parse failure: %w", err)
		}
		log.Printf("[INGEST] job %s failed: %v", job.ID, parseErr)
		return IngestResult{
			JobID:     job.ID,
			FileID:    file.ID,
			Status:    domain.JobFailed,
			Duplicate: duplicate,
			Message:   fmt.Sprintf("parse failure: %v", parseErr),
		}, nil
	}

	job := domain.NewJob(file.ID, req.DistributorID, req.InitiatedBy, len(rawRows))
	data := domain.JobData{
		JobID:     job.ID,
		Rows:      rawRows,
		CreatedBy: req.InitiatedBy,
		CreatedAt: time.Now().UTC(),
	}
	jobRows := make([]domain.JobRow, len(rawRows))
	for i, raw := range rawRows {
		jobRows[i] = domain.NewJobRow(job.ID, file.ID, i, raw)
	}

	created, err := s.jobs.CreateJob(ctx, job, data, jobRows)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to create job: %w", err)
	}

	log.Printf("[INGEST] job %s queued with %d rows (file %s, distributor %s)",
		created.ID, len(rawRows), req.FileName, req.DistributorID)
	s.wake()

	return IngestResult{
		JobID:     created.ID,
		FileID:    file.ID,
		Status:    created.Status,
		TotalRows: len(rawRows),
		Duplicate: duplicate,
	}, nil
}

// Restart resets every row of the job to pending and moves the job back
// to queued, replaying the stored snapshot without re-parsing the file.
// Legal from failed and queued, and from processing only once the job has
// been stuck longer than the staleness window. Always operator-triggered.
func (s *Service) Restart(ctx context.Context, jobID uuid.UUID) (domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !job.Restartable(time.Now().UTC(), s.staleness) {
		return domain.Job{}, ErrNotRestartable
	}

	if _, found, err := s.jobs.GetJobData(ctx, jobID); err != nil {
		return domain.Job{}, fmt.Errorf("failed to load job snapshot: %w", err)
	} else if !found {
		return domain.Job{}, ErrNoSnapshot
	}

	if err := s.jobs.ResetForRestart(ctx, jobID); err != nil {
		return domain.Job{}, fmt.Errorf("failed to reset job: %w", err)
	}

	log.Printf("[INGEST] job %s restarted", jobID)
	s.wake()
	return s.jobs.GetByID(ctx, jobID)
}

// ApplyAction records an operator disposition on a failed row. It never
// touches processing status and never triggers re-processing; a second
// call overwrites the first (last-write-wins).
func (s *Service) ApplyAction(ctx context.Context, rowID uuid.UUID, action domain.ActionStatus, notes, actor string) (domain.JobRow, error) {
	if !domain.ValidAction(action) {
		return domain.JobRow{}, ErrInvalidAction
	}
	return s.rows.ApplyAction(ctx, rowID, action, notes, actor)
}

// JobDetail bundles a job with its rows and aggregated errors for the
// status dashboard.
type JobDetail struct {
	Job    domain.Job        `json:"job"`
	Rows   []domain.JobRow   `json:"rows"`
	Errors []domain.JobError `json:"errors"`
}

// JobDetails returns the job, its rows, and its error buckets.
func (s *Service) JobDetails(ctx context.Context, jobID uuid.UUID) (JobDetail, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return JobDetail{}, err
	}
	jobRows, _, err := s.rows.ListRows(ctx, jobID, repository.RowFilter{Limit: job.Totals.Rows + 1})
	if err != nil {
		return JobDetail{}, err
	}
	jobErrs, err := s.jobErrors.ListErrors(ctx, jobID)
	if err != nil {
		return JobDetail{}, err
	}
	return JobDetail{Job: job, Rows: jobRows, Errors: jobErrs}, nil
}

// ListJobs pages through jobs, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]domain.Job, int, error) {
	return s.jobs.List(ctx, status, limit, offset)
}

// ListExceptions pages through a job's rows filtered by processing status
// and disposition, for the exceptions report.
func (s *Service) ListExceptions(ctx context.Context, jobID uuid.UUID, filter repository.RowFilter) ([]domain.JobRow, int, error) {
	if filter.Status == nil {
		failed := domain.RowFailed
		filter.Status = &failed
	}
	return s.rows.ListRows(ctx, jobID, filter)
}

// SampleCSVTemplate returns a usage file in the canonical 22-column
// layout for distributors onboarding to the feed.
func SampleCSVTemplate() string {
	return `OPCO,Customer #,Customer Name,Address One,Address Two,City,Zip Code,Invoice #,Invoice Date,Product #,Brand,Pack Size,Description,Corp Manuf #,GTIN,Manufacturer Name,Qty,Sales,Landed Cost,Allowances,Freight1,Freight2
001,CUST001,ABC Restaurant,123 Main St,Suite 100,New York,10001,INV-2024-001,2024-12-01,PROD001,Brand A,12x500ml,Product Description,CORP001,1234567890123,Manufacturer A,50,1250.00,1000.00,50.00,10.00,0.00
001,CUST002,XYZ Cafe,456 Oak Ave,,Los Angeles,90001,INV-2024-002,2024-12-01,PROD002,Brand B,24x250ml,Another Product,CORP002,9876543210987,Manufacturer B,100,2500.00,2000.00,100.00,0.00,5.00
002,CUST003,Restaurant Group,789 Pine Rd,Building 5,Chicago,60601,INV-2024-003,2024-12-02,PROD003,Brand C,6x1L,Third Product,CORP003,5555555555555,Manufacturer C,25,750.00,600.00,30.00,0.00,0.00`
}
