package velocity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nppsupply/velocity/internal/domain"
	"github.com/nppsupply/velocity/internal/observability"
	"github.com/nppsupply/velocity/internal/repository"

	"github.com/google/uuid"
)

// WorkerConfig tunes the background processor.
type WorkerConfig struct {
	// PollInterval bounds how long a claimable job can sit unnoticed when
	// no wake signal arrives. It also paces retries after a failed claim
	// cycle.
	PollInterval time.Duration
	// Parallelism caps how many rows are validated concurrently within one
	// job. Outcome writes stay serialized in row-index order regardless.
	Parallelism int
	// ProgressEvery is the number of rows between mid-run totals flushes.
	ProgressEvery int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}
	return c
}

// Worker claims jobs one at a time and drives them to a terminal status.
// Run exactly one Worker per process; cross-process safety comes from the
// claim query, not from the worker.
type Worker struct {
	jobs      repository.JobRepository
	rows      repository.RowRepository
	shipments repository.ShipmentRepository
	jobErrors repository.JobErrorRepository
	reference ReferenceProvider
	metrics   *observability.Metrics
	cfg       WorkerConfig
	wakeCh    chan struct{}
}

// NewWorker wires the background processor.
func NewWorker(
	jobs repository.JobRepository,
	rows repository.RowRepository,
	shipments repository.ShipmentRepository,
	jobErrors repository.JobErrorRepository,
	reference ReferenceProvider,
	metrics *observability.Metrics,
	cfg WorkerConfig,
) *Worker {
	if reference == nil {
		reference = PermissiveReference{}
	}
	return &Worker{
		jobs:      jobs,
		rows:      rows,
		shipments: shipments,
		jobErrors: jobErrors,
		reference: reference,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Wake nudges the worker to claim immediately. Safe from any goroutine;
// signals coalesce.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run claims and processes jobs until ctx is cancelled. On cancellation
// the in-flight row batch finishes and its outcomes are written; the job
// stays in processing and is reclaimed on the next start. A failed claim
// cycle waits out the poll interval before the next attempt so an outage
// or a stuck job never spins the loop.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[WORKER] started (poll=%s parallelism=%d)", w.cfg.PollInterval, w.cfg.Parallelism)
	for {
		claimed, err := w.claimAndProcess(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				log.Printf("[WORKER] stopped")
				return
			}
			log.Printf("[WORKER] claim cycle failed: %v", err)
			select {
			case <-ctx.Done():
				log.Printf("[WORKER] stopped")
				return
			case <-time.After(w.cfg.PollInterval):
			}
		case claimed:
			// Drain the backlog before sleeping.
		default:
			select {
			case <-ctx.Done():
				log.Printf("[WORKER] stopped")
				return
			case <-w.wakeCh:
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

func (w *Worker) claimAndProcess(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	job, ok, err := w.jobs.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if !ok {
		w.observeQueueDepth(ctx)
		return false, nil
	}

	started := time.Now()
	if err := w.processJob(ctx, job); err != nil {
		// Infra failure mid-job: leave the job in processing so a later
		// claim resumes it from the row checkpoint.
		return true, fmt.Errorf("job %s interrupted: %w", job.ID, err)
	}
	w.observeQueueDepth(ctx)
	log.Printf("[WORKER] job %s finished in %s", job.ID, time.Since(started).Round(time.Millisecond))
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job domain.Job) error {
	data, found, err := w.jobs.GetJobData(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !found {
		// No snapshot means the job can never make progress. Fail it
		// terminally rather than letting it bounce between claims.
		if err := w.jobErrors.RecordBucket(ctx, job.ID, domain.ErrCodeSnapshot, "job snapshot not found; file must be re-submitted"); err != nil {
			return fmt.Errorf("failed to record snapshot error: %w", err)
		}
		if err := w.jobs.Finalize(ctx, job.ID, domain.JobTotals{Rows: job.Totals.Rows}, domain.JobFailed); err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		w.metrics.JobFinished(string(domain.JobFailed), 0)
		log.Printf("[WORKER] job %s failed: snapshot missing", job.ID)
		return nil
	}

	ref, err := w.reference.Snapshot(job.DistributorID)
	if err != nil {
		return fmt.Errorf("failed to load reference data: %w", err)
	}

	// Outcomes are written in ascending index order, so the pending rows
	// are always the suffix starting at the checkpoint.
	resumeAt, ok, err := w.rows.FirstPendingIndex(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to find resume checkpoint: %w", err)
	}
	if !ok {
		resumeAt = len(data.Rows)
	}

	processed := 0
	for start := resumeAt; start < len(data.Rows); start += w.cfg.Parallelism {
		if ctx.Err() != nil {
			// Stop between batches on shutdown; written outcomes are the
			// checkpoint the next claim resumes from.
			return ctx.Err()
		}

		end := start + w.cfg.Parallelism
		if end > len(data.Rows) {
			end = len(data.Rows)
		}

		evals := make([]Evaluation, end-start)
		var wg sync.WaitGroup
		for i := range evals {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				evals[i] = ValidateRow(data.Rows[start+i], ref)
			}(i)
		}
		wg.Wait()

		// Write one at a time in ascending row-index order so the
		// checkpoint never skips an unwritten row.
		for i, eval := range evals {
			if err := w.writeOutcome(ctx, job, start+i, eval); err != nil {
				return err
			}
			processed++
			if processed%w.cfg.ProgressEvery == 0 {
				if err := w.flushProgress(ctx, job.ID); err != nil {
					log.Printf("[WORKER] job %s progress flush failed: %v", job.ID, err)
				}
			}
		}
	}

	totals, err := w.rows.StatusCounts(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count row outcomes: %w", err)
	}
	final := totals.FinalStatus()
	if err := w.jobs.Finalize(ctx, job.ID, totals, final); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	elapsed := 0.0
	if job.StartedAt != nil {
		elapsed = time.Since(*job.StartedAt).Seconds()
	}
	w.metrics.JobFinished(string(final), elapsed)
	log.Printf("[WORKER] job %s %s (success=%d failed=%d skipped=%d of %d)",
		job.ID, final, totals.Success, totals.Failed, totals.Skipped, totals.Rows)
	return nil
}

// writeOutcome persists one row's result. The shipment upsert lands
// before the success mark so a crash between the two writes is healed by
// re-processing the still-pending row.
func (w *Worker) writeOutcome(ctx context.Context, job domain.Job, rowIndex int, eval Evaluation) error {
	if eval.Status == domain.RowSuccess {
		shipment := *eval.Shipment
		shipment.ID = uuid.New()
		shipment.JobID = job.ID
		shipment.FileID = job.FileID
		shipment.RowIndex = rowIndex
		shipment.DistributorID = job.DistributorID
		shipment.IngestedAt = time.Now().UTC()
		if err := w.shipments.Upsert(ctx, shipment); err != nil {
			return fmt.Errorf("failed to upsert shipment for row %d: %w", rowIndex, err)
		}
	}

	outcome := domain.RowOutcome{Status: eval.Status, ErrorMessage: eval.Message}
	if err := w.rows.RecordOutcome(ctx, job.ID, rowIndex, outcome); err != nil {
		return fmt.Errorf("failed to record outcome for row %d: %w", rowIndex, err)
	}

	if eval.Status == domain.RowFailed {
		if err := w.jobErrors.RecordBucket(ctx, job.ID, domain.ErrCodeValidation, eval.Message); err != nil {
			return fmt.Errorf("failed to record validation error: %w", err)
		}
	}

	w.metrics.RowFinished(string(eval.Status))
	return nil
}

func (w *Worker) flushProgress(ctx context.Context, jobID uuid.UUID) error {
	totals, err := w.rows.StatusCounts(ctx, jobID)
	if err != nil {
		return err
	}
	return w.jobs.UpdateProgress(ctx, jobID, totals)
}

// observeQueueDepth publishes the current queued+processing backlog.
func (w *Worker) observeQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	backlog, err := w.jobs.ListByStatuses(ctx, domain.JobQueued, domain.JobProcessing)
	if err != nil {
		return
	}
	w.metrics.QueueDepth.Set(float64(len(backlog)))
}

// ResumeIncompleteJobs runs once at startup: jobs left queued or
// processing by a crash are either failed outright (no snapshot) or left
// claimable, and the worker is woken to pick them up.
func ResumeIncompleteJobs(ctx context.Context, jobs repository.JobRepository, jobErrors repository.JobErrorRepository, worker *Worker) error {
	incomplete, err := jobs.ListByStatuses(ctx, domain.JobQueued, domain.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to scan for incomplete jobs: %w", err)
	}
	if len(incomplete) == 0 {
		return nil
	}

	resumable := 0
	for _, job := range incomplete {
		_, found, err := jobs.GetJobData(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to check snapshot for job %s: %w", job.ID, err)
		}
		if !found {
			if err := jobErrors.RecordBucket(ctx, job.ID, domain.ErrCodeSnapshot, "job snapshot lost; file must be re-submitted"); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to record snapshot error for job %s: %w", job.ID, err)
			}
			if err := jobs.Finalize(ctx, job.ID, domain.JobTotals{Rows: job.Totals.Rows}, domain.JobFailed); err != nil {
				return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
			}
			log.Printf("[RECOVERY] job %s failed: snapshot missing", job.ID)
			continue
		}
		resumable++
	}

	log.Printf("[RECOVERY] found %d incomplete jobs, %d resumable", len(incomplete), resumable)
	if resumable > 0 && worker != nil {
		worker.Wake()
	}
	return nil
}
