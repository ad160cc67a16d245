package velocity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nppsupply/velocity/internal/domain"
	"github.com/nppsupply/velocity/internal/observability"
	"github.com/nppsupply/velocity/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestWorker(store *repository.MemoryStore, ref ReferenceProvider) *Worker {
	return NewWorker(store, store, store, store, ref, nil, WorkerConfig{
		PollInterval:  time.Millisecond,
		Parallelism:   3,
		ProgressEvery: 4,
	})
}

// drain runs claim cycles until no claimable job remains.
func drain(t *testing.T, w *Worker) {
	t.Helper()
	for {
		claimed, err := w.claimAndProcess(context.Background())
		if err != nil {
			t.Fatalf("claim cycle: %v", err)
		}
		if !claimed {
			return
		}
	}
}

func TestWorkerProcessesMixedJob(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	lines := make([]string, 0, 10)
	for i := 1; i <= 8; i++ {
		lines = append(lines, usageLine(i, "10"))
	}
	lines = append(lines, usageLine(9, "oops"), usageLine(10, "-1"))

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(lines...),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	drain(t, newTestWorker(store, nil))

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobPartialSuccess {
		t.Errorf("status = %s, want partial_success", job.Status)
	}
	want := domain.JobTotals{Rows: 10, Success: 8, Failed: 2}
	if job.Totals != want {
		t.Errorf("totals = %+v, want %+v", job.Totals, want)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("terminal job must carry run timestamps")
	}

	count, err := store.CountByJob(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 8 {
		t.Errorf("shipments = %d, want 8", count)
	}

	jobErrs, err := store.ListErrors(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobErrs) != 1 || jobErrs[0].Code != domain.ErrCodeValidation {
		t.Fatalf("expected one validation_failure bucket, got %+v", jobErrs)
	}
	if occ, _ := jobErrs[0].Details["occurrences"].(int); occ != 2 {
		t.Errorf("occurrences = %v, want 2", jobErrs[0].Details["occurrences"])
	}
}

func TestWorkerAllRowsFailIsCompletedWithErrors(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "x"), usageLine(2, "y")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	drain(t, newTestWorker(store, nil))

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompletedWithErrors {
		t.Errorf("status = %s, want completed_with_errors", job.Status)
	}
}

func TestWorkerSkipsBlankRows(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	blank := strings22()
	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "3"), blank, usageLine(3, "4")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	drain(t, newTestWorker(store, nil))

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	want := domain.JobTotals{Rows: 3, Success: 2, Skipped: 1}
	if job.Totals != want {
		t.Errorf("totals = %+v, want %+v", job.Totals, want)
	}
}

// strings22 is an all-empty 22-field CSV line.
func strings22() string {
	return ",,,,,,,,,,,,,,,,,,,,,"
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	lines := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		lines = append(lines, usageLine(i, "1"))
	}
	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(lines...),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Simulate a crash after five rows: job claimed, outcomes 0..4 written,
	// process dies before finalization.
	job, ok, err := store.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 5; i++ {
		if err := store.RecordOutcome(ctx, job.ID, i, domain.RowOutcome{Status: domain.RowSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	firstStart := job.StartedAt

	idx, ok, err := store.FirstPendingIndex(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("first pending: ok=%v err=%v", ok, err)
	}
	if idx != 5 {
		t.Fatalf("checkpoint = %d, want 5", idx)
	}

	// A fresh worker in a new process reclaims and finishes the job.
	drain(t, newTestWorker(store, nil))

	job, err = store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.Totals.Success != 10 {
		t.Errorf("success = %d, want 10", job.Totals.Success)
	}
	if firstStart != nil && job.StartedAt != nil && !job.StartedAt.Equal(*firstStart) {
		t.Error("reclaim must keep the original started_at")
	}

	// Only the five resumed rows produced shipments here, and none twice.
	count, err := store.CountByJob(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("shipments = %d, want 5 (rows 0..4 were marked before their upsert)", count)
	}
}

func TestWorkerReprocessingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "2"), usageLine(2, "3")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	worker := newTestWorker(store, nil)
	drain(t, worker)

	// Restart replays every row; shipment and row counts must not grow.
	if err := store.Finalize(ctx, result.JobID, domain.JobTotals{Rows: 2, Success: 2}, domain.JobFailed); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Restart(ctx, result.JobID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	drain(t, worker)

	count, err := store.CountByJob(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("shipments after replay = %d, want 2", count)
	}
	_, totalRows, err := store.ListRows(ctx, result.JobID, repository.RowFilter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if totalRows != 2 {
		t.Errorf("rows after replay = %d, want 2", totalRows)
	}

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status after replay = %s, want completed", job.Status)
	}
}

func TestWorkerUsesReferenceSnapshot(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "2"), usageLine(2, "3")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	ref := stubReference{data: ReferenceData{KnownProducts: map[string]bool{"PROD001": true}}}
	drain(t, newTestWorker(store, ref))

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobPartialSuccess {
		t.Errorf("status = %s, want partial_success", job.Status)
	}
	if job.Totals.Failed != 1 {
		t.Errorf("failed = %d, want 1 (PROD002 unknown)", job.Totals.Failed)
	}
}

type stubReference struct {
	data ReferenceData
}

func (s stubReference) Snapshot(distributorID uuid.UUID) (ReferenceData, error) {
	data := s.data
	data.DistributorID = distributorID
	return data, nil
}

type failingReference struct {
	calls *atomic.Int32
}

func (f failingReference) Snapshot(uuid.UUID) (ReferenceData, error) {
	f.calls.Add(1)
	return ReferenceData{}, errors.New("reference service unavailable")
}

func TestWorkerWaitsAfterFailedCycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "2")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var calls atomic.Int32
	w := NewWorker(store, store, store, store, failingReference{calls: &calls}, nil, WorkerConfig{
		PollInterval: 50 * time.Millisecond,
		Parallelism:  3,
	})

	// With the reference service down every cycle fails. The loop must
	// pace retries by the poll interval instead of spinning on the stuck
	// job.
	runCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	w.Run(runCtx)

	if got := calls.Load(); got < 1 || got > 5 {
		t.Errorf("snapshot attempts in 120ms = %d, want a handful paced by the 50ms poll", got)
	}

	// The job stays claimable for whenever the outage clears.
	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
}

func TestWorkerPublishesMetrics(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	for _, name := range []string{"east.csv", "west.csv"} {
		if _, err := svc.Ingest(ctx, IngestRequest{
			DistributorID: uuid.New(),
			FileName:      name,
			Payload:       usageCSV(usageLine(1, "2")),
		}); err != nil {
			t.Fatalf("ingest %s: %v", name, err)
		}
	}

	m, _ := observability.NewMetrics()
	w := NewWorker(store, store, store, store, nil, m, WorkerConfig{
		PollInterval:  time.Millisecond,
		Parallelism:   3,
		ProgressEvery: 4,
	})

	claimed, err := w.claimAndProcess(ctx)
	if err != nil || !claimed {
		t.Fatalf("first cycle: claimed=%v err=%v", claimed, err)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 1 {
		t.Errorf("queue depth with one job left = %v, want 1", got)
	}

	drain(t, w)

	if got := testutil.ToFloat64(m.QueueDepth); got != 0 {
		t.Errorf("queue depth after drain = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.JobsProcessed.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed jobs counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RowsProcessed.WithLabelValues("success")); got != 2 {
		t.Errorf("row success counter = %v, want 2", got)
	}
}

func TestResumeIncompleteJobsFailsSnapshotlessJobs(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	// A healthy queued job with a snapshot, and a processing job whose
	// snapshot is gone (e.g. created by an older deploy).
	healthy := domain.NewJob(uuid.New(), uuid.New(), "ops@npp", 1)
	raw := domain.RawRow{"customer_number": "CUST001", "qty": "1"}
	data := domain.JobData{JobID: healthy.ID, Rows: []domain.RawRow{raw}, CreatedAt: time.Now().UTC()}
	if _, err := store.CreateJob(ctx, healthy, data, []domain.JobRow{domain.NewJobRow(healthy.ID, healthy.FileID, 0, raw)}); err != nil {
		t.Fatal(err)
	}

	// A queued job record with no snapshot behind it can never progress.
	orphan := domain.NewJob(uuid.New(), uuid.New(), "scheduler", 3)
	if _, err := store.CreateFailed(ctx, orphan, domain.JobError{ID: uuid.New(), JobID: orphan.ID, Code: "placeholder", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	worker := newTestWorker(store, nil)
	if err := ResumeIncompleteJobs(ctx, store, store, worker); err != nil {
		t.Fatalf("resume: %v", err)
	}

	orphanJob, err := store.GetByID(ctx, orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orphanJob.Status != domain.JobFailed {
		t.Errorf("orphan status = %s, want failed", orphanJob.Status)
	}

	// The healthy job stays claimable.
	got, err := store.GetByID(ctx, healthy.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobQueued {
		t.Errorf("healthy job status = %s, want queued", got.Status)
	}

	drain(t, worker)
	got, err = store.GetByID(ctx, healthy.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobCompleted {
		t.Errorf("healthy job status after drain = %s, want completed", got.Status)
	}
}
