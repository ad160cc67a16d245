package velocity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nppsupply/velocity/internal/domain"
	"github.com/nppsupply/velocity/internal/parser"
	"github.com/nppsupply/velocity/internal/repository"

	"github.com/google/uuid"
)

const csvHeader = "OPCO,Customer #,Customer Name,Address One,Address Two,City,Zip Code,Invoice #,Invoice Date,Product #,Brand,Pack Size,Description,Corp Manuf #,GTIN,Manufacturer Name,Qty,Sales,Landed Cost,Allowances,Freight1,Freight2"

// usageLine builds one 22-column data line with the given quantity.
func usageLine(n int, qty string) string {
	return fmt.Sprintf("001,CUST%03d,Customer %d,,,City %d,,INV-%d,2024-12-01,PROD%03d,,,,,,,%s,100.00,80.00,0,0,0", n, n, n, n, n, qty)
}

func usageCSV(lines ...string) []byte {
	return []byte(csvHeader + "\n" + strings.Join(lines, "\n") + "\n")
}

func newTestService(store *repository.MemoryStore, staleness time.Duration) *Service {
	return NewService(store, store, store, store, store, parser.NewRegistry(), staleness, nil)
}

func TestIngestCreatesQueuedJobWithSnapshot(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		SourceKind:    domain.SourceUpload,
		InitiatedBy:   "ops@npp",
		Payload:       usageCSV(usageLine(1, "5"), usageLine(2, "7")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != domain.JobQueued {
		t.Errorf("status = %s, want queued", result.Status)
	}
	if result.TotalRows != 2 {
		t.Errorf("total rows = %d, want 2", result.TotalRows)
	}

	data, found, err := store.GetJobData(ctx, result.JobID)
	if err != nil || !found {
		t.Fatalf("snapshot missing: found=%v err=%v", found, err)
	}
	if len(data.Rows) != 2 {
		t.Fatalf("snapshot rows = %d, want 2", len(data.Rows))
	}
	if data.Rows[0]["customer_number"] != "CUST001" {
		t.Errorf("snapshot row 0 customer_number = %q", data.Rows[0]["customer_number"])
	}

	rows, total, err := store.ListRows(ctx, result.JobID, repository.RowFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if total != 2 {
		t.Fatalf("row count = %d, want 2", total)
	}
	for _, row := range rows {
		if row.Status != domain.RowPending {
			t.Errorf("row %d status = %s, want pending", row.RowIndex, row.Status)
		}
	}
}

func TestIngestRefusesDuplicateFile(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	req := IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		SourceKind:    domain.SourceUpload,
		Payload:       usageCSV(usageLine(1, "5")),
	}
	if _, err := svc.Ingest(ctx, req); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	_, err := svc.Ingest(ctx, req)
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("second ingest err = %v, want ErrDuplicateFile", err)
	}

	// Same bytes from a different distributor are a different file.
	req.DistributorID = uuid.New()
	if _, err := svc.Ingest(ctx, req); err != nil {
		t.Fatalf("other distributor ingest: %v", err)
	}
}

func TestIngestAllowsResubmitAfterFailedJob(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	req := IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		SourceKind:    domain.SourceUpload,
		Payload:       usageCSV(usageLine(1, "5")),
	}
	first, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := store.Finalize(ctx, first.JobID, domain.JobTotals{Rows: 1}, domain.JobFailed); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	second, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
	if !second.Duplicate {
		t.Error("resubmission should reuse the registered file")
	}
	if second.JobID == first.JobID {
		t.Error("resubmission must create a new job")
	}
}

func TestIngestUnsupportedExtension(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	_, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.pdf",
		Payload:       []byte("%PDF-1.4"),
	})
	if !errors.Is(err, parser.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestIngestParseFailureCreatesFailedJob(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	// An .xlsx extension with CSV bytes fails in the workbook reader.
	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.xlsx",
		Payload:       usageCSV(usageLine(1, "5")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}

	job, err := store.GetByID(ctx, result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobFailed || job.FinishedAt == nil {
		t.Errorf("job not terminally failed: status=%s finished=%v", job.Status, job.FinishedAt)
	}

	jobErrs, err := store.ListErrors(ctx, result.JobID)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(jobErrs) != 1 || jobErrs[0].Code != domain.ErrCodeParse {
		t.Fatalf("expected one parse_failure bucket, got %+v", jobErrs)
	}
}

func TestRestartResetsRowsAndRequeues(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "5"), usageLine(2, "bad")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Mark a mixed outcome, then a terminal failed state.
	if err := store.RecordOutcome(ctx, result.JobID, 0, domain.RowOutcome{Status: domain.RowSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordOutcome(ctx, result.JobID, 1, domain.RowOutcome{Status: domain.RowFailed, ErrorMessage: "bad qty"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Finalize(ctx, result.JobID, domain.JobTotals{Rows: 2, Success: 1, Failed: 1}, domain.JobFailed); err != nil {
		t.Fatal(err)
	}

	job, err := svc.Restart(ctx, result.JobID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Error("restart must clear run timestamps")
	}

	rows, _, err := store.ListRows(ctx, result.JobID, repository.RowFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row.Status != domain.RowPending {
			t.Errorf("row %d status = %s, want pending", row.RowIndex, row.Status)
		}
		if row.ErrorMessage != "" {
			t.Errorf("row %d error message should be cleared", row.RowIndex)
		}
	}
}

func TestRestartRefusedForNonRestartableStates(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "5")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := store.Finalize(ctx, result.JobID, domain.JobTotals{Rows: 1, Success: 1}, domain.JobCompleted); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Restart(ctx, result.JobID); !errors.Is(err, ErrNotRestartable) {
		t.Fatalf("restart of completed job err = %v, want ErrNotRestartable", err)
	}
}

func TestRestartRefusedWhileProcessingWithinStaleness(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "5")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, ok, err := store.ClaimNext(ctx); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if _, err := svc.Restart(ctx, result.JobID); !errors.Is(err, ErrNotRestartable) {
		t.Fatalf("restart of live processing job err = %v, want ErrNotRestartable", err)
	}

	// With a zero staleness window the same processing job counts as stuck.
	stuck := newTestService(store, 0)
	if _, err := stuck.Restart(ctx, result.JobID); err != nil {
		t.Fatalf("restart of stuck job: %v", err)
	}
}

func TestRestartRequiresSnapshot(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	// Parse-failed jobs have no snapshot; the file must be re-submitted.
	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.xlsx",
		Payload:       []byte("not a workbook"),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := svc.Restart(ctx, result.JobID); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("restart err = %v, want ErrNoSnapshot", err)
	}
}

func TestApplyActionOnFailedRow(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "bad"), usageLine(2, "5")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := store.RecordOutcome(ctx, result.JobID, 0, domain.RowOutcome{Status: domain.RowFailed, ErrorMessage: "bad qty"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordOutcome(ctx, result.JobID, 1, domain.RowOutcome{Status: domain.RowSuccess}); err != nil {
		t.Fatal(err)
	}

	rows, _, err := store.ListRows(ctx, result.JobID, repository.RowFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	var failedRow, successRow domain.JobRow
	for _, row := range rows {
		switch row.Status {
		case domain.RowFailed:
			failedRow = row
		case domain.RowSuccess:
			successRow = row
		}
	}

	updated, err := svc.ApplyAction(ctx, failedRow.ID, domain.ActionDismissed, "known bad feed", "reviewer@npp")
	if err != nil {
		t.Fatalf("apply action: %v", err)
	}
	if updated.ActionStatus != domain.ActionDismissed || updated.ActionTakenBy != "reviewer@npp" || updated.ActionTakenAt == nil {
		t.Errorf("action not recorded: %+v", updated)
	}
	if updated.Status != domain.RowFailed {
		t.Error("action must not change processing status")
	}

	// Last write wins.
	updated, err = svc.ApplyAction(ctx, failedRow.ID, domain.ActionAmendment, "", "reviewer@npp")
	if err != nil {
		t.Fatalf("second action: %v", err)
	}
	if updated.ActionStatus != domain.ActionAmendment {
		t.Errorf("action = %s, want amendment", updated.ActionStatus)
	}

	if _, err := svc.ApplyAction(ctx, successRow.ID, domain.ActionDismissed, "", "reviewer@npp"); !errors.Is(err, repository.ErrActionNotAllowed) {
		t.Fatalf("action on success row err = %v, want ErrActionNotAllowed", err)
	}
	if _, err := svc.ApplyAction(ctx, failedRow.ID, domain.ActionStatus("escalate"), "", "reviewer@npp"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("unknown action err = %v, want ErrInvalidAction", err)
	}
}

func TestListExceptionsDefaultsToFailedRows(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(store, time.Hour)

	result, err := svc.Ingest(ctx, IngestRequest{
		DistributorID: uuid.New(),
		FileName:      "usage.csv",
		Payload:       usageCSV(usageLine(1, "bad"), usageLine(2, "5"), usageLine(3, "worse")),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for i, st := range []domain.RowStatus{domain.RowFailed, domain.RowSuccess, domain.RowFailed} {
		if err := store.RecordOutcome(ctx, result.JobID, i, domain.RowOutcome{Status: st}); err != nil {
			t.Fatal(err)
		}
	}

	exceptions, total, err := svc.ListExceptions(ctx, result.JobID, repository.RowFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list exceptions: %v", err)
	}
	if total != 2 || len(exceptions) != 2 {
		t.Fatalf("exceptions = %d (total %d), want 2", len(exceptions), total)
	}
	for _, row := range exceptions {
		if row.Status != domain.RowFailed {
			t.Errorf("row %d status = %s", row.RowIndex, row.Status)
		}
	}
}

func TestSampleCSVTemplateParses(t *testing.T) {
	reg := parser.NewRegistry()
	p, err := reg.For("template.csv")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := p.Parse([]byte(SampleCSVTemplate()))
	if err != nil {
		t.Fatalf("template must parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("template rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if eval := ValidateRow(row, ReferenceData{}); eval.Status != domain.RowSuccess {
			t.Errorf("template row %d: %s (%s)", i, eval.Status, eval.Message)
		}
	}
}
