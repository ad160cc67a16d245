package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nppsupply/velocity/internal/auth"
	"github.com/nppsupply/velocity/internal/domain"
	"github.com/nppsupply/velocity/internal/repository"
	"github.com/nppsupply/velocity/internal/velocity"

	"github.com/google/uuid"
)

// Handler exposes the ingestion pipeline as an HTTP surface.
type Handler struct {
	service *velocity.Service
}

// NewHTTPHandler wraps the ingestion service. Mount it under /velocity/.
func NewHTTPHandler(service *velocity.Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/ingest"):
		h.handleIngest(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/template"):
		h.handleTemplate(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/jobs"):
		h.handleListJobs(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/restart"):
		h.handleRestart(w, r, path)
	case r.Method == http.MethodGet && strings.Contains(path, "/jobs/"):
		h.handleJobDetails(w, r, path)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/action"):
		h.handleExceptionAction(w, r, path)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/exceptions"):
		h.handleListExceptions(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	distributorID, err := uuid.Parse(strings.TrimSpace(r.FormValue("distributorId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid distributor id: %v", err), http.StatusBadRequest)
		return
	}
	if err := auth.EnforceDistributorScope(r.Context(), distributorID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	kind := domain.SourceKind(strings.TrimSpace(r.FormValue("sourceKind")))
	if kind == "" {
		kind = domain.SourceUpload
	}

	req := velocity.IngestRequest{
		DistributorID: distributorID,
		FileName:      header.Filename,
		SourceKind:    kind,
		InitiatedBy:   strings.TrimSpace(r.FormValue("initiatedBy")),
		Payload:       payload,
	}

	result, err := h.service.Ingest(r.Context(), req)
	switch {
	case errors.Is(err, velocity.ErrDuplicateFile):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusAccepted, result)
	}
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var status *domain.JobStatus
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		parsed := domain.JobStatus(raw)
		switch parsed {
		case domain.JobQueued, domain.JobProcessing, domain.JobCompleted,
			domain.JobPartialSuccess, domain.JobCompletedWithErrors, domain.JobFailed:
			status = &parsed
		default:
			http.Error(w, fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest)
			return
		}
	}

	limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobs, total, err := h.service.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (h *Handler) handleJobDetails(w http.ResponseWriter, r *http.Request, path string) {
	jobID, err := pathID(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	detail, err := h.service.JobDetails(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("job details: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request, path string) {
	jobID, err := pathID(strings.TrimSuffix(path, "/restart"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.service.Restart(r.Context(), jobID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, velocity.ErrNotRestartable), errors.Is(err, velocity.ErrNoSnapshot):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		http.Error(w, fmt.Sprintf("restart: %v", err), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

type exceptionsPayload struct {
	JobID  string  `json:"jobId"`
	Status *string `json:"status"`
	Action *string `json:"action"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

func (h *Handler) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload exceptionsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	jobID, err := uuid.Parse(strings.TrimSpace(payload.JobID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid jobId: %v", err), http.StatusBadRequest)
		return
	}

	filter := repository.RowFilter{Limit: payload.Limit, Offset: payload.Offset}
	if payload.Status != nil {
		status := domain.RowStatus(strings.TrimSpace(*payload.Status))
		filter.Status = &status
	}
	if payload.Action != nil {
		action := domain.ActionStatus(strings.TrimSpace(*payload.Action))
		filter.Action = &action
	}

	rows, total, err := h.service.ListExceptions(r.Context(), jobID, filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("list exceptions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "total": total})
}

type actionPayload struct {
	Action  string `json:"action"`
	Notes   string `json:"notes"`
	TakenBy string `json:"takenBy"`
}

func (h *Handler) handleExceptionAction(w http.ResponseWriter, r *http.Request, path string) {
	rowID, err := pathID(strings.TrimSuffix(path, "/action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	defer r.Body.Close()
	var payload actionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	row, err := h.service.ApplyAction(r.Context(), rowID,
		domain.ActionStatus(strings.TrimSpace(payload.Action)), payload.Notes, strings.TrimSpace(payload.TakenBy))
	switch {
	case errors.Is(err, velocity.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "row not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrActionNotAllowed):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		http.Error(w, fmt.Sprintf("apply action: %v", err), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, row)
	}
}

func (h *Handler) handleTemplate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="velocity-usage-template.csv"`)
	_, _ = io.WriteString(w, velocity.SampleCSVTemplate())
}

// pathID extracts the trailing UUID segment of a path.
func pathID(path string) (uuid.UUID, error) {
	idx := strings.LastIndex(path, "/")
	if idx == -1 || idx == len(path)-1 {
		return uuid.Nil, errors.New("missing identifier")
	}
	id, err := uuid.Parse(path[idx+1:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid identifier: %w", err)
	}
	return id, nil
}

func parsePage(limitRaw, offsetRaw string) (int, int, error) {
	limit := 20
	if raw := strings.TrimSpace(limitRaw); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(offsetRaw); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be zero or positive")
		}
		offset = parsed
	}
	return limit, offset, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
