package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/artifact"
	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

const (
	defaultPreviewLimit = 5
	maxPreviewLimit     = 100
)

// getTask handles GET /tasks/{taskId}. Repeated calls never change the task.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetStatus(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

// getResult streams the CSV artifact of a completed task.
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if _, err := s.tasks.GetResult(r.Context(), id); err != nil {
		s.writeLookupError(w, err)
		return
	}
	body, err := s.tasks.OpenArtifact(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", listing.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName(id)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream artifact failed", zap.String("task_id", id), zap.Error(err))
	}
}

// getPreview handles GET /tasks/{taskId}/preview?limit=N.
func (s *Server) getPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	limit, err := parseLimit(r, defaultPreviewLimit, maxPreviewLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.tasks.GetResult(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	body, err := s.tasks.OpenArtifact(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	defer func() { _ = body.Close() }()

	records, err := listing.ReadCSV(body, limit)
	if err != nil {
		s.logger.Error("read artifact failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":      id,
		"recordCount": summary.RecordCount,
		"records":     records,
	})
}

// listTasks handles GET /tasks, most recently active first.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]taskSummaryDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummaryDTO{
			TaskID:    t.ID,
			Status:    string(t.State),
			StartedAt: t.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "total": len(out)})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.logger.Error("task stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total":     st.Total,
		"pending":   st.Pending,
		"running":   st.Running,
		"completed": st.Completed,
		"failed":    st.Failed,
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrNotCompleted):
		writeError(w, http.StatusBadRequest, "task not completed yet")
	case errors.Is(err, task.ErrArtifactMissing):
		writeError(w, http.StatusNotFound, "result file not found")
	default:
		s.logger.Error("task lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func toTaskDTO(t task.Task) taskDTO {
	dto := taskDTO{
		TaskID:      t.ID,
		Status:      string(t.State),
		SubmittedAt: t.SubmittedAt,
		StartedAt:   t.StartedAt,
		Progress:    t.Progress,
	}
	switch t.State {
	case task.StateCompleted:
		dto.CompletedAt = t.CompletedAt
		dto.ResultSummary = t.Result
	case task.StateFailed:
		dto.FailedAt = t.FailedAt
		dto.ErrorDetail = t.ErrorDetail
		dto.ErrorKind = string(t.ErrorKind)
	}
	if !t.ExpiresAt.IsZero() {
		exp := t.ExpiresAt
		dto.ExpiresAt = &exp
	}
	return dto
}

type taskDTO struct {
	TaskID        string              `json:"taskId"`
	Status        string              `json:"status"`
	SubmittedAt   time.Time           `json:"submittedAt"`
	StartedAt     *time.Time          `json:"startedAt"`
	Progress      crawler.Progress    `json:"progress"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	ResultSummary *task.ResultSummary `json:"resultSummary,omitempty"`
	FailedAt      *time.Time          `json:"failedAt,omitempty"`
	ErrorDetail   string              `json:"errorDetail,omitempty"`
	ErrorKind     string              `json:"errorKind,omitempty"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
}

type taskSummaryDTO struct {
	TaskID    string     `json:"taskId"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"startedAt"`
}
