// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the /v1 HTTP control plane: job submission and
// inspection, cancellation, result retrieval, and the SSE event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nimbusfetch/internal/events"
	"nimbusfetch/internal/metrics"
	"nimbusfetch/internal/store"
	"nimbusfetch/pkg/fetch"
)

// Info describes the running process for the health endpoint.
type Info struct {
	RuntimeRole    string
	DBBackend      string
	MetricsEnabled bool
}

// API is the HTTP layer over the job store and event stream.
type API struct {
	Store  store.Store
	Stream *events.Stream
	Info   Info

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(st store.Store, stream *events.Stream, info Info, logger *log.Logger) *API {
	return &API{
		Store:  st,
		Stream: stream,
		Info:   info,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/health", a.healthHandler)
	mux.HandleFunc("/v1/jobs", a.jobsHandler)
	mux.HandleFunc("/v1/jobs/", a.jobByIDHandler)
	mux.HandleFunc("/v1/jobs/batch", a.batchHandler)
	mux.HandleFunc("/v1/events", a.eventsHandler)
	mux.HandleFunc("/v1/metrics", a.metricsHandler)
	mux.HandleFunc("/", a.rootHandler)
}

// --------------- Models ---------------

// JobStatus is the user-facing job record.
type JobStatus struct {
	fetch.Job
	DurationSeconds float64 `json:"duration_seconds"`
}

// ListResponse pages through jobs.
type ListResponse struct {
	Items    []JobStatus `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, jsonError{Error: code, Message: message})
}

// --------------- Handlers ---------------

func (a *API) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "nimbusfetch",
		"service": "satellite product acquisition",
		"api":     "/v1",
	})
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"timestamp":       a.Now().Format(time.RFC3339),
		"runtime_role":    a.Info.RuntimeRole,
		"db_backend":      a.Info.DBBackend,
		"metrics_enabled": a.Info.MetricsEnabled,
	})
}

func (a *API) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.Info.MetricsEnabled {
		writeError(w, http.StatusNotFound, "not_found", "metrics are disabled")
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateJob(w, r)
	case http.MethodGet:
		a.handleListJobs(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetJob(w, r, jobID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		a.handleCancelJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodGet:
		a.handleGetResult(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

// readBody drains the (already size-capped) request body, translating the
// cap being hit into a 413.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
		} else {
			writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

// buildJob validates one submission and shapes the job record.
func (a *API) buildJob(raw []byte) (*fetch.Job, error) {
	req, err := fetch.ParseRequest(raw)
	if err != nil {
		return nil, err
	}
	return &fetch.Job{
		JobID:      uuid.NewString(),
		Request:    req.Raw,
		JobType:    req.JobType,
		Provider:   req.Provider(),
		Collection: req.Collection(),
		CreatedAt:  a.Now(),
	}, nil
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	job, err := a.buildJob(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if err := a.Store.CreateJob(r.Context(), job); err != nil {
		a.logf("create job: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to persist job")
		return
	}
	metrics.IncJobSubmission(job.Provider, job.JobType)
	a.logf("job %s submitted (provider=%s collection=%s)", job.JobID, job.Provider, job.Collection)
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.JobID})
}

func (a *API) batchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var payload struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "body must be {jobs: [...]}")
		return
	}
	if len(payload.Jobs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "jobs must not be empty")
		return
	}

	// Validate the whole batch before creating anything.
	jobs := make([]*fetch.Job, 0, len(payload.Jobs))
	for i, raw := range payload.Jobs {
		job, err := a.buildJob(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("jobs[%d]: %v", i, err))
			return
		}
		jobs = append(jobs, job)
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := a.Store.CreateJob(r.Context(), job); err != nil {
			a.logf("create job in batch: %v", err)
			writeError(w, http.StatusInternalServerError, "internal",
				fmt.Sprintf("failed after creating %d of %d jobs", len(ids), len(jobs)))
			return
		}
		metrics.IncJobSubmission(job.Provider, job.JobType)
		ids = append(ids, job.JobID)
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"job_ids": ids})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := a.Store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
		return
	}
	if err != nil {
		a.logf("get job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, JobStatus{Job: *job, DurationSeconds: job.DurationSeconds(a.Now())})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	outcome, err := a.Store.RequestCancel(r.Context(), jobID)
	if err != nil {
		a.logf("cancel job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to request cancellation")
		return
	}
	switch outcome {
	case fetch.CancelUnknown:
		writeError(w, http.StatusNotFound, "not_found", "unknown job_id")
	case fetch.CancelApplied:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "cancel_requested": true})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "cancel_requested": false})
	}
}

func (a *API) handleGetResult(w http.ResponseWriter, r *http.Request, jobID string) {
	result, err := a.Store.GetResult(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no result for job_id")
		return
	}
	if err != nil {
		a.logf("get result %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseListFilter maps the query string to a store filter; the error message
// names the offending parameter.
func parseListFilter(q map[string][]string) (store.ListFilter, error) {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	var f store.ListFilter
	if s := get("state"); s != "" {
		state := fetch.JobState(s)
		if !state.Valid() {
			return f, fmt.Errorf("state: unknown value %q", s)
		}
		f.State = state
	}
	if p := get("provider"); p != "" {
		f.Provider = p
	}
	for _, key := range []string{"date_from", "date_to"} {
		v := get(key)
		if v == "" {
			continue
		}
		ts, err := parseDateParam(v)
		if err != nil {
			return f, fmt.Errorf("%s: %v", key, err)
		}
		if key == "date_from" {
			f.DateFrom = &ts
		} else {
			f.DateTo = &ts
		}
	}
	if v := get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("page: must be a positive integer")
		}
		f.Page = n
	}
	if v := get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return f, fmt.Errorf("page_size: must be in 1..500")
		}
		f.PageSize = n
	}
	return f, nil
}

// parseDateParam accepts a calendar date or a full RFC 3339 timestamp.
func parseDateParam(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a date or RFC 3339 timestamp")
	}
	return ts.UTC(), nil
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	// A bare date_to means "through the end of that day".
	if f.DateTo != nil && f.DateTo.Equal(f.DateTo.Truncate(24*time.Hour)) {
		end := f.DateTo.Add(24*time.Hour - time.Nanosecond)
		f.DateTo = &end
	}

	jobs, total, err := a.Store.ListJobs(r.Context(), f)
	if err != nil {
		a.logf("list jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = 50
	}
	now := a.Now()
	items := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, JobStatus{Job: *job, DurationSeconds: job.DurationSeconds(now)})
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Page: page, PageSize: size})
}

// eventsHandler streams the event log as SSE frames. Heartbeats carry no id
// so clients never advance their resume cursor on them.
func (a *API) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	var sinceID int64
	if v := strings.TrimSpace(r.URL.Query().Get("since")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "since: must be a non-negative integer")
			return
		}
		sinceID = n
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := a.Stream.Tail(r.Context(), jobID, sinceID, func(ev fetch.JobEvent) bool {
		data, merr := json.Marshal(ev)
		if merr != nil {
			return false
		}
		if ev.Type == fetch.EventHeartbeat {
			if _, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); werr != nil {
				return false
			}
		} else {
			if _, werr := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); werr != nil {
				return false
			}
		}
		flusher.Flush()
		return true
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		a.logf("event stream ended: %v", err)
	}
}
