package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/accelerator"
	"github.com/cuongbtq/dataset-tools/internal/api/domain"
	"github.com/cuongbtq/dataset-tools/internal/api/dto"
	"github.com/cuongbtq/dataset-tools/internal/api/handler"
	"github.com/cuongbtq/dataset-tools/internal/api/model"
	"github.com/cuongbtq/dataset-tools/internal/api/storage"
	"github.com/cuongbtq/dataset-tools/internal/extension"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const validPayload = `{"job": "extension", "config": {"name": "clean_captions", "process": [{"type": "dataset_tools"}]}}`

type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	byKey      map[string]string
	createErr  error
	lastFilter storage.JobFilter
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*model.Job),
		byKey: make(map[string]string),
	}
}

func (s *memStore) CreateJob(_ context.Context, job *model.Job) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, false, s.createErr
	}
	if id, ok := s.byKey[job.IdempotencyKey]; ok {
		existing := *s.jobs[id]
		return &existing, false, nil
	}
	stored := *job
	s.jobs[job.JobID] = &stored
	s.byKey[job.IdempotencyKey] = job.JobID
	return job, true, nil
}

func (s *memStore) GetJobByID(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *memStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFilter = filter

	var jobs []model.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !j.CreatedAt.Before(filter.Cursor.CreatedAt) {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })

	if len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *memStore) CancelJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if domain.IsTerminal(job.Status) {
		return nil, domain.ErrJobNotCancelable
	}
	job.Status = domain.JobStatusCanceled
	out := *job
	return &out, nil
}

func (s *memStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.IsTerminal(job.Status) {
		return domain.ErrJobNotTerminal
	}
	delete(s.jobs, jobID)
	delete(s.byKey, job.IdempotencyKey)
	return nil
}

func (s *memStore) add(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = &job
	s.byKey[job.IdempotencyKey] = job.JobID
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.bodies...)
}

type testServer struct {
	router    *gin.Engine
	store     *memStore
	publisher *fakePublisher
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	publisher := &fakePublisher{}

	deps := &handler.Dependencies{
		Logger:    logger,
		Storage:   store,
		Publisher: publisher,
		Registry:  extension.NewDefaultRegistry(logger),
		Stats:     accelerator.NewStatsCollector(nil, nil, time.Second, logger),
		Flusher:   accelerator.NewFlusher(logger),
	}

	return &testServer{router: SetupRouter(deps), store: store, publisher: publisher}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func createBody(key, payload string) string {
	return `{"idempotency_key": "` + key + `", "user_id": "u-1", "job_type": "dataset", "payload": ` + payload + `}`
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) dto.JobDTO {
	t.Helper()
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func storedJob(id, key, status string, createdAt time.Time) model.Job {
	return model.Job{
		JobID:          id,
		IdempotencyKey: key,
		UserID:         "u-1",
		JobType:        "dataset",
		Payload:        validPayload,
		Status:         status,
		MaxRetries:     3,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "healthy", "service": "dataset-tools-api"}`, w.Body.String())
}

func TestRequestID(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodOptions, "/api/v1/jobs", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateJob(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/jobs", createBody("key-1", validPayload))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decodeJob(t, w)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "key-1", job.IdempotencyKey)
	assert.Equal(t, 3, job.MaxRetries)

	published := s.publisher.published()
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"job_id": "`+job.JobID+`"}`, string(published[0]))
}

func TestCreateJob_YAMLPayload(t *testing.T) {
	s := newTestServer()
	yamlPayload := "job: extension\nconfig:\n  name: resize\n  process:\n    - type: dataset_tools\n"
	encoded, err := json.Marshal(yamlPayload)
	require.NoError(t, err)

	body := `{"idempotency_key": "key-yaml", "user_id": "u-1", "job_type": "dataset", "payload": ` +
		string(encoded) + `, "max_retries": 0, "timeout_seconds": 600}`
	w := s.do(http.MethodPost, "/api/v1/jobs", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decodeJob(t, w)
	assert.Equal(t, yamlPayload, job.Payload)
	assert.Equal(t, 0, job.MaxRetries)
	assert.Equal(t, 600, job.TimeoutSeconds)
}

func TestCreateJob_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing payload", body: `{"idempotency_key": "k", "user_id": "u", "job_type": "t"}`},
		{name: "missing user", body: `{"idempotency_key": "k", "job_type": "t", "payload": {}}`},
		{name: "unsupported job kind", body: createBody("k", `{"job": "training", "config": {"process": [{"type": "x"}]}}`)},
		{name: "no processes", body: createBody("k", `{"job": "extension", "config": {"name": "x"}}`)},
		{name: "process without type", body: createBody("k", `{"config": {"process": [{"path": "/data"}]}}`)},
		{name: "invalid yaml string", body: createBody("k", `"config: [unterminated"`)},
		{name: "self-referencing anchor", body: createBody("k", `"job: extension\nconfig: &x\n  name: n\n  process:\n    - type: dataset_tools\n      self: *x\n"`)},
		{name: "negative retries", body: `{"idempotency_key": "k", "user_id": "u", "job_type": "t", "payload": ` + validPayload + `, "max_retries": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()

			w := s.do(http.MethodPost, "/api/v1/jobs", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Zero(t, s.store.count())
			assert.Empty(t, s.publisher.published())
		})
	}
}

func TestCreateJob_IdempotentReplay(t *testing.T) {
	s := newTestServer()
	existing := storedJob("1d3c1e8e-43b5-4a43-9d5f-7c1f0b2a9e11", "key-1", domain.JobStatusCompleted, time.Now())
	s.store.add(existing)

	w := s.do(http.MethodPost, "/api/v1/jobs", createBody("key-1", validPayload))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, existing.JobID, decodeJob(t, w).JobID)
	assert.Empty(t, s.publisher.published(), "finished jobs are not enqueued again")
	assert.Equal(t, 1, s.store.count())
}

func TestCreateJob_ReplayOfPendingRepublishes(t *testing.T) {
	s := newTestServer()
	existing := storedJob("1d3c1e8e-43b5-4a43-9d5f-7c1f0b2a9e11", "key-1", domain.JobStatusPending, time.Now())
	s.store.add(existing)

	w := s.do(http.MethodPost, "/api/v1/jobs", createBody("key-1", validPayload))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, s.publisher.published(), 1)
	assert.Contains(t, string(s.publisher.published()[0]), existing.JobID)
}

func TestCreateJob_PublishFailure(t *testing.T) {
	s := newTestServer()
	s.publisher.err = errors.New("connection refused")

	w := s.do(http.MethodPost, "/api/v1/jobs", createBody("key-1", validPayload))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 1, s.store.count(), "job stays stored for a retry with the same key")
}

func TestCreateJob_StorageFailure(t *testing.T) {
	s := newTestServer()
	s.store.createErr = errors.New("connection refused")

	w := s.do(http.MethodPost, "/api/v1/jobs", createBody("key-1", validPayload))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, s.publisher.published())
}

func TestGetJob(t *testing.T) {
	s := newTestServer()
	job := storedJob("6a8f3c2d-0b9e-4f71-a2d4-5c6e7f8a9b0c", "key-1", domain.JobStatusFailed, time.Now())
	job.ErrorMessage.String, job.ErrorMessage.Valid = "dataset_tools: extension is not yet implemented", true
	s.store.add(job)

	tests := []struct {
		name     string
		path     string
		expected int
	}{
		{name: "invalid uuid", path: "/api/v1/jobs/not-a-uuid", expected: http.StatusBadRequest},
		{name: "missing", path: "/api/v1/jobs/00000000-0000-4000-8000-000000000000", expected: http.StatusNotFound},
		{name: "found", path: "/api/v1/jobs/" + job.JobID, expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, tt.path, "")
			assert.Equal(t, tt.expected, w.Code)
		})
	}

	w := s.do(http.MethodGet, "/api/v1/jobs/"+job.JobID, "")
	got := decodeJob(t, w)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "dataset_tools: extension is not yet implemented", got.ErrorMessage)
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000002",
		"00000000-0000-4000-8000-000000000003",
	}
	for i, id := range ids {
		s.store.add(storedJob(id, "key-"+id, domain.JobStatusPending, base.Add(time.Duration(i)*time.Minute)))
	}

	w := s.do(http.MethodGet, "/api/v1/jobs?page_size=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, ids[2], page.Jobs[0].JobID)
	assert.Equal(t, ids[1], page.Jobs[1].JobID)
	require.NotEmpty(t, page.NextCursor)

	w = s.do(http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)

	var next dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Jobs, 1)
	assert.Equal(t, ids[0], next.Jobs[0].JobID)
	assert.Empty(t, next.NextCursor)
}

func TestListJobs_PageSize(t *testing.T) {
	tests := []struct {
		query    string
		expected int
	}{
		{query: "", expected: 20},
		{query: "?page_size=0", expected: 20},
		{query: "?page_size=50", expected: 50},
		{query: "?page_size=1000", expected: 100},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			s := newTestServer()

			w := s.do(http.MethodGet, "/api/v1/jobs"+tt.query, "")

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.expected, s.store.lastFilter.PageSize)
			assert.JSONEq(t, `{"jobs": []}`, w.Body.String())
		})
	}
}

func TestListJobs_BadRequests(t *testing.T) {
	s := newTestServer()

	for _, query := range []string{"?status=DONE", "?cursor=%25%25", "?page_size=ten"} {
		w := s.do(http.MethodGet, "/api/v1/jobs"+query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		expected int
	}{
		{name: "pending", status: domain.JobStatusPending, expected: http.StatusOK},
		{name: "running", status: domain.JobStatusRunning, expected: http.StatusOK},
		{name: "completed", status: domain.JobStatusCompleted, expected: http.StatusConflict},
		{name: "canceled", status: domain.JobStatusCanceled, expected: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			job := storedJob("3b5d7f9a-1c2e-4a6b-8d0f-2e4a6c8e0a1b", "key-1", tt.status, time.Now())
			s.store.add(job)

			w := s.do(http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", "")

			assert.Equal(t, tt.expected, w.Code)
			if tt.expected == http.StatusOK {
				assert.Equal(t, domain.JobStatusCanceled, decodeJob(t, w).Status)
			}
		})
	}

	s := newTestServer()
	w := s.do(http.MethodPost, "/api/v1/jobs/3b5d7f9a-1c2e-4a6b-8d0f-2e4a6c8e0a1b/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteJob(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		expected int
	}{
		{name: "completed", status: domain.JobStatusCompleted, expected: http.StatusNoContent},
		{name: "failed", status: domain.JobStatusFailed, expected: http.StatusNoContent},
		{name: "canceled", status: domain.JobStatusCanceled, expected: http.StatusNoContent},
		{name: "pending", status: domain.JobStatusPending, expected: http.StatusConflict},
		{name: "running", status: domain.JobStatusRunning, expected: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			job := storedJob("3b5d7f9a-1c2e-4a6b-8d0f-2e4a6c8e0a1b", "key-1", tt.status, time.Now())
			s.store.add(job)

			w := s.do(http.MethodDelete, "/api/v1/jobs/"+job.JobID, "")

			assert.Equal(t, tt.expected, w.Code)
			if tt.expected == http.StatusNoContent {
				assert.Zero(t, s.store.count())
			}
		})
	}

	s := newTestServer()
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/jobs/3b5d7f9a-1c2e-4a6b-8d0f-2e4a6c8e0a1b", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, "/api/v1/jobs/42", "").Code)
}

func TestListExtensions(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/api/v1/extensions", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"uid": "dataset_tools", "name": "Dataset Tools"}]`, w.Body.String())
}

func TestGetGPU_NoAccelerator(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/api/v1/gpu", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"has_cuda": false, "has_mps": false, "gpus": [], "error": "no accelerator available on this system"}`, w.Body.String())
}

func TestFlushMemory(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/gpu/flush", "")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Released   []string `json:"released"`
		DurationMS *int64   `json:"duration_ms"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body))
	assert.NotNil(t, body.Released)
	assert.Empty(t, body.Released)
	assert.NotNil(t, body.DurationMS)
}

func TestFlushMemory_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := SetupRouter(&handler.Dependencies{
		Logger:       logger,
		Storage:      newMemStore(),
		Publisher:    &fakePublisher{},
		Flusher:      accelerator.NewFlusher(logger),
		Stats:        accelerator.NewStatsCollector(nil, nil, time.Second, logger),
		FlushLimiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	flush := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/gpu/flush", nil))
		return w
	}

	assert.Equal(t, http.StatusOK, flush().Code)

	w := flush()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error": "Rate limit exceeded"}`, w.Body.String())

	// the limiter only guards the flush route
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/gpu", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealth_Components(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	newRouter := func(rabbitErr error) *gin.Engine {
		return SetupRouter(&handler.Dependencies{
			Logger:       logger,
			Storage:      newMemStore(),
			Publisher:    &fakePublisher{},
			HealthChecks: map[string]handler.HealthChecker{
				"database": healthFunc(func(context.Context) error { return nil }),
				"rabbitmq": healthFunc(func(context.Context) error { return rabbitErr }),
			},
		})
	}

	t.Run("all components reachable", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status": "healthy", "service": "dataset-tools-api", "components": {"database": "ok", "rabbitmq": "ok"}}`, w.Body.String())
	})

	t.Run("broker down", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(errors.New("not connected to RabbitMQ")).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status": "unhealthy", "service": "dataset-tools-api", "components": {"database": "ok", "rabbitmq": "not connected to RabbitMQ"}}`, w.Body.String())
	})
}
