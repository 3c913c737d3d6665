package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-tools/internal/extension"
	"github.com/cuongbtq/dataset-tools/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *domain.JobMessage {
	return &domain.JobMessage{JobID: testJobID, DeliveryTag: 1}
}

func TestProcessJob_DatasetToolsFailsPermanently(t *testing.T) {
	store := newFakeStore(pendingJob(jobPayload(extension.DatasetToolsUID), 0, 3))
	w := newTestWorker(store, newFakeBroker(), nil)

	err := w.processJob(context.Background(), testMessage())

	require.Error(t, err)
	assert.ErrorIs(t, err, extension.ErrNotImplemented)
	assert.False(t, w.shouldRequeueJob(err))

	job := store.job(testJobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 0, job.RetryCount, "permanent failures consume no retry")
	assert.Contains(t, store.errors[testJobID], "not yet implemented")
}

func TestProcessJob_Success(t *testing.T) {
	var (
		mu     sync.Mutex
		ids    []int
		jobIDs []string
	)
	registry := registryWith(t, "ok", func(_ context.Context, p *funcProcess) error {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, p.ProcessID())
		jobIDs = append(jobIDs, p.Job().ID())
		return nil
	})
	store := newFakeStore(pendingJob(jobPayload("ok", "ok", "ok"), 0, 3))
	w := newTestWorker(store, newFakeBroker(), registry)

	err := w.processJob(context.Background(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)
	assert.Equal(t, []string{testJobID, testJobID, testJobID}, jobIDs)
	assert.Equal(t, domain.JobStatusCompleted, store.job(testJobID).Status)
	assert.Equal(t, map[string]any{"processes": 3}, store.results[testJobID])
}

func TestProcessJob_StopsAtFirstFailingProcess(t *testing.T) {
	var ran []int
	registry := registryWith(t, "ok", func(_ context.Context, p *funcProcess) error {
		ran = append(ran, p.ProcessID())
		return nil
	})
	store := newFakeStore(pendingJob(jobPayload("ok", extension.DatasetToolsUID, "ok"), 0, 3))
	w := newTestWorker(store, newFakeBroker(), registry)

	err := w.processJob(context.Background(), testMessage())

	assert.ErrorIs(t, err, extension.ErrNotImplemented)
	assert.Contains(t, err.Error(), "process 1 (dataset_tools)")
	assert.Equal(t, []int{0}, ran)
}

func TestProcessJob_ProcessReceivesItsConfig(t *testing.T) {
	var got string
	registry := registryWith(t, "ok", func(_ context.Context, p *funcProcess) error {
		got = p.Config().String("path", "")
		return nil
	})
	payload := `
job: extension
config:
  name: yaml_job
  process:
    - type: ok
      path: /data/raw
`
	store := newFakeStore(pendingJob(payload, 0, 0))
	w := newTestWorker(store, newFakeBroker(), registry)

	require.NoError(t, w.processJob(context.Background(), testMessage()))
	assert.Equal(t, "/data/raw", got)
}

func TestProcessJob_Failures(t *testing.T) {
	errTransient := errors.New("disk full")

	tests := []struct {
		name           string
		payload        string
		retryCount     int
		maxRetries     int
		expectedErr    error
		expectRequeue  bool
		expectedStatus string
		expectedRetry  int
	}{
		{
			name:           "transient failure with retries left",
			payload:        jobPayload("flaky"),
			retryCount:     0,
			maxRetries:     2,
			expectedErr:    errTransient,
			expectRequeue:  true,
			expectedStatus: domain.JobStatusPending,
			expectedRetry:  1,
		},
		{
			name:           "transient failure out of retries",
			payload:        jobPayload("flaky"),
			retryCount:     2,
			maxRetries:     2,
			expectedErr:    domain.ErrMaxRetriesExceeded,
			expectRequeue:  false,
			expectedStatus: domain.JobStatusFailed,
			expectedRetry:  2,
		},
		{
			name:           "invalid payload",
			payload:        "process: [unterminated",
			maxRetries:     3,
			expectedErr:    extension.ErrInvalidJobConfig,
			expectRequeue:  false,
			expectedStatus: domain.JobStatusFailed,
		},
		{
			name:           "empty process list",
			payload:        `{"job": "extension", "config": {"name": "x", "process": []}}`,
			maxRetries:     3,
			expectedErr:    extension.ErrInvalidJobConfig,
			expectRequeue:  false,
			expectedStatus: domain.JobStatusFailed,
		},
		{
			name:           "unknown extension",
			payload:        jobPayload("image_resizer"),
			maxRetries:     3,
			expectedErr:    extension.ErrUnknownExtension,
			expectRequeue:  false,
			expectedStatus: domain.JobStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := registryWith(t, "flaky", func(context.Context, *funcProcess) error { return errTransient })
			store := newFakeStore(pendingJob(tt.payload, tt.retryCount, tt.maxRetries))
			w := newTestWorker(store, newFakeBroker(), registry)

			err := w.processJob(context.Background(), testMessage())

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expectRequeue, w.shouldRequeueJob(err))

			job := store.job(testJobID)
			assert.Equal(t, tt.expectedStatus, job.Status)
			assert.Equal(t, tt.expectedRetry, job.RetryCount)
		})
	}
}

func TestProcessJob_RetriedJobCanBeClaimedAgain(t *testing.T) {
	attempts := 0
	registry := registryWith(t, "flaky", func(context.Context, *funcProcess) error {
		attempts++
		if attempts == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	store := newFakeStore(pendingJob(jobPayload("flaky"), 0, 1))
	w := newTestWorker(store, newFakeBroker(), registry)

	first := w.processJob(context.Background(), testMessage())
	require.True(t, w.shouldRequeueJob(first))

	second := w.processJob(context.Background(), testMessage())
	require.NoError(t, second)

	job := store.job(testJobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestProcessJob_AlreadyClaimed(t *testing.T) {
	job := pendingJob(jobPayload("ok"), 0, 3)
	job.Status = domain.JobStatusRunning
	w := newTestWorker(newFakeStore(job), newFakeBroker(), nil)

	err := w.processJob(context.Background(), testMessage())

	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.False(t, w.shouldRequeueJob(err))
}

func TestProcessJob_ClaimDatabaseError(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection refused")
	w := newTestWorker(store, newFakeBroker(), nil)

	err := w.processJob(context.Background(), testMessage())

	require.Error(t, err)
	assert.True(t, w.shouldRequeueJob(err))
}

func TestProcessJob_ReleaseFailureFailsJob(t *testing.T) {
	registry := registryWith(t, "flaky", func(context.Context, *funcProcess) error { return errors.New("oom") })
	store := newFakeStore(pendingJob(jobPayload("flaky"), 0, 3))
	store.releaseErr = errors.New("connection refused")
	w := newTestWorker(store, newFakeBroker(), registry)

	err := w.processJob(context.Background(), testMessage())

	require.Error(t, err)
	assert.False(t, w.shouldRequeueJob(err))
	assert.Equal(t, domain.JobStatusFailed, store.job(testJobID).Status)
}

func TestProcessJob_CanceledWhileRunning(t *testing.T) {
	store := newFakeStore(pendingJob(jobPayload("ok"), 0, 3))
	registry := registryWith(t, "ok", func(context.Context, *funcProcess) error {
		store.setStatus(testJobID, domain.JobStatusCanceled)
		return nil
	})
	w := newTestWorker(store, newFakeBroker(), registry)

	err := w.processJob(context.Background(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, store.job(testJobID).Status)
}

func TestProcessJob_Timeout(t *testing.T) {
	registry := registryWith(t, "slow", func(ctx context.Context, _ *funcProcess) error {
		<-ctx.Done()
		return ctx.Err()
	})
	store := newFakeStore(pendingJob(jobPayload("slow"), 0, 0))
	w := newTestWorker(store, newFakeBroker(), registry)
	w.jobTimeout = 20 * time.Millisecond

	err := w.processJob(context.Background(), testMessage())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.Equal(t, domain.JobStatusFailed, store.job(testJobID).Status)
}

func TestProcessJob_JobTimeoutOverridesDefault(t *testing.T) {
	var deadline time.Time
	registry := registryWith(t, "ok", func(ctx context.Context, _ *funcProcess) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	job := pendingJob(jobPayload("ok"), 0, 0)
	job.TimeoutSeconds = 120
	w := newTestWorker(newFakeStore(job), newFakeBroker(), registry)

	require.NoError(t, w.processJob(context.Background(), testMessage()))
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), deadline, 5*time.Second)
}

func TestProcessJob_ShutdownStillRecordsStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	registry := registryWith(t, "ok", func(runCtx context.Context, _ *funcProcess) error {
		cancel()
		return runCtx.Err()
	})
	store := newFakeStore(pendingJob(jobPayload("ok"), 0, 1))
	w := newTestWorker(store, newFakeBroker(), registry)

	err := w.processJob(ctx, testMessage())

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, w.shouldRequeueJob(err))
	assert.Equal(t, domain.JobStatusPending, store.job(testJobID).Status)
}

func TestProcessJob_SendsHeartbeats(t *testing.T) {
	registry := registryWith(t, "slow", func(context.Context, *funcProcess) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	store := newFakeStore(pendingJob(jobPayload("slow"), 0, 0))
	w := newTestWorker(store, newFakeBroker(), registry)
	w.heartbeatInterval = 10 * time.Millisecond

	require.NoError(t, w.processJob(context.Background(), testMessage()))
	assert.GreaterOrEqual(t, store.heartbeatCount(), 1)
}
