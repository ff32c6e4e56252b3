package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/jobstest"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
)

func setup(t *testing.T) (*Lifecycle, interfaces.JobStorage, *state.Runtime, *jobstest.Notifier) {
	t.Helper()
	storage := jobstest.NewStorage(t)
	runtime := state.NewRuntime(state.Config{})
	notifier := jobstest.NewNotifier()
	return New(storage.JobStorage(), runtime, notifier, arbor.NewLogger()), storage.JobStorage(), runtime, notifier
}

func createJob(t *testing.T, jobs interfaces.JobStorage, id, promptID string, status models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, &models.Job{ID: id, Status: status, CreatedAt: time.Now()}, nil))
	if promptID != "" {
		require.NoError(t, jobs.AssignPromptID(ctx, id, promptID))
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	lc, jobs, _, notifier := setup(t)
	ctx := context.Background()
	createJob(t, jobs, "job_1", "p-1", models.JobStatusPending)

	var observed []models.JobStatus
	record := func() {
		job, err := jobs.GetJob(ctx, "job_1")
		require.NoError(t, err)
		if len(observed) == 0 || observed[len(observed)-1] != job.Status {
			observed = append(observed, job.Status)
		}
	}
	record()

	steps := []func() (bool, error){
		func() (bool, error) { return lc.Promote(ctx, "job_1", models.JobStatusRunning) },
		func() (bool, error) { return lc.Promote(ctx, "job_1", models.JobStatusQueued) },
		func() (bool, error) { return lc.Promote(ctx, "job_1", models.JobStatusRunning) },
		func() (bool, error) { return lc.Terminate(ctx, "job_1", models.JobStatusCompleted, "") },
		func() (bool, error) { return lc.Promote(ctx, "job_1", models.JobStatusRunning) },
		func() (bool, error) { return lc.Terminate(ctx, "job_1", models.JobStatusError, "late") },
		func() (bool, error) { return lc.Reconcile(ctx, "job_1", models.JobStatusQueued) },
	}
	changes := 0
	for _, step := range steps {
		changed, err := step()
		require.NoError(t, err)
		if changed {
			changes++
		}
		record()
	}

	assert.Equal(t, []models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted}, observed)
	assert.Equal(t, 2, changes)
	assert.Equal(t, 2, notifier.Count("job_1"), "one notification per transition")

	job, _ := jobs.GetJob(ctx, "job_1")
	assert.Empty(t, job.ErrorMessage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
}

func TestPromote_RejectsTerminal(t *testing.T) {
	lc, jobs, _, _ := setup(t)
	createJob(t, jobs, "job_1", "", models.JobStatusPending)

	_, err := lc.Promote(context.Background(), "job_1", models.JobStatusCompleted)
	assert.Error(t, err)
	_, err = lc.Terminate(context.Background(), "job_1", models.JobStatusRunning, "")
	assert.Error(t, err)
}

func TestReconcile_MovesBackwards(t *testing.T) {
	lc, jobs, _, _ := setup(t)
	ctx := context.Background()
	createJob(t, jobs, "job_1", "p-1", models.JobStatusRunning)

	changed, err := lc.Reconcile(ctx, "job_1", models.JobStatusQueued)
	require.NoError(t, err)
	assert.True(t, changed)

	job, _ := jobs.GetJob(ctx, "job_1")
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestTerminate_ClearsTransientAndStopsPoller(t *testing.T) {
	lc, jobs, runtime, _ := setup(t)
	ctx := context.Background()
	createJob(t, jobs, "job_1", "p-1", models.JobStatusRunning)
	runtime.RegisterPrompt("p-1", "job_1")
	runtime.UpdateProgress("job_1", 1, 10, "3")
	runtime.StorePreview("job_1", "data:image/jpeg;base64,AA==")

	pollCtx, cancel := context.WithCancel(ctx)
	lc.TrackPoller("job_1", cancel)

	changed, err := lc.Terminate(ctx, "job_1", models.JobStatusCancelled, "")
	require.NoError(t, err)
	assert.True(t, changed)

	assert.False(t, runtime.HasTransient("job_1"))
	assert.Error(t, pollCtx.Err(), "poller context cancelled")
	assert.False(t, lc.HasPoller("job_1"))
	_, cached := runtime.LookupPrompt("p-1")
	assert.False(t, cached)
}

func TestTrackPoller_ReplacesPrevious(t *testing.T) {
	lc, _, _, _ := setup(t)

	first, cancelFirst := context.WithCancel(context.Background())
	handle := lc.TrackPoller("job_1", cancelFirst)
	_, cancelSecond := context.WithCancel(context.Background())
	lc.TrackPoller("job_1", cancelSecond)

	assert.Error(t, first.Err())
	// The stale handle must not drop the newer poller
	lc.ReleasePoller("job_1", handle)
	assert.True(t, lc.HasPoller("job_1"))
	lc.StopAllPollers()
	assert.False(t, lc.HasPoller("job_1"))
}

func TestResolveJob(t *testing.T) {
	lc, jobs, runtime, _ := setup(t)
	ctx := context.Background()
	createJob(t, jobs, "job_1", "p-1", models.JobStatusQueued)
	createJob(t, jobs, "job_2", "p-2", models.JobStatusCompleted)

	job, err := lc.ResolveJob(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
	jobID, cached := runtime.LookupPrompt("p-1")
	assert.True(t, cached)
	assert.Equal(t, "job_1", jobID)

	job, err = lc.ResolveJob(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, "job_2", job.ID)
	_, cached = runtime.LookupPrompt("p-2")
	assert.False(t, cached, "terminal jobs are not cached")

	// A stale cache entry is verified against the store
	runtime.RegisterPrompt("p-3", "job_1")
	_, err = lc.ResolveJob(ctx, "p-3")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	_, cached = runtime.LookupPrompt("p-3")
	assert.False(t, cached)
}

func TestWithActiveJob(t *testing.T) {
	lc, jobs, _, _ := setup(t)
	ctx := context.Background()
	createJob(t, jobs, "job_1", "p-1", models.JobStatusRunning)
	createJob(t, jobs, "job_2", "p-2", models.JobStatusError)

	called := false
	job := lc.WithActiveJob(ctx, "p-1", func(job *models.Job) { called = true })
	assert.True(t, called)
	require.NotNil(t, job)

	called = false
	assert.Nil(t, lc.WithActiveJob(ctx, "p-2", func(job *models.Job) { called = true }))
	assert.Nil(t, lc.WithActiveJob(ctx, "p-404", func(job *models.Job) { called = true }))
	assert.False(t, called)
}
