package finisher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/jobs/jobstest"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/badger"
	"github.com/ternarybob/vellum/internal/storage/files"
)

type harness struct {
	t         *testing.T
	ctx       context.Context
	storage   *badger.Manager
	engine    *jobstest.FakeEngine
	notifier  *jobstest.Notifier
	runtime   *state.Runtime
	lifecycle *lifecycle.Lifecycle
	files     *files.Store
	finisher  *Finisher
}

func testConfig() Config {
	return Config{
		PollInterval:      5 * time.Millisecond,
		MaxPollAttempts:   200,
		HistoryRetries:    2,
		HistoryRetryDelay: time.Millisecond,
		RecoveryDelay:     20 * time.Millisecond,
	}
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		storage:  jobstest.NewStorage(t),
		engine:   jobstest.NewFakeEngine(),
		notifier: jobstest.NewNotifier(),
		runtime:  state.NewRuntime(state.Config{RemainingTTL: 10 * time.Second}),
		files:    files.NewStore(filepath.Join(dir, "primary"), filepath.Join(dir, "secondary")),
	}
	h.lifecycle = lifecycle.New(h.storage.JobStorage(), h.runtime, h.notifier, logger)
	h.finisher = New(config, h.engine, h.storage, h.files, h.lifecycle, logger)
	t.Cleanup(h.finisher.Close)
	return h
}

// seedJob stores workflow wf_1 (one prompt text input, auto-tagging on) and a job bound to promptID
func (h *harness) seedJob(jobID, promptID string, status models.JobStatus, promptText string) *models.Job {
	h.t.Helper()
	wf := &models.Workflow{
		ID:             "wf_1",
		Name:           "Portrait",
		Graph:          map[string]interface{}{"6": map[string]interface{}{"class_type": "CLIPTextEncode"}},
		AutoTagEnabled: true,
	}
	require.NoError(h.t, h.storage.WorkflowStorage().SaveWorkflow(h.ctx, wf, []*models.WorkflowInput{
		{ID: "in_prompt", NodeRef: "6", InputKey: "text", InputType: models.InputTypeText, Label: "Prompt", Order: 1},
		{ID: "in_seed", NodeRef: "3", InputKey: "seed", InputType: models.InputTypeSeed, Label: "Seed", Order: 2},
	}))

	job := &models.Job{ID: jobID, WorkflowID: "wf_1", Status: status, CreatedAt: time.Now()}
	require.NoError(h.t, h.storage.JobStorage().CreateJob(h.ctx, job, []*models.JobInput{
		{WorkflowInputID: "in_prompt", Value: promptText},
		{WorkflowInputID: "in_seed", Value: "42"},
	}))
	if promptID != "" {
		require.NoError(h.t, h.storage.JobStorage().AssignPromptID(h.ctx, jobID, promptID))
		h.runtime.RegisterPrompt(promptID, jobID)
	}
	return h.job(jobID)
}

func (h *harness) job(jobID string) *models.Job {
	h.t.Helper()
	job, err := h.storage.JobStorage().GetJob(h.ctx, jobID)
	require.NoError(h.t, err)
	return job
}

func (h *harness) outputs(jobID string) []*models.JobOutput {
	h.t.Helper()
	outputs, err := h.storage.OutputStorage().ListOutputs(h.ctx, jobID)
	require.NoError(h.t, err)
	return outputs
}

var imageRef = engine.ImageRef{Filename: "vellum_00001_.png", Subfolder: "portraits", Type: "output"}

func TestFinalize_ConcurrentCallsWriteOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	h.engine.SetImage(imageRef, []byte("png-bytes"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})
		}()
	}
	wg.Wait()

	job := h.job("job_1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, h.notifier.Count("job_1"), "one notification for the one transition")

	outputs := h.outputs("job_1")
	require.Len(t, outputs, 1)
	assert.Equal(t, "portraits/vellum_00001_.png", outputs[0].ImagePath)
	assert.Equal(t, files.HashBytes([]byte("png-bytes")), outputs[0].ContentHash)

	_, ok := h.files.Locate("portraits/vellum_00001_.png")
	assert.True(t, ok)
}

func TestFinalize_ErrorOption(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.runtime.UpdateProgress("job_1", 3, 20, "3")

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{ErrorMessage: InterruptedMessage})

	job := h.job("job_1")
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, InterruptedMessage, job.ErrorMessage)
	assert.False(t, h.runtime.HasTransient("job_1"))
	assert.Zero(t, h.engine.HistoryCalls("p-1"), "history is not consulted")
}

func TestFinalize_EngineReportedError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Failed("CUDA out of memory"))

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	job := h.job("job_1")
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, "CUDA out of memory", job.ErrorMessage)
	assert.Empty(t, h.outputs("job_1"))
}

func TestFinalize_UnknownOrTerminalIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusCompleted, "a cat")

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{ErrorMessage: "late failure"})
	h.finisher.Finalize(h.ctx, "p-unknown", FinalizeOptions{})

	job := h.job("job_1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Zero(t, h.notifier.Count("job_1"))
}

func TestFinalize_BlacklistedContentNeverRecorded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	h.engine.SetImage(imageRef, []byte("deleted-before"))
	require.NoError(t, h.storage.ImageStorage().AddToBlacklist(h.ctx, &models.BlacklistEntry{
		ContentHash: files.HashBytes([]byte("deleted-before")),
	}))

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	assert.Equal(t, models.JobStatusCompleted, h.job("job_1").Status)
	assert.Empty(t, h.outputs("job_1"))
	_, ok := h.files.Locate(imageRef.RelativePath())
	assert.False(t, ok, "blacklisted bytes are not written")
}

func TestFinalize_AutoTagsAndProvenance(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "portrait, moody lighting setup, [cinematic]")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	h.engine.SetImage(imageRef, []byte("png-bytes"))

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	tags, err := h.storage.ImageStorage().GetTags(h.ctx, imageRef.RelativePath())
	require.NoError(t, err)
	assert.Equal(t, []string{"portrait", "cinematic"}, tags)

	prov, err := h.storage.ImageStorage().GetProvenance(h.ctx, imageRef.RelativePath())
	require.NoError(t, err)
	require.NotNil(t, prov)
	assert.Equal(t, "job_1", prov.JobID)
	assert.Equal(t, "p-1", prov.PromptID)
	assert.Equal(t, map[string]string{
		"Prompt": "portrait, moody lighting setup, [cinematic]",
		"Seed":   "42",
	}, prov.Values)
}

func TestFinalize_ReusesLocalFile(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	// The engine does not serve the bytes; the local copy must be used
	abs, err := h.files.Write(imageRef.RelativePath(), []byte("already-here"))
	require.NoError(t, err)

	var hooked []string
	h.finisher.SetOutputHook(func(ctx context.Context, absPath, relPath string) {
		hooked = append(hooked, relPath)
		assert.Equal(t, abs, absPath)
	})

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	outputs := h.outputs("job_1")
	require.Len(t, outputs, 1)
	assert.Equal(t, files.HashBytes([]byte("already-here")), outputs[0].ContentHash)
	assert.Equal(t, []string{imageRef.RelativePath()}, hooked)
}

func TestFinalize_EmptyOutputsCompleteThenRecover(t *testing.T) {
	config := testConfig()
	config.RecoveryDelay = 100 * time.Millisecond
	h := newHarness(t, config)
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed())

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	assert.Equal(t, models.JobStatusCompleted, h.job("job_1").Status, "completed even without outputs")
	assert.Empty(t, h.outputs("job_1"))
	assert.Equal(t, 3, h.engine.HistoryCalls("p-1"), "initial fetch plus two retries")

	// The outputs show up before the single recovery burst runs
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	h.engine.SetImage(imageRef, []byte("late"))

	assert.Eventually(t, func() bool {
		outputs, err := h.storage.OutputStorage().ListOutputs(h.ctx, "job_1")
		return err == nil && len(outputs) == 1
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) pendingRecoveries() int {
	h.finisher.mu.Lock()
	defer h.finisher.mu.Unlock()
	return len(h.finisher.recoveries)
}

func TestScheduleRecovery_OnePendingPerPromptThenReleased(t *testing.T) {
	config := testConfig()
	config.RecoveryDelay = 50 * time.Millisecond
	h := newHarness(t, config)
	h.seedJob("job_1", "p-1", models.JobStatusCompleted, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed())

	h.finisher.scheduleRecovery("job_1", "p-1")
	h.finisher.scheduleRecovery("job_1", "p-1")
	assert.Equal(t, 1, h.pendingRecoveries())

	assert.Eventually(t, func() bool {
		return h.pendingRecoveries() == 0
	}, time.Second, 5*time.Millisecond, "finished recoveries are not retained")
	assert.Equal(t, 1, h.engine.HistoryCalls("p-1"), "duplicate schedule ignored")
}

func TestPoller_TimesOut(t *testing.T) {
	config := testConfig()
	config.MaxPollAttempts = 3
	h := newHarness(t, config)
	h.seedJob("job_1", "p-1", models.JobStatusQueued, "a cat")
	h.runtime.UpdateProgress("job_1", 1, 10, "3")
	h.runtime.AddExecutedNodes("job_1", "3")

	h.finisher.StartPolling("job_1", "p-1")

	assert.Eventually(t, func() bool {
		return h.job("job_1").Status == models.JobStatusError
	}, time.Second, 5*time.Millisecond)

	job := h.job("job_1")
	assert.Equal(t, TimedOutMessage, job.ErrorMessage)
	assert.False(t, h.runtime.HasTransient("job_1"))
	assert.Eventually(t, func() bool { return !h.lifecycle.HasPoller("job_1") }, time.Second, 5*time.Millisecond)
}

func TestPoller_FinalizesFromHistory(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusQueued, "a cat")
	h.engine.SetImage(imageRef, []byte("png-bytes"))

	h.finisher.StartPolling("job_1", "p-1")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))

	assert.Eventually(t, func() bool {
		return h.job("job_1").Status == models.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.outputs("job_1"), 1)
}

func TestPoller_PromotesFromQueueMirror(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusQueued, "a cat")
	h.runtime.StoreQueue([]string{"p-1"}, nil, 0)

	h.finisher.StartPolling("job_1", "p-1")

	assert.Eventually(t, func() bool {
		return h.job("job_1").Status == models.JobStatusRunning
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, h.job("job_1").StartedAt)
}

func TestPoller_StopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusQueued, "a cat")

	h.finisher.StartPolling("job_1", "p-1")
	require.True(t, h.lifecycle.HasPoller("job_1"))

	_, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, h.lifecycle.HasPoller("job_1"))

	// A completed history after cancel must not change the outcome
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.JobStatusCancelled, h.job("job_1").Status)
}

func TestCancel_TerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusCompleted, "a cat")
	h.runtime.SetExecuting("p-1")

	job, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Zero(t, h.engine.Interrupts())
	assert.Empty(t, h.engine.Deleted())
	assert.Zero(t, h.notifier.Count("job_1"))
}

func TestCancel_ExecutingJobInterrupts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.runtime.SetExecuting("p-1")
	h.runtime.UpdateProgress("job_1", 5, 20, "3")

	job, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 1, h.engine.Interrupts())
	assert.Empty(t, h.runtime.CurrentExecuting())
	assert.False(t, h.runtime.HasTransient("job_1"))
	assert.Equal(t, 1, h.notifier.Count("job_1"))
}

func TestCancel_InterruptFailureStillCancels(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.runtime.SetExecuting("p-1")
	h.engine.SetDown(true)

	job, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestCancel_QueuedJobLeavesEngineQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusQueued, "a cat")
	h.runtime.SetExecuting("p-other")

	job, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Zero(t, h.engine.Interrupts())
	assert.Equal(t, []string{"p-1"}, h.engine.Deleted())
	assert.Equal(t, "p-other", h.runtime.CurrentExecuting())
}

func TestCancel_WinsOverLaterFinalize(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	h.engine.SetHistory("p-1", jobstest.Completed(imageRef))
	h.engine.SetImage(imageRef, []byte("png-bytes"))

	_, err := h.finisher.Cancel(h.ctx, "job_1")
	require.NoError(t, err)
	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	assert.Equal(t, models.JobStatusCancelled, h.job("job_1").Status)
}

func TestFinalize_RejectsEscapingPaths(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedJob("job_1", "p-1", models.JobStatusRunning, "a cat")
	evil := engine.ImageRef{Filename: "x.png", Subfolder: "../../etc", Type: "output"}
	h.engine.SetHistory("p-1", jobstest.Completed(evil))
	h.engine.SetImage(evil, []byte("nope"))

	h.finisher.Finalize(h.ctx, "p-1", FinalizeOptions{})

	assert.Equal(t, models.JobStatusCompleted, h.job("job_1").Status)
	assert.Empty(t, h.outputs("job_1"))
	_, err := os.Stat(filepath.Join(h.files.Primary(), "..", "..", "etc", "x.png"))
	assert.True(t, os.IsNotExist(err))
}
