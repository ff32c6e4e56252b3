package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/jobs/jobstest"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/notify"
	"github.com/ternarybob/vellum/internal/services/thumbnails"
	"github.com/ternarybob/vellum/internal/storage/badger"
	"github.com/ternarybob/vellum/internal/storage/files"
)

type fakeRunner struct {
	mu    sync.Mutex
	job   *models.Job
	err   error
	calls []map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, workflowID string, values map[string]string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, values)
	return f.job, f.err
}

type fakeCanceller struct {
	storage *badger.Manager
	calls   []string
}

func (f *fakeCanceller) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	f.calls = append(f.calls, jobID)
	job, err := f.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		job.Status = models.JobStatusCancelled
		if err := f.storage.JobStorage().SaveJob(ctx, job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

type fakeRefresher struct {
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context) (bool, error) {
	f.calls++
	return false, nil
}

type harness struct {
	storage     *badger.Manager
	runtime     *state.Runtime
	files       *files.Store
	broadcaster *jobstest.Broadcaster
	views       *notify.Service
	runner      *fakeRunner
	canceller   *fakeCanceller
	refresher   *fakeRefresher

	workflows *WorkflowHandler
	jobs      *JobHandler
	outputs   *OutputHandler
	queue     *QueueHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := arbor.NewLogger()

	h := &harness{
		storage:     jobstest.NewStorage(t),
		runtime:     state.NewRuntime(state.Config{}),
		files:       files.NewStore(filepath.Join(dir, "primary"), filepath.Join(dir, "secondary")),
		broadcaster: jobstest.NewBroadcaster(),
		runner:      &fakeRunner{},
		refresher:   &fakeRefresher{},
	}
	h.canceller = &fakeCanceller{storage: h.storage}
	h.views = notify.NewService(h.storage, h.runtime, h.files, h.broadcaster, logger)
	thumbs := thumbnails.NewService(filepath.Join(dir, "thumbs"), 16, logger)

	h.workflows = NewWorkflowHandler(h.storage, h.runner, h.canceller, logger)
	h.jobs = NewJobHandler(h.storage.JobStorage(), h.views, h.canceller, logger)
	h.outputs = NewOutputHandler(h.storage, h.files, thumbs, h.views, logger)
	h.queue = NewQueueHandler(h.refresher, h.runtime, logger)
	return h
}

func call(handler http.HandlerFunc, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}
