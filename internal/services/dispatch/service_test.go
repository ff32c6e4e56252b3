package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/jobstest"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/badger"
)

type fakeResumer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeResumer) EnsureResumed(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

type fakePoller struct {
	mu      sync.Mutex
	started map[string]string
}

func (p *fakePoller) StartPolling(jobID, promptID string) {
	p.mu.Lock()
	p.started[jobID] = promptID
	p.mu.Unlock()
}

type harness struct {
	ctx      context.Context
	storage  *badger.Manager
	engine   *jobstest.FakeEngine
	runtime  *state.Runtime
	notifier *jobstest.Notifier
	resumer  *fakeResumer
	poller   *fakePoller
	service  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		storage:  jobstest.NewStorage(t),
		engine:   jobstest.NewFakeEngine(),
		runtime:  state.NewRuntime(state.Config{}),
		notifier: jobstest.NewNotifier(),
		resumer:  &fakeResumer{},
		poller:   &fakePoller{started: make(map[string]string)},
	}
	lc := lifecycle.New(h.storage.JobStorage(), h.runtime, h.notifier, arbor.NewLogger())
	h.service = NewService(h.engine, h.storage, lc, h.resumer, h.poller, arbor.NewLogger())

	require.NoError(t, h.storage.WorkflowStorage().SaveWorkflow(h.ctx, testWorkflow(), testInputs()))
	return h
}

func testWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:   "wf_1",
		Name: "Portrait",
		Graph: map[string]interface{}{
			"3": map[string]interface{}{"class_type": "KSampler", "inputs": map[string]interface{}{"seed": 1, "cfg": 7.0, "steps": 20}},
			"6": map[string]interface{}{"class_type": "CLIPTextEncode", "inputs": map[string]interface{}{"text": "placeholder"}},
			"7": map[string]interface{}{"class_type": "CLIPTextEncode", "inputs": map[string]interface{}{"text": ""}},
		},
	}
}

func testInputs() []*models.WorkflowInput {
	return []*models.WorkflowInput{
		{ID: "in_prompt", NodeRef: "6", InputKey: "text", InputType: models.InputTypeText, Label: "Prompt", Order: 1},
		{ID: "in_negative", NodeRef: "7", InputKey: "text", InputType: models.InputTypeNegative, Label: "Negative", DefaultValue: "blurry", Order: 2},
		{ID: "in_seed", NodeRef: "3", InputKey: "seed", InputType: models.InputTypeSeed, Label: "Seed", Order: 3},
		{ID: "in_cfg", NodeRef: "3", InputKey: "cfg", InputType: models.InputTypeNumber, Label: "CFG", DefaultValue: "6.5", Order: 4},
	}
}

func nodeInputs(t *testing.T, graph map[string]interface{}, node string) map[string]interface{} {
	t.Helper()
	n, ok := graph[node].(map[string]interface{})
	require.True(t, ok)
	inputs, ok := n["inputs"].(map[string]interface{})
	require.True(t, ok)
	return inputs
}

func TestBuildGraph_SubstitutesTypedValues(t *testing.T) {
	workflow := testWorkflow()
	graph, resolved, err := BuildGraph(workflow, testInputs(), map[string]string{
		"in_prompt": "a lighthouse, oil painting",
		"in_seed":   "42",
	})
	require.NoError(t, err)

	assert.Equal(t, "a lighthouse, oil painting", nodeInputs(t, graph, "6")["text"])
	assert.Equal(t, "blurry", nodeInputs(t, graph, "7")["text"], "default used when no value given")
	assert.Equal(t, int64(42), nodeInputs(t, graph, "3")["seed"])
	assert.Equal(t, 6.5, nodeInputs(t, graph, "3")["cfg"])
	assert.Equal(t, float64(20), nodeInputs(t, graph, "3")["steps"], "untouched inputs survive the copy")

	assert.Equal(t, map[string]string{
		"in_prompt":   "a lighthouse, oil painting",
		"in_negative": "blurry",
		"in_seed":     "42",
		"in_cfg":      "6.5",
	}, resolved)

	// The stored graph is not mutated
	original := workflow.Graph["6"].(map[string]interface{})["inputs"].(map[string]interface{})
	assert.Equal(t, "placeholder", original["text"])
}

func TestBuildGraph_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		inputs []*models.WorkflowInput
		values map[string]string
	}{
		{"unknown input", testInputs(), map[string]string{"in_nope": "x"}},
		{"bad number", testInputs(), map[string]string{"in_cfg": "seven"}},
		{"bad seed", testInputs(), map[string]string{"in_seed": "1.5"}},
		{"missing node", []*models.WorkflowInput{
			{ID: "in_x", NodeRef: "99", InputKey: "text", InputType: models.InputTypeText, Label: "X"},
		}, map[string]string{"in_x": "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := BuildGraph(testWorkflow(), tt.inputs, tt.values)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	h.engine.QueueSubmitIDs("p-1")

	job, err := h.service.Run(h.ctx, "wf_1", map[string]string{"in_prompt": "a cat", "in_seed": "7"})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "p-1", job.PromptID)
	assert.Equal(t, 1, h.resumer.calls)
	assert.Equal(t, "p-1", h.poller.started[job.ID])

	jobID, ok := h.runtime.LookupPrompt("p-1")
	assert.True(t, ok)
	assert.Equal(t, job.ID, jobID)
	overall, ok := h.runtime.Overall(job.ID)
	require.True(t, ok)
	assert.Equal(t, 3, overall.TotalNodes)

	submitted := h.engine.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "a cat", nodeInputs(t, submitted[0], "6")["text"])

	inputs, err := h.storage.JobStorage().GetJobInputs(h.ctx, job.ID)
	require.NoError(t, err)
	values := map[string]string{}
	for _, in := range inputs {
		values[in.WorkflowInputID] = in.Value
	}
	assert.Equal(t, "a cat", values["in_prompt"])
	assert.Equal(t, "7", values["in_seed"])
	assert.Equal(t, "blurry", values["in_negative"])

	assert.GreaterOrEqual(t, h.notifier.Count(job.ID), 2, "created and queued")
}

func TestRun_SubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSubmitError(errors.New("engine returned 400: invalid prompt"))

	job, err := h.service.Run(h.ctx, "wf_1", nil)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "dispatch failed: "), job.ErrorMessage)
	assert.Empty(t, job.PromptID)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, h.poller.started)
}

func TestRun_InvalidRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Run(h.ctx, "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.service.Run(h.ctx, "wf_missing", nil)
	assert.ErrorIs(t, err, interfaces.ErrWorkflowNotFound)

	_, err = h.service.Run(h.ctx, "wf_1", map[string]string{"in_cfg": "high"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	jobs, err := h.storage.JobStorage().ListJobs(h.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests create no job")
	assert.Empty(t, h.engine.Submitted())
}

func TestRun_DuplicatePromptIDFailsSecondJob(t *testing.T) {
	h := newHarness(t)
	h.engine.QueueSubmitIDs("p-dup", "p-dup")

	first, err := h.service.Run(h.ctx, "wf_1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	second, err := h.service.Run(h.ctx, "wf_1", nil)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	require.NotNil(t, second)
	assert.Equal(t, models.JobStatusError, second.Status)
	assert.Equal(t, models.JobStatusQueued, first.Status)
}
