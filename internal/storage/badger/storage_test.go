package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	job := &models.Job{ID: "job_1", WorkflowID: "wf_1", Status: models.JobStatusPending, CreatedAt: time.Now()}
	inputs := []*models.JobInput{
		{WorkflowInputID: "in_b", Value: "2"},
		{WorkflowInputID: "in_a", Value: "a cat"},
	}
	require.NoError(t, m.JobStorage().CreateJob(ctx, job, inputs))

	got, err := m.JobStorage().GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Empty(t, got.PromptID)

	stored, err := m.JobStorage().GetJobInputs(ctx, "job_1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "in_a", stored[0].WorkflowInputID)
	assert.Equal(t, "job_1", stored[0].JobID)

	_, err = m.JobStorage().GetJob(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_AssignPromptIDIsUnique(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"job_1", "job_2"} {
		require.NoError(t, m.JobStorage().CreateJob(ctx, &models.Job{ID: id, Status: models.JobStatusPending, CreatedAt: time.Now()}, nil))
	}

	require.NoError(t, m.JobStorage().AssignPromptID(ctx, "job_1", "p-1"))
	// Re-assigning to the same job is allowed
	require.NoError(t, m.JobStorage().AssignPromptID(ctx, "job_1", "p-1"))

	err := m.JobStorage().AssignPromptID(ctx, "job_2", "p-1")
	assert.ErrorIs(t, err, interfaces.ErrPromptIDTaken)

	got, err := m.JobStorage().GetJobByPromptID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", got.ID)

	_, err = m.JobStorage().GetJobByPromptID(ctx, "p-unknown")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_ListJobsFilters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	jobs := []*models.Job{
		{ID: "job_1", WorkflowID: "wf_a", Status: models.JobStatusCompleted, CreatedAt: base},
		{ID: "job_2", WorkflowID: "wf_a", Status: models.JobStatusRunning, CreatedAt: base.Add(time.Second)},
		{ID: "job_3", WorkflowID: "wf_b", Status: models.JobStatusQueued, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, job := range jobs {
		require.NoError(t, m.JobStorage().CreateJob(ctx, job, nil))
	}

	all, err := m.JobStorage().ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job_3", all[0].ID, "newest first")

	active, err := m.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		Statuses: []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning},
	})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byWorkflow, err := m.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{WorkflowID: "wf_a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, "job_2", byWorkflow[0].ID)
}

func TestJobStorage_DeleteJobsByWorkflowCascades(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.JobStorage().CreateJob(ctx, &models.Job{ID: "job_1", WorkflowID: "wf_a", CreatedAt: time.Now()},
		[]*models.JobInput{{WorkflowInputID: "in_1", Value: "x"}}))
	require.NoError(t, m.JobStorage().CreateJob(ctx, &models.Job{ID: "job_2", WorkflowID: "wf_b", CreatedAt: time.Now()}, nil))
	require.NoError(t, m.OutputStorage().AddOutput(ctx, &models.JobOutput{JobID: "job_1", ImagePath: "a.png", CreatedAt: time.Now()}))

	deleted, err := m.JobStorage().DeleteJobsByWorkflow(ctx, "wf_a")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.JobStorage().GetJob(ctx, "job_1")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	outputs, err := m.OutputStorage().ListOutputs(ctx, "job_1")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	_, err = m.JobStorage().GetJob(ctx, "job_2")
	assert.NoError(t, err)
}

func TestOutputStorage_UniquePerJobAndPath(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	out := &models.JobOutput{JobID: "job_1", ImagePath: "sub/a.png", OriginalFilename: "a.png", CreatedAt: time.Now()}
	require.NoError(t, m.OutputStorage().AddOutput(ctx, out))

	err := m.OutputStorage().AddOutput(ctx, &models.JobOutput{JobID: "job_1", ImagePath: "sub/a.png", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, interfaces.ErrOutputExists)

	// Same path under another job is a distinct output
	require.NoError(t, m.OutputStorage().AddOutput(ctx, &models.JobOutput{JobID: "job_2", ImagePath: "sub/a.png", CreatedAt: time.Now()}))

	has, err := m.OutputStorage().HasOutput(ctx, "job_1", "sub/a.png")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = m.OutputStorage().HasOutput(ctx, "job_1", "sub/b.png")
	require.NoError(t, err)
	assert.False(t, has)

	byPath, err := m.OutputStorage().ListOutputsByPath(ctx, "sub/a.png")
	require.NoError(t, err)
	assert.Len(t, byPath, 2)
}

func TestWorkflowStorage_SaveReplacesInputs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wf := &models.Workflow{
		ID:    "wf_1",
		Name:  "Portrait",
		Graph: map[string]interface{}{"3": map[string]interface{}{"class_type": "KSampler", "inputs": map[string]interface{}{"seed": 1}}},
	}
	require.NoError(t, m.WorkflowStorage().SaveWorkflow(ctx, wf, []*models.WorkflowInput{
		{ID: "in_2", NodeRef: "3", InputKey: "cfg", InputType: models.InputTypeNumber, Label: "CFG", Order: 2},
		{ID: "in_1", NodeRef: "3", InputKey: "seed", InputType: models.InputTypeSeed, Label: "Seed", Order: 1},
	}))

	got, err := m.WorkflowStorage().GetWorkflow(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.NodeCount())
	assert.False(t, got.CreatedAt.IsZero())

	inputs, err := m.WorkflowStorage().GetWorkflowInputs(ctx, "wf_1")
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "in_1", inputs[0].ID)

	require.NoError(t, m.WorkflowStorage().SaveWorkflow(ctx, wf, []*models.WorkflowInput{
		{ID: "in_3", NodeRef: "3", InputKey: "seed", InputType: models.InputTypeSeed, Label: "Seed"},
	}))
	inputs, err = m.WorkflowStorage().GetWorkflowInputs(ctx, "wf_1")
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "in_3", inputs[0].ID)

	require.NoError(t, m.WorkflowStorage().DeleteWorkflow(ctx, "wf_1"))
	_, err = m.WorkflowStorage().GetWorkflow(ctx, "wf_1")
	assert.ErrorIs(t, err, interfaces.ErrWorkflowNotFound)
	assert.ErrorIs(t, m.WorkflowStorage().DeleteWorkflow(ctx, "wf_1"), interfaces.ErrWorkflowNotFound)
}

func TestImageStorage_BlacklistTagsProvenance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	images := m.ImageStorage()

	listed, err := images.IsBlacklisted(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, images.AddToBlacklist(ctx, &models.BlacklistEntry{ContentHash: "abc", ImagePath: "x.png"}))
	listed, err = images.IsBlacklisted(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, listed)

	tags, err := images.GetTags(ctx, "x.png")
	require.NoError(t, err)
	assert.Nil(t, tags)

	require.NoError(t, images.SetTags(ctx, "x.png", []string{"portrait", "cinematic"}))
	tags, err = images.GetTags(ctx, "x.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"portrait", "cinematic"}, tags)

	require.NoError(t, images.SaveProvenance(ctx, &models.PromptProvenance{
		ImagePath: "x.png", JobID: "job_1", Values: map[string]string{"Prompt": "a cat"},
	}))
	prov, err := images.GetProvenance(ctx, "x.png")
	require.NoError(t, err)
	require.NotNil(t, prov)
	assert.Equal(t, "a cat", prov.Values["Prompt"])
}

func TestLoadWorkflowsFromFiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	tomlDef := `
name = "Portrait"
auto_tag_enabled = true

[graph.6]
class_type = "CLIPTextEncode"
[graph.6.inputs]
text = "a cat"

[[inputs]]
node_ref = "6"
input_key = "text"
input_type = "text"
label = "Prompt"
`
	yamlDef := `
id: landscape
name: Landscape
graph:
  "3":
    class_type: KSampler
    inputs:
      seed: 1
inputs:
  - node_ref: "3"
    input_key: seed
    input_type: seed
    label: Seed
`
	invalid := `
name = "Broken"
[[inputs]]
node_ref = "1"
input_key = "x"
input_type = "bogus"
label = "X"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "portrait.toml"), []byte(tomlDef), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "landscape.yaml"), []byte(yamlDef), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte(invalid), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	require.NoError(t, m.LoadWorkflowsFromFiles(ctx, dir))

	workflows, err := m.WorkflowStorage().ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "landscape", workflows[0].ID)
	assert.Equal(t, "portrait", workflows[1].ID)
	assert.True(t, workflows[1].AutoTagEnabled)

	inputs, err := m.WorkflowStorage().GetWorkflowInputs(ctx, "portrait")
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, models.InputTypeText, inputs[0].InputType)
	assert.Equal(t, "portrait_6_text", inputs[0].ID)

	assert.NoError(t, m.LoadWorkflowsFromFiles(ctx, filepath.Join(dir, "missing")))
}
