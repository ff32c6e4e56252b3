package finisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/files"
)

// runValue is one input value used by a job, labelled for provenance
type runValue struct {
	label     string
	inputType models.InputType
	value     string
}

// runContext is what DownloadAndRecordOutputs needs to know about the job's run
type runContext struct {
	workflow *models.Workflow
	values   []runValue
}

func (r *runContext) autoTags() []string {
	if r.workflow == nil || !r.workflow.AutoTagEnabled {
		return nil
	}
	var texts []string
	for _, v := range r.values {
		if v.inputType.IsPromptText() {
			texts = append(texts, v.value)
		}
	}
	return ExtractAutoTags(texts, r.workflow.TagWordLimit())
}

func (r *runContext) provenanceValues() map[string]string {
	values := make(map[string]string, len(r.values))
	for _, v := range r.values {
		values[v.label] = v.value
	}
	return values
}

func (f *Finisher) loadRunContext(ctx context.Context, job *models.Job) (*runContext, error) {
	jobInputs, err := f.storage.JobStorage().GetJobInputs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	byInput := make(map[string]string, len(jobInputs))
	for _, in := range jobInputs {
		byInput[in.WorkflowInputID] = in.Value
	}

	run := &runContext{}
	workflow, err := f.storage.WorkflowStorage().GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrWorkflowNotFound) {
			return nil, err
		}
		// Workflow gone: keep raw values so provenance is still recorded
		for _, in := range jobInputs {
			run.values = append(run.values, runValue{label: in.WorkflowInputID, value: in.Value})
		}
		return run, nil
	}
	run.workflow = workflow

	workflowInputs, err := f.storage.WorkflowStorage().GetWorkflowInputs(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	for _, wi := range workflowInputs {
		value, ok := byInput[wi.ID]
		if !ok {
			continue
		}
		label := wi.Label
		if label == "" {
			label = wi.InputKey
		}
		run.values = append(run.values, runValue{label: label, inputType: wi.InputType, value: value})
	}
	return run, nil
}

// DownloadAndRecordOutputs materializes each produced file not yet recorded for the job and
// records it, unless its content hash is blacklisted. It returns the number of new outputs.
func (f *Finisher) DownloadAndRecordOutputs(ctx context.Context, job *models.Job, refs []engine.ImageRef) (int, error) {
	run, err := f.loadRunContext(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("failed to load run inputs: %w", err)
	}
	tags := run.autoTags()

	var (
		recorded int
		errs     *multierror.Error
	)
	for _, ref := range refs {
		ok, err := f.recordOutput(ctx, job, run, tags, ref)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", ref.RelativePath(), err))
			continue
		}
		if ok {
			recorded++
		}
	}
	return recorded, errs.ErrorOrNil()
}

func (f *Finisher) recordOutput(ctx context.Context, job *models.Job, run *runContext, tags []string, ref engine.ImageRef) (bool, error) {
	relPath := ref.RelativePath()
	if _, err := files.Clean(relPath); err != nil {
		return false, err
	}

	exists, err := f.storage.OutputStorage().HasOutput(ctx, job.ID, relPath)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	absPath, hash, err := f.materialize(ctx, ref, relPath)
	if err != nil {
		return false, err
	}
	if absPath == "" {
		f.logger.Info().Str("job_id", job.ID).Str("path", relPath).Str("hash", hash).Msg("Skipping blacklisted output")
		return false, nil
	}

	output := &models.JobOutput{
		JobID:            job.ID,
		ImagePath:        relPath,
		OriginalFilename: ref.Filename,
		ContentHash:      hash,
		CreatedAt:        f.runtime.Now(),
	}
	if err := f.storage.OutputStorage().AddOutput(ctx, output); err != nil {
		if errors.Is(err, interfaces.ErrOutputExists) {
			return false, nil
		}
		return false, err
	}

	provenance := &models.PromptProvenance{
		ImagePath:  relPath,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		PromptID:   job.PromptID,
		Values:     run.provenanceValues(),
	}
	if err := f.storage.ImageStorage().SaveProvenance(ctx, provenance); err != nil {
		f.logger.Warn().Err(err).Str("path", relPath).Msg("Failed to save prompt provenance")
	}

	if len(tags) > 0 {
		f.attachTags(ctx, relPath, tags)
	}

	f.mu.Lock()
	hook := f.onOutput
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, absPath, relPath)
	}

	f.logger.Debug().Str("job_id", job.ID).Str("path", relPath).Str("hash", hash).Msg("Output recorded")
	return true, nil
}

// materialize returns the local path and content hash of an output, fetching it from the engine
// when no local copy exists. Blacklisted content is never written and yields an empty path.
func (f *Finisher) materialize(ctx context.Context, ref engine.ImageRef, relPath string) (string, string, error) {
	if local, ok := f.files.Locate(relPath); ok {
		hash, err := files.HashFile(local)
		if err != nil {
			return "", "", err
		}
		if blocked, err := f.isBlacklisted(ctx, hash); err != nil || blocked {
			return "", hash, err
		}
		return local, hash, nil
	}

	data, err := f.engine.FetchImage(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch output: %w", err)
	}
	hash := files.HashBytes(data)
	if blocked, err := f.isBlacklisted(ctx, hash); err != nil || blocked {
		return "", hash, err
	}

	absPath, err := f.files.Write(relPath, data)
	if err != nil {
		return "", "", err
	}
	return absPath, hash, nil
}

func (f *Finisher) isBlacklisted(ctx context.Context, hash string) (bool, error) {
	blocked, err := f.storage.ImageStorage().IsBlacklisted(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return blocked, nil
}

func (f *Finisher) attachTags(ctx context.Context, relPath string, tags []string) {
	existing, err := f.storage.ImageStorage().GetTags(ctx, relPath)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", relPath).Msg("Failed to read tags")
		return
	}
	merged, changed := mergeTags(existing, tags)
	if !changed {
		return
	}
	if err := f.storage.ImageStorage().SetTags(ctx, relPath, merged); err != nil {
		f.logger.Warn().Err(err).Str("path", relPath).Msg("Failed to save auto tags")
		return
	}
	f.logger.Debug().Str("path", relPath).Strs("tags", merged).Msg("Auto tags attached")
}
