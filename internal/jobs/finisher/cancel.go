package finisher

import (
	"context"
	"slices"

	"github.com/ternarybob/vellum/internal/models"
)

// Cancel stops a job at the user's request. Terminal jobs are returned unchanged with no engine
// call. Otherwise the engine is asked to interrupt (executing) or drop (queued) the prompt, best
// effort, and the job is marked cancelled.
func (f *Finisher) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := f.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		f.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Cancel of finished job ignored")
		return job, nil
	}

	if job.PromptID != "" {
		if f.isExecuting(job.PromptID) {
			if err := f.engine.Interrupt(ctx); err != nil {
				f.logger.Warn().Err(err).Str("job_id", jobID).Str("prompt_id", job.PromptID).Msg("Engine interrupt failed")
			}
		} else {
			if err := f.engine.DeleteFromQueue(ctx, job.PromptID); err != nil {
				f.logger.Warn().Err(err).Str("job_id", jobID).Str("prompt_id", job.PromptID).Msg("Engine queue delete failed")
			}
		}
		f.runtime.ClearExecutingIf(job.PromptID)
	}

	if _, err := f.lifecycle.Terminate(ctx, jobID, models.JobStatusCancelled, ""); err != nil {
		return nil, err
	}
	return f.storage.JobStorage().GetJob(ctx, jobID)
}

// isExecuting prefers the live executing marker and falls back to the queue mirror when no
// marker is known, e.g. right after a restart
func (f *Finisher) isExecuting(promptID string) bool {
	current := f.runtime.CurrentExecuting()
	if current != "" {
		return current == promptID
	}
	return slices.Contains(f.runtime.Queue().Running, promptID)
}
