package tracker

import (
	"context"
	"fmt"
	"slices"

	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

// RestartedBeforeDispatchMessage is written to jobs that never received a prompt id
const RestartedBeforeDispatchMessage = "process restarted before dispatch completed"

// EnsureResumed runs the resume pass once per process. Concurrent callers block until the first
// pass finishes and all receive its result.
func (t *Tracker) EnsureResumed(ctx context.Context) error {
	t.resumeOnce.Do(func() {
		t.resumeErr = t.resume(ctx)
	})
	return t.resumeErr
}

func (t *Tracker) resume(ctx context.Context) error {
	jobs, err := t.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning},
	})
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	if len(jobs) == 0 {
		t.logger.Debug().Msg("No unfinished jobs to resume")
		return nil
	}

	// Without a queue every job keeps its stored status and the pollers sort it out
	var running, pending []string
	if queue, err := t.engine.GetQueue(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("Engine queue unavailable during resume, statuses left as stored")
	} else {
		t.store(queue)
		running = queue.RunningIDs()
		pending = queue.PendingIDs()
	}

	nodeCounts := make(map[string]int)
	resumed, failed := 0, 0
	for _, job := range jobs {
		if job.PromptID == "" {
			if _, err := t.lifecycle.Terminate(ctx, job.ID, models.JobStatusError, RestartedBeforeDispatchMessage); err != nil {
				t.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail undispatched job")
			}
			failed++
			continue
		}

		t.runtime.RegisterPrompt(job.PromptID, job.ID)
		if total := t.nodeCount(ctx, nodeCounts, job.WorkflowID); total > 0 {
			t.runtime.SeedOverall(job.ID, total)
		}

		var target models.JobStatus
		switch {
		case slices.Contains(running, job.PromptID):
			target = models.JobStatusRunning
		case slices.Contains(pending, job.PromptID):
			target = models.JobStatusQueued
		}
		if target != "" {
			if _, err := t.lifecycle.Reconcile(ctx, job.ID, target); err != nil {
				t.logger.Warn().Err(err).Str("job_id", job.ID).Str("status", string(target)).Msg("Failed to reconcile resumed job")
			}
		}

		t.poller.StartPolling(job.ID, job.PromptID)
		resumed++
	}

	t.logger.Info().Int("resumed", resumed).Int("failed", failed).Msg("Resumed unfinished jobs")
	return nil
}

func (t *Tracker) nodeCount(ctx context.Context, cache map[string]int, workflowID string) int {
	if count, ok := cache[workflowID]; ok {
		return count
	}
	count := 0
	if workflow, err := t.storage.WorkflowStorage().GetWorkflow(ctx, workflowID); err == nil {
		count = workflow.NodeCount()
	} else {
		t.logger.Debug().Err(err).Str("workflow_id", workflowID).Msg("Workflow missing for resumed job")
	}
	cache[workflowID] = count
	return count
}
