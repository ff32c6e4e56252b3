package finisher

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

// StartPolling starts the fallback poller for a dispatched job, replacing any poller it already has.
// The poller stops when the job turns terminal, when Close is called, or after MaxPollAttempts ticks.
func (f *Finisher) StartPolling(jobID, promptID string) {
	if jobID == "" || promptID == "" {
		return
	}

	ctx, cancel := context.WithCancel(f.baseCtx)
	handle := f.lifecycle.TrackPoller(jobID, cancel)

	started := f.goBackground("poll-job", func() {
		defer cancel()
		defer f.lifecycle.ReleasePoller(jobID, handle)
		f.pollJobCompletion(ctx, jobID, promptID)
	})
	if !started {
		f.lifecycle.ReleasePoller(jobID, handle)
		cancel()
		return
	}
	f.logger.Debug().Str("job_id", jobID).Str("prompt_id", promptID).Dur("interval", f.config.PollInterval).Msg("Fallback poller started")
}

func (f *Finisher) pollJobCompletion(ctx context.Context, jobID, promptID string) {
	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= f.config.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := f.storage.JobStorage().GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, interfaces.ErrJobNotFound) {
				return
			}
			f.logger.Warn().Err(err).Str("job_id", jobID).Msg("Poller could not load job")
			continue
		}
		if job.Status.IsTerminal() {
			return
		}

		entry, err := f.engine.GetHistory(ctx, promptID)
		if err != nil {
			f.logger.Debug().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("Poller history fetch failed")
			continue
		}

		if entry != nil {
			switch entry.State() {
			case engine.HistoryStateCompleted, engine.HistoryStateError:
				f.Finalize(ctx, promptID, FinalizeOptions{})
				if f.isTerminal(ctx, jobID) {
					return
				}
				continue
			case engine.HistoryStateRunning:
				f.promote(ctx, job, models.JobStatusRunning)
				continue
			}
		}

		// No history yet; the queue mirror tells whether the engine has picked it up
		queue := f.runtime.Queue()
		switch {
		case slices.Contains(queue.Running, promptID):
			f.promote(ctx, job, models.JobStatusRunning)
		case slices.Contains(queue.Pending, promptID):
			f.promote(ctx, job, models.JobStatusQueued)
		}
	}

	if ctx.Err() != nil || f.isTerminal(ctx, jobID) {
		return
	}
	f.logger.Warn().Str("job_id", jobID).Str("prompt_id", promptID).Int("attempts", f.config.MaxPollAttempts).Msg("Poller gave up")
	f.terminate(ctx, jobID, models.JobStatusError, TimedOutMessage)
}

func (f *Finisher) promote(ctx context.Context, job *models.Job, status models.JobStatus) {
	if job.Status.Rank() >= status.Rank() {
		return
	}
	if _, err := f.lifecycle.Promote(ctx, job.ID, status); err != nil {
		f.logger.Warn().Err(err).Str("job_id", job.ID).Str("status", string(status)).Msg("Poller failed to promote job")
	}
}

func (f *Finisher) isTerminal(ctx context.Context, jobID string) bool {
	job, err := f.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return errors.Is(err, interfaces.ErrJobNotFound)
	}
	return job.Status.IsTerminal()
}
