// Package lifecycle is the single writer of job status. Every transition goes through it so the
// status sequence of a job never moves backwards and terminal states stick.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
)

// Lifecycle writes job status transitions and owns the per-job poller cancel funcs
type Lifecycle struct {
	jobs     interfaces.JobStorage
	runtime  *state.Runtime
	notifier interfaces.JobNotifier
	logger   arbor.ILogger

	pollersMu sync.Mutex
	pollers   map[string]*PollerHandle
}

// PollerHandle identifies one tracked poller
type PollerHandle struct {
	cancel context.CancelFunc
}

// New creates a Lifecycle
func New(jobs interfaces.JobStorage, runtime *state.Runtime, notifier interfaces.JobNotifier, logger arbor.ILogger) *Lifecycle {
	return &Lifecycle{
		jobs:     jobs,
		runtime:  runtime,
		notifier: notifier,
		logger:   logger,
		pollers:  make(map[string]*PollerHandle),
	}
}

// Runtime returns the transient state this lifecycle clears on terminal transitions
func (l *Lifecycle) Runtime() *state.Runtime {
	return l.runtime
}

// Notify pushes the job's current view to UI clients
func (l *Lifecycle) Notify(ctx context.Context, jobID string) {
	if l.notifier != nil {
		l.notifier.Notify(ctx, jobID)
	}
}

// Promote moves a job forward to status. Requests that are not strictly forward, or that target
// a terminal status, are ignored. Promoting to running defaults StartedAt.
func (l *Lifecycle) Promote(ctx context.Context, jobID string, status models.JobStatus) (bool, error) {
	if status.IsTerminal() {
		return false, fmt.Errorf("promote cannot write terminal status %s", status)
	}
	return l.transition(ctx, jobID, status, func(job *models.Job) bool {
		return status.Rank() > job.Status.Rank()
	})
}

// Reconcile sets a non-terminal status from an authoritative queue observation, in either
// direction. It is used when re-attaching to jobs after a restart.
func (l *Lifecycle) Reconcile(ctx context.Context, jobID string, status models.JobStatus) (bool, error) {
	if status.IsTerminal() {
		return false, fmt.Errorf("reconcile cannot write terminal status %s", status)
	}
	return l.transition(ctx, jobID, status, func(job *models.Job) bool {
		return !job.Status.IsTerminal() && job.Status != status
	})
}

func (l *Lifecycle) transition(ctx context.Context, jobID string, status models.JobStatus, allowed func(*models.Job) bool) (bool, error) {
	unlock := l.runtime.LockJob(jobID)
	job, err := l.jobs.GetJob(ctx, jobID)
	if err != nil {
		unlock()
		return false, err
	}
	if !allowed(job) {
		unlock()
		return false, nil
	}

	from := job.Status
	job.Status = status
	if status == models.JobStatusRunning && job.StartedAt == nil {
		now := l.runtime.Now()
		job.StartedAt = &now
	}
	if err := l.jobs.SaveJob(ctx, job); err != nil {
		unlock()
		return false, fmt.Errorf("failed to save job status: %w", err)
	}
	unlock()

	l.logger.Info().Str("job_id", jobID).Str("from", string(from)).Str("to", string(status)).Msg("Job status changed")
	l.Notify(ctx, jobID)
	return true, nil
}

// Terminate writes a terminal status. The first terminal write wins; later calls return false.
// On success transient state is cleared, the job's poller is stopped and UI clients are notified.
func (l *Lifecycle) Terminate(ctx context.Context, jobID string, status models.JobStatus, message string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("terminate requires a terminal status, got %s", status)
	}

	unlock := l.runtime.LockJob(jobID)
	job, err := l.jobs.GetJob(ctx, jobID)
	if err != nil {
		unlock()
		return false, err
	}
	if job.Status.IsTerminal() {
		unlock()
		l.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Str("requested", string(status)).Msg("Job already terminal")
		return false, nil
	}

	from := job.Status
	now := l.runtime.Now()
	job.Status = status
	job.ErrorMessage = message
	job.CompletedAt = &now
	if err := l.jobs.SaveJob(ctx, job); err != nil {
		unlock()
		return false, fmt.Errorf("failed to save terminal status: %w", err)
	}
	l.runtime.ClearTransient(jobID)
	if job.PromptID != "" {
		l.runtime.ForgetPrompt(job.PromptID)
	}
	unlock()

	l.StopPoller(jobID)

	event := l.logger.Info()
	if status == models.JobStatusError {
		event = l.logger.Warn().Str("error", message)
	}
	event.Str("job_id", jobID).Str("prompt_id", job.PromptID).Str("from", string(from)).Str("to", string(status)).Msg("Job finished")

	l.Notify(ctx, jobID)
	return true, nil
}

// ResolveJob maps a prompt id to its job, preferring the cached index and verifying it against
// the store. Non-terminal jobs found through the store are cached.
func (l *Lifecycle) ResolveJob(ctx context.Context, promptID string) (*models.Job, error) {
	if promptID == "" {
		return nil, fmt.Errorf("%w: empty prompt id", interfaces.ErrJobNotFound)
	}

	if jobID, ok := l.runtime.LookupPrompt(promptID); ok {
		job, err := l.jobs.GetJob(ctx, jobID)
		if err == nil && job.PromptID == promptID {
			return job, nil
		}
		if err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, err
		}
		l.runtime.ForgetPrompt(promptID)
	}

	job, err := l.jobs.GetJobByPromptID(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		l.runtime.RegisterPrompt(promptID, job.ID)
	}
	return job, nil
}

// WithActiveJob runs fn under the job lock if promptID resolves to a non-terminal job.
// It returns the job seen by fn, or nil when the prompt is unknown or already finished.
func (l *Lifecycle) WithActiveJob(ctx context.Context, promptID string, fn func(job *models.Job)) *models.Job {
	resolved, err := l.ResolveJob(ctx, promptID)
	if err != nil {
		return nil
	}

	unlock := l.runtime.LockJob(resolved.ID)
	defer unlock()

	job, err := l.jobs.GetJob(ctx, resolved.ID)
	if err != nil || job.Status.IsTerminal() {
		return nil
	}
	fn(job)
	return job
}

// TrackPoller records the cancel func of a job's poller, stopping any poller already tracked
func (l *Lifecycle) TrackPoller(jobID string, cancel context.CancelFunc) *PollerHandle {
	handle := &PollerHandle{cancel: cancel}

	l.pollersMu.Lock()
	previous := l.pollers[jobID]
	l.pollers[jobID] = handle
	l.pollersMu.Unlock()

	if previous != nil {
		previous.cancel()
	}
	return handle
}

// ReleasePoller forgets the poller for jobID if handle is still the tracked one
func (l *Lifecycle) ReleasePoller(jobID string, handle *PollerHandle) {
	l.pollersMu.Lock()
	defer l.pollersMu.Unlock()
	if l.pollers[jobID] == handle {
		delete(l.pollers, jobID)
	}
}

// StopPoller cancels the poller of jobID, if any
func (l *Lifecycle) StopPoller(jobID string) {
	l.pollersMu.Lock()
	h := l.pollers[jobID]
	delete(l.pollers, jobID)
	l.pollersMu.Unlock()

	if h != nil {
		h.cancel()
	}
}

// StopAllPollers cancels every tracked poller
func (l *Lifecycle) StopAllPollers() {
	l.pollersMu.Lock()
	handles := l.pollers
	l.pollers = make(map[string]*PollerHandle)
	l.pollersMu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// HasPoller reports whether a poller is tracked for jobID
func (l *Lifecycle) HasPoller(jobID string) bool {
	l.pollersMu.Lock()
	defer l.pollersMu.Unlock()
	_, ok := l.pollers[jobID]
	return ok
}
