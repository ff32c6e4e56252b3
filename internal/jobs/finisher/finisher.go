// Package finisher resolves the terminal outcome of dispatched prompts: it finalizes jobs from
// engine history, materializes outputs, polls when push events are missed and handles cancellation.
package finisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/files"
)

const (
	// DefaultErrorMessage is used when the engine reports a failure without a message
	DefaultErrorMessage = "Execution failed"
	// InterruptedMessage is written for prompts stopped by an interrupt
	InterruptedMessage = "Execution interrupted"
	// TimedOutMessage is written when the poller exhausts its attempts
	TimedOutMessage = "Job timed out"
)

// Config holds finisher timings
type Config struct {
	PollInterval      time.Duration
	MaxPollAttempts   int
	HistoryRetries    int
	HistoryRetryDelay time.Duration
	RecoveryDelay     time.Duration
}

// NewConfig reads finisher timings from the application config
func NewConfig(cfg *common.Config) Config {
	return Config{
		PollInterval:      common.Duration(cfg.Jobs.PollInterval, time.Second),
		MaxPollAttempts:   cfg.Jobs.MaxPollAttempts,
		HistoryRetries:    cfg.Jobs.HistoryRetries,
		HistoryRetryDelay: common.Duration(cfg.Jobs.HistoryRetryDelay, time.Second),
		RecoveryDelay:     common.Duration(cfg.Jobs.RecoveryDelay, 5*time.Second),
	}
}

// FinalizeOptions alters Finalize. A non-empty ErrorMessage finalizes the job as failed without
// consulting engine history.
type FinalizeOptions struct {
	ErrorMessage string
}

// OutputHook is called after an output file is recorded, e.g. to build its thumbnail
type OutputHook func(ctx context.Context, absPath, relPath string)

// Finisher finalizes jobs and runs the per-job fallback pollers
type Finisher struct {
	config    Config
	engine    interfaces.EngineClient
	storage   interfaces.StorageManager
	files     *files.Store
	runtime   *state.Runtime
	lifecycle *lifecycle.Lifecycle
	onOutput  OutputHook
	logger    arbor.ILogger

	baseCtx context.Context
	stop    context.CancelFunc

	mu         sync.Mutex
	closed     bool
	wg         sync.WaitGroup
	recoveries map[string]bool
}

// New creates a Finisher. Background work runs until Close.
func New(config Config, engineClient interfaces.EngineClient, storage interfaces.StorageManager, fileStore *files.Store, lc *lifecycle.Lifecycle, logger arbor.ILogger) *Finisher {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = 3600
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Finisher{
		config:     config,
		engine:     engineClient,
		storage:    storage,
		files:      fileStore,
		runtime:    lc.Runtime(),
		lifecycle:  lc,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
		recoveries: make(map[string]bool),
	}
}

// SetOutputHook registers the hook run for every newly recorded output
func (f *Finisher) SetOutputHook(hook OutputHook) {
	f.mu.Lock()
	f.onOutput = hook
	f.mu.Unlock()
}

// Close stops every poller and pending recovery and waits for them to exit
func (f *Finisher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.stop()
	f.lifecycle.StopAllPollers()
	f.wg.Wait()
}

// goBackground runs fn on a tracked, panic-safe goroutine unless the finisher is closed
func (f *Finisher) goBackground(name string, fn func()) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.wg.Add(1)
	f.mu.Unlock()

	common.SafeGo(f.logger, name, func() {
		defer f.wg.Done()
		fn()
	})
	return true
}

// Finalize resolves the terminal outcome of promptID. Concurrent calls for the same prompt
// collapse into one; calls for unknown or already terminal jobs do nothing.
func (f *Finisher) Finalize(ctx context.Context, promptID string, opts FinalizeOptions) {
	if promptID == "" {
		return
	}
	if !f.runtime.BeginFinalize(promptID) {
		f.logger.Debug().Str("prompt_id", promptID).Msg("Finalize already in flight")
		return
	}
	defer f.runtime.EndFinalize(promptID)

	job, err := f.lifecycle.ResolveJob(ctx, promptID)
	if err != nil {
		f.logger.Debug().Err(err).Str("prompt_id", promptID).Msg("Finalize for unknown prompt ignored")
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	if opts.ErrorMessage != "" {
		f.terminate(ctx, job.ID, models.JobStatusError, opts.ErrorMessage)
		return
	}

	entry, err := f.fetchHistory(ctx, promptID)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", job.ID).Str("prompt_id", promptID).Msg("History unavailable during finalize")
	}
	if entry.State() == engine.HistoryStateError {
		f.terminate(ctx, job.ID, models.JobStatusError, errorMessageOf(entry))
		return
	}

	refs := entry.Images()
	for attempt := 1; len(refs) == 0 && attempt <= f.config.HistoryRetries; attempt++ {
		if !sleepContext(ctx, f.config.HistoryRetryDelay) {
			break
		}
		entry, err = f.fetchHistory(ctx, promptID)
		if err != nil {
			f.logger.Debug().Err(err).Int("attempt", attempt).Str("prompt_id", promptID).Msg("History retry failed")
			continue
		}
		if entry.State() == engine.HistoryStateError {
			f.terminate(ctx, job.ID, models.JobStatusError, errorMessageOf(entry))
			return
		}
		refs = entry.Images()
	}

	if ctx.Err() != nil {
		// Shutdown mid-finalize; the resume pass picks the job up again
		return
	}

	if len(refs) > 0 {
		recorded, err := f.DownloadAndRecordOutputs(ctx, job, refs)
		if err != nil {
			f.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Some outputs could not be recorded")
		}
		f.logger.Info().Str("job_id", job.ID).Int("produced", len(refs)).Int("recorded", recorded).Msg("Job outputs recorded")
	} else {
		f.logger.Warn().Str("job_id", job.ID).Str("prompt_id", promptID).Msg("No outputs found for completed prompt, scheduling recovery")
		f.scheduleRecovery(job.ID, promptID)
	}

	f.terminate(ctx, job.ID, models.JobStatusCompleted, "")
}

func (f *Finisher) terminate(ctx context.Context, jobID string, status models.JobStatus, message string) {
	if _, err := f.lifecycle.Terminate(ctx, jobID, status, message); err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("Failed to write terminal status")
	}
}

// fetchHistory asks for one prompt's history and falls back to the full history list on failure
func (f *Finisher) fetchHistory(ctx context.Context, promptID string) (*engine.HistoryEntry, error) {
	entry, err := f.engine.GetHistory(ctx, promptID)
	if err == nil {
		return entry, nil
	}

	all, allErr := f.engine.GetHistories(ctx)
	if allErr != nil {
		return nil, fmt.Errorf("history for %s: %w (fallback: %v)", promptID, err, allErr)
	}
	return all[promptID], nil
}

func errorMessageOf(entry *engine.HistoryEntry) string {
	if msg := entry.ErrorMessage(); msg != "" {
		return msg
	}
	return DefaultErrorMessage
}

// scheduleRecovery runs one delayed output fetch for a prompt that completed without outputs.
// At most one recovery is pending per prompt; the entry is dropped once it has run.
func (f *Finisher) scheduleRecovery(jobID, promptID string) {
	f.mu.Lock()
	if f.recoveries[promptID] {
		f.mu.Unlock()
		return
	}
	f.recoveries[promptID] = true
	f.mu.Unlock()

	f.goBackground("recover-outputs", func() {
		defer func() {
			f.mu.Lock()
			delete(f.recoveries, promptID)
			f.mu.Unlock()
		}()
		if !sleepContext(f.baseCtx, f.config.RecoveryDelay) {
			return
		}
		f.recoverOutputs(f.baseCtx, jobID, promptID)
	})
}

func (f *Finisher) recoverOutputs(ctx context.Context, jobID, promptID string) {
	entry, err := f.fetchHistory(ctx, promptID)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", jobID).Msg("Output recovery could not fetch history")
		return
	}
	refs := entry.Images()
	if len(refs) == 0 {
		f.logger.Warn().Str("job_id", jobID).Str("prompt_id", promptID).Msg("Output recovery found no outputs")
		return
	}

	job, err := f.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", jobID).Msg("Output recovery could not load job")
		return
	}
	recorded, err := f.DownloadAndRecordOutputs(ctx, job, refs)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", jobID).Msg("Output recovery recorded partially")
	}
	f.logger.Info().Str("job_id", jobID).Int("recorded", recorded).Msg("Output recovery finished")
	if recorded > 0 {
		f.lifecycle.Notify(ctx, jobID)
	}
}

// sleepContext waits for d and reports false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
