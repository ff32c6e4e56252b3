// Package tracker mirrors the engine queue, ranks prompts within it and resumes in-flight jobs
// after a restart.
package tracker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"golang.org/x/time/rate"
)

// Queue position states
const (
	PositionRunning = "running"
	PositionQueued  = "queued"
	PositionUnknown = "unknown"
)

// QueuePosition locates one prompt in the engine queue. Position is nil when the prompt is not
// in the last snapshot.
type QueuePosition struct {
	State     string `json:"state"`
	Position  *int   `json:"position"`
	Ahead     int    `json:"ahead"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
}

// Poller is the part of the finisher resume needs
type Poller interface {
	StartPolling(jobID, promptID string)
}

// Config holds the refresh schedule and the queue_update throttle
type Config struct {
	Schedule      string
	QueueThrottle time.Duration
}

// NewConfig reads tracker settings from the application config
func NewConfig(cfg *common.Config) Config {
	return Config{
		Schedule:      cfg.Queue.RefreshSchedule,
		QueueThrottle: common.Duration(cfg.WebSocket.QueueThrottle, 250*time.Millisecond),
	}
}

// Tracker keeps the runtime queue mirror fresh
type Tracker struct {
	config      Config
	engine      interfaces.EngineClient
	storage     interfaces.StorageManager
	lifecycle   *lifecycle.Lifecycle
	runtime     *state.Runtime
	poller      Poller
	broadcaster interfaces.Broadcaster
	logger      arbor.ILogger

	throttle *rate.Limiter

	mu               sync.Mutex
	cron             *cron.Cron
	running          bool
	broadcastPending bool

	resumeOnce sync.Once
	resumeErr  error
}

// New creates a Tracker. broadcaster may be nil.
func New(config Config, engineClient interfaces.EngineClient, storage interfaces.StorageManager, lc *lifecycle.Lifecycle, poller Poller, broadcaster interfaces.Broadcaster, logger arbor.ILogger) *Tracker {
	if config.Schedule == "" {
		config.Schedule = "@every 2s"
	}
	limit := rate.Inf
	if config.QueueThrottle > 0 {
		limit = rate.Every(config.QueueThrottle)
	}
	return &Tracker{
		config:      config,
		engine:      engineClient,
		storage:     storage,
		lifecycle:   lc,
		runtime:     lc.Runtime(),
		poller:      poller,
		broadcaster: broadcaster,
		logger:      logger,
		throttle:    rate.NewLimiter(limit, 1),
	}
}

// Refresh fetches the engine queue and stores it. It reports whether the signature over running
// ids, pending ids and effective remaining changed since the last refresh.
func (t *Tracker) Refresh(ctx context.Context) (bool, error) {
	queue, err := t.engine.GetQueue(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch engine queue: %w", err)
	}
	return t.store(queue), nil
}

func (t *Tracker) store(queue *engine.QueueState) bool {
	running := queue.RunningIDs()
	pending := queue.PendingIDs()
	remaining := t.runtime.EffectiveRemaining(len(pending))
	return t.runtime.StoreQueue(running, pending, remaining)
}

// PositionOf ranks promptID within the last snapshot. It returns nil when the snapshot is empty;
// callers then use FallbackPosition.
func (t *Tracker) PositionOf(promptID string) *QueuePosition {
	return positionIn(t.runtime.Queue(), promptID)
}

func positionIn(queue state.QueueSnapshot, promptID string) *QueuePosition {
	total := queue.Total()
	if total == 0 {
		return nil
	}

	if idx := slices.Index(queue.Running, promptID); idx >= 0 && promptID != "" {
		position := idx + 1
		return &QueuePosition{State: PositionRunning, Position: &position, Ahead: idx, Total: total, Remaining: queue.Remaining}
	}
	if idx := slices.Index(queue.Pending, promptID); idx >= 0 && promptID != "" {
		position := len(queue.Running) + idx + 1
		return &QueuePosition{State: PositionQueued, Position: &position, Ahead: position - 1, Total: total, Remaining: queue.Remaining}
	}
	return &QueuePosition{State: PositionUnknown, Total: total, Remaining: queue.Remaining}
}

// FallbackPosition is a coarse position built from the last snapshot's counts
func (t *Tracker) FallbackPosition() *QueuePosition {
	queue := t.runtime.Queue()
	return &QueuePosition{
		State:     PositionUnknown,
		Ahead:     queue.Total(),
		Total:     queue.Total(),
		Remaining: queue.Remaining,
	}
}

// Start refreshes once immediately and then on the configured schedule until ctx is done or Stop
// is called
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("queue tracker already running")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	t.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := t.cron.AddFunc(t.config.Schedule, func() { t.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule queue refresh: %w", err)
	}

	common.SafeGoWithContext(ctx, t.logger, "queue-refresh-initial", func() { t.tick(ctx) })
	t.cron.Start()
	t.running = true

	common.SafeGo(t.logger, "queue-tracker-stop", func() {
		<-ctx.Done()
		t.Stop()
	})

	t.logger.Info().Str("schedule", t.config.Schedule).Msg("Queue tracker started")
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	c := t.cron
	t.mu.Unlock()

	<-c.Stop().Done()
	t.logger.Info().Msg("Queue tracker stopped")
}

// tick is one scheduled refresh: broadcast the queue and re-notify generating jobs on change
func (t *Tracker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	changed, err := t.Refresh(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Queue refresh failed")
		return
	}

	t.mu.Lock()
	due := changed || t.broadcastPending
	t.mu.Unlock()
	if !due {
		return
	}

	if changed {
		t.notifyGenerating(ctx)
	}
	t.broadcastQueue()
}

// broadcastQueue sends queue_update at most once per throttle window. A suppressed update is
// retried on the next tick so the last state always goes out.
func (t *Tracker) broadcastQueue() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.throttle.Allow() {
		t.broadcastPending = true
		return
	}
	t.broadcastPending = false
	if t.broadcaster != nil {
		t.broadcaster.Broadcast("queue_update", t.runtime.Queue())
	}
}

func (t *Tracker) notifyGenerating(ctx context.Context) {
	jobs, err := t.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning},
	})
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to list generating jobs for queue update")
		return
	}
	for _, job := range jobs {
		t.lifecycle.Notify(ctx, job.ID)
	}
}
