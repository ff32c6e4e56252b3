// Package binder turns engine stream events into runtime state mutations, status promotions and
// finalize calls.
package binder

import (
	"context"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/finisher"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/vincent-petithory/dataurl"
)

// Finalizer is the part of the finisher the binder drives
type Finalizer interface {
	Finalize(ctx context.Context, promptID string, opts finisher.FinalizeOptions)
}

// EngineStatus is broadcast to UI clients when engine connectivity changes
type EngineStatus struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
}

// Binder subscribes to the engine stream and applies each event
type Binder struct {
	stream      interfaces.EngineStream
	runtime     *state.Runtime
	lifecycle   *lifecycle.Lifecycle
	finalizer   Finalizer
	broadcaster interfaces.Broadcaster
	logger      arbor.ILogger

	once sync.Once
	ctx  context.Context
}

// New creates a Binder. broadcaster may be nil.
func New(stream interfaces.EngineStream, lc *lifecycle.Lifecycle, finalizer Finalizer, broadcaster interfaces.Broadcaster, logger arbor.ILogger) *Binder {
	return &Binder{
		stream:      stream,
		runtime:     lc.Runtime(),
		lifecycle:   lc,
		finalizer:   finalizer,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Bind subscribes to the stream. Only the first call has an effect; ctx bounds the work that
// events trigger.
func (b *Binder) Bind(ctx context.Context) {
	b.once.Do(func() {
		b.ctx = ctx
		b.stream.Subscribe(b.Handle)
		b.logger.Info().Msg("Engine event binder attached")
	})
}

// Handle applies one event. It runs on the stream's read goroutine; slow work is handed off.
func (b *Binder) Handle(ev engine.Event) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch e := ev.(type) {
	case engine.ProgressEvent:
		b.onProgress(ctx, e)
	case engine.ExecutingEvent:
		b.onExecuting(ctx, e)
	case engine.ExecutedEvent:
		b.addExecuted(ctx, e.PromptID, e.Node)
	case engine.ExecutionCachedEvent:
		b.addExecuted(ctx, e.PromptID, e.Nodes...)
	case engine.ExecutionSuccessEvent:
		b.runtime.ClearExecutingIf(e.PromptID)
		b.finalize(ctx, e.PromptID, finisher.FinalizeOptions{})
	case engine.ExecutionErrorEvent:
		b.runtime.ClearExecutingIf(e.PromptID)
		message := e.Message
		if message == "" {
			message = finisher.DefaultErrorMessage
		}
		b.logger.Warn().Str("prompt_id", e.PromptID).Str("node_id", e.NodeID).Str("node_type", e.NodeType).Str("error", message).Msg("Engine reported execution error")
		b.finalize(ctx, e.PromptID, finisher.FinalizeOptions{ErrorMessage: message})
	case engine.ExecutionInterruptedEvent:
		b.runtime.ClearExecutingIf(e.PromptID)
		b.finalize(ctx, e.PromptID, finisher.FinalizeOptions{ErrorMessage: finisher.InterruptedMessage})
	case engine.StatusEvent:
		b.onStatus(e)
	case engine.PreviewEvent:
		b.onPreview(ctx, e)
	case engine.ConnectedEvent:
		b.runtime.SetConnected(true)
		b.broadcastEngineStatus()
	case engine.DisconnectedEvent:
		b.runtime.SetConnected(false)
		b.broadcastEngineStatus()
	default:
		b.logger.Debug().Msgf("Ignoring engine event %T", ev)
	}
}

func (b *Binder) onProgress(ctx context.Context, e engine.ProgressEvent) {
	accepted := false
	job := b.lifecycle.WithActiveJob(ctx, e.PromptID, func(job *models.Job) {
		accepted = b.runtime.UpdateProgress(job.ID, e.Value, e.Max, e.Node)
	})
	if job == nil || !accepted {
		return
	}
	b.promoteOrNotify(ctx, job)
}

func (b *Binder) onExecuting(ctx context.Context, e engine.ExecutingEvent) {
	if e.Node == "" {
		// The engine signals the end of a prompt with an empty node
		b.runtime.ClearExecutingIf(e.PromptID)
		return
	}

	b.runtime.SetExecuting(e.PromptID)
	job := b.lifecycle.WithActiveJob(ctx, e.PromptID, func(job *models.Job) {
		b.runtime.SetExecutingNode(job.ID, e.Node)
	})
	if job == nil {
		return
	}
	b.promoteOrNotify(ctx, job)
}

func (b *Binder) addExecuted(ctx context.Context, promptID string, nodes ...string) {
	job := b.lifecycle.WithActiveJob(ctx, promptID, func(job *models.Job) {
		b.runtime.AddExecutedNodes(job.ID, nodes...)
	})
	if job != nil {
		b.lifecycle.Notify(ctx, job.ID)
	}
}

// promoteOrNotify moves a queued job to running; a job already running just gets a fresh view
func (b *Binder) promoteOrNotify(ctx context.Context, job *models.Job) {
	if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
		changed, err := b.lifecycle.Promote(ctx, job.ID, models.JobStatusRunning)
		if err != nil {
			b.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to promote job to running")
		}
		if changed {
			return
		}
	}
	b.lifecycle.Notify(ctx, job.ID)
}

func (b *Binder) onStatus(e engine.StatusEvent) {
	if e.QueueRemaining != nil {
		b.runtime.SetRemainingOverride(*e.QueueRemaining)
	}
	if b.runtime.ObserveSession(e.SessionID) {
		b.logger.Info().Str("session_id", e.SessionID).Msg("Engine session changed, reconnecting")
		common.SafeGo(b.logger, "engine-reconnect", b.stream.Reconnect)
	}
}

func (b *Binder) onPreview(ctx context.Context, e engine.PreviewEvent) {
	promptID := e.PromptID
	if promptID == "" {
		promptID = b.runtime.ActivePrompt()
	}
	if promptID == "" || len(e.Data) == 0 {
		return
	}

	stored := false
	job := b.lifecycle.WithActiveJob(ctx, promptID, func(job *models.Job) {
		if !b.runtime.AllowPreview(job.ID) {
			return
		}
		b.runtime.StorePreview(job.ID, dataurl.New(e.Data, previewMediaType(e.MimeType)).String())
		stored = true
	})
	if job != nil && stored {
		b.lifecycle.Notify(ctx, job.ID)
	}
}

// previewMediaType guards dataurl.New, which panics on anything but type/subtype
func previewMediaType(mime string) string {
	if major, minor, ok := strings.Cut(mime, "/"); ok && major != "" && minor != "" && !strings.Contains(minor, "/") {
		return mime
	}
	return "image/jpeg"
}

// finalize runs off the stream goroutine; history fetches and downloads must not stall event delivery
func (b *Binder) finalize(ctx context.Context, promptID string, opts finisher.FinalizeOptions) {
	if promptID == "" {
		return
	}
	common.SafeGoWithContext(ctx, b.logger, "finalize", func() {
		b.finalizer.Finalize(ctx, promptID, opts)
	})
}

func (b *Binder) broadcastEngineStatus() {
	connected, session := b.runtime.Connection()
	b.logger.Info().Bool("connected", connected).Msg("Engine connectivity changed")
	if b.broadcaster != nil {
		b.broadcaster.Broadcast("engine_status", EngineStatus{Connected: connected, SessionID: session})
	}
}
