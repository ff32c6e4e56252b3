package app

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/engine"
	"github.com/ternarybob/vellum/internal/handlers"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/binder"
	"github.com/ternarybob/vellum/internal/jobs/finisher"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/jobs/tracker"
	"github.com/ternarybob/vellum/internal/services/dispatch"
	"github.com/ternarybob/vellum/internal/services/notify"
	"github.com/ternarybob/vellum/internal/services/thumbnails"
	"github.com/ternarybob/vellum/internal/storage/badger"
	"github.com/ternarybob/vellum/internal/storage/files"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	background     sync.WaitGroup
	StorageManager interfaces.StorageManager
	Files          *files.Store

	// Engine connection
	EngineClient *engine.Client
	EngineStream *engine.Stream

	// Job orchestration
	Runtime         *state.Runtime
	Lifecycle       *lifecycle.Lifecycle
	Finisher        *finisher.Finisher
	Binder          *binder.Binder
	Tracker         *tracker.Tracker
	DispatchService *dispatch.Service
	NotifyService   *notify.Service
	Thumbnails      *thumbnails.Service

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	WSHandler       *handlers.WebSocketHandler
	WorkflowHandler *handlers.WorkflowHandler
	JobHandler      *handlers.JobHandler
	QueueHandler    *handlers.QueueHandler
	OutputHandler   *handlers.OutputHandler
}

// New initializes the application with all dependencies and starts the engine connection
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	app.initHandlers()
	common.SetCrashState(app.crashState)

	// Start the engine stream, queue refresh and the resume pass
	if err := app.start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start background services: %w", err)
	}

	logger.Info().
		Str("engine", cfg.Engine.BaseURL).
		Str("client_id", app.EngineClient.ClientID()).
		Str("outputs", cfg.Storage.Filesystem.Primary).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and seeds workflow definitions
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Load workflow definitions from files
	if err := badger.LoadWorkflowsFromFiles(a.ctx, a.StorageManager.WorkflowStorage(), a.Config.Workflows.DefinitionsDir, a.Logger); err != nil {
		// Log warning but don't fail startup
		a.Logger.Warn().Err(err).Msg("Failed to load workflow definitions from files")
	}

	return nil
}

// initServices builds the orchestration graph in dependency order:
// runtime -> notifier -> lifecycle -> finisher -> binder / tracker -> dispatch
func (a *App) initServices() error {
	var err error

	fsCfg := a.Config.Storage.Filesystem
	a.Files = files.NewStore(fsCfg.Primary, fsCfg.Secondary)
	a.Thumbnails = thumbnails.NewService(fsCfg.Thumbnails, fsCfg.ThumbSize, a.Logger)

	clientID := uuid.New().String()
	a.EngineClient, err = engine.NewClient(engine.ClientConfig{
		BaseURL:  a.Config.Engine.BaseURL,
		ClientID: clientID,
		Timeout:  common.Duration(a.Config.Engine.RequestTimeout, 0),
		RetryMax: a.Config.Engine.RetryMax,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.EngineStream = engine.NewStream(engine.StreamConfig{
		URL:        a.EngineClient.WebSocketURL(),
		ClientID:   clientID,
		Backoff:    common.Duration(a.Config.Engine.ReconnectBackoff, 0),
		MaxBackoff: common.Duration(a.Config.Engine.ReconnectMax, 0),
	}, a.Logger)

	a.Runtime = state.NewRuntime(state.NewConfig(a.Config))

	// The websocket handler is the broadcaster every service pushes through
	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)

	a.NotifyService = notify.NewService(a.StorageManager, a.Runtime, a.Files, a.WSHandler, a.Logger)
	a.Lifecycle = lifecycle.New(a.StorageManager.JobStorage(), a.Runtime, a.NotifyService, a.Logger)

	a.Finisher = finisher.New(finisher.NewConfig(a.Config), a.EngineClient, a.StorageManager, a.Files, a.Lifecycle, a.Logger)
	a.Finisher.SetOutputHook(a.Thumbnails.Hook)

	a.Binder = binder.New(a.EngineStream, a.Lifecycle, a.Finisher, a.WSHandler, a.Logger)

	a.Tracker = tracker.New(tracker.NewConfig(a.Config), a.EngineClient, a.StorageManager, a.Lifecycle, a.Finisher, a.WSHandler, a.Logger)
	a.NotifyService.SetPositioner(a.Tracker)

	a.DispatchService = dispatch.NewService(a.EngineClient, a.StorageManager, a.Lifecycle, a.Tracker, a.Finisher, a.Logger)

	a.Logger.Debug().Str("client_id", clientID).Msg("Job orchestration services initialized")
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Runtime, a.Logger)
	a.WorkflowHandler = handlers.NewWorkflowHandler(a.StorageManager, a.DispatchService, a.Finisher, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.StorageManager.JobStorage(), a.NotifyService, a.Finisher, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Tracker, a.Runtime, a.Logger)
	a.OutputHandler = handlers.NewOutputHandler(a.StorageManager, a.Files, a.Thumbnails, a.NotifyService, a.Logger)

	// New websocket clients get engine status and the queue before any delta
	a.WSHandler.SetInitialMessages(a.QueueHandler.InitialMessages)
}

func (a *App) start() error {
	a.Binder.Bind(a.ctx)

	a.background.Add(1)
	common.SafeGoWithContext(a.ctx, a.Logger, "engine-stream", func() {
		defer a.background.Done()
		a.EngineStream.Run(a.ctx)
	})

	if err := a.Tracker.Start(a.ctx); err != nil {
		return err
	}

	// Resume jobs left in flight by a previous run; dispatch also waits on this
	common.SafeGoWithContext(a.ctx, a.Logger, "resume", func() {
		if err := a.Tracker.EnsureResumed(a.ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Resume of in-flight jobs failed")
		}
	})
	return nil
}

// crashState is the orchestration snapshot written into crash reports
func (a *App) crashState() map[string]string {
	connected, sessionID := a.Runtime.Connection()
	queue := a.Runtime.Queue()
	return map[string]string{
		"engine":           a.Config.Engine.BaseURL,
		"engine_connected": strconv.FormatBool(connected),
		"engine_session":   sessionID,
		"client_id":        a.EngineClient.ClientID(),
		"executing_prompt": a.Runtime.CurrentExecuting(),
		"active_prompt":    a.Runtime.ActivePrompt(),
		"queue_running":    strconv.Itoa(len(queue.Running)),
		"queue_pending":    strconv.Itoa(len(queue.Pending)),
		"ws_clients":       strconv.Itoa(a.WSHandler.ClientCount()),
	}
}

// Close stops background work and closes storage
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	if a.Tracker != nil {
		a.Tracker.Stop()
	}
	if a.Finisher != nil {
		a.Finisher.Close()
		a.Logger.Debug().Msg("Job finisher stopped")
	}
	a.background.Wait()

	var errs *multierror.Error
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close storage: %w", err))
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	return errs.ErrorOrNil()
}
