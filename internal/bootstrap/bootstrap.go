package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/christianlouis/document-processor/internal/config"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/core/usecase"
	"github.com/christianlouis/document-processor/internal/infrastructure/queue/memory"
	"github.com/christianlouis/document-processor/internal/infrastructure/queue/nats"
	"github.com/christianlouis/document-processor/internal/infrastructure/repository/postgres"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"github.com/christianlouis/document-processor/internal/infrastructure/storage/localfs"
)

type taskQueue interface {
	ports.TaskQueue
	Close()
}

type stores struct {
	documents  *postgres.DocumentRepository
	attempts   *postgres.AttemptRepository
	deliveries *postgres.DeliveryRepository
	tasks      *postgres.TaskRepository
	leases     *postgres.LeaseRepository
	sources    *postgres.SourceMessageRepository
}

// App holds the adapters shared by the api and worker processes.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue ports.TaskQueue

	SubmitUC *usecase.SubmitUseCase
	StatusUC *usecase.StatusUseCase
	RevokeUC *usecase.RevokeUseCase

	db       *sql.DB
	stores   stores
	storage  *localfs.Storage
	enqueuer *usecase.TaskEnqueuer
	executor *resilience.Executor

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("config_warning", "detail", warning)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app := &App{Config: cfg, Logger: logger, db: db}
	app.closeFns = append(app.closeFns, func() { _ = db.Close() })

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	app.stores = stores{
		documents:  postgres.NewDocumentRepository(db),
		attempts:   postgres.NewAttemptRepository(db),
		deliveries: postgres.NewDeliveryRepository(db),
		tasks:      postgres.NewTaskRepository(db),
		leases:     postgres.NewLeaseRepository(db),
		sources:    postgres.NewSourceMessageRepository(db),
	}

	storage, err := localfs.New(cfg.WorkDir)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init working directory: %w", err)
	}
	app.storage = storage

	resCfg := resilience.DefaultConfig()
	resCfg.BreakerEnabled = cfg.BreakerEnabled
	app.executor = resilience.NewExecutor(resilience.BreakerOnly(resCfg), resilience.WithLogger(logger))

	queue, err := newQueue(cfg, resCfg, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init task queue: %w", err)
	}
	app.Queue = queue
	app.closeFns = append(app.closeFns, queue.Close)

	app.enqueuer = usecase.NewTaskEnqueuer(app.stores.tasks, queue)
	app.SubmitUC = usecase.NewSubmitUseCase(
		app.stores.documents,
		app.stores.tasks,
		storage,
		app.enqueuer,
		logger,
		cfg.MaxUploadBytes,
	)
	app.StatusUC = usecase.NewStatusUseCase(
		app.stores.documents,
		app.stores.tasks,
		app.stores.attempts,
		app.stores.deliveries,
	)
	app.RevokeUC = usecase.NewRevokeUseCase(app.stores.tasks, logger)
	return app, nil
}

func newQueue(cfg config.Config, resCfg resilience.Config, logger *slog.Logger) (taskQueue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	case "", "nats":
		return nats.NewWithOptions(cfg.NATSURL, nats.Subjects{
			Processing: cfg.NATSProcessingSubject,
			Default:    cfg.NATSDefaultSubject,
		}, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resCfg, resilience.WithLogger(logger)),
			Logger:             logger,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
