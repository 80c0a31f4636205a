package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/config"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/metadata"
	"github.com/christianlouis/document-processor/internal/core/usecase"
	"github.com/christianlouis/document-processor/internal/infrastructure/chunking"
	"github.com/christianlouis/document-processor/internal/infrastructure/converter/gotenberg"
	"github.com/christianlouis/document-processor/internal/infrastructure/extractor/pdftext"
	"github.com/christianlouis/document-processor/internal/infrastructure/mailbox/imap"
	"github.com/christianlouis/document-processor/internal/infrastructure/mailbox/seencache"
	"github.com/christianlouis/document-processor/internal/infrastructure/pdfdoc"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"github.com/christianlouis/document-processor/internal/observability/metrics"
)

// Worker is the processing side: task dispatch, the periodic schedule and pipeline metrics.
type Worker struct {
	Dispatcher *usecase.Dispatcher
	Scheduler  *usecase.Scheduler
	Metrics    *metrics.PipelineMetrics
}

func (a *App) NewWorker(ctx context.Context) (*Worker, error) {
	cfg := a.Config
	logger := a.Logger
	observer := metrics.NewPipelineMetrics("worker")

	ocr, closeOCR, err := newOCR(ctx, cfg, a.executor)
	if err != nil {
		return nil, err
	}
	a.closeFns = append(a.closeFns, closeOCR)
	if ocr == nil {
		logger.Warn("ocr_disabled")
	}

	model, err := newLanguageModel(cfg, a.executor)
	if err != nil {
		return nil, err
	}
	extractor := metadata.NewExtractor(
		model,
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		logger,
		metadata.Options{
			MaxReprompts: cfg.MetadataMaxReprompts,
			TextBudget:   cfg.MetadataTextBudget,
		},
	)

	destinations, err := newDestinations(ctx, cfg, a.executor, logger)
	if err != nil {
		return nil, err
	}

	backoff := resilience.NewBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	router := usecase.NewDeliveryRouter(destinations, a.stores.deliveries, usecase.DeliveryPolicy{
		MaxAttempts: cfg.StageMaxAttemptsDeliver,
		Delay:       backoff.Delay,
		Concurrency: cfg.DeliveryConcurrency,
		CallTimeout: cfg.DestinationTimeout,
	}, observer, logger)

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Documents: a.stores.documents,
		Attempts:  a.stores.attempts,
		Tasks:     a.stores.tasks,
		Leases:    a.stores.leases,
		Storage:   a.storage,
		Converter: gotenberg.New(cfg.GotenbergURL, gotenberg.Options{
			Timeout:            cfg.ConvertTimeout,
			ResilienceExecutor: a.executor,
		}),
		Inspector: pdfdoc.NewInspector(),
		Text:      pdftext.NewExtractor(logger),
		OCR:       ocr,
		Metadata:  extractor,
		PDFWriter: pdfdoc.NewMetadataWriter(),
		Router:    router,
		Enqueuer:  a.enqueuer,
		Observer:  observer,
		Logger:    logger,
	}, stagePolicy(cfg, backoff))

	seen, err := seencache.Open(ctx, cfg.SeenCachePath)
	if err != nil {
		return nil, fmt.Errorf("open seen cache: %w", err)
	}
	a.closeFns = append(a.closeFns, func() { _ = seen.Close() })

	poller := usecase.NewPoller(usecase.PollerDeps{
		Mailboxes: cfg.Mailboxes,
		Connector: imap.NewConnector(imap.Options{
			Timeout: cfg.IMAPTimeout,
			Filter: imap.AttachmentFilter{
				MimeTypes: cfg.IMAPAttachmentTypes,
				MaxBytes:  cfg.MaxUploadBytes,
			},
			Logger:     logger,
			GmailLabel: cfg.IMAPGmailLabel,
		}),
		Seen:       seen,
		Intake:     a.SubmitUC,
		Sources:    a.stores.sources,
		Documents:  a.stores.documents,
		Deliveries: a.stores.deliveries,
		Leases:     a.stores.leases,
		Enabled:    router.Enabled,
		Observer:   observer,
		Logger:     logger,
	}, usecase.PollerOptions{
		Lookback:      time.Duration(cfg.IMAPLookbackDays) * 24 * time.Hour,
		SeenRetention: time.Duration(cfg.IMAPSeenRetentionDays) * 24 * time.Hour,
	})

	recovery := usecase.NewRecovery(a.stores.documents, a.enqueuer, logger, cfg.StallAfter)
	dispatcher := usecase.NewDispatcher(orchestrator, poller, recovery, a.stores.tasks, observer, logger, cfg.TaskTimeout)
	scheduler := usecase.NewScheduler(a.enqueuer, logger, cfg.Mailboxes, cfg.RecoveryInterval)

	for _, mb := range cfg.Mailboxes {
		logger.Info("mailbox_configured",
			"mailbox_id", mb.ID,
			"host", mb.Host,
			"poll_interval", mb.PollInterval.String(),
			"delete_after_process", mb.DeleteAfterProcess,
		)
	}

	return &Worker{
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Metrics:    observer,
	}, nil
}

func stagePolicy(cfg config.Config, backoff resilience.Backoff) usecase.StagePolicy {
	return usecase.StagePolicy{
		MaxAttempts: map[domain.Stage]int{
			domain.StageConvert:  cfg.StageMaxAttemptsConvert,
			domain.StageExtract:  cfg.StageMaxAttemptsExtract,
			domain.StageMetadata: cfg.StageMaxAttemptsMetadata,
			domain.StageDeliver:  cfg.StageMaxAttemptsDeliver,
		},
		Delay:        backoff.Delay,
		StageTimeout: cfg.StageTimeout,
		OCRMinChars:  cfg.OCRMinTextChars,
		RefineOCR:    cfg.RefineOCRText,
		LeaseTTL:     cfg.DocumentLeaseTTL,
	}
}
