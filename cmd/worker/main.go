package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/christianlouis/document-processor/internal/adapters/http"
	"github.com/christianlouis/document-processor/internal/bootstrap"
	"github.com/christianlouis/document-processor/internal/config"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/scheduler"
	"github.com/christianlouis/document-processor/internal/observability/logging"
	"github.com/christianlouis/document-processor/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	worker, err := app.NewWorker(ctx)
	if err != nil {
		log.Fatalf("worker bootstrap error: %v", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", worker.Metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	servers := []*http.Server{{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}}

	// The in-process queue only reaches consumers in the same binary, so the intake API
	// is served from here as well.
	if cfg.QueueBackend == "memory" {
		router := httpadapter.NewRouter(cfg, app.SubmitUC, app.StatusUC, app.RevokeUC, metrics.NewHTTPServerMetrics("worker"))
		servers = append(servers, &http.Server{
			Addr:         ":" + cfg.APIPort,
			Handler:      router.Handler(),
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("worker consuming %s queue with %d workers", domain.QueueProcessing, cfg.ProcessingWorkers)
		return app.Queue.Consume(gctx, domain.QueueProcessing, cfg.ProcessingWorkers, worker.Dispatcher.Handle)
	})
	g.Go(func() error {
		log.Printf("worker consuming %s queue with %d workers", domain.QueueDefault, cfg.DefaultWorkers)
		return app.Queue.Consume(gctx, domain.QueueDefault, cfg.DefaultWorkers, worker.Dispatcher.Handle)
	})
	g.Go(func() error {
		return scheduler.New(worker.Scheduler, cfg.SchedulerTick, logger).Run(gctx)
	})
	for _, server := range servers {
		g.Go(func() error {
			log.Printf("worker listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("worker error: %v", err)
	}
	log.Printf("worker stopped")
}
