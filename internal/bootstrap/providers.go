package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/christianlouis/document-processor/internal/config"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/dropbox"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/filesystem"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/gcs"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/paperless"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/s3"
	"github.com/christianlouis/document-processor/internal/infrastructure/destination/webdav"
	"github.com/christianlouis/document-processor/internal/infrastructure/llm/ollama"
	"github.com/christianlouis/document-processor/internal/infrastructure/llm/openai"
	"github.com/christianlouis/document-processor/internal/infrastructure/ocr/azure"
	"github.com/christianlouis/document-processor/internal/infrastructure/ocr/vertex"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
)

// newOCR returns nil when OCR is disabled.
func newOCR(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.OCRService, func(), error) {
	limiter := remote.NewLimiter(cfg.OCRRequestsPerMinute, 2)
	switch cfg.OCRProvider {
	case "", "none":
		return nil, func() {}, nil
	case "azure":
		if cfg.AzureOCREndpoint == "" || cfg.AzureOCRKey == "" {
			return nil, nil, fmt.Errorf("azure ocr requires AZURE_DOCINTEL_ENDPOINT and AZURE_DOCINTEL_KEY")
		}
		return azure.New(cfg.AzureOCREndpoint, cfg.AzureOCRKey, azure.Options{
			Timeout:            cfg.OCRTimeout,
			ResilienceExecutor: executor,
			Limiter:            limiter,
		}), func() {}, nil
	case "vertex":
		client, err := vertex.New(ctx, cfg.VertexProjectID, cfg.VertexRegion, vertex.Options{
			Model:              cfg.VertexModel,
			ResilienceExecutor: executor,
			Limiter:            limiter,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init vertex ocr: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ocr provider %q", cfg.OCRProvider)
	}
}

func newLanguageModel(cfg config.Config, executor *resilience.Executor) (ports.LanguageModel, error) {
	limiter := remote.NewLimiter(cfg.LLMRequestsPerMinute, 2)
	switch cfg.LLMProvider {
	case "", "openai":
		return openai.New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, openai.Options{
			Timeout:            cfg.LLMTimeout,
			ResilienceExecutor: executor,
			Limiter:            limiter,
		}), nil
	case "ollama":
		return ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaModel, ollama.Options{
			Timeout:            cfg.LLMTimeout,
			ResilienceExecutor: executor,
			Limiter:            limiter,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

// newDestinations builds every enabled destination. Order is stable so status views list
// deliveries the same way on every run.
func newDestinations(ctx context.Context, cfg config.Config, executor *resilience.Executor, logger *slog.Logger) ([]ports.Destination, error) {
	var out []ports.Destination

	if cfg.S3Enabled {
		dest, err := s3.New(ctx, s3.Config{
			Region:               cfg.S3Region,
			Bucket:               cfg.S3Bucket,
			Prefix:               cfg.S3Prefix,
			Endpoint:             cfg.S3Endpoint,
			AccessKeyID:          cfg.S3AccessKeyID,
			SecretAccessKey:      cfg.S3SecretAccessKey,
			ServerSideEncryption: cfg.S3ServerSideEncryption,
			KMSKeyID:             cfg.S3KMSKeyID,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init s3 destination: %w", err)
		}
		out = append(out, dest)
	}
	if cfg.GCSEnabled {
		dest, err := gcs.New(ctx, gcs.Config{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init gcs destination: %w", err)
		}
		out = append(out, dest)
	}
	if cfg.DropboxEnabled {
		dest, err := dropbox.New(dropbox.Config{
			AppKey:       cfg.DropboxAppKey,
			AppSecret:    cfg.DropboxAppSecret,
			RefreshToken: cfg.DropboxRefreshToken,
			Folder:       cfg.DropboxFolder,
			Timeout:      cfg.DestinationTimeout,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init dropbox destination: %w", err)
		}
		out = append(out, dest)
	}
	if cfg.WebDAVEnabled {
		dest, err := webdav.New(webdav.Config{
			URL:      cfg.WebDAVURL,
			Folder:   cfg.WebDAVFolder,
			Username: cfg.WebDAVUsername,
			Password: cfg.WebDAVPassword,
			Timeout:  cfg.DestinationTimeout,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init webdav destination: %w", err)
		}
		out = append(out, dest)
	}
	if cfg.PaperlessEnabled {
		dest, err := paperless.New(paperless.Config{
			Host:         cfg.PaperlessHost,
			Token:        cfg.PaperlessToken,
			PollAttempts: cfg.PaperlessPollAttempts,
			PollInterval: cfg.PaperlessPollInterval,
			Timeout:      cfg.DestinationTimeout,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init paperless destination: %w", err)
		}
		out = append(out, dest)
	}
	if cfg.FilesystemEnabled {
		dest, err := filesystem.New("", cfg.FilesystemDir)
		if err != nil {
			return nil, fmt.Errorf("init filesystem destination: %w", err)
		}
		out = append(out, dest)
	}

	if len(out) == 0 {
		logger.Warn("no_destinations_enabled")
	}
	for _, dest := range out {
		logger.Info("destination_enabled", "destination", dest.Name(), "kind", dest.Kind())
	}
	return out, nil
}
