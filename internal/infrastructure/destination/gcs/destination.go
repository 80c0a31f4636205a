// Package gcs delivers bundles to a Google Cloud Storage bucket with create-if-absent writes.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type objectWriter interface {
	WriteIfAbsent(ctx context.Context, name, contentType string, data []byte) error
}

type bucketWriter struct {
	bucket *storage.BucketHandle
}

func (b bucketWriter) WriteIfAbsent(ctx context.Context, name, contentType string, data []byte) error {
	writer := b.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

type Config struct {
	Name            string
	Bucket          string
	Prefix          string
	CredentialsFile string
}

type Destination struct {
	name     string
	bucket   string
	prefix   string
	client   *storage.Client
	writer   objectWriter
	executor *resilience.Executor
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Destination, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	d := newWithWriter(cfg, bucketWriter{bucket: client.Bucket(cfg.Bucket)}, executor)
	d.client = client
	return d, nil
}

func newWithWriter(cfg Config, writer objectWriter, executor *resilience.Executor) *Destination {
	name := cfg.Name
	if name == "" {
		name = "gcs"
	}
	return &Destination{
		name:     name,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		writer:   writer,
		executor: executor,
	}
}

func (d *Destination) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationObjectStorage }

// Deliver writes objects only if they do not exist yet; an existing object from an
// earlier attempt counts as delivered.
func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	pdfName := d.objectName(bundle.Filename)
	if err := d.write(ctx, pdfName, "application/pdf", bundle.PDF); err != nil {
		return "", err
	}
	if len(bundle.Sidecar) > 0 {
		if err := d.write(ctx, d.objectName(bundle.SidecarName()), "application/json", bundle.Sidecar); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("gs://%s/%s", d.bucket, pdfName), nil
}

func (d *Destination) objectName(name string) string {
	if d.prefix == "" {
		return name
	}
	return path.Join(d.prefix, name)
}

func (d *Destination) write(ctx context.Context, name, contentType string, data []byte) error {
	call := func(callCtx context.Context) error {
		err := d.writer.WriteIfAbsent(callCtx, name, contentType, data)
		if isPreconditionFailed(err) {
			return nil
		}
		return err
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, "gcs.write", call, classifyGCSError)
	} else {
		err = call(ctx)
	}
	return wrapGCSError(name, err)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func classifyGCSError(err error) resilience.ErrorClassification {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		retryable := remote.IsRetryableStatus(gerr.Code)
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	return remote.Classify(err)
}

func wrapGCSError(name string, err error) error {
	if err == nil {
		return nil
	}
	op := "gcs write " + name
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case remote.IsRetryableStatus(gerr.Code):
			return domain.WrapError(domain.ErrTemporary, op, err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return domain.WrapError(domain.ErrUnauthorized, op, err)
		default:
			return domain.WrapError(domain.ErrRejected, op, err)
		}
	}
	return remote.Wrap(op, err)
}
