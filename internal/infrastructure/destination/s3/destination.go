// Package s3 delivers bundles to an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
)

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Name            string
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	KMSKeyID        string
	// ServerSideEncryption is "AES256", "aws:kms" or empty for the bucket default.
	ServerSideEncryption string
}

type Destination struct {
	name     string
	client   putter
	bucket   string
	prefix   string
	sse      string
	kmsKeyID string
	executor *resilience.Executor
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Destination, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newWithClient(cfg, client, executor), nil
}

func newWithClient(cfg Config, client putter, executor *resilience.Executor) *Destination {
	name := cfg.Name
	if name == "" {
		name = "s3"
	}
	return &Destination{
		name:     name,
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		sse:      strings.TrimSpace(cfg.ServerSideEncryption),
		kmsKeyID: strings.TrimSpace(cfg.KMSKeyID),
		executor: executor,
	}
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationObjectStorage }

// Deliver writes the PDF and its sidecar. Puts overwrite, so a repeated delivery
// converges on the same objects.
func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	pdfKey := d.key(bundle.Filename)
	if err := d.put(ctx, pdfKey, bundle.PDF, "application/pdf"); err != nil {
		return "", err
	}
	if len(bundle.Sidecar) > 0 {
		if err := d.put(ctx, d.key(bundle.SidecarName()), bundle.Sidecar, "application/json"); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, pdfKey), nil
}

func (d *Destination) key(name string) string {
	if d.prefix == "" {
		return name
	}
	return path.Join(d.prefix, name)
}

func (d *Destination) put(ctx context.Context, key string, data []byte, contentType string) error {
	call := func(callCtx context.Context) error {
		input := &s3.PutObjectInput{
			Bucket:      aws.String(d.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		}
		switch {
		case d.kmsKeyID != "":
			input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(d.kmsKeyID)
		case d.sse != "":
			input.ServerSideEncryption = s3types.ServerSideEncryption(d.sse)
		}
		if _, err := d.client.PutObject(callCtx, input); err != nil {
			return fmt.Errorf("s3 put object bucket=%s key=%s: %w", d.bucket, key, err)
		}
		return nil
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, "s3.put", call, classifyS3Error)
	} else {
		err = call(ctx)
	}
	return wrapS3Error(err)
}

func classifyS3Error(err error) resilience.ErrorClassification {
	if kind := wrapS3Error(err); domain.IsKind(kind, domain.ErrTemporary) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return remote.Classify(err)
}

func wrapS3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case remote.IsRetryableStatus(code):
			return domain.WrapError(domain.ErrTemporary, "s3 put", err)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return domain.WrapError(domain.ErrUnauthorized, "s3 put", err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return domain.WrapError(domain.ErrUnauthorized, "s3 put", err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return domain.WrapError(domain.ErrTemporary, "s3 put", err)
		default:
			return domain.WrapError(domain.ErrRejected, "s3 put", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, "s3 put", err)
	}
	return remote.Wrap("s3 put", err)
}
