// Package filesystem copies bundles into a local or mounted directory.
package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/storage/localfs"
)

type Destination struct {
	name  string
	store *localfs.Storage
}

func New(name, dir string) (*Destination, error) {
	if dir == "" {
		return nil, fmt.Errorf("filesystem destination directory is required")
	}
	store, err := localfs.New(dir)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "filesystem"
	}
	return &Destination{name: name, store: store}, nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationFilesystem }

func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	if err := d.store.Save(ctx, bundle.Filename, bytes.NewReader(bundle.PDF)); err != nil {
		return "", fmt.Errorf("copy pdf: %w", err)
	}
	if len(bundle.Sidecar) > 0 {
		if err := d.store.Save(ctx, bundle.SidecarName(), bytes.NewReader(bundle.Sidecar)); err != nil {
			return "", fmt.Errorf("copy sidecar: %w", err)
		}
	}
	return filepath.Join(d.store.BasePath(), bundle.Filename), nil
}
