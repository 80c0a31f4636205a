package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestDeliverCopiesBundle(t *testing.T) {
	dir := t.TempDir()
	dest, err := New("", dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	bundle := domain.Bundle{Filename: "2024-01-02_Letter.pdf", PDF: []byte("%PDF"), Sidecar: []byte(`{"title":"Letter"}`)}
	for i := 0; i < 2; i++ {
		ref, err := dest.Deliver(context.Background(), bundle)
		if err != nil {
			t.Fatalf("Deliver() #%d error = %v", i+1, err)
		}
		if ref != filepath.Join(dir, "2024-01-02_Letter.pdf") {
			t.Fatalf("unexpected ref %s", ref)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "2024-01-02_Letter.json"))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(data) != `{"title":"Letter"}` {
		t.Fatalf("unexpected sidecar %s", data)
	}
	if dest.Kind() != domain.DestinationFilesystem {
		t.Fatalf("unexpected kind %s", dest.Kind())
	}
}
