package domain

import (
	"fmt"
	"time"
)

// DestinationKind is the closed set of archive families a bundle can be delivered to.
type DestinationKind string

const (
	DestinationObjectStorage DestinationKind = "object_storage"
	DestinationCloudDrive    DestinationKind = "cloud_drive"
	DestinationWebDAV        DestinationKind = "webdav"
	DestinationDMS           DestinationKind = "dms"
	DestinationFilesystem    DestinationKind = "filesystem"
)

func ParseDestinationKind(v string) (DestinationKind, error) {
	switch kind := DestinationKind(v); kind {
	case DestinationObjectStorage, DestinationCloudDrive, DestinationWebDAV, DestinationDMS, DestinationFilesystem:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: destination kind %q", ErrInvalidInput, v)
	}
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

type DeliveryRecord struct {
	Checksum    string          `json:"checksum"`
	Destination string          `json:"destination"`
	Kind        DestinationKind `json:"kind"`
	Status      DeliveryStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RemoteRef   string          `json:"remote_ref,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Bundle is what a destination receives: the final PDF plus its metadata sidecar.
type Bundle struct {
	Checksum string
	Filename string
	PDF      []byte
	Metadata Metadata
	Sidecar  []byte
}

// SidecarName returns the metadata file name next to the PDF.
func (b Bundle) SidecarName() string {
	name := b.Filename
	if n := len(name); n > 4 && name[n-4:] == ".pdf" {
		name = name[:n-4]
	}
	return name + ".json"
}

// DeliveryOutcome aggregates per-destination results into a document status.
// Every enabled destination delivered yields completed; otherwise failed.
func DeliveryOutcome(records []DeliveryRecord, enabled []string) DocumentStatus {
	byName := make(map[string]DeliveryStatus, len(records))
	for _, r := range records {
		byName[r.Destination] = r.Status
	}
	for _, name := range enabled {
		if byName[name] != DeliveryDelivered {
			return StatusFailed
		}
	}
	return StatusCompleted
}
