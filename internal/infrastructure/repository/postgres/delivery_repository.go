package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// EnsureDeliveries creates pending records for destinations that have none yet and
// returns every record of the document.
func (r *DeliveryRepository) EnsureDeliveries(ctx context.Context, checksum string, destinations []ports.DestinationRef) ([]domain.DeliveryRecord, error) {
	now := time.Now().UTC()
	for _, dest := range destinations {
		_, err := r.db.ExecContext(ctx, `
INSERT INTO deliveries (checksum, destination, kind, status, attempts, last_error, remote_ref, updated_at)
VALUES ($1,$2,$3,$4,0,'','',$5)
ON CONFLICT (checksum, destination) DO NOTHING
`, checksum, dest.Name, string(dest.Kind), string(domain.DeliveryPending), now)
		if err != nil {
			return nil, fmt.Errorf("insert delivery %s: %w", dest.Name, err)
		}
	}
	return r.ListDeliveries(ctx, checksum)
}

func (r *DeliveryRepository) SaveDelivery(ctx context.Context, record domain.DeliveryRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO deliveries (checksum, destination, kind, status, attempts, last_error, remote_ref, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (checksum, destination) DO UPDATE SET
	kind = EXCLUDED.kind,
	status = EXCLUDED.status,
	attempts = GREATEST(deliveries.attempts, EXCLUDED.attempts),
	last_error = EXCLUDED.last_error,
	remote_ref = EXCLUDED.remote_ref,
	updated_at = EXCLUDED.updated_at
`,
		record.Checksum, record.Destination, string(record.Kind), string(record.Status), record.Attempts,
		record.LastError, record.RemoteRef, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert delivery %s: %w", record.Destination, err)
	}
	return nil
}

func (r *DeliveryRepository) ListDeliveries(ctx context.Context, checksum string) ([]domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT checksum, destination, kind, status, attempts, last_error, remote_ref, updated_at
FROM deliveries
WHERE checksum = $1
ORDER BY destination
`, checksum)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DeliveryRecord, 0)
	for rows.Next() {
		var rec domain.DeliveryRecord
		var kind, status string
		if err := rows.Scan(
			&rec.Checksum, &rec.Destination, &kind, &status, &rec.Attempts, &rec.LastError, &rec.RemoteRef, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		rec.Kind = domain.DestinationKind(kind)
		rec.Status = domain.DeliveryStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}
