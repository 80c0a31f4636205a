package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LeaseRepository implements expiring ownership records, the same visibility-timeout
// idea a job queue uses for claimed jobs.
type LeaseRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db, now: time.Now}
}

// AcquireLease claims key for owner until now+ttl. It succeeds when the key is free,
// expired, or already held by owner (which extends it).
func (r *LeaseRepository) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx, `
INSERT INTO leases (key, owner, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE leases.owner = EXCLUDED.owner OR leases.expires_at < $4
`, key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *LeaseRepository) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
