package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"capsuled/internal/capsule"
	"capsuled/internal/profile"
	logx "capsuled/pkg/logx"
)

// Store is the persistence API used by the API surface, the delivery
// pipeline and the scheduler. Both drivers implement identical semantics;
// driver errors are mapped into the capsule error taxonomy.
type Store interface {
	// CreateCapsule stores a new pending capsule, assigning a uuid when the
	// ID is empty. Supplying a non-pending status is a validation error.
	CreateCapsule(ctx context.Context, c capsule.Capsule) (capsule.Capsule, error)
	GetCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error)
	// ListCapsules returns the owner's capsules, newest first. An empty
	// status matches all.
	ListCapsules(ctx context.Context, owner profile.ID, status capsule.Status) ([]capsule.Capsule, error)
	// DueCapsules returns pending capsules with UnlockAt <= now, ordered by
	// UnlockAt. limit <= 0 means no limit.
	DueCapsules(ctx context.Context, now time.Time, limit int) ([]capsule.Capsule, error)
	// MarkDelivered is idempotent: marking a delivered capsule again is a
	// no-op. Attempts counts delivery runs, not in-run retries.
	MarkDelivered(ctx context.Context, id capsule.ID, at time.Time) error
	MarkFailed(ctx context.Context, id capsule.ID, errText string) error
	// CancelCapsule cancels a pending capsule and returns the updated
	// record. Non-pending capsules yield capsule.ErrConflict.
	CancelCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error)
	// SetCapsuleBlob attaches an uploaded attachment key to a pending capsule
	// and returns the updated record. Non-pending capsules yield
	// capsule.ErrConflict.
	SetCapsuleBlob(ctx context.Context, id capsule.ID, key string) (capsule.Capsule, error)

	// UpsertProfile creates or updates a profile, assigning a uuid when the
	// ID is empty. CreatedAt of an existing record is preserved.
	UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, id profile.ID) (profile.Profile, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// PruneDedup removes suppression entries that expired before now and
	// returns how many were dropped. Run periodically by maintenance jobs.
	PruneDedup(ctx context.Context, now time.Time) (int, error)
	// RequeueFailed flips failed capsules with fewer than maxRuns delivery
	// runs back to pending so the sweep retries them. maxRuns must be
	// positive (a bound keeps permanently broken capsules from looping);
	// limit <= 0 means no limit. Returns the number re-queued.
	RequeueFailed(ctx context.Context, maxRuns, limit int) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "", "none":
		return nil, errors.New("storage driver is required (capsules must survive restarts)")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
