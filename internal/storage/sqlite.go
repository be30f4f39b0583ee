package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"capsuled/internal/capsule"
	"capsuled/internal/profile"
	logx "capsuled/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classify maps driver errors into the capsule taxonomy: lock contention is
// transient, a damaged database is fatal, everything else passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return capsule.MarkTransient(err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return capsule.MarkFatal(err)
	}
	return err
}

// ---- capsules ----

const capsuleColumns = `id, owner_id, chat_id, thread_id, title, message, blob_key,
	unlock_at, min_lead_ms, status, attempts, created_at, delivered_at, last_error`

func (s *sqliteStore) CreateCapsule(ctx context.Context, c capsule.Capsule) (capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return capsule.Capsule{}, ErrClosed
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = capsule.StatusPending
	}
	if c.Status != capsule.StatusPending {
		return capsule.Capsule{}, capsule.Validationf("new capsule status must be pending, got %q", c.Status)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capsules(`+capsuleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Recipient.ChatID, c.Recipient.ThreadID,
		nullStr(c.Title), nullStr(c.Message), nullStr(c.BlobKey),
		c.UnlockAt.UnixMilli(), c.MinLead.Milliseconds(), string(c.Status),
		c.Attempts, c.CreatedAt.UnixMilli(), nullMilli(c.DeliveredAt), nullStr(c.LastError),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return capsule.Capsule{}, capsule.Validationf("capsule %s already exists", c.ID)
		}
		return capsule.Capsule{}, classify(err)
	}
	return c, nil
}

func (s *sqliteStore) GetCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return capsule.Capsule{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE id = ?`, id)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capsule.Capsule{}, fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	if err != nil {
		return capsule.Capsule{}, classify(err)
	}
	return c, nil
}

func (s *sqliteStore) ListCapsules(ctx context.Context, owner profile.ID, status capsule.Status) ([]capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT ` + capsuleColumns + ` FROM capsules WHERE 1=1`
	args := make([]any, 0, 2)
	if owner != "" {
		q += ` AND owner_id = ?`
		args = append(args, owner)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return collectCapsules(rows)
}

func (s *sqliteStore) DueCapsules(ctx context.Context, now time.Time, limit int) ([]capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means unlimited
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules
		 WHERE status = ? AND unlock_at <= ?
		 ORDER BY unlock_at, id LIMIT ?`,
		string(capsule.StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return collectCapsules(rows)
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id capsule.ID, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	// Guarded update keeps the op idempotent without a transaction.
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules
		 SET status = ?, delivered_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ? AND status != ?`,
		string(capsule.StatusDelivered), at.UnixMilli(), id, string(capsule.StatusDelivered))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrNil(ctx, id) // already delivered, or unknown id
	}
	return nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id capsule.ID, errText string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules
		 SET status = ?, attempts = attempts + 1, last_error = ?
		 WHERE id = ?`,
		string(capsule.StatusFailed), nullStr(errText), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CancelCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return capsule.Capsule{}, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status = ? WHERE id = ? AND status = ?`,
		string(capsule.StatusCancelled), id, string(capsule.StatusPending))
	if err != nil {
		return capsule.Capsule{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.GetCapsule(ctx, id)
		if err != nil {
			return capsule.Capsule{}, err
		}
		return capsule.Capsule{}, fmt.Errorf("capsule %s is %s: %w", id, c.Status, capsule.ErrConflict)
	}
	return s.GetCapsule(ctx, id)
}

func (s *sqliteStore) SetCapsuleBlob(ctx context.Context, id capsule.ID, key string) (capsule.Capsule, error) {
	if s == nil || s.db == nil {
		return capsule.Capsule{}, ErrClosed
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return capsule.Capsule{}, capsule.Validationf("blob key is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET blob_key = ? WHERE id = ? AND status = ?`,
		key, id, string(capsule.StatusPending))
	if err != nil {
		return capsule.Capsule{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.GetCapsule(ctx, id)
		if err != nil {
			return capsule.Capsule{}, err
		}
		return capsule.Capsule{}, fmt.Errorf("capsule %s is %s: %w", id, c.Status, capsule.ErrConflict)
	}
	return s.GetCapsule(ctx, id)
}

// missingOrNil distinguishes "no row" from "guard filtered the row out".
func (s *sqliteStore) missingOrNil(ctx context.Context, id capsule.ID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM capsules WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapsule(row rowScanner) (capsule.Capsule, error) {
	var (
		c           capsule.Capsule
		title       sql.NullString
		message     sql.NullString
		blobKey     sql.NullString
		lastError   sql.NullString
		unlockMS    int64
		minLeadMS   int64
		createdMS   int64
		deliveredMS sql.NullInt64
		status      string
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Recipient.ChatID, &c.Recipient.ThreadID,
		&title, &message, &blobKey, &unlockMS, &minLeadMS, &status,
		&c.Attempts, &createdMS, &deliveredMS, &lastError)
	if err != nil {
		return capsule.Capsule{}, err
	}
	c.Title = title.String
	c.Message = message.String
	c.BlobKey = blobKey.String
	c.LastError = lastError.String
	c.UnlockAt = time.UnixMilli(unlockMS).UTC()
	c.MinLead = time.Duration(minLeadMS) * time.Millisecond
	c.CreatedAt = time.UnixMilli(createdMS).UTC()
	if deliveredMS.Valid {
		c.DeliveredAt = time.UnixMilli(deliveredMS.Int64).UTC()
	}
	c.Status = capsule.Status(status)
	return c, nil
}

func collectCapsules(rows *sql.Rows) ([]capsule.Capsule, error) {
	out := make([]capsule.Capsule, 0, 16)
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// ---- profiles ----

func (s *sqliteStore) UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if s == nil || s.db == nil {
		return profile.Profile{}, ErrClosed
	}
	now := time.Now().UTC()
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}

	var createdMS int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM profiles WHERE id = ?`, p.ID).Scan(&createdMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	case err != nil:
		return profile.Profile{}, classify(err)
	default:
		p.CreatedAt = time.UnixMilli(createdMS).UTC()
	}
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles(id, display_name, timezone, chat_id, quota, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   timezone     = excluded.timezone,
		   chat_id      = excluded.chat_id,
		   quota        = excluded.quota,
		   updated_at   = excluded.updated_at`,
		p.ID, nullStr(p.DisplayName), nullStr(p.Timezone), p.ChatID, p.Quota,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return profile.Profile{}, classify(err)
	}
	return p, nil
}

func (s *sqliteStore) GetProfile(ctx context.Context, id profile.ID) (profile.Profile, error) {
	if s == nil || s.db == nil {
		return profile.Profile{}, ErrClosed
	}
	var (
		p           profile.Profile
		displayName sql.NullString
		timezone    sql.NullString
		createdMS   int64
		updatedMS   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, timezone, chat_id, quota, created_at, updated_at
		 FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &displayName, &timezone, &p.ChatID, &p.Quota, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, fmt.Errorf("profile %s: %w", id, capsule.ErrNotFound)
	}
	if err != nil {
		return profile.Profile{}, classify(err)
	}
	p.DisplayName = displayName.String
	p.Timezone = timezone.String
	p.CreatedAt = time.UnixMilli(createdMS).UTC()
	p.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return p, nil
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, capsule_id, owner_id, action, detail, chat_id, thread_id, attempts, took_ms, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.CapsuleID), nullStr(e.OwnerID),
		e.Action, nullStr(e.Detail), e.ChatID, e.ThreadID, e.Attempts, e.TookMS,
		nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return classify(err)
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return classify(err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify(err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

// ---- maintenance ----

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

func (s *sqliteStore) RequeueFailed(ctx context.Context, maxRuns, limit int) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if maxRuns <= 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT means unlimited
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status = ?, last_error = NULL
		 WHERE id IN (
		   SELECT id FROM capsules WHERE status = ? AND attempts < ?
		   ORDER BY unlock_at LIMIT ?
		 )`,
		string(capsule.StatusPending), string(capsule.StatusFailed), maxRuns, limit,
	)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
