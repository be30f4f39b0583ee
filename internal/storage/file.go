package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsuled/internal/capsule"
	"capsuled/internal/profile"
	logx "capsuled/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl             (append-only JSON Lines)
//   - <prefix>.capsules.snapshot.json  (periodic snapshot)
//   - <prefix>.capsules.journal.jsonl  (append-only journal)
//   - <prefix>.profiles.*              (same pattern)
//   - <prefix>.dedup.*                 (same pattern)
//
// Journals hold full records, one JSON object per line, replayed over the
// snapshot at open and compacted into it every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	capsules       map[capsule.ID]capsule.Capsule
	capsuleJournal *journal

	profiles       map[profile.ID]profile.Profile
	profileJournal *journal

	dedup        map[string]int64 // unix milli
	dedupJournal *journal
}

// journal pairs an append-only jsonl file with its snapshot path and counts
// writes toward the next compaction.
type journal struct {
	file     *os.File
	snapshot string
	writes   int
}

func openJournal(snapshot, path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &journal{file: f, snapshot: snapshot}, nil
}

func (j *journal) append(v any) error {
	if j == nil || j.file == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(j.file).Encode(v); err != nil {
		return err
	}
	j.writes++
	return nil
}

func (j *journal) due() bool { return j.writes > 0 && j.writes%compactEvery == 0 }

// compact writes m as the new snapshot (tmp + rename) and truncates the
// journal.
func (j *journal) compact(m any) error {
	if j == nil || j.file == nil {
		return ErrClosed
	}
	tmp := j.snapshot + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshot); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal) close() error {
	if j == nil || j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		capsules: map[capsule.ID]capsule.Capsule{},
		profiles: map[profile.ID]profile.Profile{},
		dedup:    map[string]int64{},
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	var err error
	s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Capsules.
	_ = loadSnapshot(prefix+".capsules.snapshot.json", &s.capsules)
	_ = replayJournal(prefix+".capsules.journal.jsonl", func(line []byte) {
		var c capsule.Capsule
		if json.Unmarshal(line, &c) == nil && c.ID != "" {
			s.capsules[c.ID] = c
		}
	})
	if s.capsuleJournal, err = openJournal(prefix+".capsules.snapshot.json", prefix+".capsules.journal.jsonl"); err != nil {
		return nil, err
	}

	// Profiles.
	_ = loadSnapshot(prefix+".profiles.snapshot.json", &s.profiles)
	_ = replayJournal(prefix+".profiles.journal.jsonl", func(line []byte) {
		var p profile.Profile
		if json.Unmarshal(line, &p) == nil && p.ID != "" {
			s.profiles[p.ID] = p
		}
	})
	if s.profileJournal, err = openJournal(prefix+".profiles.snapshot.json", prefix+".profiles.journal.jsonl"); err != nil {
		return nil, err
	}

	// Dedup.
	_ = loadSnapshot(prefix+".dedup.snapshot.json", &s.dedup)
	_ = replayJournal(prefix+".dedup.journal.jsonl", func(line []byte) {
		var r dedupRecord
		if json.Unmarshal(line, &r) == nil && r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	})
	if s.dedupJournal, err = openJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl"); err != nil {
		return nil, err
	}
	pruneExpiredDedup(s.dedup)

	ok = true
	return s, nil
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if s.auditFile != nil {
		first = s.auditFile.Close()
		s.auditFile = nil
	}
	for _, j := range []*journal{s.capsuleJournal, s.profileJournal, s.dedupJournal} {
		if err := j.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ---- capsules ----

func (s *fileStore) CreateCapsule(ctx context.Context, c capsule.Capsule) (capsule.Capsule, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.capsules[c.ID]; exists {
		return capsule.Capsule{}, capsule.Validationf("capsule %s already exists", c.ID)
	}
	if err := s.putCapsuleLocked(c); err != nil {
		return capsule.Capsule{}, err
	}
	return c, nil
}

func (s *fileStore) GetCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return capsule.Capsule{}, fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	return c, nil
}

func (s *fileStore) ListCapsules(ctx context.Context, owner profile.ID, status capsule.Status) ([]capsule.Capsule, error) {
	s.mu.Lock()
	out := make([]capsule.Capsule, 0, 16)
	for _, c := range s.capsules {
		if owner != "" && c.OwnerID != owner {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fileStore) DueCapsules(ctx context.Context, now time.Time, limit int) ([]capsule.Capsule, error) {
	s.mu.Lock()
	due := make([]capsule.Capsule, 0, 16)
	for _, c := range s.capsules {
		if c.Status == capsule.StatusPending && !c.UnlockAt.After(now) {
			due = append(due, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].UnlockAt.Equal(due[j].UnlockAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].UnlockAt.Before(due[j].UnlockAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fileStore) MarkDelivered(ctx context.Context, id capsule.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	if c.Status == capsule.StatusDelivered {
		return nil
	}
	c.Status = capsule.StatusDelivered
	c.DeliveredAt = at
	c.Attempts++
	c.LastError = ""
	return s.putCapsuleLocked(c)
}

func (s *fileStore) MarkFailed(ctx context.Context, id capsule.ID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	c.Status = capsule.StatusFailed
	c.LastError = errText
	c.Attempts++
	return s.putCapsuleLocked(c)
}

func (s *fileStore) CancelCapsule(ctx context.Context, id capsule.ID) (capsule.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return capsule.Capsule{}, fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	if c.Status != capsule.StatusPending {
		return capsule.Capsule{}, fmt.Errorf("capsule %s is %s: %w", id, c.Status, capsule.ErrConflict)
	}
	c.Status = capsule.StatusCancelled
	if err := s.putCapsuleLocked(c); err != nil {
		return capsule.Capsule{}, err
	}
	return c, nil
}

func (s *fileStore) SetCapsuleBlob(ctx context.Context, id capsule.ID, key string) (capsule.Capsule, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return capsule.Capsule{}, capsule.Validationf("blob key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return capsule.Capsule{}, fmt.Errorf("capsule %s: %w", id, capsule.ErrNotFound)
	}
	if c.Status != capsule.StatusPending {
		return capsule.Capsule{}, fmt.Errorf("capsule %s is %s: %w", id, c.Status, capsule.ErrConflict)
	}
	c.BlobKey = key
	if err := s.putCapsuleLocked(c); err != nil {
		return capsule.Capsule{}, err
	}
	return c, nil
}

// putCapsuleLocked journals first, then commits to the map, so the map never
// holds a record the journal lost.
func (s *fileStore) putCapsuleLocked(c capsule.Capsule) error {
	if err := s.capsuleJournal.append(c); err != nil {
		return err
	}
	s.capsules[c.ID] = c
	if s.capsuleJournal.due() {
		if err := s.capsuleJournal.compact(s.capsules); err != nil {
			s.log.Debug("capsule journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// ---- profiles ----

func (s *fileStore) UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.profiles[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := s.profileJournal.append(p); err != nil {
		return profile.Profile{}, err
	}
	s.profiles[p.ID] = p
	if s.profileJournal.due() {
		if err := s.profileJournal.compact(s.profiles); err != nil {
			s.log.Debug("profile journal compact failed", logx.Err(err))
		}
	}
	return p, nil
}

func (s *fileStore) GetProfile(ctx context.Context, id profile.ID) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, fmt.Errorf("profile %s: %w", id, capsule.ErrNotFound)
	}
	return p, nil
}

// ---- audit ----

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// ---- dedup ----

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dedupJournal.append(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedup[key] = ms
	if s.dedupJournal.due() {
		pruneExpiredDedup(s.dedup)
		if err := s.dedupJournal.compact(s.dedup); err != nil {
			s.log.Debug("dedup journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// ---- maintenance ----

func (s *fileStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for k, v := range s.dedup {
		if v < cutoff {
			delete(s.dedup, k)
			dropped++
		}
	}
	// Compacting persists the prune and resets the journal in one pass.
	if dropped > 0 {
		if err := s.dedupJournal.compact(s.dedup); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

func (s *fileStore) RequeueFailed(ctx context.Context, maxRuns, limit int) (int, error) {
	if maxRuns <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.capsules {
		if c.Status != capsule.StatusFailed || c.Attempts >= maxRuns {
			continue
		}
		c.Status = capsule.StatusPending
		c.LastError = ""
		if err := s.putCapsuleLocked(c); err != nil {
			return n, err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

// ---- helpers ----

func loadSnapshot(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayJournal(path string, apply func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// Damaged lines are skipped; the journal is best-effort beyond the
		// last snapshot.
		apply(sc.Bytes())
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
