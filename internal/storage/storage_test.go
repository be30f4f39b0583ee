package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"capsuled/internal/capsule"
	"capsuled/internal/profile"
	"capsuled/pkg/logx"
)

var testDrivers = []string{"file", "sqlite"}

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capsuled.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// msNow returns a UTC time truncated to sqlite's millisecond resolution so
// round-trips compare cleanly on both drivers.
func msNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func testCapsule(owner string, unlockAt time.Time) capsule.Capsule {
	return capsule.Capsule{
		OwnerID:   owner,
		Recipient: capsule.Recipient{ChatID: 42, ThreadID: 7},
		Title:     "to future me",
		Message:   "open when ready",
		UnlockAt:  unlockAt,
		MinLead:   time.Minute,
	}
}

func TestOpenRejectsMissingDriver(t *testing.T) {
	if _, err := Open(Config{Driver: ""}, logx.Logger{}); err == nil {
		t.Fatalf("Open with empty driver: expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Logger{}); err == nil {
		t.Fatalf("Open with driver none: expected error")
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Logger{}); err == nil {
		t.Fatalf("Open with unknown driver: expected error")
	}
}

func TestCreateAndGetCapsule(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			unlock := msNow().Add(time.Hour)

			created, err := st.CreateCapsule(ctx, testCapsule("owner-1", unlock))
			if err != nil {
				t.Fatalf("CreateCapsule: %v", err)
			}
			if created.ID == "" {
				t.Fatalf("CreateCapsule did not assign an ID")
			}
			if created.Status != capsule.StatusPending {
				t.Fatalf("Status = %q, want pending", created.Status)
			}
			if created.CreatedAt.IsZero() {
				t.Fatalf("CreatedAt not set")
			}

			got, err := st.GetCapsule(ctx, created.ID)
			if err != nil {
				t.Fatalf("GetCapsule: %v", err)
			}
			if got.OwnerID != "owner-1" || got.Title != "to future me" || got.Message != "open when ready" {
				t.Fatalf("round-trip mismatch: %+v", got)
			}
			if !got.UnlockAt.Equal(unlock) {
				t.Fatalf("UnlockAt = %v, want %v", got.UnlockAt, unlock)
			}
			if got.Recipient.ChatID != 42 || got.Recipient.ThreadID != 7 {
				t.Fatalf("Recipient = %+v, want chat 42 thread 7", got.Recipient)
			}
			if got.MinLead != time.Minute {
				t.Fatalf("MinLead = %v, want 1m", got.MinLead)
			}

			// Duplicate ID is a validation error.
			dup := testCapsule("owner-1", unlock)
			dup.ID = created.ID
			if _, err := st.CreateCapsule(ctx, dup); !capsule.IsValidation(err) {
				t.Fatalf("duplicate create err = %v, want validation", err)
			}

			// Non-pending status is rejected.
			bad := testCapsule("owner-1", unlock)
			bad.Status = capsule.StatusDelivered
			if _, err := st.CreateCapsule(ctx, bad); !capsule.IsValidation(err) {
				t.Fatalf("non-pending create err = %v, want validation", err)
			}

			if _, err := st.GetCapsule(ctx, "nope"); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("GetCapsule(nope) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDueCapsulesOrderAndLimit(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			now := msNow()

			early, err := st.CreateCapsule(ctx, testCapsule("o", now.Add(-2*time.Hour)))
			if err != nil {
				t.Fatalf("create early: %v", err)
			}
			late, err := st.CreateCapsule(ctx, testCapsule("o", now.Add(-time.Hour)))
			if err != nil {
				t.Fatalf("create late: %v", err)
			}
			if _, err := st.CreateCapsule(ctx, testCapsule("o", now.Add(time.Hour))); err != nil {
				t.Fatalf("create future: %v", err)
			}
			delivered, err := st.CreateCapsule(ctx, testCapsule("o", now.Add(-3*time.Hour)))
			if err != nil {
				t.Fatalf("create delivered: %v", err)
			}
			if err := st.MarkDelivered(ctx, delivered.ID, now); err != nil {
				t.Fatalf("MarkDelivered: %v", err)
			}

			due, err := st.DueCapsules(ctx, now, 0)
			if err != nil {
				t.Fatalf("DueCapsules: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("len(due) = %d, want 2", len(due))
			}
			if due[0].ID != early.ID || due[1].ID != late.ID {
				t.Fatalf("due order = %s,%s want %s,%s", due[0].ID, due[1].ID, early.ID, late.ID)
			}

			one, err := st.DueCapsules(ctx, now, 1)
			if err != nil {
				t.Fatalf("DueCapsules limit: %v", err)
			}
			if len(one) != 1 || one[0].ID != early.ID {
				t.Fatalf("limited due = %v, want just %s", one, early.ID)
			}

			// A due boundary exactly at now is included.
			boundary, err := st.CreateCapsule(ctx, testCapsule("o", now))
			if err != nil {
				t.Fatalf("create boundary: %v", err)
			}
			due, err = st.DueCapsules(ctx, now, 0)
			if err != nil {
				t.Fatalf("DueCapsules boundary: %v", err)
			}
			found := false
			for _, c := range due {
				if c.ID == boundary.ID {
					found = true
				}
			}
			if !found {
				t.Fatalf("capsule with UnlockAt == now missing from due set")
			}
		})
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			now := msNow()

			c, err := st.CreateCapsule(ctx, testCapsule("o", now.Add(-time.Minute)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.MarkDelivered(ctx, c.ID, now); err != nil {
				t.Fatalf("MarkDelivered: %v", err)
			}
			got, err := st.GetCapsule(ctx, c.ID)
			if err != nil {
				t.Fatalf("GetCapsule: %v", err)
			}
			if got.Status != capsule.StatusDelivered {
				t.Fatalf("Status = %q, want delivered", got.Status)
			}
			if !got.DeliveredAt.Equal(now) {
				t.Fatalf("DeliveredAt = %v, want %v", got.DeliveredAt, now)
			}
			if got.Attempts != 1 {
				t.Fatalf("Attempts = %d, want 1", got.Attempts)
			}

			// Marking again is a no-op.
			if err := st.MarkDelivered(ctx, c.ID, now.Add(time.Minute)); err != nil {
				t.Fatalf("second MarkDelivered: %v", err)
			}
			again, _ := st.GetCapsule(ctx, c.ID)
			if again.Attempts != 1 || !again.DeliveredAt.Equal(now) {
				t.Fatalf("second mark changed record: %+v", again)
			}

			if err := st.MarkDelivered(ctx, "nope", now); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("MarkDelivered(nope) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMarkFailedRecordsError(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			c, err := st.CreateCapsule(ctx, testCapsule("o", msNow().Add(-time.Minute)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.MarkFailed(ctx, c.ID, "chat unreachable"); err != nil {
				t.Fatalf("MarkFailed: %v", err)
			}
			got, _ := st.GetCapsule(ctx, c.ID)
			if got.Status != capsule.StatusFailed || got.LastError != "chat unreachable" || got.Attempts != 1 {
				t.Fatalf("failed record = %+v", got)
			}

			if err := st.MarkFailed(ctx, "nope", "x"); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("MarkFailed(nope) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCancelCapsuleOnlyPending(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			c, err := st.CreateCapsule(ctx, testCapsule("o", msNow().Add(time.Hour)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := st.CancelCapsule(ctx, c.ID)
			if err != nil {
				t.Fatalf("CancelCapsule: %v", err)
			}
			if got.Status != capsule.StatusCancelled {
				t.Fatalf("Status = %q, want cancelled", got.Status)
			}

			if _, err := st.CancelCapsule(ctx, c.ID); !errors.Is(err, capsule.ErrConflict) {
				t.Fatalf("cancel twice err = %v, want ErrConflict", err)
			}
			if _, err := st.CancelCapsule(ctx, "nope"); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("cancel unknown err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSetCapsuleBlobOnlyPending(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			c, err := st.CreateCapsule(ctx, testCapsule("o", msNow().Add(time.Hour)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := st.SetCapsuleBlob(ctx, c.ID, "key-1")
			if err != nil {
				t.Fatalf("SetCapsuleBlob: %v", err)
			}
			if got.BlobKey != "key-1" {
				t.Fatalf("BlobKey = %q, want key-1", got.BlobKey)
			}

			// Re-attaching replaces the key.
			got, err = st.SetCapsuleBlob(ctx, c.ID, "key-2")
			if err != nil {
				t.Fatalf("SetCapsuleBlob replace: %v", err)
			}
			if got.BlobKey != "key-2" {
				t.Fatalf("BlobKey = %q, want key-2", got.BlobKey)
			}

			if _, err := st.SetCapsuleBlob(ctx, c.ID, "  "); !capsule.IsValidation(err) {
				t.Fatalf("blank key err = %v, want validation", err)
			}
			if _, err := st.SetCapsuleBlob(ctx, "nope", "key"); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("unknown id err = %v, want ErrNotFound", err)
			}

			if _, err := st.CancelCapsule(ctx, c.ID); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if _, err := st.SetCapsuleBlob(ctx, c.ID, "key-3"); !errors.Is(err, capsule.ErrConflict) {
				t.Fatalf("attach to cancelled err = %v, want ErrConflict", err)
			}
		})
	}
}

func TestProfileUpsertAndGet(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			p, err := st.UpsertProfile(ctx, profile.Profile{DisplayName: "alice", Timezone: "Europe/Berlin", ChatID: 1, Quota: 5})
			if err != nil {
				t.Fatalf("UpsertProfile: %v", err)
			}
			if p.ID == "" || p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
				t.Fatalf("upsert did not fill defaults: %+v", p)
			}

			p.DisplayName = "alice v2"
			updated, err := st.UpsertProfile(ctx, p)
			if err != nil {
				t.Fatalf("second UpsertProfile: %v", err)
			}
			if !updated.CreatedAt.Equal(p.CreatedAt) {
				t.Fatalf("CreatedAt changed on update: %v -> %v", p.CreatedAt, updated.CreatedAt)
			}

			got, err := st.GetProfile(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetProfile: %v", err)
			}
			if got.DisplayName != "alice v2" || got.Timezone != "Europe/Berlin" || got.ChatID != 1 || got.Quota != 5 {
				t.Fatalf("profile round-trip mismatch: %+v", got)
			}

			if _, err := st.GetProfile(ctx, "nope"); !errors.Is(err, capsule.ErrNotFound) {
				t.Fatalf("GetProfile(nope) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			until := msNow().Add(time.Hour)

			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("GetDedup = (%v, %v, %v), want hit", got, ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}
			if _, ok, err := st.GetDedup(ctx, "absent"); err != nil || ok {
				t.Fatalf("GetDedup(absent) = ok=%v err=%v, want miss", ok, err)
			}
			// Empty keys are ignored, not errors.
			if err := st.PutDedup(ctx, "  ", until); err != nil {
				t.Fatalf("PutDedup(blank): %v", err)
			}
		})
	}
}

func TestAppendAudit(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			err := st.AppendAudit(context.Background(), AuditEntry{
				CapsuleID: "c1",
				OwnerID:   "o1",
				Action:    "sealed",
				ChatID:    42,
				TookMS:    3,
			})
			if err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsuled.db")
	cfg := Config{Driver: "file", Path: path}
	ctx := context.Background()

	st, err := Open(cfg, logx.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	unlock := msNow().Add(-time.Minute)
	c, err := st.CreateCapsule(ctx, testCapsule("owner-1", unlock))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkFailed(ctx, c.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	p, err := st.UpsertProfile(ctx, profile.Profile{DisplayName: "bob"})
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := st.PutDedup(ctx, "k", msNow().Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Logger{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCapsule after reopen: %v", err)
	}
	// The journal's last record wins: the failure must survive the restart.
	if got.Status != capsule.StatusFailed || got.LastError != "boom" || got.Attempts != 1 {
		t.Fatalf("reloaded capsule = %+v", got)
	}
	if _, err := st2.GetProfile(ctx, p.ID); err != nil {
		t.Fatalf("GetProfile after reopen: %v", err)
	}
	if _, ok, _ := st2.GetDedup(ctx, "k"); !ok {
		t.Fatalf("dedup key lost on reopen")
	}
}

func TestFileJournalCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsuled.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	// Cross the compaction threshold and make sure nothing is lost.
	ids := make([]string, 0, compactEvery+10)
	for i := 0; i < compactEvery+10; i++ {
		c, err := st.CreateCapsule(ctx, testCapsule("owner", msNow().Add(time.Hour)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, c.ID)
	}
	for _, id := range ids {
		if _, err := st.GetCapsule(ctx, id); err != nil {
			t.Fatalf("GetCapsule(%s) after compaction: %v", id, err)
		}
	}
	all, err := st.ListCapsules(ctx, "owner", "")
	if err != nil {
		t.Fatalf("ListCapsules: %v", err)
	}
	if len(all) != compactEvery+10 {
		t.Fatalf("ListCapsules len = %d, want %d", len(all), compactEvery+10)
	}
}

func TestPruneDedup(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			now := msNow()

			for key, until := range map[string]time.Time{
				"stale-a": now.Add(-2 * time.Hour),
				"stale-b": now.Add(-time.Millisecond),
				"fresh":   now.Add(time.Hour),
			} {
				if err := st.PutDedup(ctx, key, until); err != nil {
					t.Fatalf("PutDedup(%s): %v", key, err)
				}
			}

			dropped, err := st.PruneDedup(ctx, now)
			if err != nil {
				t.Fatalf("PruneDedup: %v", err)
			}
			if dropped != 2 {
				t.Fatalf("dropped = %d, want 2", dropped)
			}
			if _, ok, _ := st.GetDedup(ctx, "stale-a"); ok {
				t.Fatalf("stale-a survived prune")
			}
			if _, ok, err := st.GetDedup(ctx, "fresh"); err != nil || !ok {
				t.Fatalf("GetDedup(fresh) = ok=%v err=%v, want hit", ok, err)
			}

			// Nothing left to prune.
			if dropped, err = st.PruneDedup(ctx, now); err != nil || dropped != 0 {
				t.Fatalf("second PruneDedup = (%d, %v), want (0, nil)", dropped, err)
			}
		})
	}
}

func TestRequeueFailed(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			past := msNow().Add(-time.Minute)

			a, _ := st.CreateCapsule(ctx, testCapsule("o", past))
			b, _ := st.CreateCapsule(ctx, testCapsule("o", past.Add(time.Second)))
			c, _ := st.CreateCapsule(ctx, testCapsule("o", past.Add(2*time.Second)))
			d, _ := st.CreateCapsule(ctx, testCapsule("o", past.Add(3*time.Second)))

			if err := st.MarkFailed(ctx, a.ID, "boom"); err != nil {
				t.Fatalf("MarkFailed(a): %v", err)
			}
			if err := st.MarkFailed(ctx, b.ID, "boom"); err != nil {
				t.Fatalf("MarkFailed(b): %v", err)
			}
			// Two runs for c puts it at the maxRuns bound below.
			_ = st.MarkFailed(ctx, c.ID, "boom")
			if err := st.MarkFailed(ctx, c.ID, "boom again"); err != nil {
				t.Fatalf("MarkFailed(c) twice: %v", err)
			}

			if n, err := st.RequeueFailed(ctx, 0, 0); err != nil || n != 0 {
				t.Fatalf("RequeueFailed(maxRuns=0) = (%d, %v), want (0, nil)", n, err)
			}

			// a and b are eligible (1 run < 2); the limit stops after one.
			if n, err := st.RequeueFailed(ctx, 2, 1); err != nil || n != 1 {
				t.Fatalf("RequeueFailed(2, 1) = (%d, %v), want (1, nil)", n, err)
			}
			if n, err := st.RequeueFailed(ctx, 2, 0); err != nil || n != 1 {
				t.Fatalf("RequeueFailed(2, 0) = (%d, %v), want (1, nil)", n, err)
			}

			for _, id := range []capsule.ID{a.ID, b.ID} {
				got, err := st.GetCapsule(ctx, id)
				if err != nil {
					t.Fatalf("GetCapsule(%s): %v", id, err)
				}
				if got.Status != capsule.StatusPending || got.LastError != "" {
					t.Fatalf("requeued capsule = %+v, want pending with no error", got)
				}
				if got.Attempts != 1 {
					t.Fatalf("Attempts = %d, want 1 (requeue must not reset runs)", got.Attempts)
				}
			}
			gotC, _ := st.GetCapsule(ctx, c.ID)
			if gotC.Status != capsule.StatusFailed || gotC.LastError != "boom again" {
				t.Fatalf("capsule at run bound = %+v, want failed", gotC)
			}
			gotD, _ := st.GetCapsule(ctx, d.ID)
			if gotD.Status != capsule.StatusPending || gotD.Attempts != 0 {
				t.Fatalf("untouched capsule = %+v, want pristine pending", gotD)
			}

			// Raising the bound picks up the remaining capsule.
			if n, err := st.RequeueFailed(ctx, 3, 0); err != nil || n != 1 {
				t.Fatalf("RequeueFailed(3, 0) = (%d, %v), want (1, nil)", n, err)
			}
		})
	}
}
