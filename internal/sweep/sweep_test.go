package sweep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"epc-control/internal/store"
)

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func testDevice(t *testing.T, repo *store.Repo) *store.Device {
	t.Helper()
	dev := &store.Device{Code: "DEV00001", TenantID: "tenant-1"}
	if err := repo.CreateDevice(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestSweepReapsExpiredPending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := testDevice(t, repo)

	expired, _, err := repo.EnqueueCommand(ctx, &store.Command{
		DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "old",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	live, _, err := repo.EnqueueCommand(ctx, &store.Command{
		DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "live",
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := New(repo, Options{}).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ExpiredPending != 1 {
		t.Fatalf("reaped %d, want 1", stats.ExpiredPending)
	}
	if _, err := repo.GetCommand(ctx, expired.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired command still present: %v", err)
	}
	if _, err := repo.GetCommand(ctx, live.ID); err != nil {
		t.Fatalf("live command reaped: %v", err)
	}
}

func TestSweepRequeuesStuckSent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := testDevice(t, repo)

	cmd, _, err := repo.EnqueueCommand(ctx, &store.Command{
		DeviceID: dev.ID, TenantID: dev.TenantID,
		CommandType: "script_execution", Action: "update_scripts", Priority: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Delivered an hour ago, never acknowledged.
	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	stats, err := New(repo, Options{StuckGrace: 30 * time.Minute}).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requeued != 1 || stats.FailedExhausted != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	old, err := repo.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != store.StatusFailed {
		t.Fatalf("stale command status = %q, want failed", old.Status)
	}

	// The fresh copy is deliverable on the next poll.
	delivered, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 {
		t.Fatalf("next poll delivered %d, want 1", len(delivered))
	}
	if delivered[0].Attempt != 2 || delivered[0].Action != "update_scripts" {
		t.Fatalf("requeued copy: %+v", delivered[0])
	}
}

func TestSweepFailsExhaustedCommand(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := testDevice(t, repo)

	cmd, _, err := repo.EnqueueCommand(ctx, &store.Command{
		DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job", Attempt: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	stats, err := New(repo, Options{StuckGrace: 30 * time.Minute, MaxAttempts: 3}).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedExhausted != 1 || stats.Requeued != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	got, err := repo.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}

	// Nothing left to deliver.
	delivered, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 0 {
		t.Fatalf("exhausted command re-delivered: %+v", delivered)
	}
}

func TestSweepPrunesOldData(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := testDevice(t, repo)

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)
	err := repo.InsertSamples(ctx, []store.MetricSample{
		{DeviceID: dev.ID, TenantID: dev.TenantID, TS: old, Kind: store.KindReachability, Payload: datatypes.JSON(`{"success":true}`)},
		{DeviceID: dev.ID, TenantID: dev.TenantID, TS: recent, Kind: store.KindReachability, Payload: datatypes.JSON(`{"success":true}`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := New(repo, Options{SampleRetention: 90 * 24 * time.Hour}).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PrunedSamples != 1 {
		t.Fatalf("pruned %d samples, want 1", stats.PrunedSamples)
	}

	page, err := repo.ListSamples(ctx, dev.ID, "", time.Time{}, time.Time{}, 10, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Samples) != 1 || !page.Samples[0].TS.After(old) {
		t.Fatalf("wrong samples survived: %+v", page.Samples)
	}
}

func TestSweepIdleIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	stats, err := New(repo, Options{}).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Fatalf("idle sweep reported %+v", stats)
	}
}

func TestPredicates(t *testing.T) {
	now := time.Now().UTC()
	grace := 30 * time.Minute

	pending := &store.Command{Status: store.StatusPending, ExpiresAt: now.Add(-time.Second)}
	if !isExpired(pending, now) {
		t.Fatal("past-expiry pending should be expired")
	}
	pending.ExpiresAt = now.Add(time.Second)
	if isExpired(pending, now) {
		t.Fatal("future-expiry pending should not be expired")
	}
	sent := &store.Command{Status: store.StatusSent, ExpiresAt: now.Add(-time.Hour)}
	if isExpired(sent, now) {
		t.Fatal("sent commands are never expired-pending")
	}

	oldSend := now.Add(-time.Hour)
	sent.SentAt = &oldSend
	if !isStuck(sent, now, grace) {
		t.Fatal("hour-old sent should be stuck")
	}
	fresh := now.Add(-time.Minute)
	sent.SentAt = &fresh
	if isStuck(sent, now, grace) {
		t.Fatal("fresh sent should not be stuck")
	}
	if isStuck(&store.Command{Status: store.StatusSent}, now, grace) {
		t.Fatal("sent without sent_at cannot be judged stuck")
	}
}
