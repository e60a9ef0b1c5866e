package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func enqueue(t *testing.T, r *Repo, cmd *Command) *Command {
	t.Helper()
	out, created, err := r.EnqueueCommand(context.Background(), cmd)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("enqueue suppressed unexpectedly")
	}
	return out
}

func TestEnqueueCommandDefaults(t *testing.T) {
	repo := newTestRepo(t)
	dev := mustDevice(t, repo, "DEV00001")

	before := time.Now().UTC()
	cmd := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "restart_service"})

	if cmd.ID == uuid.Nil {
		t.Fatal("no id assigned")
	}
	if cmd.Status != StatusPending {
		t.Fatalf("status = %q, want pending", cmd.Status)
	}
	if cmd.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", cmd.Attempt)
	}
	if cmd.ExpiresAt.Before(before.Add(DefaultCommandTTL - time.Minute)) {
		t.Fatalf("expiry %v not defaulted to ~24h", cmd.ExpiresAt)
	}
}

func TestEnqueueIdempotentActionSuppressesDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	first := enqueue(t, repo, &Command{
		DeviceID: dev.ID, TenantID: dev.TenantID,
		CommandType: "script_execution", Action: "update_scripts",
	})

	dup, created, err := repo.EnqueueCommand(ctx, &Command{
		DeviceID: dev.ID, TenantID: dev.TenantID,
		CommandType: "script_execution", Action: "update_scripts",
	})
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if created {
		t.Fatal("duplicate idempotent command was created")
	}
	if dup.ID != first.ID {
		t.Fatalf("returned %s, want existing %s", dup.ID, first.ID)
	}

	// A different device is unaffected.
	other := mustDevice(t, repo, "DEV00002")
	_, created, err = repo.EnqueueCommand(ctx, &Command{
		DeviceID: other.ID, TenantID: other.TenantID,
		CommandType: "script_execution", Action: "update_scripts",
	})
	if err != nil || !created {
		t.Fatalf("other device enqueue: created=%v err=%v", created, err)
	}

	// Once the first reaches a terminal state a new one is allowed.
	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AcknowledgeCommand(ctx, first.ID, true, nil); err != nil {
		t.Fatal(err)
	}
	fresh, created, err := repo.EnqueueCommand(ctx, &Command{
		DeviceID: dev.ID, TenantID: dev.TenantID,
		CommandType: "script_execution", Action: "update_scripts",
	})
	if err != nil || !created {
		t.Fatalf("post-terminal enqueue: created=%v err=%v", created, err)
	}
	if fresh.ID == first.ID {
		t.Fatal("expected a new command after the old one completed")
	}
}

func TestDeliverPendingOrdersByPriority(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	c5 := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "a", Priority: 5})
	c1 := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "b", Priority: 1})
	c3 := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "c", Priority: 3})

	delivered, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	want := []uuid.UUID{c1.ID, c3.ID, c5.ID}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %d commands, want %d", len(delivered), len(want))
	}
	for i, id := range want {
		if delivered[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, delivered[i].ID, id)
		}
		if delivered[i].Status != StatusSent || delivered[i].SentAt == nil {
			t.Fatalf("position %d not marked sent: %+v", i, delivered[i])
		}
	}
}

func TestDeliverPendingSkipsExpired(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	enqueue(t, repo, &Command{
		DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "old",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})
	live := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "live"})

	delivered, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0].ID != live.ID {
		t.Fatalf("delivered %+v, want only the unexpired command", delivered)
	}
}

func TestDeliverPendingDoesNotDoubleSelect(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "once"})

	first, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first poll delivered %d, want 1", len(first))
	}

	second, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second poll re-delivered %d commands", len(second))
	}
}

func TestDeliverPendingDropsRowsWonByOverlappingPoll(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	contested := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "contested", Priority: 1})
	untouched := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "untouched", Priority: 2})

	// Flip the contested row to sent between the poll's pending read and
	// its per-row update, the way an overlapping poll for the same
	// device would.
	fired := false
	err := repo.db.Callback().Query().After("gorm:query").Register("overlapping_poll", func(d *gorm.DB) {
		if fired {
			return
		}
		if _, ok := d.Statement.Dest.(*[]Command); !ok {
			return
		}
		fired = true
		sentAt := time.Now().UTC()
		d.Session(&gorm.Session{NewDB: true}).Model(&Command{}).
			Where("id = ?", contested.ID).
			Updates(map[string]any{"status": StatusSent, "sent_at": sentAt})
	})
	if err != nil {
		t.Fatal(err)
	}

	delivered, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("pending read was never intercepted")
	}
	if len(delivered) != 1 || delivered[0].ID != untouched.ID {
		t.Fatalf("delivered %+v, want only the uncontested command", delivered)
	}
}

func TestIdempotentUniqueIndexBlocksDirectInsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	mk := func(action, status string) *Command {
		return &Command{
			ID: uuid.New(), DeviceID: dev.ID, TenantID: dev.TenantID,
			CommandType: "script_execution", Action: action, Status: status,
			Attempt: 1, ExpiresAt: time.Now().UTC().Add(time.Hour),
		}
	}

	if err := repo.db.WithContext(ctx).Create(mk("update_scripts", StatusPending)).Error; err != nil {
		t.Fatal(err)
	}
	// A second live row for the same device and action violates the
	// index even when the enqueue-time check is bypassed.
	err := repo.db.WithContext(ctx).Create(mk("update_scripts", StatusSent)).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("err = %v, want ErrDuplicatedKey", err)
	}

	// Terminal rows and non-idempotent actions are unconstrained.
	if err := repo.db.WithContext(ctx).Create(mk("update_scripts", StatusCompleted)).Error; err != nil {
		t.Fatalf("terminal row rejected: %v", err)
	}
	if err := repo.db.WithContext(ctx).Create(mk("reboot", StatusPending)).Error; err != nil {
		t.Fatal(err)
	}
	if err := repo.db.WithContext(ctx).Create(mk("reboot", StatusPending)).Error; err != nil {
		t.Fatalf("non-idempotent duplicate rejected: %v", err)
	}
}

func TestAcknowledgeCommandTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	cmd := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job"})

	// Pending commands cannot be acknowledged.
	if _, err := repo.AcknowledgeCommand(ctx, cmd.ID, true, nil); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("ack of pending: err = %v, want ErrStaleAck", err)
	}

	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	result := datatypes.JSON(`{"success":true,"detail":"done"}`)
	acked, err := repo.AcknowledgeCommand(ctx, cmd.ID, true, result)
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusCompleted || acked.CompletedAt == nil {
		t.Fatalf("ack result: %+v", acked)
	}

	// Duplicate report is rejected without mutating anything.
	if _, err := repo.AcknowledgeCommand(ctx, cmd.ID, false, nil); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("duplicate ack: err = %v, want ErrStaleAck", err)
	}
	got, err := repo.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("duplicate ack mutated status to %q", got.Status)
	}

	if _, err := repo.AcknowledgeCommand(ctx, uuid.New(), true, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown command: err = %v, want ErrNotFound", err)
	}
}

func TestAcknowledgeCommandFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	cmd := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job"})
	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	acked, err := repo.AcknowledgeCommand(ctx, cmd.ID, false, datatypes.JSON(`{"success":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", acked.Status)
	}
}

func TestCancelCommand(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	cmd := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job"})

	removed, err := repo.CancelCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("pending command should be cancellable")
	}
	if _, err := repo.GetCommand(ctx, cmd.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled command still present: %v", err)
	}

	// Terminal commands cannot be cancelled.
	done := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job2"})
	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AcknowledgeCommand(ctx, done.ID, true, nil); err != nil {
		t.Fatal(err)
	}
	removed, err = repo.CancelCommand(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("terminal command should not be cancellable")
	}
}

func TestRequeueCommand(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	cmd := enqueue(t, repo, &Command{
		DeviceID: dev.ID, TenantID: dev.TenantID,
		CommandType: "script_execution", Action: "update_scripts", Priority: 2,
	})

	now := time.Now().UTC()
	delivered, err := repo.DeliverPending(ctx, dev.ID, now)
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := repo.RequeueCommand(ctx, &delivered[0], now, datatypes.JSON(`{"success":false,"detail":"stuck"}`))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == cmd.ID {
		t.Fatal("requeue reused the old id")
	}
	if fresh.Status != StatusPending || fresh.Attempt != 2 {
		t.Fatalf("fresh command: status=%q attempt=%d", fresh.Status, fresh.Attempt)
	}
	if fresh.Priority != 2 || fresh.Action != "update_scripts" {
		t.Fatalf("fresh command lost identity: %+v", fresh)
	}

	old, err := repo.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != StatusFailed {
		t.Fatalf("old command status = %q, want failed", old.Status)
	}

	// An already-acknowledged command cannot be requeued.
	if _, err := repo.RequeueCommand(ctx, &delivered[0], now, nil); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("requeue of acked: err = %v, want ErrStaleAck", err)
	}
}

func TestFailCommand(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")
	cmd := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "job"})

	// Only sent commands can be force-failed.
	if err := repo.FailCommand(ctx, cmd.ID, nil); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("fail of pending: err = %v, want ErrStaleAck", err)
	}

	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := repo.FailCommand(ctx, cmd.ID, datatypes.JSON(`{"success":false}`)); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.CompletedAt == nil {
		t.Fatalf("forced failure: %+v", got)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	dev := mustDevice(t, repo, "DEV00001")

	first := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "first"})
	second := enqueue(t, repo, &Command{DeviceID: dev.ID, TenantID: dev.TenantID, CommandType: "second"})

	if _, err := repo.DeliverPending(ctx, dev.ID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AcknowledgeCommand(ctx, first.ID, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AcknowledgeCommand(ctx, second.ID, true, nil); err != nil {
		t.Fatal(err)
	}

	// Cutoff in the future removes both terminal commands.
	n, err := repo.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d terminal commands, want 2", n)
	}
}
