package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultCommandTTL bounds how long an undelivered command waits for
// the device's next poll before the sweep reaps it.
const DefaultCommandTTL = 24 * time.Hour

// idempotentActions are action tags for which re-running the command
// has no additional effect, so at most one non-terminal instance per
// device is ever allowed to exist. Enforcement lives here in the queue,
// not in callers.
var idempotentActions = map[string]bool{
	"update_scripts": true,
	"apply_config":   true,
}

// IdempotentAction reports whether the queue enforces per-device
// uniqueness for the given action tag.
func IdempotentAction(action string) bool {
	return idempotentActions[action]
}

// EnqueueCommand persists a new pending command. For idempotent action
// tags it first checks for an existing non-terminal command on the same
// device: if one exists it is returned unchanged and created is false.
// A partial unique index backs the check, so two racing enqueues cannot
// both insert; the loser resolves to the winner's row.
func (r *Repo) EnqueueCommand(ctx context.Context, cmd *Command) (out *Command, created bool, err error) {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	cmd.Status = StatusPending
	if cmd.Attempt <= 0 {
		cmd.Attempt = 1
	}
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = time.Now().UTC().Add(DefaultCommandTTL)
	}

	if IdempotentAction(cmd.Action) {
		if existing, ferr := r.findLiveByAction(ctx, cmd.DeviceID, cmd.Action); ferr == nil {
			return existing, false, nil
		} else if !errors.Is(ferr, gorm.ErrRecordNotFound) {
			return nil, false, ferr
		}
	}
	if err = r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		if IdempotentAction(cmd.Action) && errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, ferr := r.findLiveByAction(ctx, cmd.DeviceID, cmd.Action); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return cmd, true, nil
}

func (r *Repo) findLiveByAction(ctx context.Context, deviceID uuid.UUID, action string) (*Command, error) {
	var existing Command
	err := r.db.WithContext(ctx).Where("device_id = ? AND action = ? AND status IN ?",
		deviceID, action, []string{StatusPending, StatusSent}).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// DeliverPending selects every deliverable command for the device and
// marks it sent. Ordered by priority (ascending, lower first) then
// creation time; commands past expiry are never delivered. Each row is
// flipped with a status-guarded update and only rows this call actually
// flipped are returned, so two overlapping polls for the same device
// can never both deliver the same command: the loser's guarded update
// matches zero rows and the command is dropped from its response.
func (r *Repo) DeliverPending(ctx context.Context, deviceID uuid.UUID, now time.Time) ([]Command, error) {
	var delivered []Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []Command
		if err := tx.Where("device_id = ? AND status = ? AND expires_at > ?", deviceID, StatusPending, now).
			Order("priority asc, created_at asc").
			Find(&pending).Error; err != nil {
			return err
		}
		for i := range pending {
			res := tx.Model(&Command{}).
				Where("id = ? AND status = ?", pending[i].ID, StatusPending).
				Updates(map[string]any{"status": StatusSent, "sent_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// A concurrent poll won this row.
				continue
			}
			pending[i].Status = StatusSent
			sentAt := now
			pending[i].SentAt = &sentAt
			delivered = append(delivered, pending[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delivered, nil
}

// AcknowledgeCommand records the device's outcome report. Only valid
// from the sent state; anything else is a stale or duplicate report.
func (r *Repo) AcknowledgeCommand(ctx context.Context, id uuid.UUID, success bool, result datatypes.JSON) (*Command, error) {
	var out Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if out.Status != StatusSent {
			return ErrStaleAck
		}
		status := StatusCompleted
		if !success {
			status = StatusFailed
		}
		now := time.Now().UTC()
		if err := tx.Model(&Command{}).Where("id = ? AND status = ?", id, StatusSent).
			Updates(map[string]any{"status": status, "completed_at": now, "result": result}).Error; err != nil {
			return err
		}
		out.Status = status
		out.CompletedAt = &now
		out.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelCommand deletes a command that has not reached a terminal
// state. Cancellation is advisory: it only takes effect before the
// device next reports on the command. Returns false when the command
// was already terminal or absent.
func (r *Repo) CancelCommand(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []string{StatusPending, StatusSent}).
		Delete(&Command{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	var c Command
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListCommands(ctx context.Context, deviceID uuid.UUID) ([]Command, error) {
	var rows []Command
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Sweep queries ---

// ListExpiredPending returns pending commands whose expiry has passed.
// Delivery already excludes them; the sweep deletes them.
func (r *Repo) ListExpiredPending(ctx context.Context, now time.Time) ([]Command, error) {
	var rows []Command
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", StatusPending, now).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteCommandsByID removes the given commands regardless of state.
func (r *Repo) DeleteCommandsByID(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Command{})
	return res.RowsAffected, res.Error
}

// ListStuckSent returns sent commands with no acknowledgment since
// before the cutoff.
func (r *Repo) ListStuckSent(ctx context.Context, cutoff time.Time) ([]Command, error) {
	var rows []Command
	if err := r.db.WithContext(ctx).
		Where("status = ? AND sent_at <= ?", StatusSent, cutoff).
		Order("sent_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FailCommand force-fails a sent command with the given reason. Used by
// the sweep when a stuck command has exhausted its delivery attempts.
func (r *Repo) FailCommand(ctx context.Context, id uuid.UUID, result datatypes.JSON) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND status = ?", id, StatusSent).
		Updates(map[string]any{"status": StatusFailed, "completed_at": now, "result": result})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleAck
	}
	return nil
}

// RequeueCommand fails the stale sent command and inserts a fresh
// pending copy with the attempt counter bumped, atomically. The copy
// gets a new id and expiry so the next poll can pick it up.
func (r *Repo) RequeueCommand(ctx context.Context, stale *Command, now time.Time, result datatypes.JSON) (*Command, error) {
	fresh := &Command{
		ID:          uuid.New(),
		DeviceID:    stale.DeviceID,
		TenantID:    stale.TenantID,
		CommandType: stale.CommandType,
		Action:      stale.Action,
		Payload:     stale.Payload,
		Priority:    stale.Priority,
		Status:      StatusPending,
		Attempt:     stale.Attempt + 1,
		Description: stale.Description,
		CreatedBy:   stale.CreatedBy,
		ExpiresAt:   now.Add(DefaultCommandTTL),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Command{}).
			Where("id = ? AND status = ?", stale.ID, StatusSent).
			Updates(map[string]any{"status": StatusFailed, "completed_at": now, "result": result})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The device acknowledged between the sweep's read and now.
			return ErrStaleAck
		}
		return tx.Create(fresh).Error
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// DeleteTerminalBefore garbage-collects completed and failed commands
// older than the retention cutoff.
func (r *Repo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at <= ?", []string{StatusCompleted, StatusFailed}, cutoff).
		Delete(&Command{})
	return res.RowsAffected, res.Error
}
