// Package sweep runs the periodic maintenance job: it reaps expired
// commands, recovers stuck deliveries, and prunes old telemetry. It
// runs independently of the request path and holds no per-request
// locks.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"

	"epc-control/internal/observability"
	"epc-control/internal/store"
)

// Options carry the sweep policy. Zero values fall back to defaults.
type Options struct {
	// StuckGrace is how long a sent command may wait for an
	// acknowledgment before it counts as stuck.
	StuckGrace time.Duration
	// MaxAttempts bounds re-delivery of stuck commands; beyond it the
	// command is marked failed instead of re-queued.
	MaxAttempts int
	// SampleRetention is the age past which telemetry is pruned.
	SampleRetention time.Duration
	// CommandRetention is the age past which terminal commands are
	// garbage-collected.
	CommandRetention time.Duration
	// Schedule is a cron spec; defaults to every minute.
	Schedule string
}

const (
	defaultStuckGrace       = 30 * time.Minute
	defaultMaxAttempts      = 3
	defaultSampleRetention  = 90 * 24 * time.Hour
	defaultCommandRetention = 7 * 24 * time.Hour
	defaultSchedule         = "@every 1m"
)

type Sweeper struct {
	repo *store.Repo
	opts Options
	cron *cron.Cron
}

// Stats summarize one sweep pass.
type Stats struct {
	ExpiredPending  int64
	Requeued        int
	FailedExhausted int
	PrunedSamples   int64
	PrunedCommands  int64
}

func New(repo *store.Repo, opts Options) *Sweeper {
	if opts.StuckGrace <= 0 {
		opts.StuckGrace = defaultStuckGrace
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.SampleRetention <= 0 {
		opts.SampleRetention = defaultSampleRetention
	}
	if opts.CommandRetention <= 0 {
		opts.CommandRetention = defaultCommandRetention
	}
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	return &Sweeper{repo: repo, opts: opts, cron: cron.New()}
}

func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Warn("maintenance sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce executes a full sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	now := time.Now().UTC()
	var stats Stats

	candidates, err := s.repo.ListExpiredPending(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list expired pending: %w", err)
	}
	var reapIDs []uuid.UUID
	for i := range candidates {
		if isExpired(&candidates[i], now) {
			reapIDs = append(reapIDs, candidates[i].ID)
		}
	}
	expired, err := s.repo.DeleteCommandsByID(ctx, reapIDs)
	if err != nil {
		return stats, fmt.Errorf("reap expired pending: %w", err)
	}
	stats.ExpiredPending = expired

	stuck, err := s.repo.ListStuckSent(ctx, now.Add(-s.opts.StuckGrace))
	if err != nil {
		return stats, fmt.Errorf("list stuck: %w", err)
	}
	for i := range stuck {
		cmd := &stuck[i]
		if !isStuck(cmd, now, s.opts.StuckGrace) {
			continue
		}
		if cmd.Attempt >= s.opts.MaxAttempts {
			result := failureResult(fmt.Sprintf("no acknowledgment after %d delivery attempts", cmd.Attempt))
			if err := s.repo.FailCommand(ctx, cmd.ID, result); err != nil && !errors.Is(err, store.ErrStaleAck) {
				return stats, fmt.Errorf("fail stuck command %s: %w", cmd.ID, err)
			}
			stats.FailedExhausted++
			slog.Warn("stuck command failed permanently",
				"command_id", cmd.ID, "device_id", cmd.DeviceID, "attempt", cmd.Attempt)
			continue
		}
		result := failureResult(fmt.Sprintf("no acknowledgment within %s; re-queued as attempt %d", s.opts.StuckGrace, cmd.Attempt+1))
		fresh, err := s.repo.RequeueCommand(ctx, cmd, now, result)
		if err != nil {
			if errors.Is(err, store.ErrStaleAck) {
				// Acknowledged between our read and the requeue.
				continue
			}
			return stats, fmt.Errorf("requeue stuck command %s: %w", cmd.ID, err)
		}
		stats.Requeued++
		slog.Info("stuck command re-queued",
			"command_id", cmd.ID, "new_command_id", fresh.ID, "attempt", fresh.Attempt)
	}

	prunedSamples, err := s.repo.PruneSamplesBefore(ctx, now.Add(-s.opts.SampleRetention))
	if err != nil {
		return stats, fmt.Errorf("prune samples: %w", err)
	}
	stats.PrunedSamples = prunedSamples

	prunedCmds, err := s.repo.DeleteTerminalBefore(ctx, now.Add(-s.opts.CommandRetention))
	if err != nil {
		return stats, fmt.Errorf("prune terminal commands: %w", err)
	}
	stats.PrunedCommands = prunedCmds

	observability.SweepReapedTotal.WithLabelValues("expired_pending").Add(float64(stats.ExpiredPending))
	observability.SweepReapedTotal.WithLabelValues("requeued").Add(float64(stats.Requeued))
	observability.SweepReapedTotal.WithLabelValues("failed_exhausted").Add(float64(stats.FailedExhausted))
	observability.SweepReapedTotal.WithLabelValues("samples").Add(float64(stats.PrunedSamples))
	observability.SweepReapedTotal.WithLabelValues("terminal_commands").Add(float64(stats.PrunedCommands))

	if stats.ExpiredPending+stats.PrunedSamples+stats.PrunedCommands > 0 || stats.Requeued+stats.FailedExhausted > 0 {
		slog.Info("maintenance sweep done",
			"expired_pending", stats.ExpiredPending,
			"requeued", stats.Requeued,
			"failed_exhausted", stats.FailedExhausted,
			"pruned_samples", stats.PrunedSamples,
			"pruned_commands", stats.PrunedCommands)
	}
	return stats, nil
}

func failureResult(detail string) datatypes.JSON {
	raw, _ := json.Marshal(map[string]any{"success": false, "detail": detail})
	return datatypes.JSON(raw)
}
