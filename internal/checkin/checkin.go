// Package checkin implements the single request/response entry point
// an appliance calls. Devices sit behind NAT with only outbound
// connectivity, so everything the control plane wants done rides on
// the response to a poll.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"epc-control/internal/manifest"
	"epc-control/internal/store"
)

// Request is what the appliance reports on each poll.
type Request struct {
	// ReportedVersions maps locally installed script names to their
	// content hashes.
	ReportedVersions map[string]string
	// MetricsConfig is the device's current metrics configuration
	// snapshot, stored verbatim on the device record.
	MetricsConfig json.RawMessage
}

// CommandEnvelope is one ordered work item in the response.
type CommandEnvelope struct {
	ID          uuid.UUID       `json:"id"`
	CommandType string          `json:"command_type"`
	Action      string          `json:"action,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
}

// Response is returned to the appliance. Commands are ordered by
// (priority asc, created asc); the device must report an outcome for
// every one of them on a later check-in.
type Response struct {
	Status          string            `json:"status"`
	DeviceID        uuid.UUID         `json:"device_id"`
	TenantID        string            `json:"tenant_id"`
	CheckinInterval int               `json:"checkin_interval"`
	Commands        []CommandEnvelope `json:"commands"`
}

// Service composes the device registry, update planner, and command
// queue behind the check-in contract.
type Service struct {
	repo *store.Repo

	// The manifest is an explicit versioned value loaded on a short
	// TTL, never read from ambient global state.
	manifestTTL time.Duration
	mu          sync.Mutex
	cached      *manifest.Manifest
	cachedAt    time.Time
}

func New(repo *store.Repo) *Service {
	return &Service{repo: repo, manifestTTL: 30 * time.Second}
}

// CheckIn resolves the device, durably records what it reported, runs
// the update planner, and delivers every due command in one atomic
// select-and-mark step.
func (s *Service) CheckIn(ctx context.Context, deviceCode string, req Request) (*Response, error) {
	dev, err := s.repo.GetDeviceByCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var versions datatypes.JSON
	if req.ReportedVersions != nil {
		raw, err := json.Marshal(req.ReportedVersions)
		if err != nil {
			return nil, fmt.Errorf("encode reported versions: %w", err)
		}
		versions = datatypes.JSON(raw)
	}
	var metricsCfg datatypes.JSON
	if len(req.MetricsConfig) > 0 {
		metricsCfg = datatypes.JSON(req.MetricsConfig)
	}
	// Telemetry about the device is recorded even when no commands are
	// due.
	if err := s.repo.RecordCheckin(ctx, dev.ID, now, versions, metricsCfg); err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	}

	if err := s.planUpdates(ctx, dev, req.ReportedVersions); err != nil {
		// Planning failures must not break delivery of already-queued
		// work; the device will poll again.
		slog.Warn("update planning failed", "device_code", dev.Code, "error", err)
	}

	delivered, err := s.repo.DeliverPending(ctx, dev.ID, now)
	if err != nil {
		return nil, fmt.Errorf("deliver commands: %w", err)
	}

	resp := &Response{
		Status:          "ok",
		DeviceID:        dev.ID,
		TenantID:        dev.TenantID,
		CheckinInterval: dev.CheckinIntervalSeconds,
		Commands:        make([]CommandEnvelope, 0, len(delivered)),
	}
	for _, c := range delivered {
		resp.Commands = append(resp.Commands, CommandEnvelope{
			ID:          c.ID,
			CommandType: c.CommandType,
			Action:      c.Action,
			Payload:     json.RawMessage(c.Payload),
			Priority:    c.Priority,
		})
	}
	return resp, nil
}

func (s *Service) planUpdates(ctx context.Context, dev *store.Device, reported map[string]string) error {
	m, ok, err := s.currentManifest(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// No manifest published yet; nothing to converge.
		return nil
	}
	if reported == nil {
		reported = map[string]string{}
	}
	actions := manifest.Plan(reported, m)
	if len(actions) == 0 {
		return nil
	}
	cmd, err := manifest.GenerateCommand(dev, m, actions)
	if err != nil {
		return err
	}
	_, created, err := s.repo.EnqueueCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if created {
		slog.Info("queued script update command",
			"device_code", dev.Code, "command_id", cmd.ID, "actions", len(actions), "manifest_version", m.Version)
	}
	return nil
}

// ReportResult records the device's outcome for a previously delivered
// command. Reports for commands not in the sent state are stale or
// duplicate and are rejected without mutating anything.
func (s *Service) ReportResult(ctx context.Context, commandID uuid.UUID, success bool, detail string) error {
	result, err := json.Marshal(map[string]any{"success": success, "detail": detail})
	if err != nil {
		return err
	}
	cmd, err := s.repo.AcknowledgeCommand(ctx, commandID, success, datatypes.JSON(result))
	if err != nil {
		if errors.Is(err, store.ErrStaleAck) {
			slog.Warn("stale command result ignored", "command_id", commandID, "success", success)
		}
		return err
	}
	slog.Info("command result recorded", "command_id", cmd.ID, "status", cmd.Status)
	return nil
}

func (s *Service) currentManifest(ctx context.Context) (manifest.Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.cachedAt) < s.manifestTTL {
		return *s.cached, true, nil
	}
	rec, err := s.repo.GetManifest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		s.cached = nil
		return manifest.Manifest{}, false, nil
	}
	if err != nil {
		return manifest.Manifest{}, false, err
	}
	m, err := manifest.FromRecord(rec)
	if err != nil {
		return manifest.Manifest{}, false, err
	}
	s.cached = &m
	s.cachedAt = time.Now()
	return m, true, nil
}

// InvalidateManifest drops the cached manifest so the next check-in
// plans against a freshly published one.
func (s *Service) InvalidateManifest() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
