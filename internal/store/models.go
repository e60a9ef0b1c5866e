package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Command lifecycle. Transitions are monotonic: pending -> sent ->
// completed|failed. Nothing moves a command out of a terminal state;
// expired pending commands are deleted by the sweep, never re-statused.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MetricSample kinds.
const (
	KindReachability = "reachability"
	KindResources    = "resources"
)

// Device is one registered appliance. Devices only ever reach the
// control plane through outbound polls, so everything here is written
// either by the operator registration call or by the device's own
// check-in sequence.
type Device struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Code     string    `gorm:"uniqueIndex;not null" json:"code"`
	TenantID string    `gorm:"index;not null" json:"tenant_id"`
	// SiteID references the inventory system; it is an opaque foreign
	// key and never mutated here.
	SiteID                 string         `gorm:"index" json:"site_id,omitempty"`
	Name                   string         `json:"name"`
	CheckinIntervalSeconds int            `gorm:"not null;default:600" json:"checkin_interval_seconds"`
	LastSeen               *time.Time     `json:"last_seen,omitempty"`
	ReportedVersions       datatypes.JSON `gorm:"type:jsonb" json:"reported_versions,omitempty"`
	MetricsConfig          datatypes.JSON `gorm:"type:jsonb" json:"metrics_config,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Online reports whether the device has checked in recently enough to
// be considered reachable. Derived, never stored.
func (d *Device) Online(now time.Time, threshold time.Duration) bool {
	if d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) < threshold
}

// Command is a queued work item for one device.
type Command struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID    uuid.UUID      `gorm:"type:uuid;index:idx_commands_device_status,priority:1;not null" json:"device_id"`
	TenantID    string         `gorm:"index;not null" json:"tenant_id"`
	CommandType string         `gorm:"not null" json:"command_type"`
	Action      string         `gorm:"index" json:"action,omitempty"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	// Priority orders delivery; lower is more urgent.
	Priority    int            `gorm:"not null;default:5" json:"priority"`
	Status      string         `gorm:"index:idx_commands_device_status,priority:2;not null" json:"status"`
	Attempt     int            `gorm:"not null;default:1" json:"attempt"`
	Description string         `json:"description,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Result      datatypes.JSON `gorm:"type:jsonb" json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt   time.Time      `gorm:"index;not null" json:"expires_at"`
}

// Terminal reports whether the command has reached a final state.
func (c *Command) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// ManifestRecord holds the single authoritative script manifest. One
// row, replaced wholesale on publish.
type ManifestRecord struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	Version   string         `gorm:"not null" json:"version"`
	Scripts   datatypes.JSON `gorm:"type:jsonb;not null" json:"scripts"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MetricSample is one telemetry data point. Append-only; pruned by age.
type MetricSample struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   uuid.UUID      `gorm:"type:uuid;index:idx_samples_device_ts,priority:1;not null" json:"device_id"`
	TenantID   string         `gorm:"index;not null" json:"tenant_id"`
	TS         time.Time      `gorm:"index:idx_samples_device_ts,priority:2;not null" json:"ts"`
	Kind       string         `gorm:"not null" json:"kind"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	IngestedAt time.Time      `json:"ingested_at"`
}
