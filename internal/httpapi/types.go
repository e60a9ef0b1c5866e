package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"epc-control/internal/ingest"
	"epc-control/internal/manifest"
)

type checkinRequest struct {
	DeviceCode string `json:"device_code"`
	// Versions maps installed script names to their content hashes.
	Versions      map[string]string `json:"versions"`
	MetricsConfig json.RawMessage   `json:"metrics_config,omitempty"`
}

type resultRequest struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

type telemetryRequest struct {
	DeviceCode string          `json:"device_code"`
	Samples    []ingest.Sample `json:"samples"`
}

type telemetryResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

type registerDeviceRequest struct {
	Code                   string `json:"code"`
	TenantID               string `json:"tenant_id"`
	SiteID                 string `json:"site_id,omitempty"`
	Name                   string `json:"name,omitempty"`
	CheckinIntervalSeconds int    `json:"checkin_interval_seconds,omitempty"`
}

type deviceDTO struct {
	ID                     uuid.UUID       `json:"id"`
	Code                   string          `json:"code"`
	TenantID               string          `json:"tenant_id"`
	SiteID                 string          `json:"site_id,omitempty"`
	Name                   string          `json:"name,omitempty"`
	CheckinIntervalSeconds int             `json:"checkin_interval_seconds"`
	Online                 bool            `json:"online"`
	LastSeen               *time.Time      `json:"last_seen,omitempty"`
	ReportedVersions       json.RawMessage `json:"reported_versions,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

type createCommandRequest struct {
	CommandType string          `json:"command_type"`
	Action      string          `json:"action,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	// ExpiresIn is seconds until the command expires if never
	// delivered; defaults to 24h.
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Description string `json:"description,omitempty"`
}

type publishManifestRequest struct {
	Version string                         `json:"version"`
	Scripts map[string]manifest.ScriptSpec `json:"scripts"`
}

type sampleDTO struct {
	TS      time.Time               `json:"ts"`
	Kind    string                  `json:"kind"`
	Payload json.RawMessage         `json:"payload"`
	Derived *ingest.DerivedResources `json:"derived,omitempty"`
}

type listSamplesResponse struct {
	DeviceID   uuid.UUID   `json:"device_id"`
	Samples    []sampleDTO `json:"samples"`
	NextCursor string      `json:"next_cursor,omitempty"`
}
