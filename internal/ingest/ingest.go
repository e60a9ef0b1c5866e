// Package ingest accepts batched telemetry from appliances and
// persists it with per-batch atomicity.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"

	"epc-control/internal/store"
)

// ErrValidation marks a malformed batch. The whole batch is rejected,
// never partially persisted.
var ErrValidation = errors.New("invalid telemetry batch")

// Sample is one submitted data point. Data is validated against the
// schema for its kind before anything is stored.
type Sample struct {
	TS   time.Time       `json:"ts"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

var reachabilitySchema = jsonschema.MustCompileString("reachability.json", `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"latency_ms": {"type": "number", "minimum": 0},
		"target": {"type": "string"}
	},
	"additionalProperties": false
}`)

// Resource snapshots carry raw counters only. Percentages and used
// totals are derived at query time so the counters stay the single
// source of truth.
var resourcesSchema = jsonschema.MustCompileString("resources.json", `{
	"type": "object",
	"required": ["cpu_total", "cpu_idle", "mem_total_kb", "mem_available_kb"],
	"properties": {
		"cpu_total": {"type": "number", "minimum": 0},
		"cpu_idle": {"type": "number", "minimum": 0},
		"mem_total_kb": {"type": "number", "minimum": 0},
		"mem_available_kb": {"type": "number", "minimum": 0},
		"disk_total_kb": {"type": "number", "minimum": 0},
		"disk_used_kb": {"type": "number", "minimum": 0},
		"rx_bytes": {"type": "number", "minimum": 0},
		"tx_bytes": {"type": "number", "minimum": 0},
		"uptime_seconds": {"type": "number", "minimum": 0},
		"load_average": {"type": "array", "items": {"type": "number"}}
	},
	"additionalProperties": false
}`)

type Ingestor struct {
	Repo *store.Repo
}

// IngestBatch resolves the device, validates every sample, and
// persists the batch in one transaction. The tenant is taken from the
// device record, never from the caller. Returns the number of stored
// samples.
func (i *Ingestor) IngestBatch(ctx context.Context, deviceCode string, samples []Sample) (int, error) {
	dev, err := i.Repo.GetDeviceByCode(ctx, deviceCode)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrValidation)
	}

	now := time.Now().UTC()
	rows := make([]store.MetricSample, 0, len(samples))
	for idx, s := range samples {
		if err := validateSample(s); err != nil {
			return 0, fmt.Errorf("%w: sample %d: %v", ErrValidation, idx, err)
		}
		ts := s.TS
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, store.MetricSample{
			DeviceID: dev.ID,
			TenantID: dev.TenantID,
			TS:       ts.UTC(),
			Kind:     s.Kind,
			Payload:  datatypes.JSON(append([]byte(nil), s.Data...)),
		})
	}

	if err := i.Repo.InsertSamples(ctx, rows); err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}
	slog.Debug("telemetry batch stored", "device_code", dev.Code, "samples", len(rows))
	return len(rows), nil
}

func validateSample(s Sample) error {
	var sch *jsonschema.Schema
	switch s.Kind {
	case store.KindReachability:
		sch = reachabilitySchema
	case store.KindResources:
		sch = resourcesSchema
	default:
		return fmt.Errorf("unknown sample kind %q", s.Kind)
	}
	if len(s.Data) == 0 {
		return errors.New("missing data")
	}
	var decoded any
	if err := json.Unmarshal(s.Data, &decoded); err != nil {
		return err
	}
	return sch.Validate(decoded)
}
