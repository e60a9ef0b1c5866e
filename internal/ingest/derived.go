package ingest

import "encoding/json"

// ResourceCounters are the raw values a resources sample stores.
type ResourceCounters struct {
	CPUTotal       float64 `json:"cpu_total"`
	CPUIdle        float64 `json:"cpu_idle"`
	MemTotalKB     float64 `json:"mem_total_kb"`
	MemAvailableKB float64 `json:"mem_available_kb"`
	DiskTotalKB    float64 `json:"disk_total_kb"`
	DiskUsedKB     float64 `json:"disk_used_kb"`
}

// DerivedResources are computed from raw counters on the query path;
// they are never stored.
type DerivedResources struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedKB      float64 `json:"mem_used_kb"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	DiskPercent    float64 `json:"disk_percent"`
}

// CPUPercent derives utilization from cumulative total/idle counters.
func CPUPercent(total, idle float64) float64 {
	if total <= 0 || idle < 0 || idle > total {
		return 0
	}
	return (total - idle) / total * 100
}

// MemUsedKB derives used memory from total minus available.
func MemUsedKB(totalKB, availableKB float64) float64 {
	if totalKB <= 0 || availableKB < 0 || availableKB > totalKB {
		return 0
	}
	return totalKB - availableKB
}

// Derive computes query-time metrics from a stored resources payload.
// Malformed payloads yield zero values rather than an error; the raw
// payload is still returned to the caller alongside.
func Derive(payload json.RawMessage) DerivedResources {
	var c ResourceCounters
	if err := json.Unmarshal(payload, &c); err != nil {
		return DerivedResources{}
	}
	out := DerivedResources{
		CPUPercent: CPUPercent(c.CPUTotal, c.CPUIdle),
		MemUsedKB:  MemUsedKB(c.MemTotalKB, c.MemAvailableKB),
	}
	if c.MemTotalKB > 0 {
		out.MemUsedPercent = out.MemUsedKB / c.MemTotalKB * 100
	}
	if c.DiskTotalKB > 0 && c.DiskUsedKB >= 0 && c.DiskUsedKB <= c.DiskTotalKB {
		out.DiskPercent = c.DiskUsedKB / c.DiskTotalKB * 100
	}
	return out
}
