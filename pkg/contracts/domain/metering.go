package domain

import "time"

// MeterSnapshot is an immutable view of the work unit window.
type MeterSnapshot struct {
	Current        float64            `json:"current"`
	Max            int64              `json:"max"`
	Percent        float64            `json:"percent"`
	IsThrottling   bool               `json:"isThrottling"`
	ThrottleFactor float64            `json:"throttleFactor"`
	WindowStart    time.Time          `json:"windowStart"`
	WindowEnd      time.Time          `json:"windowEnd"`
	ByCategory     map[string]float64 `json:"byCategory"`
}

// ThresholdEvent reports that occupancy reached a configured percentage.
type ThresholdEvent struct {
	Current          float64   `json:"current"`
	Max              int64     `json:"max"`
	ThresholdPercent float64   `json:"thresholdPercent"`
	Percent          float64   `json:"percent"`
	At               time.Time `json:"at"`
}

// NodeInfo identifies the host that produced a snapshot.
type NodeInfo struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
}

// StatusSnapshot combines license and meter state as of one heartbeat.
type StatusSnapshot struct {
	Sequence  uint64        `json:"sequence"`
	Node      NodeInfo      `json:"node"`
	License   LicenseStatus `json:"license"`
	WorkUnits MeterSnapshot `json:"workUnits"`
	At        time.Time     `json:"at"`
}
