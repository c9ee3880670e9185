// Package events contains the names and envelope of notifications published
// by the licensing core to external sinks (log, websocket clients, buses).
package events

import (
	"time"

	"licensecore/pkg/contracts/domain"
)

// Name identifies a published notification
type Name = string

// License notifications
const (
	LicenseValid        Name = "license.valid"
	LicenseExpiringSoon Name = "license.expiring_soon"
	LicenseExpired      Name = "license.expired"
	LicenseRevoked      Name = "license.revoked"
	LicenseFreeTier     Name = "license.free_tier"
	LicenseStateChanged Name = "license.state_changed"
	LicenseStatus       Name = "license.status"
)

// Work unit notifications
const (
	WorkUnitThreshold  Name = "workunit.threshold"
	WorkUnitThrottling Name = "workunit.throttling"
	WorkUnitStatus     Name = "workunit.status"
)

// Coordinator notifications
const (
	CoordinatorHeartbeat Name = "coordinator.heartbeat"
	SystemStatus         Name = "system:status"
	Connect              Name = "connect"
)

// ForState maps a license state to the notification announcing it. Unknown
// has no announcement and returns an empty name.
func ForState(s domain.LicenseState) Name {
	switch s {
	case domain.StateValid:
		return LicenseValid
	case domain.StateExpiringSoon:
		return LicenseExpiringSoon
	case domain.StateExpired:
		return LicenseExpired
	case domain.StateInvalid:
		return LicenseRevoked
	case domain.StateFreeTier:
		return LicenseFreeTier
	default:
		return ""
	}
}

// Message is the envelope written to websocket subscribers
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      Name        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}
