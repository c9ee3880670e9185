// Package domain contains the value types shared by the licensing core, its
// transports and the operator tooling. Wire names follow the license document
// format issued by the vendor.
package domain

import (
	"strings"
	"time"
)

// Tier is an ordered license level.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// tierOrder lists tiers from lowest to highest.
var tierOrder = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// ParseTier normalizes a tier name. Unrecognized names map to TierFree.
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range tierOrder {
		if t == known {
			return t
		}
	}
	return TierFree
}

// Rank is the tier's position in the ordering, free being 0.
func (t Tier) Rank() int {
	normalized := ParseTier(string(t))
	for i, known := range tierOrder {
		if normalized == known {
			return i
		}
	}
	return 0
}

// AtLeast reports whether t ranks at or above required.
func (t Tier) AtLeast(required Tier) bool {
	return t.Rank() >= required.Rank()
}

// Tiers returns the ordered tier list.
func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}

// LicenseState is the process-wide license status.
type LicenseState string

const (
	StateUnknown      LicenseState = "unknown"
	StateValid        LicenseState = "valid"
	StateExpiringSoon LicenseState = "expiring_soon"
	StateExpired      LicenseState = "expired"
	StateInvalid      LicenseState = "invalid"
	StateFreeTier     LicenseState = "free_tier"
)

// Licensed reports whether the state carries an adopted license token.
func (s LicenseState) Licensed() bool {
	return s == StateValid || s == StateExpiringSoon
}

// Limits are the quantitative allowances of a license.
// A zero MaxNodes means the document did not specify one.
type Limits struct {
	MaxSlots              int   `json:"maxMoleculeSlots" validate:"gte=0"`
	MaxWorkUnitsPerMinute int64 `json:"maxWorkUnitsPerMinute" validate:"gte=0"`
	MaxNodes              int   `json:"maxNodes,omitempty" validate:"gte=0"`
}

// LicenseDocument is the signed license as issued by the vendor.
type LicenseDocument struct {
	LicenseID string    `json:"licenseId" validate:"required"`
	IssuedTo  string    `json:"issuedTo"`
	IssuedAt  time.Time `json:"issuedAt"`
	Expiry    time.Time `json:"expiry" validate:"required"`
	Tier      Tier      `json:"tier"`
	Features  []string  `json:"features"`
	Limits    Limits    `json:"limits"`
	Signature string    `json:"signature,omitempty"`
}

// Overrides force-override any subset of license values. Nil fields are not
// overridden.
type Overrides struct {
	MaxSlots              *int       `json:"maxSlots,omitempty" yaml:"max_slots"`
	MaxWorkUnitsPerMinute *int64     `json:"maxWorkUnitsPerMinute,omitempty" yaml:"max_work_units_per_minute"`
	MaxNodes              *int       `json:"maxNodes,omitempty" yaml:"max_nodes"`
	Tier                  *Tier      `json:"tier,omitempty" yaml:"tier"`
	Features              []string   `json:"features,omitempty" yaml:"features"`
	Expiry                *time.Time `json:"expiry,omitempty" yaml:"expiry"`
}

// FreeTierDefaults apply when neither an override nor a token provides a value.
type FreeTierDefaults struct {
	Limits   Limits
	Features []string
}

// ValidationResult is the outcome of one license validation.
type ValidationResult struct {
	State     LicenseState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	LicenseID string       `json:"licenseId,omitempty"`
	Tier      Tier         `json:"tier"`
	Expiry    *time.Time   `json:"expiry,omitempty"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// StateChange is delivered to subscribers once per distinct transition.
type StateChange struct {
	Previous LicenseState `json:"previous"`
	Current  LicenseState `json:"current"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// LicenseStatus is a read-only view of the manager's effective values.
type LicenseStatus struct {
	State           LicenseState `json:"state"`
	Tier            Tier         `json:"tier"`
	LicenseID       string       `json:"licenseId,omitempty"`
	IssuedTo        string       `json:"issuedTo,omitempty"`
	Expiry          *time.Time   `json:"expiry,omitempty"`
	SecondsToExpiry int64        `json:"secondsToExpiry"`
	ExpiringSoon    bool         `json:"expiringSoon"`
	Features        []string     `json:"features"`
	Limits          Limits       `json:"limits"`
	CheckedAt       time.Time    `json:"checkedAt"`
}
