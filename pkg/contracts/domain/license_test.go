package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"free", TierFree},
		{"starter", TierStarter},
		{"Professional", TierProfessional},
		{" enterprise ", TierEnterprise},
		{"platinum", TierFree},
		{"", TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTier(tt.in))
		})
	}
}

func TestTierOrdering(t *testing.T) {
	tiers := Tiers()

	// reflexive
	for _, tier := range tiers {
		assert.True(t, tier.AtLeast(tier), "%s should meet itself", tier)
	}

	// monotonic
	for i, higher := range tiers {
		for j, lower := range tiers {
			assert.Equal(t, i >= j, higher.AtLeast(lower), "%s >= %s", higher, lower)
		}
	}

	// unknown names rank as free on both sides
	assert.True(t, Tier("gold").AtLeast(TierFree))
	assert.False(t, Tier("gold").AtLeast(TierStarter))
	assert.True(t, TierStarter.AtLeast(Tier("gold")))
	assert.True(t, TierFree.AtLeast(Tier("gold")))
}

func TestLicenseStateLicensed(t *testing.T) {
	assert.True(t, StateValid.Licensed())
	assert.True(t, StateExpiringSoon.Licensed())
	for _, s := range []LicenseState{StateUnknown, StateExpired, StateInvalid, StateFreeTier} {
		assert.False(t, s.Licensed(), string(s))
	}
}
