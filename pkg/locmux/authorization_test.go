package locmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationStatus_Satisfies(t *testing.T) {
	assert.True(t, AuthorizationAlways.Satisfies(TierWhenInUse))
	assert.True(t, AuthorizationAlways.Satisfies(TierAlways))
	assert.True(t, AuthorizationWhenInUse.Satisfies(TierWhenInUse))
	assert.False(t, AuthorizationWhenInUse.Satisfies(TierAlways))
	assert.False(t, AuthorizationDenied.Satisfies(TierWhenInUse))
	assert.False(t, AuthorizationNotDetermined.Satisfies(TierWhenInUse))
}

func TestAuthorizationStatus_RefusedAndAuthorized(t *testing.T) {
	assert.True(t, AuthorizationDenied.Refused())
	assert.True(t, AuthorizationRestricted.Refused())
	assert.False(t, AuthorizationNotDetermined.Refused())
	assert.False(t, AuthorizationNotDetermined.Authorized())
	assert.True(t, AuthorizationWhenInUse.Authorized())
}

func TestParseAuthorizationStatus(t *testing.T) {
	for status, name := range authorizationStatusNames {
		parsed, err := ParseAuthorizationStatus(name)
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := ParseAuthorizationStatus("maybe")
	assert.Error(t, err)
}

func TestParseAuthorizationTier(t *testing.T) {
	tier, err := ParseAuthorizationTier("when-in-use")
	require.NoError(t, err)
	assert.Equal(t, TierWhenInUse, tier)
	assert.Equal(t, AuthorizationWhenInUse, tier.Status())

	tier, err = ParseAuthorizationTier("always")
	require.NoError(t, err)
	assert.Equal(t, AuthorizationAlways, tier.Status())

	_, err = ParseAuthorizationTier("sometimes")
	assert.Error(t, err)
}

func TestCapabilityIntent_PreferredTier(t *testing.T) {
	tests := []struct {
		name     string
		intent   CapabilityIntent
		wantTier AuthorizationTier
		wantOK   bool
	}{
		{name: "none", intent: CapabilityIntent{}, wantOK: false},
		{name: "when in use only", intent: CapabilityIntent{WhenInUse: "x"}, wantTier: TierWhenInUse, wantOK: true},
		{name: "always only", intent: CapabilityIntent{Always: "y"}, wantTier: TierAlways, wantOK: true},
		{name: "both prefers when in use", intent: CapabilityIntent{WhenInUse: "x", Always: "y"}, wantTier: TierWhenInUse, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, ok := tt.intent.PreferredTier()
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantTier, tier)
			}
		})
	}
}

func TestCapabilityIntent_UsageDescription(t *testing.T) {
	intent := CapabilityIntent{WhenInUse: "navigation", Always: "trip log"}

	assert.Equal(t, "navigation", intent.UsageDescription(TierWhenInUse))
	assert.Equal(t, "trip log", intent.UsageDescription(TierAlways))
}
