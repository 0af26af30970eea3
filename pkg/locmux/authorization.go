package locmux

import "fmt"

// AuthorizationStatus is the location permission state owned by the permission subsystem
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationDenied
	AuthorizationRestricted
	AuthorizationWhenInUse
	AuthorizationAlways
)

var authorizationStatusNames = map[AuthorizationStatus]string{
	AuthorizationNotDetermined: "not_determined",
	AuthorizationDenied:        "denied",
	AuthorizationRestricted:    "restricted",
	AuthorizationWhenInUse:     "authorized_when_in_use",
	AuthorizationAlways:        "authorized_always",
}

func (s AuthorizationStatus) String() string {
	if name, ok := authorizationStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AuthorizationStatus(%d)", int(s))
}

// ParseAuthorizationStatus resolves the persisted name of a status
func ParseAuthorizationStatus(name string) (AuthorizationStatus, error) {
	for status, statusName := range authorizationStatusNames {
		if statusName == name {
			return status, nil
		}
	}
	return AuthorizationNotDetermined, fmt.Errorf("unknown authorization status %q", name)
}

// Authorized returns true for either authorized tier
func (s AuthorizationStatus) Authorized() bool {
	return s == AuthorizationWhenInUse || s == AuthorizationAlways
}

// Refused returns true for the terminal negative outcomes
func (s AuthorizationStatus) Refused() bool {
	return s == AuthorizationDenied || s == AuthorizationRestricted
}

// Satisfies returns true if this status grants at least the given tier
func (s AuthorizationStatus) Satisfies(tier AuthorizationTier) bool {
	switch tier {
	case TierWhenInUse:
		return s.Authorized()
	case TierAlways:
		return s == AuthorizationAlways
	}
	return false
}

// AuthorizationTier is the scope of access being asked for
type AuthorizationTier int

const (
	TierWhenInUse AuthorizationTier = iota
	TierAlways
)

func (t AuthorizationTier) String() string {
	switch t {
	case TierWhenInUse:
		return "when_in_use"
	case TierAlways:
		return "always"
	}
	return fmt.Sprintf("AuthorizationTier(%d)", int(t))
}

// ParseAuthorizationTier resolves a tier name as used on the command line and in the authorization file
func ParseAuthorizationTier(name string) (AuthorizationTier, error) {
	switch name {
	case "when_in_use", "when-in-use":
		return TierWhenInUse, nil
	case "always":
		return TierAlways, nil
	}
	return TierWhenInUse, fmt.Errorf("unknown authorization tier %q", name)
}

// Status returns the authorization status that grants exactly this tier
func (t AuthorizationTier) Status() AuthorizationStatus {
	if t == TierAlways {
		return AuthorizationAlways
	}
	return AuthorizationWhenInUse
}

// CapabilityIntent is the statically declared set of tiers this application may ask for.
// Each field holds the usage description shown to the user, and a tier is declared iff its description is set
type CapabilityIntent struct {
	WhenInUse string
	Always    string
}

// PreferredTier picks the tier to ask for, preferring when-in-use if both are declared
func (ci CapabilityIntent) PreferredTier() (AuthorizationTier, bool) {
	if ci.WhenInUse != "" {
		return TierWhenInUse, true
	}
	if ci.Always != "" {
		return TierAlways, true
	}
	return TierWhenInUse, false
}

// UsageDescription returns the description declared for the given tier
func (ci CapabilityIntent) UsageDescription(tier AuthorizationTier) string {
	if tier == TierAlways {
		return ci.Always
	}
	return ci.WhenInUse
}
