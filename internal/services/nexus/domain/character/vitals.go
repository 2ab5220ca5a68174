package character

import (
	"fmt"
	"math"
	"strings"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
)

// Derivation constants.
const (
	BaseHealth        = 90
	HealthPerVitality = 2
	BaseSanity        = 30
)

// Track names a mutable vital.
type Track string

const (
	TrackHealth Track = "health"
	TrackSanity Track = "sanity"
)

// ErrInvalidTrack indicates a delta aimed at something other than health or sanity.
var ErrInvalidTrack = apperrors.New(apperrors.CodeInvalidTrack, "track must be health or sanity")

// ErrMissingDefaultStatus indicates the status catalog has no baseline status.
var ErrMissingDefaultStatus = apperrors.New(apperrors.CodeConfigurationFault, "default status is not configured")

// ParseTrack normalizes a client supplied track name.
func ParseTrack(value string) (Track, error) {
	switch Track(strings.ToLower(strings.TrimSpace(value))) {
	case TrackHealth:
		return TrackHealth, nil
	case TrackSanity:
		return TrackSanity, nil
	default:
		return "", apperrors.WithMetadata(
			apperrors.CodeInvalidTrack,
			fmt.Sprintf("unknown track %q", value),
			map[string]string{"Track": value},
		)
	}
}

// Derived holds the maxima computed from an allocation.
type Derived struct {
	MaxHealth int
	MaxSanity int
}

// Derive computes the vital maxima from a validated allocation.
func Derive(allocation Validated) Derived {
	return Derived{
		MaxHealth: BaseHealth + HealthPerVitality*allocation.Value(AttributeVitality),
		MaxSanity: BaseSanity + allocation.Value(AttributeIntelligence) + allocation.Value(AttributeEssence),
	}
}

// Vitals is the mutable snapshot of a character's health, sanity and status.
// After any mutation 0 <= current <= max holds on both tracks.
type Vitals struct {
	CurrentHealth int
	MaxHealth     int
	CurrentSanity int
	MaxSanity     int
	StatusID      string
}

// InitializeVitals builds the snapshot of a newly created character: both
// tracks full and the baseline status applied. Only used on first creation.
func InitializeVitals(derived Derived, defaultStatusID string) (Vitals, error) {
	defaultStatusID = strings.TrimSpace(defaultStatusID)
	if defaultStatusID == "" {
		return Vitals{}, ErrMissingDefaultStatus
	}
	maxHealth := max(derived.MaxHealth, 0)
	maxSanity := max(derived.MaxSanity, 0)
	return Vitals{
		CurrentHealth: maxHealth,
		MaxHealth:     maxHealth,
		CurrentSanity: maxSanity,
		MaxSanity:     maxSanity,
		StatusID:      defaultStatusID,
	}, nil
}

// Current returns the current value of a track.
func (v Vitals) Current(track Track) int {
	if track == TrackSanity {
		return v.CurrentSanity
	}
	return v.CurrentHealth
}

// Max returns the maximum value of a track.
func (v Vitals) Max(track Track) int {
	if track == TrackSanity {
		return v.MaxSanity
	}
	return v.MaxHealth
}

// Apply adds delta to a track and clamps the result into [0, max]. Overflow
// and underflow are absorbed, never reported.
func (v Vitals) Apply(track Track, delta int) (Vitals, error) {
	switch track {
	case TrackHealth:
		v.CurrentHealth = clamp(saturatingAdd(v.CurrentHealth, delta), 0, v.MaxHealth)
	case TrackSanity:
		v.CurrentSanity = clamp(saturatingAdd(v.CurrentSanity, delta), 0, v.MaxSanity)
	default:
		return v, ErrInvalidTrack
	}
	return v, nil
}

// ClampToMax installs new maxima and clamps current values into them. Current
// values are never rescaled and never raised: 100/100 with a new max of 80
// becomes 80/80, and 50/100 with a new max of 120 stays 50/120.
func (v Vitals) ClampToMax(derived Derived) Vitals {
	v.MaxHealth = max(derived.MaxHealth, 0)
	v.MaxSanity = max(derived.MaxSanity, 0)
	v.CurrentHealth = clamp(v.CurrentHealth, 0, v.MaxHealth)
	v.CurrentSanity = clamp(v.CurrentSanity, 0, v.MaxSanity)
	return v
}

// Normalize enforces the snapshot invariant on values read from storage.
func (v Vitals) Normalize() Vitals {
	return v.ClampToMax(Derived{MaxHealth: v.MaxHealth, MaxSanity: v.MaxSanity})
}

func clamp(value, lo, hi int) int {
	return min(max(value, lo), hi)
}

func saturatingAdd(a, b int) int {
	sum := a + b
	switch {
	case b > 0 && sum < a:
		return math.MaxInt
	case b < 0 && sum > a:
		return math.MinInt
	}
	return sum
}
