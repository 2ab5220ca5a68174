package character

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
	"golang.org/x/text/cases"
)

// Attribute budget bounds (inclusive).
const (
	AllocationBudgetMin = 30
	AllocationBudgetMax = 43
)

// Attribute keys known to the derivation formulas.
const (
	AttributeStrength     = "strength"
	AttributeAgility      = "agility"
	AttributeVitality     = "vitality"
	AttributeIntelligence = "intelligence"
	AttributePerception   = "perception"
	AttributeEssence      = "essence"
)

var (
	// ErrInsufficientSignal indicates the allocation spends fewer points than the budget floor.
	ErrInsufficientSignal = apperrors.New(apperrors.CodeAllocationInsufficientSignal, "attribute allocation is below the minimum budget")
	// ErrOverload indicates the allocation spends more points than the budget ceiling.
	ErrOverload = apperrors.New(apperrors.CodeAllocationOverload, "attribute allocation exceeds the maximum budget")
	// ErrMalformedKey indicates an attribute key produced by a broken client serializer.
	ErrMalformedKey = apperrors.New(apperrors.CodeAllocationMalformedKey, "attribute key is malformed")
	// ErrUnknownAttribute indicates a key missing from the attribute catalog in strict mode.
	ErrUnknownAttribute = apperrors.New(apperrors.CodeAllocationUnknownAttribute, "attribute is not in the catalog")
	// ErrNegativeValue indicates an attribute allocated fewer than zero points.
	ErrNegativeValue = apperrors.New(apperrors.CodeAllocationNegativeValue, "attribute points cannot be negative")
)

// absenceMarkers are literal values a client serializer emits in place of a
// missing key.
var absenceMarkers = map[string]struct{}{
	"undefined": {},
	"null":      {},
	"nil":       {},
	"nan":       {},
	"none":      {},
}

// Allocation maps attribute keys to the points spent on them.
type Allocation map[string]int

// Total returns the sum of all allocated points.
func (a Allocation) Total() int {
	total := 0
	for _, value := range a {
		total += value
	}
	return total
}

// Clone returns a copy that does not share storage with a.
func (a Allocation) Clone() Allocation {
	if a == nil {
		return nil
	}
	out := make(Allocation, len(a))
	for key, value := range a {
		out[key] = value
	}
	return out
}

// Validated is an allocation that passed ValidateAllocation. Its keys are
// canonical (trimmed and case-folded).
type Validated struct {
	values Allocation
	total  int
}

// Value returns the points allocated to key, or zero when absent.
func (v Validated) Value(key string) int {
	return v.values[key]
}

// Total returns the validated point total.
func (v Validated) Total() int {
	return v.total
}

// Allocation returns a copy of the canonical allocation.
func (v Validated) Allocation() Allocation {
	return v.values.Clone()
}

type validateConfig struct {
	catalog map[string]struct{}
}

// ValidateOption customizes ValidateAllocation.
type ValidateOption func(*validateConfig)

// WithCatalog enables strict mode: every key must name a catalog attribute.
// An empty catalog disables the check.
func WithCatalog(keys []string) ValidateOption {
	return func(cfg *validateConfig) {
		if len(keys) == 0 {
			return
		}
		cfg.catalog = make(map[string]struct{}, len(keys))
		for _, key := range keys {
			cfg.catalog[CanonicalKey(key)] = struct{}{}
		}
	}
}

// CanonicalKey trims and case-folds an attribute key.
func CanonicalKey(key string) string {
	return cases.Fold().String(strings.TrimSpace(key))
}

// ValidateAllocation checks key hygiene and the attribute budget. It runs on
// every create and every update that touches the allocation.
func ValidateAllocation(allocation Allocation, opts ...ValidateOption) (Validated, error) {
	var cfg validateConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	// Sorted so the reported key is stable across calls.
	rawKeys := make([]string, 0, len(allocation))
	for key := range allocation {
		rawKeys = append(rawKeys, key)
	}
	sort.Strings(rawKeys)

	values := make(Allocation, len(allocation))
	for _, raw := range rawKeys {
		key := CanonicalKey(raw)
		if isMalformedKey(key) {
			return Validated{}, malformedKeyError(raw, "key is empty or a serialization artifact")
		}
		if _, dup := values[key]; dup {
			return Validated{}, malformedKeyError(raw, "key collides with another key after normalization")
		}
		if cfg.catalog != nil {
			if _, ok := cfg.catalog[key]; !ok {
				return Validated{}, apperrors.WithMetadata(
					apperrors.CodeAllocationUnknownAttribute,
					fmt.Sprintf("attribute %q is not in the catalog", raw),
					map[string]string{"Key": raw},
				)
			}
		}
		values[key] = allocation[raw]
	}

	// Bounding each value keeps the total from wrapping.
	for _, raw := range rawKeys {
		switch value := allocation[raw]; {
		case value < 0:
			return Validated{}, apperrors.WithMetadata(
				apperrors.CodeAllocationNegativeValue,
				fmt.Sprintf("attribute %q has negative points %d", raw, value),
				map[string]string{"Key": raw},
			)
		case value > AllocationBudgetMax:
			return Validated{}, budgetError(apperrors.CodeAllocationOverload, "attribute allocation value %d exceeds the maximum of %d", value)
		}
	}

	total := values.Total()
	switch {
	case total < AllocationBudgetMin:
		return Validated{}, budgetError(apperrors.CodeAllocationInsufficientSignal, "attribute allocation total %d is below the minimum of %d", total)
	case total > AllocationBudgetMax:
		return Validated{}, budgetError(apperrors.CodeAllocationOverload, "attribute allocation total %d exceeds the maximum of %d", total)
	}

	return Validated{values: values, total: total}, nil
}

func isMalformedKey(key string) bool {
	if key == "" {
		return true
	}
	if _, ok := absenceMarkers[key]; ok {
		return true
	}
	if strings.HasPrefix(key, "[object") {
		return true
	}
	return strings.HasPrefix(key, "{") && strings.HasSuffix(key, "}")
}

func malformedKeyError(raw, reason string) error {
	return apperrors.WithMetadata(
		apperrors.CodeAllocationMalformedKey,
		fmt.Sprintf("attribute key %q is malformed: %s", raw, reason),
		map[string]string{"Key": raw},
	)
}

func budgetError(code apperrors.Code, format string, total int) error {
	bound := AllocationBudgetMin
	if code == apperrors.CodeAllocationOverload {
		bound = AllocationBudgetMax
	}
	return apperrors.WithMetadata(
		code,
		fmt.Sprintf(format, total, bound),
		map[string]string{
			"Total": strconv.Itoa(total),
			"Min":   strconv.Itoa(AllocationBudgetMin),
			"Max":   strconv.Itoa(AllocationBudgetMax),
		},
	)
}
