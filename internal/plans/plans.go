// Package plans maps plan tiers to their monthly unit grant.
package plans

import "maps"

// Limits maps a plan tier name to its monthly unit grant.
type Limits map[string]int64

// DefaultLimits is the built-in plan table.
func DefaultLimits() Limits {
	return Limits{
		"tierA": 1000,
		"tierB": 2000,
		"tierC": 4000,
		"trial": 1_000_000,
	}
}

// MonthlyGrant returns the grant for tier and whether the tier is known.
func (l Limits) MonthlyGrant(tier string) (int64, bool) {
	v, ok := l[tier]
	return v, ok
}

// Merge returns a copy of l with overrides applied. Non-positive overrides
// are ignored.
func (l Limits) Merge(overrides map[string]int64) Limits {
	out := maps.Clone(l)
	if out == nil {
		out = Limits{}
	}
	for tier, grant := range overrides {
		if grant > 0 {
			out[tier] = grant
		}
	}
	return out
}
