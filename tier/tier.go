// Package tier defines subscription tiers and the quota policy lookups used
// by scan orchestration. All lookups are pure functions over a Policy value;
// the effective tier is always threaded in as a parameter, never read from
// ambient state.
package tier

import "time"

// Tier identifies a subscription level.
type Tier string

const (
	Free    Tier = "free"
	Starter Tier = "starter"
	Growth  Tier = "growth"
	Scale   Tier = "scale"
)

// Frequency is a scan cadence permitted by a tier or chosen per page.
type Frequency string

const (
	Daily  Frequency = "daily"
	Weekly Frequency = "weekly"
)

// Parse maps a stored tier string to a Tier. Unknown values degrade to Free
// so a corrupted account row never grants extra quota.
func Parse(s string) Tier {
	switch Tier(s) {
	case Starter, Growth, Scale:
		return Tier(s)
	default:
		return Free
	}
}

// Limits holds the quota values for one tier.
type Limits struct {
	Pages       int       `yaml:"pages"`
	DeployScans bool      `yaml:"deploy_scans"`
	Frequency   Frequency `yaml:"frequency"`
}

// Policy maps tiers to their limits. Zero-value lookups fall back to the
// Free limits.
type Policy map[Tier]Limits

// DefaultPolicy returns the built-in tier table. A YAML config file may
// override individual entries at startup.
func DefaultPolicy() Policy {
	return Policy{
		Free:    {Pages: 1, DeployScans: false, Frequency: Weekly},
		Starter: {Pages: 5, DeployScans: false, Frequency: Daily},
		Growth:  {Pages: 25, DeployScans: true, Frequency: Daily},
		Scale:   {Pages: 100, DeployScans: true, Frequency: Daily},
	}
}

func (p Policy) limits(t Tier) Limits {
	if l, ok := p[t]; ok {
		return l
	}
	return p[Free]
}

// PageLimit returns the maximum number of tracked pages for a tier.
func (p Policy) PageLimit(t Tier) int {
	return p.limits(t).Pages
}

// CanUseDeployScans reports whether deploy-triggered scans are included.
func (p Policy) CanUseDeployScans(t Tier) bool {
	return p.limits(t).DeployScans
}

// AllowedFrequency returns the fastest scan cadence a tier permits.
func (p Policy) AllowedFrequency(t Tier) Frequency {
	f := p.limits(t).Frequency
	if f == "" {
		return Weekly
	}
	return f
}

// RunsToday reports whether a page with the given cadence setting is due on
// day under this tier. The effective cadence is the slower of the tier's
// allowance and the page's own setting; weekly pages run on Mondays.
func (p Policy) RunsToday(t Tier, pageCadence Frequency, day time.Weekday) bool {
	effective := pageCadence
	if p.AllowedFrequency(t) == Weekly {
		effective = Weekly
	}
	if effective == Weekly {
		return day == time.Monday
	}
	return true
}
