package usage

import "time"

// ResetMode selects how a (credential, model) usage window rolls over.
// Each provider declares a tier -> mode mapping.
type ResetMode string

const (
	// ResetPerModel keeps an independent window per model with an
	// authoritative reset timestamp supplied by the provider.
	ResetPerModel ResetMode = "per_model"
	// ResetCredential keeps one window per credential of a configured
	// fixed duration, shared across all its models.
	ResetCredential ResetMode = "credential"
	// ResetDaily resets at a configured UTC hour. Legacy mode.
	ResetDaily ResetMode = "daily"
)

// CooldownPolicy names how a custom cap's cooldown is computed once the cap
// is hit.
type CooldownPolicy string

const (
	CooldownPolicyQuotaReset CooldownPolicy = "quota_reset"
	CooldownPolicyOffset     CooldownPolicy = "offset"
	CooldownPolicyFixed      CooldownPolicy = "fixed"
)

// CustomCap overrides the natural request cap for a (tier, model-or-group)
// pair. Cap is clamped to be <= the real max when Manager has observed one;
// the resulting cooldown is clamped to be >= the window's natural reset.
// Both clamps are enforced in Manager.BeginAttempt.
type CustomCap struct {
	Tier    int
	Target  string // model name or quota group name
	IsGroup bool
	Cap     int64
	Policy  CooldownPolicy
	Offset  time.Duration // used when Policy == CooldownPolicyOffset
	FixedAt time.Duration // used when Policy == CooldownPolicyFixed: window_start + FixedAt
}

// TierConfig declares a provider's window behavior for one priority tier.
type TierConfig struct {
	Tier           int
	Mode           ResetMode
	WindowDuration time.Duration // meaningful for ResetCredential
	DailyResetHour int           // meaningful for ResetDaily, UTC hour 0-23
	MaxConcurrent  int
	Multiplier     float64 // concurrency multiplier applied to provider-wide max_concurrent
}

// ProviderConfig is the usage manager's per-provider policy: tier windows,
// quota groups, and custom caps. Built by the provider adapter and
// optionally overridden by configuration.
type ProviderConfig struct {
	Provider string
	Tiers    map[int]TierConfig

	// QuotaGroups maps a model name to the name of the quota group it
	// belongs to, if any. Every model belongs to at most one group.
	QuotaGroups map[string]string
	// GroupMembers is the inverse of QuotaGroups, for reset propagation.
	GroupMembers map[string][]string

	MaxConcurrent int

	// CustomCaps resolved with priority tier+model > tier+group >
	// default+model > default+group > none (default tier is 0).
	CustomCaps []CustomCap

	// FairCycleEnabled turns on the exhaustion/rotation tracking used to
	// rotate fairly across a fully-exhausted credential pool.
	FairCycleEnabled bool
	// FairCycleDuration bounds how long an exhaustion cycle may run before
	// it clears unconditionally.
	FairCycleDuration time.Duration
	// ExhaustionCooldownThreshold: a cooldown longer than this marks the
	// credential exhausted for the current fair-cycle.
	ExhaustionCooldownThreshold time.Duration
}

func (c *ProviderConfig) tierConfig(tier int) TierConfig {
	if tc, ok := c.Tiers[tier]; ok {
		return tc
	}
	return TierConfig{Tier: tier, Mode: ResetPerModel, MaxConcurrent: c.MaxConcurrent, Multiplier: 1.0}
}

func (c *ProviderConfig) resolveCustomCap(tier int, model string) (CustomCap, bool) {
	group := c.QuotaGroups[model]

	find := func(t int, target string, isGroup bool) (CustomCap, bool) {
		for _, entry := range c.CustomCaps {
			if entry.Tier == t && entry.IsGroup == isGroup && entry.Target == target {
				return entry, true
			}
		}
		return CustomCap{}, false
	}

	if entry, ok := find(tier, model, false); ok {
		return entry, true
	}
	if group != "" {
		if entry, ok := find(tier, group, true); ok {
			return entry, true
		}
	}
	if entry, ok := find(0, model, false); ok {
		return entry, true
	}
	if group != "" {
		if entry, ok := find(0, group, true); ok {
			return entry, true
		}
	}
	return CustomCap{}, false
}
