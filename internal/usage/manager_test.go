package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() ProviderConfig {
	return ProviderConfig{
		Provider:      "claude",
		MaxConcurrent: 2,
		Tiers: map[int]TierConfig{
			0: {Tier: 0, Mode: ResetPerModel, MaxConcurrent: 2, Multiplier: 1.0},
		},
		QuotaGroups:  map[string]string{"a": "grp", "b": "grp", "c": "grp"},
		GroupMembers: map[string][]string{"grp": {"a", "b", "c"}},
	}
}

func TestManager_ApplyQuotaResetMakesModelUnavailableUntilReset(t *testing.T) {
	m := New(testConfig(), nil, "")
	now := time.Now()
	reset := now.Add(time.Hour)

	m.ApplyQuotaReset("cred-1", "a", reset)

	require.False(t, m.IsAvailable("cred-1", "a", 0, now))
	require.False(t, m.IsAvailable("cred-1", "a", 0, reset.Add(-time.Second)))
	require.True(t, m.IsAvailable("cred-1", "a", 0, reset.Add(time.Second)))
}

func TestManager_ApplyQuotaResetPropagatesAcrossGroup(t *testing.T) {
	m := New(testConfig(), nil, "")
	reset := time.Now().Add(time.Hour)

	m.ApplyQuotaReset("cred-1", "a", reset)

	require.False(t, m.IsAvailable("cred-1", "b", 0, time.Now()))
	require.False(t, m.IsAvailable("cred-1", "c", 0, time.Now()))
}

func TestManager_BeginAttemptRespectsConcurrencyCap(t *testing.T) {
	m := New(testConfig(), nil, "")

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	require.ErrorIs(t, m.BeginAttempt("cred-1", "a", 0), ErrOverloaded)
}

func TestManager_EndAttemptAuthenticationLocksCredentialWide(t *testing.T) {
	m := New(testConfig(), nil, "")
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	m.EndAttempt("cred-1", "a", 0, Outcome{Success: false, Kind: KindAuthentication})

	require.False(t, m.IsAvailable("cred-1", "a", 0, time.Now()))
	require.False(t, m.IsAvailable("cred-1", "other-model", 0, time.Now()))
}

func TestManager_EndAttemptTransientQuotaAppliesNoCooldown(t *testing.T) {
	m := New(testConfig(), nil, "")
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	m.EndAttempt("cred-1", "a", 0, Outcome{Success: false, Kind: KindTransientQuota})

	require.True(t, m.IsAvailable("cred-1", "a", 0, time.Now()))
}

func TestManager_EndAttemptRateLimitEscalatesCooldown(t *testing.T) {
	m := New(testConfig(), nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: false, Kind: KindRateLimit})
	require.False(t, m.IsAvailable("cred-1", "a", 0, clock))
	require.True(t, m.IsAvailable("cred-1", "a", 0, clock.Add(15*time.Second)))

	clock = clock.Add(15 * time.Second)
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: false, Kind: KindRateLimit})
	require.False(t, m.IsAvailable("cred-1", "a", 0, clock.Add(20*time.Second)))
	require.True(t, m.IsAvailable("cred-1", "a", 0, clock.Add(35*time.Second)))
}

func TestManager_DeadKeyHeuristicPromotesCredentialWideLockout(t *testing.T) {
	m := New(testConfig(), nil, "")

	for _, model := range []string{"x", "y", "z"} {
		require.NoError(t, m.BeginAttempt("cred-1", model, 0))
		m.EndAttempt("cred-1", model, 0, Outcome{Success: false, Kind: KindServerError})
	}

	require.False(t, m.IsAvailable("cred-1", "w", 0, time.Now()))
}

func TestManager_SuccessIncrementsCountersAndResetsTransientStep(t *testing.T) {
	m := New(testConfig(), nil, "")
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true, TokensUsed: 42})

	s := m.stateFor("cred-1")
	s.mu.Lock()
	ms := s.models["a"]
	s.mu.Unlock()
	require.EqualValues(t, 1, ms.SuccessCount)
	require.EqualValues(t, 42, ms.TokenCount)
}

func TestManager_FairCycleResetsWhenAllExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.FairCycleEnabled = true
	cfg.ExhaustionCooldownThreshold = 5 * time.Minute
	cfg.FairCycleDuration = time.Hour
	m := New(cfg, nil, "")

	m.ApplyQuotaReset("cred-1", "a", time.Now().Add(10*time.Minute))
	m.ApplyQuotaReset("cred-2", "a", time.Now().Add(10*time.Minute))

	require.True(t, m.IsExhausted("cred-1"))
	require.True(t, m.IsExhausted("cred-2"))

	m.ResetFairCycleIfStale([]string{"cred-1", "cred-2"})

	require.False(t, m.IsExhausted("cred-1"))
	require.False(t, m.IsExhausted("cred-2"))
}

func TestManager_CredentialWindowRollsOverAfterWindowDuration(t *testing.T) {
	cfg := ProviderConfig{
		Provider: "claude",
		Tiers: map[int]TierConfig{
			0: {Tier: 0, Mode: ResetCredential, WindowDuration: time.Hour, MaxConcurrent: 2, Multiplier: 1.0},
		},
	}
	m := New(cfg, nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true, TokensUsed: 10})

	s := m.stateFor("cred-1")
	s.mu.Lock()
	require.EqualValues(t, 1, s.models["a"].SuccessCount)
	windowStart := s.models["a"].WindowStart
	s.mu.Unlock()
	require.True(t, windowStart.Equal(clock))

	clock = clock.Add(2 * time.Hour)
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.EqualValues(t, 0, s.models["a"].SuccessCount)
	require.True(t, s.models["a"].WindowStart.Equal(clock))
}

func TestManager_PerModelWindowRollsOverOncePastQuotaReset(t *testing.T) {
	m := New(testConfig(), nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true, TokensUsed: 5})
	m.ApplyQuotaReset("cred-1", "a", clock.Add(time.Minute))

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	s := m.stateFor("cred-1")
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.models["a"]
	require.EqualValues(t, 0, ms.SuccessCount)
	require.True(t, ms.QuotaResetTS.IsZero(), "a past quota_reset_ts should be cleared on rollover")
}

func TestManager_WindowRolloverPreservesStillFutureQuotaResetTS(t *testing.T) {
	cfg := ProviderConfig{
		Provider: "claude",
		Tiers: map[int]TierConfig{
			0: {Tier: 0, Mode: ResetCredential, WindowDuration: time.Hour, MaxConcurrent: 2, Multiplier: 1.0},
		},
	}
	m := New(cfg, nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true})
	futureReset := clock.Add(3 * time.Hour)
	m.ApplyQuotaReset("cred-1", "a", futureReset)

	clock = clock.Add(2 * time.Hour) // past the credential window, still before futureReset
	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))

	s := m.stateFor("cred-1")
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.models["a"]
	require.EqualValues(t, 0, ms.SuccessCount)
	require.True(t, ms.QuotaResetTS.Equal(futureReset))
}

func TestManager_CustomCapBlocksOnceCapReachedAndAppliesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.CustomCaps = []CustomCap{
		{Tier: 0, Target: "a", Cap: 1, Policy: CooldownPolicyOffset, Offset: 10 * time.Minute},
	}
	m := New(cfg, nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true})

	require.ErrorIs(t, m.BeginAttempt("cred-1", "a", 0), ErrOverloaded)
	require.False(t, m.IsAvailable("cred-1", "a", 0, clock))
	require.False(t, m.IsAvailable("cred-1", "a", 0, clock.Add(5*time.Minute)))
	require.True(t, m.IsAvailable("cred-1", "a", 0, clock.Add(11*time.Minute)))
}

func TestManager_CustomCapCooldownClampedToNaturalReset(t *testing.T) {
	cfg := testConfig()
	cfg.CustomCaps = []CustomCap{
		{Tier: 0, Target: "a", Cap: 1, Policy: CooldownPolicyOffset, Offset: time.Minute},
	}
	m := New(cfg, nil, "")
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true})
	m.ApplyQuotaReset("cred-1", "a", clock.Add(time.Hour))

	require.ErrorIs(t, m.BeginAttempt("cred-1", "a", 0), ErrOverloaded)
	// the cap's own 1-minute offset would expire first; the natural
	// authoritative reset an hour out must win instead.
	require.False(t, m.IsAvailable("cred-1", "a", 0, clock.Add(30*time.Minute)))
	require.True(t, m.IsAvailable("cred-1", "a", 0, clock.Add(61*time.Minute)))
}

func TestManager_CustomCapClampedToObservedRealMax(t *testing.T) {
	cfg := testConfig()
	cfg.CustomCaps = []CustomCap{
		{Tier: 0, Target: "a", Cap: 100, Policy: CooldownPolicyOffset, Offset: time.Minute},
	}
	m := New(cfg, nil, "")

	require.NoError(t, m.BeginAttempt("cred-1", "a", 0))
	// RemainingFraction 0 at RequestsAtBaseline 1 implies a real max of 1,
	// well under the configured cap of 100.
	m.EndAttempt("cred-1", "a", 0, Outcome{Success: true, HasRemaining: true, RemainingFraction: 0})

	require.ErrorIs(t, m.BeginAttempt("cred-1", "a", 0), ErrOverloaded)
}
