package usage

import (
	"sync"
	"time"
)

// CooldownType distinguishes why a (credential[, model]) pair is excluded
// from selection.
type CooldownType string

const (
	CooldownTransient CooldownType = "transient"
	CooldownAuthLock  CooldownType = "auth_lockout"
	CooldownQuota     CooldownType = "quota_authoritative"
	CooldownCustomCap CooldownType = "custom_cap"
)

// AuthLockoutDuration is the fixed credential-wide lockout applied on an
// Authentication error.
const AuthLockoutDuration = 5 * time.Minute

// transientCooldownSteps is the escalating per-(credential, model) cooldown
// ladder for RateLimit errors without a parseable hint.
var transientCooldownSteps = []time.Duration{
	10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second,
}

// Cooldown is a deadline before which a pair is excluded from selection.
type Cooldown struct {
	Type      CooldownType
	ExpiresAt time.Time
}

func (c *Cooldown) active(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// ModelUsage is the per-(credential, model) usage window tracked for quota
// accounting and cooldown decisions.
type ModelUsage struct {
	WindowStart  time.Time
	QuotaResetTS time.Time

	SuccessCount int64
	TokenCount   int64

	BaselineRemainingFraction float64
	BaselineFetchedAt         time.Time
	RequestsAtBaseline        int64
	HasBaseline               bool

	QuotaMaxRequests int64
	HasMaxRequests   bool

	Cooldown *Cooldown
	InFlight int

	transientStep int // index into transientCooldownSteps for escalation
}

// failureRecord backs the dead-key heuristic: 3+ distinct models failing
// on one credential in quick succession promotes a credential-wide
// lockout.
type failureRecord struct {
	model string
	at    time.Time
}

const (
	deadKeyWindow         = 30 * time.Second
	deadKeyDistinctModels = 3
)

// CredentialState is the usage/cooldown state the usage manager exclusively
// owns for one credential, guarded by its own mutex: acquire this lock
// before reading or writing the credential's usage/cooldown state, and
// never hold it across a network call.
type CredentialState struct {
	mu sync.Mutex

	models map[string]*ModelUsage

	globalCooldown *Cooldown
	globalInFlight int

	recentFailures []failureRecord

	exhausted   bool
	exhaustedAt time.Time
}

func newCredentialState() *CredentialState {
	return &CredentialState{models: make(map[string]*ModelUsage)}
}

func (s *CredentialState) modelState(model string, windowStart time.Time) *ModelUsage {
	ms, ok := s.models[model]
	if !ok {
		ms = &ModelUsage{WindowStart: windowStart}
		s.models[model] = ms
	}
	return ms
}

// modelStateForTier is modelState plus window-rollover detection: if the
// tier's configured window has elapsed, counters reset to zero and
// WindowStart advances to now, preserving QuotaResetTS only if it is still
// in the future.
func (s *CredentialState) modelStateForTier(model string, now time.Time, tc TierConfig) *ModelUsage {
	ms := s.modelState(model, now)
	if !windowExpired(ms, now, tc) {
		return ms
	}
	ms.WindowStart = now
	ms.SuccessCount = 0
	ms.TokenCount = 0
	if !ms.QuotaResetTS.IsZero() && !ms.QuotaResetTS.After(now) {
		ms.QuotaResetTS = time.Time{}
	}
	return ms
}

// windowExpired reports whether ms's usage window has rolled over under
// tc's reset mode as of now.
func windowExpired(ms *ModelUsage, now time.Time, tc TierConfig) bool {
	switch tc.Mode {
	case ResetCredential:
		return tc.WindowDuration > 0 && now.Sub(ms.WindowStart) >= tc.WindowDuration
	case ResetDaily:
		return !now.Before(nextDailyReset(ms.WindowStart, tc.DailyResetHour))
	case ResetPerModel, "":
		return !ms.QuotaResetTS.IsZero() && !now.Before(ms.QuotaResetTS)
	default:
		return false
	}
}

// naturalWindowEnd returns the window boundary tc's reset mode would roll
// over at on its own, or the zero value if none is configured yet (e.g. a
// per_model window with no authoritative reset observed).
func naturalWindowEnd(ms *ModelUsage, tc TierConfig) time.Time {
	switch tc.Mode {
	case ResetCredential:
		if tc.WindowDuration > 0 {
			return ms.WindowStart.Add(tc.WindowDuration)
		}
	case ResetDaily:
		return nextDailyReset(ms.WindowStart, tc.DailyResetHour)
	case ResetPerModel, "":
		return ms.QuotaResetTS
	}
	return time.Time{}
}

// nextDailyReset returns the next UTC hour-of-day boundary strictly after
// from, for ResetDaily's window accounting.
func nextDailyReset(from time.Time, hour int) time.Time {
	from = from.UTC()
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (s *CredentialState) recordFailure(model string, now time.Time) bool {
	s.recentFailures = append(s.recentFailures, failureRecord{model: model, at: now})

	cutoff := now.Add(-deadKeyWindow)
	kept := s.recentFailures[:0]
	distinct := make(map[string]struct{})
	for _, f := range s.recentFailures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
			distinct[f.model] = struct{}{}
		}
	}
	s.recentFailures = kept
	return len(distinct) >= deadKeyDistinctModels
}
