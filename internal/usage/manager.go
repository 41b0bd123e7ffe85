// Package usage implements the Usage & Quota Manager: per-credential,
// per-model usage windows, cooldowns, quota groups, and resets.
//
// Grounded on sdk/cliproxy/auth/conductor_overrides_test.go's MarkResult /
// shouldRetryAfterError expectations (disable_cooling override,
// request_retry override) and the ModelStates aggregation shape from
// sdk/cliproxy/auth/conductor_availability_test.go.
package usage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hyperbridge/llmgateway/internal/credential"
)

// ErrOverloaded is returned by BeginAttempt when the concurrency cap for a
// (credential, model) pair is already saturated; the caller (the scheduler) handles
// waiting or trying another credential.
var ErrOverloaded = errors.New("usage: overloaded")

// Persister is the narrow slice of resilientio.Writer Manager needs.
type Persister interface {
	Write(path string, v any)
}

// persistedProviderUsage mirrors the on-disk usage/usage_<provider>.json
// layout.
type persistedProviderUsage struct {
	Provider    string                         `json:"provider"`
	Credentials map[string]persistedCredential `json:"credentials"`
}

type persistedCredential struct {
	Models map[string]persistedModelUsage `json:"models"`
}

type persistedModelUsage struct {
	WindowStartUnix  int64 `json:"window_start_ts"`
	QuotaResetUnix   int64 `json:"quota_reset_ts"`
	SuccessCount     int64 `json:"success_count"`
	TokenCount       int64 `json:"token_count"`
	QuotaMaxRequests int64 `json:"quota_max_requests,omitempty"`
}

// Manager owns all usage and cooldown state for one provider's
// credentials, scoped one Manager per provider.
type Manager struct {
	cfg ProviderConfig

	writer     Persister
	persistDir string

	statesMu sync.RWMutex
	states   map[string]*CredentialState

	fairCycleMu sync.Mutex
	fairCycleAt time.Time

	recordLookup func(id string) *credential.Record

	now func() time.Time
}

// New constructs a Manager for one provider.
func New(cfg ProviderConfig, writer Persister, persistDir string) *Manager {
	return &Manager{
		cfg:         cfg,
		writer:      writer,
		persistDir:  persistDir,
		states:      make(map[string]*CredentialState),
		fairCycleAt: time.Now(),
		now:         time.Now,
	}
}

func (m *Manager) stateFor(credID string) *CredentialState {
	m.statesMu.RLock()
	s, ok := m.states[credID]
	m.statesMu.RUnlock()
	if ok {
		return s
	}

	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	if s, ok = m.states[credID]; ok {
		return s
	}
	s = newCredentialState()
	m.states[credID] = s
	return s
}

// IsAvailable reports whether (credential, model) may be selected: false if
// on any active cooldown (credential-wide or model-specific) or past a
// custom request cap.
func (m *Manager) IsAvailable(credID, model string, tier int, now time.Time) bool {
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.globalCooldown.active(now) {
		return false
	}
	ms, ok := s.models[model]
	if !ok {
		return true
	}
	return !ms.Cooldown.active(now)
}

// BeginAttempt reserves a concurrency slot for (credential, model) against
// max_concurrent * tier_multiplier.
func (m *Manager) BeginAttempt(credID, model string, tier int) error {
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tc := m.cfg.tierConfig(tier)
	limit := int(float64(tc.MaxConcurrent) * tc.Multiplier)
	if limit <= 0 {
		limit = 1
	}
	if s.globalInFlight >= limit {
		return ErrOverloaded
	}

	now := m.now()
	ms := s.modelStateForTier(model, now, tc)

	if capEntry, ok := m.cfg.resolveCustomCap(tier, model); ok {
		effectiveCap := capEntry.Cap
		if ms.HasMaxRequests && ms.QuotaMaxRequests > 0 {
			effectiveCap = min64(effectiveCap, ms.QuotaMaxRequests)
		}
		if effectiveCap > 0 && ms.SuccessCount >= effectiveCap {
			m.applyCustomCapCooldownLocked(s, ms, tc, capEntry, now)
			return ErrOverloaded
		}
	}

	ms.InFlight++
	s.globalInFlight++
	return nil
}

// applyCustomCapCooldownLocked sets a custom-cap cooldown once cap's request
// limit is hit, resolving the expiry per cap.Policy and clamping it to be no
// earlier than the window's natural reset. s (and its mutex) must already be
// held by the caller.
func (m *Manager) applyCustomCapCooldownLocked(s *CredentialState, ms *ModelUsage, tc TierConfig, cap CustomCap, now time.Time) {
	var expiresAt time.Time
	switch cap.Policy {
	case CooldownPolicyOffset:
		expiresAt = now.Add(cap.Offset)
	case CooldownPolicyFixed:
		expiresAt = ms.WindowStart.Add(cap.FixedAt)
	default: // CooldownPolicyQuotaReset and unset fall back to the natural reset
		expiresAt = naturalWindowEnd(ms, tc)
	}

	if natural := naturalWindowEnd(ms, tc); !natural.IsZero() && expiresAt.Before(natural) {
		expiresAt = natural
	}
	if expiresAt.IsZero() {
		return
	}

	ms.Cooldown = &Cooldown{Type: CooldownCustomCap, ExpiresAt: expiresAt}
	m.maybeMarkExhausted(s, "", ms.Cooldown)
}

// EndAttempt releases the concurrency slot and applies the outcome:
// increments counters on success, applies a cooldown per the taxonomy on
// failure.
func (m *Manager) EndAttempt(credID, model string, tier int, outcome Outcome) {
	s := m.stateFor(credID)
	s.mu.Lock()

	now := m.now()
	tc := m.cfg.tierConfig(tier)
	ms := s.modelStateForTier(model, now, tc)
	if ms.InFlight > 0 {
		ms.InFlight--
	}
	if s.globalInFlight > 0 {
		s.globalInFlight--
	}

	if outcome.Success {
		ms.SuccessCount++
		ms.TokenCount += outcome.TokensUsed
		if outcome.HasRemaining {
			ms.BaselineRemainingFraction = outcome.RemainingFraction
			ms.BaselineFetchedAt = now
			ms.RequestsAtBaseline = ms.SuccessCount
			ms.HasBaseline = true
			// Derive an implied hard request cap from the reported remaining
			// fraction: at RequestsAtBaseline requests used, a fraction r
			// still remaining implies a total of RequestsAtBaseline/(1-r).
			if outcome.RemainingFraction >= 0 && outcome.RemainingFraction < 1 {
				ms.QuotaMaxRequests = int64(float64(ms.RequestsAtBaseline) / (1 - outcome.RemainingFraction))
				ms.HasMaxRequests = ms.QuotaMaxRequests > 0
			}
		}
		ms.transientStep = 0
		s.mu.Unlock()
		m.persistLocked(credID)
		return
	}

	disableCooling := false
	if rec := m.recordFor(credID); rec != nil {
		disableCooling, _ = rec.DisableCooling()
	}

	promoted := s.recordFailure(model, now)

	switch outcome.Kind {
	case KindAuthentication:
		if !disableCooling {
			s.globalCooldown = &Cooldown{Type: CooldownAuthLock, ExpiresAt: now.Add(AuthLockoutDuration)}
		}
	case KindQuota:
		if !outcome.QuotaResetAt.IsZero() {
			m.applyQuotaResetLocked(s, model, outcome.QuotaResetAt)
		}
	case KindRateLimit:
		if !outcome.QuotaResetAt.IsZero() {
			m.applyQuotaResetLocked(s, model, outcome.QuotaResetAt)
		} else if !disableCooling {
			step := ms.transientStep
			if step >= len(transientCooldownSteps) {
				step = len(transientCooldownSteps) - 1
			}
			ms.Cooldown = &Cooldown{Type: CooldownTransient, ExpiresAt: now.Add(transientCooldownSteps[step])}
			if ms.transientStep < len(transientCooldownSteps)-1 {
				ms.transientStep++
			}
			m.maybeMarkExhausted(s, credID, ms.Cooldown)
		}
	case KindTransientQuota:
		// No cooldown applied: a bare transient quota signal rotates to the
		// next credential without penalizing this one, to preserve throughput.
	case KindServerError, KindTimeout, KindUnknown:
		// Rotation without a long cooldown; the dispatch executor handles same-credential
		// retry bookkeeping. No cooldown recorded here.
	}

	if promoted && !disableCooling && s.globalCooldown == nil {
		log.Warnf("usage: credential %s promoted to lockout after %d distinct model failures", credID, deadKeyDistinctModels)
		s.globalCooldown = &Cooldown{Type: CooldownAuthLock, ExpiresAt: now.Add(AuthLockoutDuration)}
	}

	s.mu.Unlock()
	m.persistLocked(credID)
}

// ApplyQuotaReset sets quota_reset_ts for model and every member of its
// quota group, preserving any existing farther-future reset.
func (m *Manager) ApplyQuotaReset(credID, model string, resetAt time.Time) {
	s := m.stateFor(credID)
	s.mu.Lock()
	m.applyQuotaResetLocked(s, model, resetAt)
	s.mu.Unlock()
	m.persistLocked(credID)
}

func (m *Manager) applyQuotaResetLocked(s *CredentialState, model string, resetAt time.Time) {
	now := m.now()
	members := []string{model}
	if group := m.cfg.QuotaGroups[model]; group != "" {
		members = m.cfg.GroupMembers[group]
	}
	for _, mem := range members {
		ms := s.modelState(mem, now)
		if ms.QuotaResetTS.After(resetAt) {
			continue
		}
		ms.QuotaResetTS = resetAt
		ms.Cooldown = &Cooldown{Type: CooldownQuota, ExpiresAt: resetAt}
		m.maybeMarkExhausted(s, "", ms.Cooldown)
	}
}

func (m *Manager) maybeMarkExhausted(s *CredentialState, credID string, cd *Cooldown) {
	if !m.cfg.FairCycleEnabled || cd == nil {
		return
	}
	if cd.ExpiresAt.Sub(m.now()) < m.cfg.ExhaustionCooldownThreshold {
		return
	}
	s.exhausted = true
	s.exhaustedAt = m.now()
}

// IsExhausted reports whether credID is excluded from the current
// fair-cycle rotation for the provider.
func (m *Manager) IsExhausted(credID string) bool {
	if !m.cfg.FairCycleEnabled {
		return false
	}
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// ResetFairCycleIfStale clears every credential's exhausted flag when the
// full scope has exhausted or the cycle has aged past FairCycleDuration.
// credIDs is the full scope for the provider.
func (m *Manager) ResetFairCycleIfStale(credIDs []string) {
	if !m.cfg.FairCycleEnabled || len(credIDs) == 0 {
		return
	}
	now := m.now()

	allExhausted := true
	for _, id := range credIDs {
		if !m.IsExhausted(id) {
			allExhausted = false
			break
		}
	}

	m.fairCycleMu.Lock()
	aged := m.cfg.FairCycleDuration > 0 && now.Sub(m.fairCycleAt) > m.cfg.FairCycleDuration
	shouldReset := allExhausted || aged
	if shouldReset {
		m.fairCycleAt = now
	}
	m.fairCycleMu.Unlock()

	if !shouldReset {
		return
	}
	for _, id := range credIDs {
		s := m.stateFor(id)
		s.mu.Lock()
		s.exhausted = false
		s.mu.Unlock()
	}
}

func (m *Manager) persistLocked(credID string) {
	if m.writer == nil {
		return
	}
	s := m.stateFor(credID)
	s.mu.Lock()
	models := make(map[string]persistedModelUsage, len(s.models))
	for model, ms := range s.models {
		models[model] = persistedModelUsage{
			WindowStartUnix:  ms.WindowStart.Unix(),
			QuotaResetUnix:   ms.QuotaResetTS.Unix(),
			SuccessCount:     ms.SuccessCount,
			TokenCount:       ms.TokenCount,
			QuotaMaxRequests: ms.QuotaMaxRequests,
		}
	}
	s.mu.Unlock()

	path := fmt.Sprintf("%s/usage_%s.json", m.persistDir, m.cfg.Provider)
	m.writer.Write(path, persistedProviderUsage{
		Provider:    m.cfg.Provider,
		Credentials: map[string]persistedCredential{credID: {Models: models}},
	})
}

// recordFor is a seam for reading credential.Record overrides
// (disable_cooling); wired by SetRecordLookup in composition.
func (m *Manager) recordFor(credID string) *credential.Record {
	if m.recordLookup == nil {
		return nil
	}
	return m.recordLookup(credID)
}

// SetRecordLookup wires a lookup so EndAttempt can honor per-credential
// disable_cooling overrides without Manager depending on a concrete store.
func (m *Manager) SetRecordLookup(fn func(id string) *credential.Record) {
	m.recordLookup = fn
}

// InFlight returns the current number of in-progress attempts for
// (credID, model), used by the scheduler to compute the idle/busy
// sub-tier split.
func (m *Manager) InFlight(credID, model string) int {
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.models[model]; ok {
		return ms.InFlight
	}
	return 0
}

// NextAvailableAt returns the time (credID, model) becomes available again,
// or the zero value if it is already available. Used by the scheduler to
// build the advisory "all credentials on cooldown" error body.
func (m *Manager) NextAvailableAt(credID, model string) time.Time {
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	var latest time.Time
	if s.globalCooldown.active(now) && s.globalCooldown.ExpiresAt.After(latest) {
		latest = s.globalCooldown.ExpiresAt
	}
	if ms, ok := s.models[model]; ok && ms.Cooldown.active(now) && ms.Cooldown.ExpiresAt.After(latest) {
		latest = ms.Cooldown.ExpiresAt
	}
	return latest
}

// UsageScore returns a monotone measure of how heavily (credID, model) has
// been used in the current window, for the scheduler's balanced
// (least-used) and sequential (most-used sticky) rotation modes.
func (m *Manager) UsageScore(credID, model string) int64 {
	s := m.stateFor(credID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.models[model]; ok {
		return ms.SuccessCount
	}
	return 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
