// Package scheduler implements the Credential Scheduler: tiered
// selection across idle/busy sub-tiers, priority groups, fair-cycle
// rotation, and deadline-bounded waits.
//
// Grounded on sdk/cliproxy/auth/selector_test.go's FillFirstSelector /
// RoundRobinSelector behavior (priority buckets, thinking-suffix shared
// state, modelCooldownError on total exhaustion) and
// sdk/cliproxy/auth/conductor_executor_replace_test.go's Manager-holds-
// both-token-manager-and-usage-manager-references shape, kept here as the single component that
// holds references to both.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/usage"
)

// TokenAvailability answers whether a credential currently has (or can
// obtain) a usable token; satisfied by oauthmgr.Manager. Accepted as an
// interface so the scheduler does not depend on OAuth refresh machinery
// directly, breaking what would otherwise be a cyclic package reference.
type TokenAvailability interface {
	IsAvailable(id string) bool
}

// Policy is the adapter-declared tier assignment and model gating the
// scheduler consults.
type Policy interface {
	// Tier returns rec's priority tier (lower is higher priority).
	Tier(rec *credential.Record) int
	// MinTier returns the minimum tier a credential must have to serve
	// model (lower is stricter / more exclusive).
	MinTier(model string) int
}

// ProviderConfig configures scheduling behavior for one provider.
type ProviderConfig struct {
	RotationMode      RotationMode
	RotationTolerance float64
}

// Scheduler is the single component holding references to both the
// credential store, the per-provider usage managers, and the OAuth token
// manager.
type Scheduler struct {
	store   credential.Store
	tokens  TokenAvailability
	usageBy map[string]*usage.Manager
	policy  map[string]Policy
	cfg     map[string]ProviderConfig

	mu    sync.Mutex
	conds map[string]*sync.Cond
	rng   *rand.Rand
	now   func() time.Time
}

// New constructs a Scheduler. usageBy and policy must have an entry for
// every provider Acquire will be called with.
func New(store credential.Store, tokens TokenAvailability, usageBy map[string]*usage.Manager, policy map[string]Policy, cfg map[string]ProviderConfig) *Scheduler {
	return &Scheduler{
		store:   store,
		tokens:  tokens,
		usageBy: usageBy,
		policy:  policy,
		cfg:     cfg,
		conds:   make(map[string]*sync.Cond),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (s *Scheduler) condFor(provider string) *sync.Cond {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conds[provider]
	if !ok {
		c = sync.NewCond(&sync.Mutex{})
		s.conds[provider] = c
	}
	return c
}

// Notify wakes any waiters for provider; called after a release or a
// cooldown-driven state change so a blocked Acquire can make progress.
func (s *Scheduler) Notify(provider string) {
	c := s.condFor(provider)
	c.L.Lock()
	c.Broadcast()
	c.L.Unlock()
}

// Acquire selects and leases a credential for (provider, model), blocking
// until one is available or deadline elapses. Waiters are not strictly
// FIFO: each wake re-runs the full selection algorithm, intentionally, to
// avoid starving freshly-cooled-down keys.
func (s *Scheduler) Acquire(ctx context.Context, provider, model string, deadline time.Time) (*Lease, error) {
	return s.AcquireExcluding(ctx, provider, model, deadline, nil)
}

// AcquireExcluding behaves like Acquire but skips any credential whose
// Identifier is in excluded. The dispatch executor uses this within a
// single request's attempt loop so a credential that just failed with a
// kind carrying no cooldown (ServerError, Timeout, Unknown) is not handed
// back out on the very next rotation.
func (s *Scheduler) AcquireExcluding(ctx context.Context, provider, model string, deadline time.Time, excluded map[string]bool) (*Lease, error) {
	for {
		lease, err := s.tryAcquire(provider, model, excluded)
		if err == nil {
			return lease, nil
		}
		if _, ok := err.(*CooldownError); !ok {
			return nil, err
		}

		if s.now().After(deadline) {
			return nil, &NoKeyAvailableError{Provider: provider, Model: model}
		}

		if waitErr := s.waitForWake(ctx, provider, deadline); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (s *Scheduler) waitForWake(ctx context.Context, provider string, deadline time.Time) error {
	c := s.condFor(provider)
	done := make(chan struct{})
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	go func() {
		c.L.Lock()
		c.Wait()
		c.L.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-timer.C:
		c.Broadcast() // release the helper goroutine above
		return nil
	case <-ctx.Done():
		c.Broadcast()
		return ctx.Err()
	}
}

func (s *Scheduler) tryAcquire(provider, model string, excluded map[string]bool) (*Lease, error) {
	um, ok := s.usageBy[provider]
	if !ok {
		return nil, &NoKeyAvailableError{Provider: provider, Model: model}
	}
	policy := s.policy[provider]
	cfg := s.cfg[provider]

	records, err := s.store.List(context.Background())
	if err != nil {
		return nil, err
	}

	var scopeIDs []string
	for _, rec := range records {
		if rec.Provider == provider {
			scopeIDs = append(scopeIDs, rec.Identifier)
		}
	}
	um.ResetFairCycleIfStale(scopeIDs)

	baseModel, _ := splitThinkingSuffix(model)
	now := s.now()
	minTier := policy.MinTier(baseModel)

	var candidates []candidate
	earliest := time.Time{}
	sawAny := false

	for _, rec := range records {
		if rec.Provider != provider {
			continue
		}
		if excluded[rec.Identifier] {
			continue
		}
		if rec.Kind == credential.KindOAuth && s.tokens != nil && !s.tokens.IsAvailable(rec.Identifier) {
			continue
		}
		tier := policy.Tier(rec)
		if tier > minTier {
			continue
		}
		sawAny = true
		if um.IsExhausted(rec.Identifier) {
			continue
		}
		if !um.IsAvailable(rec.Identifier, baseModel, tier, now) {
			if next := um.NextAvailableAt(rec.Identifier, baseModel); !next.IsZero() && (earliest.IsZero() || next.Before(earliest)) {
				earliest = next
			}
			continue
		}
		candidates = append(candidates, candidate{
			rec:      rec,
			tier:     tier,
			inFlight: um.InFlight(rec.Identifier, baseModel),
			usage:    um.UsageScore(rec.Identifier, baseModel),
		})
	}

	if len(candidates) == 0 {
		if !sawAny {
			return nil, &NoKeyAvailableError{Provider: provider, Model: model}
		}
		return nil, newCooldownError(provider, baseModel, earliest)
	}

	tiers := groupByTier(candidates)
	for _, tier := range tiers {
		idle, busy := splitIdleBusy(tier)
		for _, sub := range [][]candidate{idle, busy} {
			remaining := append([]candidate(nil), sub...)
			for len(remaining) > 0 {
				chosen := pick(cfg.RotationMode, cfg.RotationTolerance, s.rng, remaining)
				if beginErr := um.BeginAttempt(chosen.rec.Identifier, baseModel, chosen.tier); beginErr == nil {
					return &Lease{
						scheduler: s,
						usage:     um,
						Record:    chosen.rec,
						Provider:  provider,
						Model:     baseModel,
						Tier:      chosen.tier,
					}, nil
				}
				remaining = removeCandidate(remaining, chosen)
			}
		}
	}

	return nil, newCooldownError(provider, baseModel, earliest)
}

func groupByTier(cands []candidate) [][]candidate {
	byTier := make(map[int][]candidate)
	for _, c := range cands {
		byTier[c.tier] = append(byTier[c.tier], c)
	}
	tierNums := make([]int, 0, len(byTier))
	for t := range byTier {
		tierNums = append(tierNums, t)
	}
	sort.Ints(tierNums)
	out := make([][]candidate, 0, len(tierNums))
	for _, t := range tierNums {
		out = append(out, byTier[t])
	}
	return out
}

func removeCandidate(cands []candidate, target *candidate) []candidate {
	out := make([]candidate, 0, len(cands)-1)
	for i := range cands {
		if cands[i].rec.Identifier == target.rec.Identifier {
			continue
		}
		out = append(out, cands[i])
	}
	return out
}
