package scheduler

import (
	"sync"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/usage"
)

// Lease is the (credential, release_fn) pair returned by Acquire. The
// caller (the dispatch executor) must call Release exactly once with the
// outcome of the attempt it made against Record.
type Lease struct {
	scheduler *Scheduler
	usage     *usage.Manager

	Record   *credential.Record
	Provider string
	Model    string
	Tier     int

	once sync.Once
}

// Release reports the outcome of the attempt this lease authorized,
// updates the usage manager's usage/cooldown state, and wakes any
// scheduler waiters for this provider so a freed slot or newly-applied
// cooldown is re-evaluated immediately rather than on the next poll.
func (l *Lease) Release(outcome usage.Outcome) {
	l.once.Do(func() {
		l.usage.EndAttempt(l.Record.Identifier, l.Model, l.Tier, outcome)
		l.scheduler.Notify(l.Provider)
	})
}
