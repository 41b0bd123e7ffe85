// Package batch implements the Batch Aggregator: coalesces embedding
// requests for the same (provider, model) pair into a single upstream
// call, flushed on a size or time trigger, and fans the resulting
// vectors back out to each waiting caller.
//
// The queue/mutex shape is grounded on
// sdk/cliproxy/usage/manager.go's Manager: a mutex-protected slice of
// pending items drained by a background worker. The size/timeout dual
// flush trigger and the per-caller result channel have no single
// teacher analogue; they generalize that queue to request coalescing
// instead of fire-and-forget delivery.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

// Dispatcher issues the single coalesced upstream call for a flushed
// batch and returns the raw embeddings response body.
type Dispatcher func(ctx context.Context, providerTag, model string, payload []byte, deadline time.Time) ([]byte, error)

// Key identifies one coalescing queue.
type Key struct {
	Provider string
	Model    string
}

type pendingItem struct {
	ctx      context.Context
	input    string
	resultCh chan itemResult
}

type itemResult struct {
	embedding json.RawMessage
	err       error
}

type queue struct {
	mu    sync.Mutex
	items []*pendingItem
	timer *time.Timer
}

// Aggregator coalesces embedding requests per (provider, model).
type Aggregator struct {
	dispatch Dispatcher

	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter

	mu     sync.Mutex
	queues map[Key]*queue

	log *log.Entry
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBatchSize overrides the default flush-on-size threshold.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithTimeout overrides the default flush-on-elapsed timer, measured
// from the first item enqueued into an otherwise empty queue.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithFlushLimiter bounds how fast queued batches may fire their
// upstream call, spreading out flushes that land in the same instant
// across many (provider, model) queues instead of bursting the shared
// HTTP pool all at once.
func WithFlushLimiter(limiter *rate.Limiter) Option {
	return func(a *Aggregator) {
		a.limiter = limiter
	}
}

// WithLogger attaches a structured logger.
func WithLogger(entry *log.Entry) Option {
	return func(a *Aggregator) {
		if entry != nil {
			a.log = entry
		}
	}
}

// New constructs an Aggregator. dispatch is called once per flushed
// batch, never once per submitted item.
func New(dispatch Dispatcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		dispatch:  dispatch,
		batchSize: 64,
		timeout:   100 * time.Millisecond,
		queues:    make(map[Key]*queue),
		log:       log.WithField("component", "batch"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit enqueues one embedding input for (providerTag, model) and
// blocks until the batch containing it has been flushed and resolved,
// the context is canceled, or deadline passes.
func (a *Aggregator) Submit(ctx context.Context, providerTag, model, input string, deadline time.Time) (json.RawMessage, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	it := &pendingItem{ctx: ctx, input: input, resultCh: make(chan itemResult, 1)}
	key := Key{Provider: providerTag, Model: model}
	q := a.queueFor(key)
	q.add(it, a.batchSize, a.timeout, func(batch []*pendingItem) {
		a.flush(ctx, key, batch)
	})

	select {
	case r := <-it.resultCh:
		return r.embedding, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) queueFor(key Key) *queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[key]
	if !ok {
		q = &queue{}
		a.queues[key] = q
	}
	return q
}

// add appends it to q and returns without waiting for upstream, except
// that it flushes synchronously (on the caller's goroutine) when the batch
// just reached batchSize, and schedules a timer-driven flush when it
// is the first item in an otherwise empty queue.
func (q *queue) add(it *pendingItem, batchSize int, timeout time.Duration, flushFn func([]*pendingItem)) {
	q.mu.Lock()
	q.items = append(q.items, it)
	isFirst := len(q.items) == 1
	full := len(q.items) >= batchSize

	var batch []*pendingItem
	if full {
		batch = q.items
		q.items = nil
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	} else if isFirst {
		q.timer = time.AfterFunc(timeout, func() {
			q.mu.Lock()
			pending := q.items
			q.items = nil
			q.timer = nil
			q.mu.Unlock()
			if len(pending) > 0 {
				flushFn(pending)
			}
		})
	}
	q.mu.Unlock()

	if full {
		flushFn(batch)
	}
}

// flush issues one upstream call for batch and distributes the
// resulting embeddings back to every waiting caller. Usage accounting
// attributes the call's token total once, inside dispatch, never once
// per item.
func (a *Aggregator) flush(ctx context.Context, key Key, batch []*pendingItem) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.resolveAll(batch, nil, err)
			return
		}
	}

	payload := buildBatchPayload(key.Model, batch)
	deadline := time.Now().Add(30 * time.Second)
	raw, err := a.dispatch(ctx, key.Provider, key.Model, payload, deadline)
	if err != nil {
		a.log.WithError(err).WithField("provider", key.Provider).WithField("model", key.Model).
			WithField("batch_size", len(batch)).Warn("batch dispatch failed")
		a.resolveAll(batch, nil, err)
		return
	}

	data := gjson.GetBytes(raw, "data").Array()
	for i, item := range batch {
		var embedding json.RawMessage
		if i < len(data) {
			embedding = json.RawMessage(data[i].Get("embedding").Raw)
		}
		if embedding == nil {
			item.resultCh <- itemResult{err: ErrMissingEmbedding}
			continue
		}
		item.resultCh <- itemResult{embedding: embedding}
	}
}

func (a *Aggregator) resolveAll(batch []*pendingItem, embedding json.RawMessage, err error) {
	for _, item := range batch {
		item.resultCh <- itemResult{embedding: embedding, err: err}
	}
}

// buildBatchPayload coalesces every item's input into a single
// OpenAI-dialect embeddings request body, preserving submission order
// so the response's data entries, taken by array position, map back onto
// batch (their "index" field is not read).
func buildBatchPayload(model string, batch []*pendingItem) []byte {
	out := `{"model":"","input":[]}`
	out, _ = sjson.Set(out, "model", model)
	for _, item := range batch {
		out, _ = sjson.SetRaw(out, "input.-1", `"`+jsonEscape(item.input)+`"`)
	}
	return []byte(out)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
