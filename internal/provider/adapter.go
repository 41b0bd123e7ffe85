// Package provider defines the Provider Adapter Interface: the
// uniform contract the dispatch executor uses to build upstream requests, parse
// responses, and parse quota errors, independent of which concrete
// provider is on the other end.
//
// Grounded on sdk/cliproxy/auth/conductor_executor_replace_test.go's
// Executor interface (Identifier/Execute/ExecuteStream/Refresh/
// CountTokens/HttpRequest/CloseExecutionSession), reshaped into a
// registry of adapter descriptors keyed by provider tag rather than a
// plugin-import/subclassing dispatch.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/hyperbridge/llmgateway/internal/credential"
)

// Request is the normalized, already-dialect-translated payload an adapter
// turns into a concrete upstream HTTP request.
type Request struct {
	Model    string
	Payload  []byte
	Stream   bool
	Metadata map[string]any
}

// HTTPRequest is what BuildRequest produces: everything the dispatch
// executor needs to issue the call through the shared HTTP pool.
type HTTPRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a non-streaming upstream response translated back to the
// gateway's normalized wire shape.
type Response struct {
	Payload []byte
	Headers http.Header
}

// QuotaSignal is what ParseQuotaError extracts from an upstream error body:
// either an authoritative reset time, a Retry-After hint, or neither.
type QuotaSignal struct {
	ResetAt    time.Time
	RetryAfter time.Duration
	HasReset   bool
	HasRetry   bool
}

// BackgroundJob describes adapter-owned periodic work (e.g. refreshing a
// quota baseline) invoked by a scheduler-external ticker.
type BackgroundJob struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Adapter is the uniform contract every provider implementation satisfies.
// Tagged variants over this common interface are preferred over deep
// inheritance.
type Adapter interface {
	// Provider returns the adapter's provider tag.
	Provider() string
	// Models lists the model identifiers this adapter exposes.
	Models() []string
	// Tier assigns a priority integer to a credential record (lower is
	// higher priority), from properties like paid vs free.
	Tier(rec *credential.Record) int
	// MinTier returns the minimum tier a credential must have to serve
	// model.
	MinTier(model string) int
	// QuotaGroup returns the quota group model belongs to, or "" if none.
	QuotaGroup(model string) string
	// GroupMembers returns every model sharing group's quota bucket.
	GroupMembers(group string) []string

	// BuildRequest turns a normalized request plus the chosen credential
	// into a concrete upstream HTTP request.
	BuildRequest(ctx context.Context, req Request, cred *credential.Record) (*HTTPRequest, error)
	// ParseResponse turns a raw upstream HTTP response into the
	// normalized Response shape.
	ParseResponse(httpResp *http.Response) (*Response, error)
	// ParseQuotaError extracts a reset/retry signal from an error body,
	// if present.
	ParseQuotaError(statusCode int, body []byte, headers http.Header) (QuotaSignal, bool)
}

// QuotaBaselineProvider is implemented by adapters that can report a
// remaining-quota fraction per model without waiting for a 429.
type QuotaBaselineProvider interface {
	QuotaBaseline(ctx context.Context, cred *credential.Record) (map[string]float64, error)
}

// BackgroundJobProvider is implemented by adapters that own periodic
// maintenance work.
type BackgroundJobProvider interface {
	BackgroundJob() (BackgroundJob, bool)
}
