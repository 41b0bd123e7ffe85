// Package dispatch implements the Dispatch Executor: the attempt loop that
// ties the scheduler, the provider adapter registry, and the usage
// manager together under one request deadline.
//
// The attempt-indexed continue/stop decision is grounded on
// sdk/cliproxy/auth/conductor_overrides_test.go's
// TestManager_ShouldRetryAfterError_RespectsAuthRequestRetryOverride
// (attempt-number-gated retry, a per-auth request_retry override capping
// the request's total attempt count once that credential has failed) and
// TestManager_MarkResult_RespectsAuthDisableCoolingOverride (a per-auth
// disable_cooling override). A failed credential is excluded for the rest
// of the request and never retried; the loop continues on another
// credential or stops. The error classification it drives off of is
// internal/usage.ErrorKind.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/provider"
	"github.com/hyperbridge/llmgateway/internal/scheduler"
	"github.com/hyperbridge/llmgateway/internal/streaming"
	"github.com/hyperbridge/llmgateway/internal/usage"
)

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// StatusError is returned when an upstream call fails with a non-2xx
// response; StatusCode lets callers branch without re-parsing the body.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch: upstream status %d: %s", e.Code, string(e.Body))
}

func (e *StatusError) StatusCode() int { return e.Code }

// ErrDeadlineExceeded is returned when the request's overall deadline
// elapses before a successful attempt completes.
var ErrDeadlineExceeded = errors.New("dispatch: deadline exceeded")

// HTTPDoer is the subset of *http.Client the executor needs; accepted as
// an interface so tests can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Classifier turns an upstream failure into the usage taxonomy's
// ErrorKind. The default classifier inspects StatusError codes; callers
// serving providers with richer error bodies (structured quota details,
// content-filter flags) supply their own.
type Classifier func(statusCode int, body []byte, headers http.Header, adapter provider.Adapter) usage.Outcome

// Executor runs the acquire/build/call/classify/release loop for one
// logical request, retrying or rotating across credentials until success,
// a non-retryable failure, or the deadline elapses.
type Executor struct {
	registry   *provider.Registry
	scheduler  *scheduler.Scheduler
	httpClient HTTPDoer
	classify   Classifier
	now        func() time.Time
	log        *logrus.Entry

	maxAttempts       int
	streamIdleTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the default http.Client used for upstream
// calls.
func WithHTTPClient(c HTTPDoer) Option {
	return func(e *Executor) { e.httpClient = c }
}

// WithClassifier overrides the default status-code-only classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithMaxAttempts bounds the number of credentials tried per request,
// independent of the deadline. Zero means unbounded (deadline-only).
func WithMaxAttempts(n int) Option {
	return func(e *Executor) { e.maxAttempts = n }
}

// WithStreamIdleTimeout bounds the gap between successive chunks of a
// streaming response. Zero disables the timer.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(e *Executor) { e.streamIdleTimeout = d }
}

// New constructs an Executor.
func New(registry *provider.Registry, sched *scheduler.Scheduler, opts ...Option) *Executor {
	e := &Executor{
		registry:   registry,
		scheduler:  sched,
		httpClient: http.DefaultClient,
		classify:   defaultClassifier,
		now:        time.Now,
		log:        logrus.WithField("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultClassifier(statusCode int, body []byte, headers http.Header, adapter provider.Adapter) usage.Outcome {
	if statusCode == 0 || (statusCode >= 200 && statusCode < 300) {
		return usage.Outcome{Success: true}
	}

	kind := usage.KindUnknown
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = usage.KindAuthentication
	case statusCode == http.StatusTooManyRequests:
		kind = usage.KindRateLimit
		if signal, ok := adapter.ParseQuotaError(statusCode, body, headers); ok {
			if signal.HasReset {
				return usage.Outcome{Success: false, Kind: usage.KindQuota, QuotaResetAt: signal.ResetAt}
			}
			if signal.HasRetry {
				return usage.Outcome{Success: false, Kind: usage.KindRateLimit, QuotaResetAt: time.Now().Add(signal.RetryAfter)}
			}
		} else {
			kind = usage.KindTransientQuota
		}
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		kind = usage.KindTimeout
	case statusCode == http.StatusNotFound:
		kind = usage.KindNotFound
	case statusCode >= 500:
		kind = usage.KindServerError
	}
	return usage.Outcome{Success: false, Kind: kind}
}

// Execute runs the attempt loop for providerTag/model until deadline,
// returning the first successful provider.Response.
func (e *Executor) Execute(ctx context.Context, providerTag string, req provider.Request, deadline time.Time) (*provider.Response, error) {
	adapter, err := e.registry.Get(providerTag)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	log := e.log.WithField("request_id", requestID)

	attempt := 0
	excluded := make(map[string]bool)
	for {
		if e.now().After(deadline) {
			return nil, ErrDeadlineExceeded
		}
		if e.maxAttempts > 0 && attempt >= e.maxAttempts {
			return nil, fmt.Errorf("dispatch: exhausted %d attempts", e.maxAttempts)
		}

		lease, err := e.scheduler.AcquireExcluding(ctx, providerTag, req.Model, deadline, excluded)
		if err != nil {
			return nil, err
		}

		resp, outcome, err := e.attempt(ctx, adapter, req, lease.Record)
		lease.Release(outcome)
		attempt++

		if err == nil {
			return resp, nil
		}
		if !shouldRetry(lease.Record, outcome, attempt) {
			return nil, err
		}
		// Excluding the credential that just failed keeps a kind with no
		// cooldown of its own (ServerError, Timeout, Unknown) from being
		// handed back out on the very next rotation within this request.
		excluded[lease.Record.Identifier] = true
		log.WithError(err).WithField("attempt", attempt).Debug("dispatch attempt failed, rotating")
	}
}

// shouldRetry is the attempt-gated retry/rotate decision: a non-retryable
// kind always stops, and a per-credential request_retry override caps how
// many times this loop may continue before the caller must give up
// entirely rather than keep rotating.
func shouldRetry(rec *credential.Record, outcome usage.Outcome, attempt int) bool {
	if outcome.Success {
		return false
	}
	if !outcome.Kind.Retryable() {
		return false
	}
	if limit, ok := rec.RequestRetryOverride(); ok {
		return attempt < limit
	}
	return true
}

// ExecuteStream runs the same acquire/build/call/classify/rotate loop as
// Execute up through the point the upstream response headers arrive;
// once a 2xx response starts streaming, rotation is no longer possible
// (bytes may already be flowing to the downstream client), so the lease
// is released as a success and the stream itself is handed to the
// caller via a streaming.Result. A mid-stream failure surfaces as the
// final Chunk's Err rather than as a rotate-and-retry within this call.
func (e *Executor) ExecuteStream(ctx context.Context, providerTag string, req provider.Request, deadline time.Time) (*streaming.Result, error) {
	adapter, err := e.registry.Get(providerTag)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	log := e.log.WithField("request_id", requestID)

	attempt := 0
	excluded := make(map[string]bool)
	for {
		if e.now().After(deadline) {
			return nil, ErrDeadlineExceeded
		}
		if e.maxAttempts > 0 && attempt >= e.maxAttempts {
			return nil, fmt.Errorf("dispatch: exhausted %d attempts", e.maxAttempts)
		}

		lease, err := e.scheduler.AcquireExcluding(ctx, providerTag, req.Model, deadline, excluded)
		if err != nil {
			return nil, err
		}

		httpResp, outcome, err := e.streamAttempt(ctx, adapter, req, lease.Record)
		attempt++

		if err == nil {
			lease.Release(usage.Outcome{Success: true})
			wrapper := streaming.New(streaming.Options{
				IdleTimeout: e.streamIdleTimeout,
				Classify:    streaming.ClassifyJSONErrorField,
			})
			return wrapper.Wrap(ctx, httpResp), nil
		}

		lease.Release(outcome)
		if !shouldRetry(lease.Record, outcome, attempt) {
			return nil, err
		}
		excluded[lease.Record.Identifier] = true
		log.WithError(err).WithField("attempt", attempt).Debug("dispatch stream attempt failed, rotating")
	}
}

func (e *Executor) streamAttempt(ctx context.Context, adapter provider.Adapter, req provider.Request, cred *credential.Record) (*http.Response, usage.Outcome, error) {
	req.Stream = true
	httpReq, err := adapter.BuildRequest(ctx, req, cred)
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindUnknown}, err
	}

	rawReq, err := http.NewRequestWithContext(ctx, httpReq.Method, httpReq.URL, newBodyReader(httpReq.Body))
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindUnknown}, err
	}
	rawReq.Header = httpReq.Header

	httpResp, err := e.httpClient.Do(rawReq)
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindTimeout}, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		outcome := e.classify(httpResp.StatusCode, body, httpResp.Header, adapter)
		return nil, outcome, &StatusError{Code: httpResp.StatusCode, Body: body}
	}

	return httpResp, usage.Outcome{Success: true}, nil
}

func (e *Executor) attempt(ctx context.Context, adapter provider.Adapter, req provider.Request, cred *credential.Record) (*provider.Response, usage.Outcome, error) {
	httpReq, err := adapter.BuildRequest(ctx, req, cred)
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindUnknown}, err
	}

	rawReq, err := http.NewRequestWithContext(ctx, httpReq.Method, httpReq.URL, newBodyReader(httpReq.Body))
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindUnknown}, err
	}
	rawReq.Header = httpReq.Header

	httpResp, err := e.httpClient.Do(rawReq)
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindTimeout}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		outcome := e.classify(httpResp.StatusCode, body, httpResp.Header, adapter)
		return nil, outcome, &StatusError{Code: httpResp.StatusCode, Body: body}
	}

	resp, err := adapter.ParseResponse(httpResp)
	if err != nil {
		return nil, usage.Outcome{Success: false, Kind: usage.KindUnknown}, err
	}
	return resp, usage.Outcome{Success: true}, nil
}
