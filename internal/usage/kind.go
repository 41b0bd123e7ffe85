package usage

import "time"

// ErrorKind classifies an upstream outcome for the usage manager's cooldown
// policy and the dispatch executor's retry/rotate policy.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	// KindAuthentication: upstream 401/403 or OAuth invalid_grant. Applies a
	// credential-wide lockout; not retried on the same credential.
	KindAuthentication ErrorKind = "authentication"
	// KindRateLimit: 429 with a retry hint. Applies quota reset if parseable,
	// otherwise an escalating per-(credential, model) cooldown.
	KindRateLimit ErrorKind = "rate_limit"
	// KindQuota: 429/403 with an authoritative reset. Sets quota_reset_ts on
	// the model and its whole quota group.
	KindQuota ErrorKind = "quota"
	// KindTransientQuota: 429 with no retry hint at all. No cooldown is
	// applied, to preserve throughput; bounded in-adapter retries are the
	// dispatch executor's responsibility.
	KindTransientQuota ErrorKind = "transient_quota"
	// KindServerError: 5xx, connection reset, or empty-response sentinel.
	KindServerError ErrorKind = "server_error"
	// KindTimeout: local read/connect timeout or deadline exceeded.
	KindTimeout ErrorKind = "timeout"
	// KindContextLength: 400 context/size error. Non-retryable.
	KindContextLength ErrorKind = "context_length"
	// KindContentFilter: provider safety refusal. Non-retryable.
	KindContentFilter ErrorKind = "content_filter"
	// KindNotFound: 404 model/endpoint. Non-retryable.
	KindNotFound ErrorKind = "not_found"
	// KindUnknown: unclassified. Retryable like ServerError; the dispatch
	// executor rotates past it with no separate limit on how many Unknown
	// outcomes one request may see.
	KindUnknown ErrorKind = "unknown"
)

// HTTPStatus maps an ErrorKind to the conventional status surfaced to the
// client.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return 401
	case KindRateLimit, KindQuota, KindTransientQuota:
		return 429
	case KindContextLength, KindContentFilter:
		return 400
	case KindNotFound:
		return 404
	case KindServerError, KindTimeout, KindUnknown:
		return 503
	default:
		return 500
	}
}

// Retryable reports whether the dispatch executor may continue its attempt
// loop after this kind, on another credential; the failed credential itself
// is not retried within the request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAuthentication, KindContextLength, KindContentFilter, KindNotFound:
		return false
	default:
		return true
	}
}

// Outcome is what the dispatch executor reports back to the usage manager
// after an attempt.
type Outcome struct {
	Success bool
	Kind    ErrorKind
	// QuotaResetAt is set when the upstream supplied an authoritative reset
	// timestamp (KindQuota / KindRateLimit with a parsed hint).
	QuotaResetAt      time.Time
	TokensUsed        int64
	RemainingFraction float64
	HasRemaining      bool
}
