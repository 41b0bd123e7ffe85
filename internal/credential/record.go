// Package credential implements the credential registry: enumerating
// candidate credentials from on-disk files and environment variables,
// normalizing them into a common Record keyed by Identifier. Records are not
// deduplicated by account: two records for the same (provider,
// email-or-account-id) under different identifiers are both kept.
//
// The data model represents the identity of a single upstream account or
// key, either a static API key or an OAuth record.
package credential

import (
	"sync"
	"time"
)

// Kind distinguishes static API keys from OAuth-backed credentials.
type Kind string

const (
	// KindStatic identifies a credential authenticated by a long-lived API key.
	KindStatic Kind = "static"
	// KindOAuth identifies a credential authenticated via OAuth 2.0 tokens.
	KindOAuth Kind = "oauth"
)

// OAuthState holds the fields exclusively owned and mutated by the OAuth
// OAuth token manager. A zero Expiry means the file carried no expiry_date.
type OAuthState struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	AccountID    string
	Email        string
	ProjectID    string
	Tier         string
}

// ProxyMetadata captures bookkeeping about how a credential was loaded,
// independent of its authentication kind.
type ProxyMetadata struct {
	Email            string
	LastCheck        time.Time
	LoadedFromEnv    bool
	EnvCredentialIdx int
}

// Record is the normalized, provider-agnostic view of a single upstream
// credential. Identifier is unique across the registry; OAuth credentials
// carry their Expiry inside OAuth. Env-backed credentials never write
// to disk (see Attributes["disable_cooling"] style overrides below, which
// are read but never persisted back for env-sourced records).
type Record struct {
	// Provider is the upstream provider tag (e.g. "google-oauth", "openai").
	Provider string
	// Kind is KindStatic or KindOAuth.
	Kind Kind
	// Identifier is the stable identity: a filesystem path or an
	// env://provider/N URI. Unique within the registry.
	Identifier string
	// StaticKey holds the bearer key for KindStatic credentials.
	StaticKey string
	// OAuth holds the OAuth-specific fields for KindOAuth credentials.
	OAuth OAuthState
	// Proxy carries loading metadata independent of auth kind.
	Proxy ProxyMetadata
	// Attributes stores small operator overrides read from the auth file's
	// metadata: "disable_cooling", "request_retry", "tool_prefix_disabled".
	Attributes map[string]string

	mu sync.RWMutex
}

// Clone returns a deep copy safe for concurrent readers. The scheduler reads
// snapshots of Records while the OAuth and usage managers hold the
// authoritative mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Record{
		Provider:   r.Provider,
		Kind:       r.Kind,
		Identifier: r.Identifier,
		StaticKey:  r.StaticKey,
		OAuth:      r.OAuth,
		Proxy:      r.Proxy,
	}
	if len(r.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Lock / Unlock / RLock / RUnlock expose the record's mutex to callers that
// need to mutate OAuth state in place (the OAuth manager) without racing readers (the scheduler).
func (r *Record) Lock()    { r.mu.Lock() }
func (r *Record) Unlock()  { r.mu.Unlock() }
func (r *Record) RLock()   { r.mu.RLock() }
func (r *Record) RUnlock() { r.mu.RUnlock() }

// DisableCooling reports whether this credential's cooldown escalation is
// disabled via an operator override, and whether the override is present.
// Grounded on sdk/cliproxy/auth/types.go's DisableCoolingOverride.
func (r *Record) DisableCooling() (bool, bool) {
	return boolAttr(r.Attributes, "disable_cooling", "disable-cooling")
}

// RequestRetryOverride returns a per-credential cap on the request's total
// attempt count, checked by the dispatch executor after this credential
// fails, when present.
// Grounded on sdk/cliproxy/auth/types.go's RequestRetryOverride.
func (r *Record) RequestRetryOverride() (int, bool) {
	return intAttr(r.Attributes, "request_retry", "request-retry")
}

// ToolPrefixDisabled reports whether tool name prefixing should be skipped
// for this credential. Grounded on sdk/cliproxy/auth/types.go's
// ToolPrefixDisabled.
func (r *Record) ToolPrefixDisabled() bool {
	v, _ := boolAttr(r.Attributes, "tool_prefix_disabled", "tool-prefix-disabled")
	return v
}

func boolAttr(m map[string]string, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch v {
			case "1", "true", "TRUE", "True":
				return true, true
			case "0", "false", "FALSE", "False":
				return false, true
			}
		}
	}
	return false, false
}

func intAttr(m map[string]string, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			n := 0
			neg := false
			started := false
			for _, ch := range v {
				if ch == '-' && !started {
					neg = true
					started = true
					continue
				}
				if ch < '0' || ch > '9' {
					return 0, false
				}
				n = n*10 + int(ch-'0')
				started = true
			}
			if !started {
				return 0, false
			}
			if neg {
				n = -n
			}
			if n < 0 {
				n = 0
			}
			return n, true
		}
	}
	return 0, false
}
