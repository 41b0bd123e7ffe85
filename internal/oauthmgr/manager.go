// Package oauthmgr implements the OAuth Token Manager: per-credential
// token freshness, proactive and on-demand refresh, and a re-auth queue for
// credentials that can no longer refresh automatically.
//
// Grounded on sdk/cliproxy/auth/types.go's per-Auth mutable token fields
// and the refresh/backoff behavior implied by
// sdk/cliproxy/auth/conductor_overrides_test.go. JWT metadata extraction is
// grounded on internal/auth/codex/jwt_parser.go and
// internal/auth/gemini/gemini_token.go's refresh-before-use pattern.
package oauthmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hyperbridge/llmgateway/internal/credential"
)

// ProactiveBuffer is how far ahead of expiry GetAuthHeader proactively
// triggers a refresh (default 5 minutes).
const ProactiveBuffer = 5 * time.Minute

const maxRefreshAttempts = 3

// Persister is the narrow slice of resilientio.Writer this manager needs;
// accepting an interface keeps tests from spinning up real disk I/O.
type Persister interface {
	Write(path string, v any)
}

// persistedOAuth mirrors the on-disk OAuth credential file schema.
type persistedOAuth struct {
	Type            string            `json:"type"`
	AccessToken     string            `json:"access_token"`
	RefreshToken    string            `json:"refresh_token"`
	IDToken         string            `json:"id_token,omitempty"`
	ExpiryDateMS    int64             `json:"expiry_date"`
	TokenURI        string            `json:"token_uri"`
	ProxyMetadata   map[string]any    `json:"_proxy_metadata"`
	ExtraAttributes map[string]string `json:"-"`
}

type entry struct {
	mu     sync.Mutex
	record *credential.Record
}

// Manager owns the in-memory OAuth state for every credential registered
// with it and serializes access per credential.
type Manager struct {
	writer Persister

	configs map[string]*oauth2.Config // by provider tag

	mu      sync.Mutex
	entries map[string]*entry

	sf singleflight.Group

	reauthMu sync.Mutex
	reauth   map[string]bool

	httpClient *http.Client

	now func() time.Time
}

// New constructs a Manager. configs maps a provider tag to the oauth2
// client configuration used for its refresh-token grant exchange.
func New(writer Persister, configs map[string]*oauth2.Config) *Manager {
	return &Manager{
		writer:     writer,
		configs:    configs,
		entries:    make(map[string]*entry),
		reauth:     make(map[string]bool),
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

// Register makes rec known to the manager. Subsequent calls with the same
// Identifier replace the tracked record.
func (m *Manager) Register(rec *credential.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.Identifier] = &entry{record: rec}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("oauthmgr: unknown credential %s", id)
	}
	return e, nil
}

// IsAvailable reports whether id currently has (or can obtain) a usable
// token: false if queued for re-auth or expired with no refresh token.
func (m *Manager) IsAvailable(id string) bool {
	if m.isQueuedForReauth(id) {
		return false
	}
	e, err := m.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record
	if rec.Kind != credential.KindOAuth {
		return true
	}
	if m.now().Before(rec.OAuth.Expiry) {
		return true
	}
	return rec.OAuth.RefreshToken != ""
}

// GetAuthHeader returns a valid "Bearer <token>" header value for id. If
// the token is expired or within ProactiveBuffer of expiry, a refresh is
// triggered first (synchronously, coalesced via singleflight across
// concurrent callers for the same id).
func (m *Manager) GetAuthHeader(ctx context.Context, id string) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	rec := e.record
	needsRefresh := rec.Kind == credential.KindOAuth &&
		(rec.OAuth.Expiry.IsZero() || m.now().Add(ProactiveBuffer).After(rec.OAuth.Expiry))
	token := rec.OAuth.AccessToken
	staticKey := rec.StaticKey
	kind := rec.Kind
	e.mu.Unlock()

	if kind != credential.KindOAuth {
		return "Bearer " + staticKey, nil
	}

	if needsRefresh {
		if m.isQueuedForReauth(id) {
			return "", needsReauth(id, errors.New("credential queued for re-authentication"))
		}
		if _, err := m.refreshCoalesced(ctx, id); err != nil {
			return "", err
		}
		e.mu.Lock()
		token = e.record.OAuth.AccessToken
		e.mu.Unlock()
	}

	return "Bearer " + token, nil
}

// ProactivelyRefresh triggers a refresh for id without returning a token,
// coalescing concurrent calls for the same id into a single upstream
// exchange via singleflight.
func (m *Manager) ProactivelyRefresh(ctx context.Context, id string) error {
	_, err := m.refreshCoalesced(ctx, id)
	return err
}

func (m *Manager) refreshCoalesced(ctx context.Context, id string) (string, error) {
	_, err, _ := m.sf.Do(id, func() (any, error) {
		return nil, m.refresh(ctx, id)
	})
	return "", err
}

// refresh performs an on-demand refresh-token grant exchange for id,
// retrying transient failures with exponential backoff and honoring
// Retry-After on 429. On invalid_grant or 401/403 it enqueues id for
// re-authentication and returns a KindNeedsReauth error.
func (m *Manager) refresh(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	rec := e.record
	provider := rec.Provider
	refreshToken := rec.OAuth.RefreshToken
	loadedFromEnv := rec.Proxy.LoadedFromEnv
	e.mu.Unlock()

	if refreshToken == "" {
		m.enqueueReauth(id)
		return needsReauth(id, errors.New("no refresh token available"))
	}

	cfg, ok := m.configs[provider]
	if !ok {
		return transient(id, fmt.Errorf("no oauth2 config registered for provider %s", provider))
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		tok, err := m.exchangeRefreshToken(ctx, cfg, refreshToken)
		if err == nil {
			m.applyRefreshedToken(e, tok, loadedFromEnv)
			m.clearReauth(id)
			return nil
		}

		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			switch {
			case rErr.Response != nil && rErr.Response.StatusCode == http.StatusTooManyRequests:
				retryAfter := parseRetryAfter(rErr.Response.Header.Get("Retry-After"))
				if retryAfter > 0 {
					select {
					case <-time.After(time.Duration(retryAfter) * time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					lastErr = rateLimited(id, retryAfter, err)
					continue
				}
			case rErr.ErrorCode == "invalid_grant",
				rErr.Response != nil && (rErr.Response.StatusCode == http.StatusUnauthorized || rErr.Response.StatusCode == http.StatusForbidden):
				m.enqueueReauth(id)
				return needsReauth(id, err)
			}
		}

		lastErr = transient(id, err)
		log.Warnf("oauthmgr: refresh %s attempt %d/%d failed: %v", id, attempt, maxRefreshAttempts, err)
		if attempt < maxRefreshAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return lastErr
}

func (m *Manager) exchangeRefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

// applyRefreshedToken swaps in the new token only after persisting it via
// the resilient writer, so a crash between persist and swap never leaves
// disk and memory disagreeing in a way that serves a stale cached token.
func (m *Manager) applyRefreshedToken(e *entry, tok *oauth2.Token, loadedFromEnv bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.record
	rec := &credential.Record{Identifier: cur.Identifier, Provider: cur.Provider, OAuth: cur.OAuth}
	rec.OAuth.AccessToken = tok.AccessToken
	rec.OAuth.Expiry = tok.Expiry
	if rt := tok.RefreshToken; rt != "" {
		rec.OAuth.RefreshToken = rt
	}
	if idTok, ok := tok.Extra("id_token").(string); ok && idTok != "" {
		rec.OAuth.IDToken = idTok
		if claims, err := ParseIDToken(idTok); err == nil {
			if claims.Email != "" {
				rec.OAuth.Email = claims.Email
			}
			if claims.AccountID != "" {
				rec.OAuth.AccountID = claims.AccountID
			}
		}
	}

	if !loadedFromEnv && m.writer != nil {
		m.writer.Write(rec.Identifier, persistedOAuth{
			Type:         rec.Provider,
			AccessToken:  rec.OAuth.AccessToken,
			RefreshToken: rec.OAuth.RefreshToken,
			IDToken:      rec.OAuth.IDToken,
			ExpiryDateMS: rec.OAuth.Expiry.UnixMilli(),
			ProxyMetadata: map[string]any{
				"email":                rec.OAuth.Email,
				"account_id":           rec.OAuth.AccountID,
				"last_check_timestamp": m.now().Unix(),
				"loaded_from_env":      loadedFromEnv,
			},
		})
	}
	cur.OAuth = rec.OAuth
}

func (m *Manager) enqueueReauth(id string) {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	m.reauth[id] = true
}

func (m *Manager) clearReauth(id string) {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	delete(m.reauth, id)
}

func (m *Manager) isQueuedForReauth(id string) bool {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	return m.reauth[id]
}

// PendingReauth returns the identifiers currently queued for interactive
// re-authentication.
func (m *Manager) PendingReauth() []string {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	out := make([]string, 0, len(m.reauth))
	for id := range m.reauth {
		out = append(out, id)
	}
	return out
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
