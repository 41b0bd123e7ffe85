package oauthmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hyperbridge/llmgateway/internal/credential"
)

type fakeWriter struct {
	writes int32
}

func (f *fakeWriter) Write(path string, v any) {
	atomic.AddInt32(&f.writes, 1)
}

func newTestConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
}

func TestManager_GetAuthHeaderRefreshesWhenNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	m := New(writer, map[string]*oauth2.Config{"google-oauth": newTestConfig(srv.URL)})

	rec := &credential.Record{
		Provider:   "google-oauth",
		Kind:       credential.KindOAuth,
		Identifier: "/creds/a.json",
		OAuth: credential.OAuthState{
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(time.Minute),
		},
	}
	m.Register(rec)

	header, err := m.GetAuthHeader(context.Background(), rec.Identifier)
	require.NoError(t, err)
	require.Equal(t, "Bearer new-access-token", header)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.EqualValues(t, 1, atomic.LoadInt32(&writer.writes))
}

func TestManager_GetAuthHeaderStaticKeySkipsRefresh(t *testing.T) {
	m := New(&fakeWriter{}, nil)
	rec := &credential.Record{
		Provider:   "openai",
		Kind:       credential.KindStatic,
		Identifier: "env://openai/1",
		StaticKey:  "sk-abc",
	}
	m.Register(rec)

	header, err := m.GetAuthHeader(context.Background(), rec.Identifier)
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-abc", header)
}

func TestManager_RefreshInvalidGrantEnqueuesReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	m := New(&fakeWriter{}, map[string]*oauth2.Config{"google-oauth": newTestConfig(srv.URL)})
	rec := &credential.Record{
		Provider:   "google-oauth",
		Kind:       credential.KindOAuth,
		Identifier: "/creds/b.json",
		OAuth: credential.OAuthState{
			RefreshToken: "refresh-2",
			Expiry:       time.Now().Add(-time.Minute),
		},
	}
	m.Register(rec)

	_, err := m.GetAuthHeader(context.Background(), rec.Identifier)
	require.Error(t, err)

	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, KindNeedsReauth, oerr.Kind)
	require.False(t, m.IsAvailable(rec.Identifier))
	require.Contains(t, m.PendingReauth(), rec.Identifier)
}

func TestManager_NoRefreshTokenIsUnavailable(t *testing.T) {
	m := New(&fakeWriter{}, nil)
	rec := &credential.Record{
		Provider:   "google-oauth",
		Kind:       credential.KindOAuth,
		Identifier: "/creds/c.json",
		OAuth:      credential.OAuthState{Expiry: time.Now().Add(-time.Hour)},
	}
	m.Register(rec)
	require.False(t, m.IsAvailable(rec.Identifier))
}

func TestManager_EnvBackedCredentialSkipsPersist(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	m := New(writer, map[string]*oauth2.Config{"google-oauth": newTestConfig(srv.URL)})
	rec := &credential.Record{
		Provider:   "google-oauth",
		Kind:       credential.KindOAuth,
		Identifier: "env://google-oauth/1",
		OAuth: credential.OAuthState{
			RefreshToken: "refresh-env",
			Expiry:       time.Now().Add(-time.Minute),
		},
		Proxy: credential.ProxyMetadata{LoadedFromEnv: true},
	}
	m.Register(rec)

	_, err := m.GetAuthHeader(context.Background(), rec.Identifier)
	require.NoError(t, err)
	require.EqualValues(t, 0, atomic.LoadInt32(&writer.writes))
}
