package googleoauth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/provider"
)

func testAdapter() *Adapter {
	return New(Config{
		Provider: "gemini",
		Models: []ModelConfig{
			{Name: "gemini-2.5-pro", MinTier: 0, QuotaGroup: "gemini-pro-group"},
			{Name: "gemini-2.5-flash", MinTier: 1, QuotaGroup: "gemini-pro-group"},
		},
	})
}

func TestAdapter_BuildRequestUsesAPIKeyHeaderForStaticCredential(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindStatic, StaticKey: "AIza-test"}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{Model: "gemini-2.5-pro", Payload: []byte(`{}`)}, cred)
	require.NoError(t, err)
	require.Equal(t, "AIza-test", httpReq.Header.Get("x-goog-api-key"))
	require.Empty(t, httpReq.Header.Get("Authorization"))
	require.Contains(t, httpReq.URL, "models/gemini-2.5-pro:generateContent")
}

func TestAdapter_BuildRequestUsesBearerForOAuthCredential(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindOAuth, OAuth: credential.OAuthState{AccessToken: "tok-123"}}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{Model: "gemini-2.5-pro", Payload: []byte(`{}`)}, cred)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", httpReq.Header.Get("Authorization"))
	require.Empty(t, httpReq.Header.Get("x-goog-api-key"))
}

func TestAdapter_BuildRequestStreamingUsesStreamActionAndSSE(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindStatic, StaticKey: "k"}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{Model: "gemini-2.5-pro", Payload: []byte(`{}`), Stream: true}, cred)
	require.NoError(t, err)
	require.Contains(t, httpReq.URL, "streamGenerateContent")
	require.Contains(t, httpReq.URL, "alt=sse")
}

func TestAdapter_BuildRequestCountTokensAction(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindStatic, StaticKey: "k"}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{
		Model:    "gemini-2.5-pro",
		Payload:  []byte(`{}`),
		Metadata: map[string]any{"action": "count_tokens"},
	}, cred)
	require.NoError(t, err)
	require.Contains(t, httpReq.URL, ":countTokens")
}

func TestAdapter_QuotaGroupsShareMembership(t *testing.T) {
	a := testAdapter()
	require.ElementsMatch(t, []string{"gemini-2.5-pro", "gemini-2.5-flash"}, a.GroupMembers("gemini-pro-group"))
}

func TestAdapter_ParseQuotaErrorExtractsRetryInfo(t *testing.T) {
	a := testAdapter()
	body := []byte(`{"error":{"code":429,"message":"quota","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}]}}`)

	signal, ok := a.ParseQuotaError(http.StatusTooManyRequests, body, http.Header{})
	require.True(t, ok)
	require.True(t, signal.HasRetry)
	require.Equal(t, 12*time.Second, signal.RetryAfter)
}

func TestAdapter_ParseQuotaErrorFallsBackToRetryAfterHeader(t *testing.T) {
	a := testAdapter()
	headers := http.Header{}
	headers.Set("Retry-After", "30")

	signal, ok := a.ParseQuotaError(http.StatusTooManyRequests, []byte(`{"error":{"code":429}}`), headers)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, signal.RetryAfter)
}

func TestAdapter_ParseQuotaErrorIgnoresNonQuotaStatus(t *testing.T) {
	a := testAdapter()
	_, ok := a.ParseQuotaError(http.StatusOK, nil, http.Header{})
	require.False(t, ok)
}
