package openaicompat

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/provider"
)

func testAdapter() *Adapter {
	return New(Config{
		Provider: "together",
		BaseURL:  "https://api.together.xyz/v1",
		Models:   []ModelConfig{{Name: "meta-llama/Llama-3-70b"}},
		Headers:  map[string]string{"X-Org": "acme"},
	})
}

func TestAdapter_BuildRequestSetsBearerAndModel(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindStatic, StaticKey: "sk-test"}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{Model: "meta-llama/Llama-3-70b", Payload: []byte(`{"messages":[]}`)}, cred)
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))
	require.Equal(t, "acme", httpReq.Header.Get("X-Org"))
	require.Equal(t, "https://api.together.xyz/v1/chat/completions", httpReq.URL)
	require.Equal(t, "meta-llama/Llama-3-70b", gjson.GetBytes(httpReq.Body, "model").String())
}

func TestAdapter_BuildRequestSetsStreamFlag(t *testing.T) {
	a := testAdapter()
	cred := &credential.Record{Kind: credential.KindStatic, StaticKey: "sk-test"}

	httpReq, err := a.BuildRequest(context.Background(), provider.Request{Model: "m", Payload: []byte(`{}`), Stream: true}, cred)
	require.NoError(t, err)
	require.True(t, gjson.GetBytes(httpReq.Body, "stream").Bool())
}

func TestAdapter_ParseQuotaErrorUsesRetryAfterHeader(t *testing.T) {
	a := testAdapter()
	headers := http.Header{}
	headers.Set("Retry-After", "5")

	signal, ok := a.ParseQuotaError(http.StatusTooManyRequests, []byte(`{"error":{"code":"rate_limit_exceeded"}}`), headers)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, signal.RetryAfter)
}

func TestAdapter_ParseQuotaErrorNoHeaderReturnsNotFound(t *testing.T) {
	a := testAdapter()
	_, ok := a.ParseQuotaError(http.StatusTooManyRequests, []byte(`{"error":{"code":"rate_limit_exceeded"}}`), http.Header{})
	require.False(t, ok)
}
