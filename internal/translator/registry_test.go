package translator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDefaultRegistry_RoundTripsAnthropicToOpenAIAndBack(t *testing.T) {
	reg := Default()

	req := `{"messages":[{"role":"user","content":"hi"}]}`
	openaiReq := reg.TranslateRequest(FormatAnthropic, FormatOpenAI, "gpt-4o", []byte(req), false)
	require.Equal(t, "hi", gjson.GetBytes(openaiReq, "messages.0.content").String())

	openaiResp := `{"id":"c1","model":"gpt-4o","choices":[{"message":{"content":"hello back"},"finish_reason":"stop"}]}`
	var param any
	anthropicResp := reg.TranslateNonStream(context.Background(), FormatOpenAI, FormatAnthropic, "gpt-4o", []byte(req), openaiReq, []byte(openaiResp), &param)
	require.Equal(t, "hello back", gjson.Get(anthropicResp, "content.0.text").String())
}

func TestPipeline_TranslateRequestRunsMiddleware(t *testing.T) {
	reg := NewRegistry()
	Register(reg)
	p := NewPipeline(reg)

	var ran bool
	p.Use(func(ctx context.Context, req RequestEnvelope, next RequestHandler) (RequestEnvelope, error) {
		ran = true
		return next(ctx, req)
	})

	out, err := p.TranslateRequest(context.Background(), FormatAnthropic, FormatOpenAI, RequestEnvelope{
		Model: "gpt-4o",
		Body:  []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, FormatOpenAI, out.Format)
	require.Equal(t, "hi", gjson.GetBytes(out.Body, "messages.0.content").String())
}
