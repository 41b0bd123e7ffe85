// Package translator implements the Dialect Translator: bidirectional
// conversion between the OpenAI chat-completions wire dialect and the
// Anthropic messages wire dialect, for both requests and responses
// (streaming and non-streaming).
//
// The registry/pipeline architecture is grounded on
// sdk/translator/{format,formats,helpers,pipeline,registry,types}.go,
// narrowed to the two dialects this gateway actually serves. The
// concrete field mappings are grounded on
// internal/translator/claude/openai/chat-completions/claude_openai_request.go
// (OpenAI request -> Anthropic request; mirrored here for the opposite
// direction) and internal/translator/openai/claude/openai_claude_response.go
// (OpenAI response, streaming and non-streaming -> Anthropic response).
package translator

// Format identifies a request/response schema used inside the gateway.
type Format string

// FromString converts an arbitrary identifier to a translator format.
func FromString(v string) Format {
	return Format(v)
}

// String returns the raw schema identifier.
func (f Format) String() string {
	return string(f)
}
