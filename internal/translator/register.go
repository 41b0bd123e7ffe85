package translator

// Register wires the OpenAI<->Anthropic request/response transforms
// into reg. Called once from this package's init with Default().
func Register(reg *Registry) {
	reg.Register(FormatAnthropic, FormatOpenAI, ConvertAnthropicRequestToOpenAI, ResponseTransform{
		Stream:     ConvertOpenAIStreamToAnthropic,
		NonStream:  ConvertOpenAIResponseToAnthropicNonStream,
		TokenCount: AnthropicTokenCount,
	})
}

func init() {
	Register(Default())
}
