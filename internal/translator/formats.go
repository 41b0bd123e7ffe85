package translator

// The two wire dialects this gateway serves.
const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)
