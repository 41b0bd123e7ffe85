// Package tokencount provides a local, upstream-independent token
// estimate for the gateway's stateless `/v1/token-count` and
// `/v1/messages/count_tokens` helpers, so a count can be returned
// without a round trip to the provider being asked about.
//
// Grounded on github.com/tiktoken-go/tokenizer, the token-accounting
// dependency referenced alongside
// internal/translator/claude/openai/chat-completions/claude_openai_request.go's
// sibling token-accounting code; cl100k_base is the encoding OpenAI's
// own chat models use and is close enough across providers for an
// estimate, never an authoritative count.
package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	once  sync.Once
	codec tokenizer.Codec
	err   error
)

func encoder() (tokenizer.Codec, error) {
	once.Do(func() {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, err
}

// Count estimates the number of tokens text would consume. Returns an
// error only if the encoder failed to initialize; callers that only
// need a best-effort estimate may fall back to len(text)/4 on error.
func Count(text string) (int, error) {
	enc, err := encoder()
	if err != nil {
		return 0, err
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMany sums the estimate across multiple strings (e.g. every text
// block of a multi-turn message list), matching the dialect
// translator's flattened text-extraction convention for content blocks.
func CountMany(texts []string) (int, error) {
	total := 0
	for _, t := range texts {
		n, err := Count(t)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
