package streaming

import (
	"bytes"
	"net/http"

	"github.com/tidwall/gjson"
)

// JSONPayload extracts the JSON body from one SSE line, stripping a
// "data:" prefix and skipping "event:" lines, [DONE] markers, and
// blank lines. Mirrors internal/runtime/executor/usage_helpers.go's
// jsonPayload so callers building a LineClassifier don't re-derive SSE
// framing rules.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

// ClassifyJSONErrorField recognizes the shape both Gemini and
// OpenAI-compatible providers use for an in-band error event: a JSON
// object whose top-level "error" field carries a code and message
// instead of the usual content-delta fields.
func ClassifyJSONErrorField(line []byte) (*StreamedError, bool) {
	payload := JSONPayload(line)
	if payload == nil {
		return nil, false
	}
	errField := gjson.GetBytes(payload, "error")
	if !errField.Exists() {
		return nil, false
	}
	code := errField.Get("code")
	status := http.StatusBadGateway
	if code.Exists() && code.Int() >= 100 && code.Int() < 600 {
		status = int(code.Int())
	}
	return &StreamedError{StatusCode: status, Body: append([]byte(nil), payload...)}, true
}
