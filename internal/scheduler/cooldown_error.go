package scheduler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// CooldownError is what one selection pass yields when every candidate
// credential for a (provider, model) pair is on cooldown; it carries a 503
// status with an advisory body naming the earliest reset. Acquire does not
// return it: it waits and tries again, and reports NoKeyAvailableError once
// the deadline passes. Grounded on selector_test.go's
// modelCooldownError (StatusCode/Headers/Error shape, provider redaction
// for a mixed-provider scheduling scope).
type CooldownError struct {
	Provider   string
	Model      string
	EarliestAt time.Time
	mixed      bool
}

func newCooldownError(provider, model string, earliest time.Time) *CooldownError {
	return &CooldownError{Provider: provider, Model: model, EarliestAt: earliest, mixed: provider == "mixed"}
}

func (e *CooldownError) StatusCode() int { return http.StatusServiceUnavailable }

func (e *CooldownError) Headers() http.Header {
	h := make(http.Header)
	wait := int(time.Until(e.EarliestAt).Seconds())
	if wait < 0 {
		wait = 0
	}
	h.Set("Retry-After", strconv.Itoa(wait))
	return h
}

func (e *CooldownError) Error() string {
	errObj := map[string]any{
		"code":                 "all_credentials_cooldown",
		"message":              "no credential is currently available for this model",
		"earliest_retry_after": e.EarliestAt.UTC().Format(time.RFC3339),
	}
	if !e.mixed {
		errObj["provider"] = e.Provider
	}
	raw, _ := json.Marshal(map[string]any{"error": errObj})
	return string(raw)
}

// NoKeyAvailableError is returned when acquire's deadline elapses before
// any credential becomes usable.
type NoKeyAvailableError struct {
	Provider string
	Model    string
}

func (e *NoKeyAvailableError) Error() string {
	return "scheduler: no key available for " + e.Provider + "/" + e.Model + " before deadline"
}
