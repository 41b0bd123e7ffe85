// Package googleoauth implements the Google-OAuth provider adapter shape:
// Bearer-token (or x-goog-api-key) auth against the Gemini generative
// language API, and google.rpc-style structured quota errors. The request
// body is forwarded as given apart from setting "model" and removing
// "session_id"; message arrays are not converted into
// parts/systemInstruction form.
//
// Grounded on internal/runtime/executor/gemini_executor.go's Execute
// (URL construction, header selection between x-goog-api-key and
// Authorization: Bearer, action switching between generateContent and
// countTokens, sjson-based model field rewrite) and geminiCreds /
// resolveGeminiBaseURL / applyGeminiHeaders. Quota-error field names
// follow the Google RPC error model's RetryInfo/ErrorInfo convention
// since no example repo carries a concrete parser for it.
package googleoauth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/provider"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com"
	apiVersion      = "v1beta"
)

// ModelConfig describes one exposed model's tiering and quota grouping.
type ModelConfig struct {
	Name       string
	MinTier    int
	QuotaGroup string
}

// Config parameterizes Adapter construction.
type Config struct {
	Provider string
	Endpoint string // overrides defaultEndpoint when non-empty
	Models   []ModelConfig
	// TierFunc assigns a priority tier to a credential; defaults to a
	// flat tier 0 for every credential when nil.
	TierFunc func(rec *credential.Record) int
}

// Adapter implements provider.Adapter for Google-OAuth-style backends.
type Adapter struct {
	cfg          Config
	modelByName  map[string]ModelConfig
	groupMembers map[string][]string
}

// New builds an Adapter from cfg.
func New(cfg Config) *Adapter {
	a := &Adapter{cfg: cfg, modelByName: make(map[string]ModelConfig), groupMembers: make(map[string][]string)}
	for _, m := range cfg.Models {
		a.modelByName[m.Name] = m
		if m.QuotaGroup != "" {
			a.groupMembers[m.QuotaGroup] = append(a.groupMembers[m.QuotaGroup], m.Name)
		}
	}
	return a
}

func (a *Adapter) Provider() string { return a.cfg.Provider }

func (a *Adapter) Models() []string {
	out := make([]string, 0, len(a.cfg.Models))
	for _, m := range a.cfg.Models {
		out = append(out, m.Name)
	}
	return out
}

func (a *Adapter) Tier(rec *credential.Record) int {
	if a.cfg.TierFunc != nil {
		return a.cfg.TierFunc(rec)
	}
	return 0
}

func (a *Adapter) MinTier(model string) int {
	if m, ok := a.modelByName[model]; ok {
		return m.MinTier
	}
	return 0
}

func (a *Adapter) QuotaGroup(model string) string {
	return a.modelByName[model].QuotaGroup
}

func (a *Adapter) GroupMembers(group string) []string {
	return a.groupMembers[group]
}

// creds mirrors geminiCreds: a record carries either a static API key
// (sent as x-goog-api-key) or an OAuth bearer token (sent as
// Authorization: Bearer), never both resolved at once.
func creds(rec *credential.Record) (apiKey, bearer string) {
	if rec == nil {
		return "", ""
	}
	if rec.Kind == credential.KindStatic {
		return rec.StaticKey, ""
	}
	return "", rec.OAuth.AccessToken
}

func (a *Adapter) endpoint() string {
	if a.cfg.Endpoint != "" {
		return strings.TrimRight(a.cfg.Endpoint, "/")
	}
	return defaultEndpoint
}

// BuildRequest mirrors gemini_executor.go's Execute/ExecuteStream request
// construction: model name rewritten into the JSON body, action chosen
// from request metadata, auth applied as one of two mutually exclusive
// headers.
func (a *Adapter) BuildRequest(ctx context.Context, req provider.Request, cred *credential.Record) (*provider.HTTPRequest, error) {
	action := "generateContent"
	if v, _ := req.Metadata["action"].(string); v == "count_tokens" {
		action = "countTokens"
	}
	if req.Stream {
		action = "streamGenerateContent"
	}

	body, err := sjson.SetBytes(req.Payload, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("googleoauth: set model field: %w", err)
	}
	body, _ = sjson.DeleteBytes(body, "session_id")

	url := fmt.Sprintf("%s/%s/models/%s:%s", a.endpoint(), apiVersion, req.Model, action)
	if req.Stream {
		url += "?alt=sse"
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	apiKey, bearer := creds(cred)
	if apiKey != "" {
		header.Set("x-goog-api-key", apiKey)
	} else if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}

	return &provider.HTTPRequest{
		Method: http.MethodPost,
		URL:    url,
		Header: header,
		Body:   body,
	}, nil
}

func (a *Adapter) ParseResponse(httpResp *http.Response) (*provider.Response, error) {
	return &provider.Response{Headers: httpResp.Header.Clone()}, nil
}

// ParseQuotaError reads a google.rpc Status error body (for 429 or 503) and
// looks for a RetryInfo detail (retryDelay). QuotaFailure details are not
// read, so the signal never carries a reset timestamp. Falls back to the
// Retry-After header when the body has no RetryInfo.
func (a *Adapter) ParseQuotaError(statusCode int, body []byte, headers http.Header) (provider.QuotaSignal, bool) {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return provider.QuotaSignal{}, false
	}

	details := gjson.GetBytes(body, "error.details")
	var signal provider.QuotaSignal
	found := false
	if details.Exists() {
		for _, d := range details.Array() {
			switch d.Get("@type").String() {
			case "type.googleapis.com/google.rpc.RetryInfo":
				if dur, err := time.ParseDuration(strings.TrimSuffix(d.Get("retryDelay").String(), "s") + "s"); err == nil {
					signal.RetryAfter = dur
					signal.HasRetry = true
					found = true
				}
			case "type.googleapis.com/google.rpc.QuotaFailure":
				// QuotaFailure violations don't carry a reset timestamp in
				// the v1beta surface; leave HasReset unset and rely on the
				// RetryInfo sibling detail or the header fallback below.
			}
		}
	}

	if !found {
		if ra := headers.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				signal.RetryAfter = time.Duration(secs) * time.Second
				signal.HasRetry = true
				found = true
			}
		}
	}

	return signal, found
}

var _ provider.Adapter = (*Adapter)(nil)
