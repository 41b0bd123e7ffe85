// Package config provides configuration management for the gateway. It
// handles loading and parsing YAML configuration files and provides
// structured access to server, credential, quota, streaming, and batch
// settings.
//
// Grounded on sdk_config.go's SDKConfig/StreamingConfig shape (double
// yaml+json struct tags, `omitempty` on fields with a meaningful zero
// value) and oauth_model_alias_migration.go's use of gopkg.in/yaml.v3.
// Sourcing (env overlay, flags, hot-reload) is out of scope here;
// Load performs a single parse-only decode and callers assemble any
// overlay themselves.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the public HTTP surface listens on.
	Port int `yaml:"port" json:"port"`

	// ProxyKey authenticates clients via Authorization: Bearer or x-api-key.
	// Empty disables auth (documented, not a default operators should ship).
	ProxyKey string `yaml:"proxy-key" json:"proxy-key"`

	// ProxyURL is an optional outbound proxy for upstream calls.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// CredentialDir is the managed directory the credential store scans.
	CredentialDir string `yaml:"credential-dir" json:"credential-dir"`

	// RequestLog enables detailed request logging.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// PassthroughHeaders forwards upstream response headers to clients.
	PassthroughHeaders bool `yaml:"passthrough-headers" json:"passthrough-headers"`

	Streaming   StreamingConfig   `yaml:"streaming" json:"streaming"`
	Quota       QuotaConfig       `yaml:"quota" json:"quota"`
	Batch       BatchConfig       `yaml:"batch" json:"batch"`
	Dispatch    DispatchConfig    `yaml:"dispatch" json:"dispatch"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Providers maps a provider tag to its adapter-specific settings,
	// left as a raw document so each adapter decodes its own shape.
	Providers map[string]yaml.Node `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// StreamingConfig holds server streaming behavior.
type StreamingConfig struct {
	// IdleTimeoutSeconds bounds the gap between successive chunks of a
	// streaming response. <= 0 disables the timer.
	IdleTimeoutSeconds int `yaml:"idle-timeout-seconds,omitempty" json:"idle-timeout-seconds,omitempty"`
	// KeepAliveSeconds controls how often the server emits SSE
	// heartbeats. <= 0 disables keep-alives.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (s StreamingConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// QuotaConfig holds usage and quota manager tunables.
type QuotaConfig struct {
	// ProactiveRefreshBufferSeconds is a refresh lead time ahead of token
	// expiry. Default 300 (5m). The OAuth token manager does not read it;
	// it always uses its fixed oauthmgr.ProactiveBuffer (5m).
	ProactiveRefreshBufferSeconds int `yaml:"proactive-refresh-buffer-seconds,omitempty" json:"proactive-refresh-buffer-seconds,omitempty"`
	// ExhaustionCooldownThresholdSeconds: a cooldown longer than this
	// marks a credential exhausted for fair-cycle purposes. Default 300.
	ExhaustionCooldownThresholdSeconds int `yaml:"exhaustion-cooldown-threshold-seconds,omitempty" json:"exhaustion-cooldown-threshold-seconds,omitempty"`
	// FairCycleDurationSeconds bounds how long an exhausted set may
	// persist before it clears regardless of whether every member
	// exhausted.
	FairCycleDurationSeconds int `yaml:"fair-cycle-duration-seconds,omitempty" json:"fair-cycle-duration-seconds,omitempty"`
}

// ProactiveRefreshBuffer returns the configured buffer as a Duration.
func (q QuotaConfig) ProactiveRefreshBuffer() time.Duration {
	return time.Duration(q.ProactiveRefreshBufferSeconds) * time.Second
}

// ExhaustionCooldownThreshold returns the configured threshold as a Duration.
func (q QuotaConfig) ExhaustionCooldownThreshold() time.Duration {
	return time.Duration(q.ExhaustionCooldownThresholdSeconds) * time.Second
}

// BatchConfig holds batch aggregator tunables.
type BatchConfig struct {
	// Size is the flush-on-count threshold. Default 64.
	Size int `yaml:"size,omitempty" json:"size,omitempty"`
	// TimeoutMillis is the flush-on-elapsed threshold, measured from
	// the first item enqueued into an otherwise empty queue. Default 100.
	TimeoutMillis int `yaml:"timeout-millis,omitempty" json:"timeout-millis,omitempty"`
	// FlushRatePerSecond is a per-second batch flush rate. cmd/gateway
	// does not pass it to batch.WithFlushLimiter, so no flush limiter is
	// installed from configuration.
	FlushRatePerSecond float64 `yaml:"flush-rate-per-second,omitempty" json:"flush-rate-per-second,omitempty"`
}

// Timeout returns the configured flush timeout as a Duration.
func (b BatchConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMillis) * time.Millisecond
}

// DispatchConfig holds dispatch executor tunables.
type DispatchConfig struct {
	// MaxAttempts bounds credential rotation per request. 0 means
	// unbounded (deadline is the only stop condition).
	MaxAttempts int `yaml:"max-attempts,omitempty" json:"max-attempts,omitempty"`
}

// PersistenceConfig holds resilient writer tunables.
type PersistenceConfig struct {
	// RetryIntervalSeconds is a retry period for failed disk writes.
	// Default 30. The resilient writer does not read it; it retries on its
	// fixed resilientio.RetryInterval (30s).
	RetryIntervalSeconds int `yaml:"retry-interval-seconds,omitempty" json:"retry-interval-seconds,omitempty"`
	// Secure sets owner-only permissions on written files.
	Secure bool `yaml:"secure,omitempty" json:"secure,omitempty"`
}

// RetryInterval returns the configured retry interval as a Duration.
func (p PersistenceConfig) RetryInterval() time.Duration {
	return time.Duration(p.RetryIntervalSeconds) * time.Second
}

// defaults are applied by Load after decode, matching the common
// <=0-disables / zero-means-unset convention for integer knobs.
func (c *Config) applyDefaults() {
	if c.Quota.ProactiveRefreshBufferSeconds == 0 {
		c.Quota.ProactiveRefreshBufferSeconds = 300
	}
	if c.Quota.ExhaustionCooldownThresholdSeconds == 0 {
		c.Quota.ExhaustionCooldownThresholdSeconds = 300
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = 64
	}
	if c.Batch.TimeoutMillis == 0 {
		c.Batch.TimeoutMillis = 100
	}
	if c.Persistence.RetryIntervalSeconds == 0 {
		c.Persistence.RetryIntervalSeconds = 30
	}
	if c.CredentialDir == "" {
		c.CredentialDir = "./credentials"
	}
}

// Load decodes configFile into a Config and applies documented
// defaults. It does not merge environment variables, flags, or watch
// the file for changes; callers own any such overlay.
func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
