// Command gateway wires the resilience and dispatch engine's internal
// packages into one running process. The HTTP listener that would sit in
// front of dispatch.Executor is out of scope for this module; this main
// demonstrates the construction order a real server binary would follow
// and exits after a readiness log line.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/hyperbridge/llmgateway/internal/batch"
	"github.com/hyperbridge/llmgateway/internal/config"
	"github.com/hyperbridge/llmgateway/internal/credential"
	"github.com/hyperbridge/llmgateway/internal/dispatch"
	"github.com/hyperbridge/llmgateway/internal/logging"
	"github.com/hyperbridge/llmgateway/internal/oauthmgr"
	"github.com/hyperbridge/llmgateway/internal/provider"
	"github.com/hyperbridge/llmgateway/internal/provider/googleoauth"
	"github.com/hyperbridge/llmgateway/internal/provider/openaicompat"
	"github.com/hyperbridge/llmgateway/internal/resilientio"
	"github.com/hyperbridge/llmgateway/internal/scheduler"
	"github.com/hyperbridge/llmgateway/internal/usage"
)

func init() {
	logging.Setup()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the gateway's YAML config file")
	flag.Parse()

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	if logDir := os.Getenv("GATEWAY_LOG_DIR"); logDir != "" {
		if err := logging.ToFile(filepath.Join(logDir, "gateway.log"), 100, 7, 30, true); err != nil {
			log.WithError(err).Warn("failed to enable file logging")
		}
	}

	writerOpts := []resilientio.Option{}
	if cfg.Persistence.Secure {
		writerOpts = append(writerOpts, resilientio.WithSecurePermissions())
	}
	writer := resilientio.New(writerOpts...)
	defer writer.Close()

	store := credential.NewFileEnvStore(cfg.CredentialDir)
	envSpecs := []credential.EnvSpec{
		{Provider: "openai", VarName: "OPENAI_API_KEY"},
	}
	if err := store.Reload(context.Background(), envSpecs); err != nil {
		log.WithError(err).Fatal("failed to load credentials")
	}

	oauthConfigs := map[string]*oauth2.Config{
		"google": {
			Endpoint: oauth2.Endpoint{TokenURL: "https://oauth2.googleapis.com/token"},
		},
	}
	tokens := oauthmgr.New(writer, oauthConfigs)

	registry := provider.NewRegistry()
	registry.Register(googleoauth.New(googleoauth.Config{
		Provider: "google",
		Models: []googleoauth.ModelConfig{
			{Name: "gemini-2.5-pro", MinTier: 0, QuotaGroup: "gemini"},
			{Name: "gemini-2.5-flash", MinTier: 0, QuotaGroup: "gemini"},
		},
	}))
	registry.Register(openaicompat.New(openaicompat.Config{
		Provider: "openai",
		BaseURL:  "https://api.openai.com/v1",
		Path:     "/chat/completions",
		Models: []openaicompat.ModelConfig{
			{Name: "gpt-4o", MinTier: 0},
			{Name: "gpt-4o-mini", MinTier: 0},
		},
	}))

	usageByProvider := make(map[string]*usage.Manager)
	policyByProvider := make(map[string]scheduler.Policy)
	schedCfg := make(map[string]scheduler.ProviderConfig)
	for _, tag := range registry.Providers() {
		adapter, err := registry.Get(tag)
		if err != nil {
			log.WithError(err).Fatalf("provider %q vanished from its own registry", tag)
		}
		usageByProvider[tag] = usage.New(usage.ProviderConfig{
			Provider:                    tag,
			FairCycleEnabled:            true,
			FairCycleDuration:           time.Duration(cfg.Quota.FairCycleDurationSeconds) * time.Second,
			ExhaustionCooldownThreshold: cfg.Quota.ExhaustionCooldownThreshold(),
		}, writer, filepath.Join(cfg.CredentialDir, "usage"))
		policyByProvider[tag] = adapter
		schedCfg[tag] = scheduler.ProviderConfig{}
	}

	sched := scheduler.New(store, tokens, usageByProvider, policyByProvider, schedCfg)

	dispatchOpts := []dispatch.Option{}
	if cfg.Dispatch.MaxAttempts > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts))
	}
	if d := cfg.Streaming.IdleTimeout(); d > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithStreamIdleTimeout(d))
	}
	executor := dispatch.New(registry, sched, dispatchOpts...)

	batchOpts := []batch.Option{}
	if cfg.Batch.Size > 0 {
		batchOpts = append(batchOpts, batch.WithBatchSize(cfg.Batch.Size))
	}
	if d := cfg.Batch.Timeout(); d > 0 {
		batchOpts = append(batchOpts, batch.WithTimeout(d))
	}
	_ = batch.New(batchDispatcherFor(executor), batchOpts...)

	log.WithFields(log.Fields{
		"providers": registry.Providers(),
		"port":      cfg.Port,
	}).Info("gateway wiring complete; HTTP listener is out of scope for this module")
}

// batchDispatcherFor adapts the dispatch executor's normalized Execute
// call into the batch aggregator's flat Dispatcher signature, so one
// coalesced upstream call serves every waiter in a flushed batch.
func batchDispatcherFor(executor *dispatch.Executor) batch.Dispatcher {
	return func(ctx context.Context, providerTag, model string, payload []byte, deadline time.Time) ([]byte, error) {
		resp, err := executor.Execute(ctx, providerTag, provider.Request{Model: model, Payload: payload}, deadline)
		if err != nil {
			return nil, err
		}
		return resp.Payload, nil
	}
}
