package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store is the contract the scheduler and the rest of the engine use to observe the
// credential population: a flat, point-in-time list plus single-identifier
// lookups. Grounded on sdk/cliproxy/auth/store.go's three-method interface,
// narrowed to the read side since persistence of OAuth refresh state is
// the OAuth token manager's responsibility (via resilientio.Writer), not the store's.
type Store interface {
	List(ctx context.Context) ([]*Record, error)
	Get(ctx context.Context, identifier string) (*Record, error)
}

// FileEnvStore enumerates credentials from a directory of auth JSON files
// and from environment variables, merging both into one namespace keyed by
// Identifier. Grounded on sdk/auth/filestore.go's FileTokenStore.List
// (WalkDir enumeration, per-file JSON metadata parse) plus an env-sourced
// path for credentials defined directly as an
// environment-variable static key.
type FileEnvStore struct {
	mu  sync.RWMutex
	dir string

	records map[string]*Record

	watcher    *fsnotify.Watcher
	watchStop  chan struct{}
	watchGroup sync.WaitGroup
}

// EnvSpec describes one provider's env-var naming convention for
// environment-sourced static credentials, e.g. OPENAI_API_KEY,
// OPENAI_API_KEY_2, OPENAI_API_KEY_3, ...
type EnvSpec struct {
	Provider string
	VarName  string
}

// NewFileEnvStore constructs a store rooted at dir. Call Reload to perform
// the initial population; the store starts empty.
func NewFileEnvStore(dir string) *FileEnvStore {
	return &FileEnvStore{
		dir:     strings.TrimSpace(dir),
		records: make(map[string]*Record),
	}
}

// Reload re-scans the directory and the given env specs, replacing the
// in-memory population atomically. Records that fail to parse are skipped
// and logged, using a "skip and continue" WalkDir policy.
func (s *FileEnvStore) Reload(ctx context.Context, envSpecs []EnvSpec) error {
	next := make(map[string]*Record)

	if s.dir != "" {
		err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			rec, err := readCredentialFile(path)
			if err != nil {
				log.Warnf("credential: skip %s: %v", path, err)
				return nil
			}
			next[rec.Identifier] = rec
			return nil
		})
		if err != nil {
			return fmt.Errorf("credential: walk %s: %w", s.dir, err)
		}
	}

	for _, spec := range envSpecs {
		for _, rec := range recordsFromEnv(spec) {
			next[rec.Identifier] = rec
		}
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return nil
}

// List returns a stable-ordered snapshot of every known credential.
func (s *FileEnvStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Get looks up a single credential by its Identifier.
func (s *FileEnvStore) Get(ctx context.Context, identifier string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identifier]
	if !ok {
		return nil, fmt.Errorf("credential: %s not found", identifier)
	}
	return rec, nil
}

// WatchReload starts an fsnotify watch on the credential directory and
// calls reload (synchronously, on the watcher's own goroutine) whenever a
// file is created, written, or removed. Grounded on the
// internal/watcher package, which drives the same directory-reload
// behavior for its auth/store layers; adapted here directly into the
// store rather than kept as a standalone package since this is its only
// caller in this module.
func (s *FileEnvStore) WatchReload(ctx context.Context, envSpecs []EnvSpec) error {
	if s.dir == "" {
		return fmt.Errorf("credential: watch requires a configured directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: new watcher: %w", err)
	}
	if err = w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("credential: watch %s: %w", s.dir, err)
	}

	s.watcher = w
	s.watchStop = make(chan struct{})
	s.watchGroup.Add(1)
	go func() {
		defer s.watchGroup.Done()
		for {
			select {
			case <-s.watchStop:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(ctx, envSpecs); err != nil {
					log.Warnf("credential: reload after %s: %v", ev, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("credential: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watch, if any.
func (s *FileEnvStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.watchStop)
	err := s.watcher.Close()
	s.watchGroup.Wait()
	return err
}

func readCredentialFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	provider, _ := meta["type"].(string)
	if provider == "" {
		provider = "unknown"
	}

	rec := &Record{
		Provider:   provider,
		Identifier: path,
		Attributes: make(map[string]string),
	}

	if apiKey, ok := meta["api_key"].(string); ok && apiKey != "" {
		rec.Kind = KindStatic
		rec.StaticKey = apiKey
	} else {
		rec.Kind = KindOAuth
		if tok, ok := meta["token"].(map[string]any); ok {
			rec.OAuth.AccessToken, _ = tok["access_token"].(string)
			rec.OAuth.RefreshToken, _ = tok["refresh_token"].(string)
			rec.OAuth.IDToken, _ = tok["id_token"].(string)
		}
		if at, ok := meta["access_token"].(string); ok {
			rec.OAuth.AccessToken = at
		}
		if rt, ok := meta["refresh_token"].(string); ok {
			rec.OAuth.RefreshToken = rt
		}
		if it, ok := meta["id_token"].(string); ok {
			rec.OAuth.IDToken = it
		}
		if ms, ok := meta["expiry_date"].(float64); ok && ms > 0 {
			rec.OAuth.Expiry = time.UnixMilli(int64(ms))
		}
		rec.OAuth.AccountID, _ = meta["account_id"].(string)
		rec.OAuth.Email, _ = meta["email"].(string)
		rec.OAuth.ProjectID, _ = meta["project_id"].(string)
		rec.OAuth.Tier, _ = meta["tier"].(string)
	}

	rec.Proxy.Email, _ = meta["email"].(string)

	for _, key := range []string{"disable_cooling", "request_retry", "tool_prefix_disabled"} {
		if v, ok := meta[key]; ok {
			rec.Attributes[key] = fmt.Sprintf("%v", v)
		}
	}

	return rec, nil
}

// recordsFromEnv expands a provider's base env var into a series of
// numbered credentials: PROVIDER_API_KEY, PROVIDER_API_KEY_2, ... Stops at
// the first gap, matching the convention implied by
// ProxyMetadata.EnvCredentialIdx.
func recordsFromEnv(spec EnvSpec) []*Record {
	var out []*Record
	if v := strings.TrimSpace(os.Getenv(spec.VarName)); v != "" {
		out = append(out, &Record{
			Provider:   spec.Provider,
			Kind:       KindStatic,
			Identifier: "env://" + spec.Provider + "/1",
			StaticKey:  v,
			Proxy:      ProxyMetadata{LoadedFromEnv: true, EnvCredentialIdx: 1},
		})
	} else {
		return out
	}
	for i := 2; ; i++ {
		name := spec.VarName + "_" + strconv.Itoa(i)
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			break
		}
		out = append(out, &Record{
			Provider:   spec.Provider,
			Kind:       KindStatic,
			Identifier: "env://" + spec.Provider + "/" + strconv.Itoa(i),
			StaticKey:  v,
			Proxy:      ProxyMetadata{LoadedFromEnv: true, EnvCredentialIdx: i},
		})
	}
	return out
}
