package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
)

// Provider hands out the configuration snapshot in force right now.
// Snapshots are immutable; callers read Current once per operation.
type Provider interface {
	Current() *Config
}

// Store is a versioned configuration reference. Reload swaps the snapshot.
type Store struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex
	loader  func() *Config
	env     envOverlay
}

// envOverlay remembers which process variables came from the env file so a
// key deleted from the file is reverted on reload instead of lingering.
type envOverlay struct {
	// original holds the value a key had before the file set it; nil when
	// the key was unset.
	original map[string]*string
}

func readEnvFile(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	return vals, err
}

// fill sets keys the process environment does not define yet.
func (o *envOverlay) fill(vals map[string]string) {
	for k, v := range vals {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		o.original[k] = nil
		os.Setenv(k, v)
	}
}

// replace makes vals the file layer: every key in vals wins over the process
// environment, and keys the file no longer names get their prior value back.
func (o *envOverlay) replace(vals map[string]string) {
	for k, orig := range o.original {
		if _, ok := vals[k]; ok {
			continue
		}
		if orig == nil {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, *orig)
		}
		delete(o.original, k)
	}
	for k, v := range vals {
		if _, owned := o.original[k]; !owned {
			if prev, set := os.LookupEnv(k); set {
				o.original[k] = &prev
			} else {
				o.original[k] = nil
			}
		}
		os.Setenv(k, v)
	}
}

// NewStore loads the env file (if present) under the process environment.
func NewStore(envFile string) (*Store, error) {
	s := &Store{loader: Load, env: envOverlay{original: make(map[string]*string)}}
	if envFile != "" {
		vals, err := readEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		s.env.fill(vals)
	}
	cfg := Load()
	cfg.Version = 1
	s.current.Store(cfg)
	return s, nil
}

// Static wraps a fixed Config. Used by tests and tools.
func Static(cfg *Config) *Store {
	s := &Store{
		loader: func() *Config { c := *cfg; return &c },
		env:    envOverlay{original: make(map[string]*string)},
	}
	c := *cfg
	if c.Version == 0 {
		c.Version = 1
	}
	s.current.Store(&c)
	return s
}

func (s *Store) Current() *Config {
	return s.current.Load()
}

// Update applies fn to a copy of the current snapshot and publishes it.
func (s *Store) Update(fn func(*Config)) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current.Load()
	fn(&next)
	next.Version++
	s.current.Store(&next)
	return &next
}

// Reload re-reads the env file over the process environment. Keys removed
// from the file since the last load revert to their earlier value.
func (s *Store) Reload() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev.EnvFile != "" {
		vals, err := readEnvFile(prev.EnvFile)
		if err != nil {
			return prev, err
		}
		s.env.replace(vals)
	}
	next := s.loader()
	next.Version = prev.Version + 1
	s.current.Store(next)

	slog.Info("config reloaded",
		"version", next.Version,
		"billing_enabled", next.BillingEnabled,
		"test_mode", next.TestMode,
		"provider", next.ProviderName,
	)
	return next, nil
}
