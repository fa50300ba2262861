package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every option the sync client needs once the loader resolves
// defaults, file values, and environment overrides.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Storage StorageConfig `koanf:"storage"`
	Outbox  OutboxConfig  `koanf:"outbox"`
	Logging LoggingConfig `koanf:"logging"`
	Listen  ListenConfig  `koanf:"listen"`
	Domains DomainsConfig `koanf:"domains"`

	// InlineDomains preserves the domain definitions that came from the main
	// config document before the domains file is merged on top, so the watcher
	// can rebuild the merged view on every file change.
	InlineDomains map[string]DomainConfig `koanf:"-"`
}

// APIConfig points the client at the organization backend.
type APIConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	Token          string `koanf:"token"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// StorageConfig selects and tunes the local store backend.
type StorageConfig struct {
	Backend string       `koanf:"backend"`
	Path    string       `koanf:"path"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for the shared-cache backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OutboxConfig tunes queued-mutation replay.
type OutboxConfig struct {
	MaxRetries           int `koanf:"maxRetries"`
	DrainIntervalSeconds int `koanf:"drainIntervalSeconds"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ListenConfig instructs the status listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// DomainsConfig announces where cache-domain definitions come from: inline
// definitions in the main document, optionally merged with a standalone
// domains file that can be edited and reloaded at runtime.
type DomainsConfig struct {
	File        string                  `koanf:"file"`
	Definitions map[string]DomainConfig `koanf:"definitions"`
}

// DomainConfig describes one cache domain's key space: the fixed keys it
// always owns, the scoped key stems parameterized by mutation params, and
// the prefixes swept for keys created with ids the invalidator was never
// told about.
type DomainConfig struct {
	Static   []string            `koanf:"static"`
	Scoped   map[string][]string `koanf:"scoped"`
	Prefixes []string            `koanf:"prefixes"`
}

// DefaultConfig returns the baseline every load starts from.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			TimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "trailsync.db",
		},
		Outbox: OutboxConfig{
			MaxRetries:           5,
			DrainIntervalSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: ListenConfig{
			Address: "127.0.0.1",
			Port:    8753,
		},
	}
}

// Validate rejects configurations the components downstream cannot act on.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", "memory", "sqlite", "valkey":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported storage backend %q", c.Storage.Backend))
	}
	if strings.EqualFold(c.Storage.Backend, "sqlite") && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("config: storage path required for sqlite backend"))
	}
	if strings.EqualFold(c.Storage.Backend, "valkey") && strings.TrimSpace(c.Storage.Valkey.Address) == "" {
		errs = append(errs, errors.New("config: valkey address required for valkey backend"))
	}
	if c.API.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("config: api timeout must be positive"))
	}
	if c.Outbox.MaxRetries < 0 {
		errs = append(errs, errors.New("config: outbox max retries cannot be negative"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: listen port %d out of range", c.Listen.Port))
	}

	return errors.Join(errs...)
}

func cloneDomainMap(in map[string]DomainConfig) map[string]DomainConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]DomainConfig, len(in))
	for name, def := range in {
		out[name] = cloneDomain(def)
	}
	return out
}

func cloneDomain(in DomainConfig) DomainConfig {
	out := DomainConfig{
		Static:   append([]string(nil), in.Static...),
		Prefixes: append([]string(nil), in.Prefixes...),
	}
	if in.Scoped != nil {
		out.Scoped = make(map[string][]string, len(in.Scoped))
		for param, stems := range in.Scoped {
			out.Scoped[param] = append([]string(nil), stems...)
		}
	}
	return out
}
