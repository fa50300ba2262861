package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the client configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot, including the merged domain
// definitions from the optional domains file.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"api.baseurl":               "api.baseUrl",
			"api.timeoutseconds":        "api.timeoutSeconds",
			"storage.valkey.tls.cafile": "storage.valkey.tls.caFile",
			"outbox.maxretries":         "outbox.maxRetries",
			"outbox.drainintervalseconds": "outbox.drainIntervalSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (STORAGE__BACKEND -> storage.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineDomains = cloneDomainMap(cfg.Domains.Definitions)

	bundle, err := buildDomainBundle(cfg.InlineDomains, cfg.Domains.File)
	if err != nil {
		return Config{}, err
	}
	cfg.Domains.Definitions = bundle.Definitions
	return cfg, nil
}

// DomainBundle is the merged view of inline and file-based domain
// definitions handed to the invalidator on load and on every reload.
type DomainBundle struct {
	Definitions map[string]DomainConfig
	Source      string
}

// buildDomainBundle merges file definitions over inline ones. A domain
// defined in both places takes the file's definition wholesale.
func buildDomainBundle(inline map[string]DomainConfig, path string) (DomainBundle, error) {
	merged := cloneDomainMap(inline)
	if merged == nil {
		merged = map[string]DomainConfig{}
	}
	bundle := DomainBundle{Definitions: merged}

	if strings.TrimSpace(path) == "" {
		return bundle, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DomainBundle{}, fmt.Errorf("config: domains file %s not found", path)
		}
		return DomainBundle{}, fmt.Errorf("config: stat domains file %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return DomainBundle{}, fmt.Errorf("config: load domains file %s: %w", path, err)
	}
	var fromFile map[string]DomainConfig
	if err := k.Unmarshal("", &fromFile); err != nil {
		return DomainBundle{}, fmt.Errorf("config: unmarshal domains file %s: %w", path, err)
	}
	for name, def := range fromFile {
		merged[name] = cloneDomain(def)
	}
	bundle.Source = path
	return bundle, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"api": map[string]any{
			"baseUrl":        cfg.API.BaseURL,
			"token":          cfg.API.Token,
			"timeoutSeconds": cfg.API.TimeoutSeconds,
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"path":    cfg.Storage.Path,
			"valkey": map[string]any{
				"address":  cfg.Storage.Valkey.Address,
				"username": cfg.Storage.Valkey.Username,
				"password": cfg.Storage.Valkey.Password,
				"db":       cfg.Storage.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Storage.Valkey.TLS.Enabled,
					"caFile":  cfg.Storage.Valkey.TLS.CAFile,
				},
			},
		},
		"outbox": map[string]any{
			"maxRetries":           cfg.Outbox.MaxRetries,
			"drainIntervalSeconds": cfg.Outbox.DrainIntervalSeconds,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
	}
}
