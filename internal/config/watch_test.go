package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForBundle(t *testing.T, ch <-chan DomainBundle, match func(DomainBundle) bool) DomainBundle {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case bundle := <-ch:
			if match(bundle) {
				return bundle
			}
		case <-deadline:
			t.Fatalf("timed out waiting for domain bundle")
		}
	}
}

func TestWatchDomainsDeliversInitialBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("badges:\n  static: [badge_catalog]\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Domains.File = path

	changes := make(chan DomainBundle, 4)
	watcher, err := NewLoader("").WatchDomains(context.Background(), cfg,
		func(b DomainBundle) { changes <- b }, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	bundle := waitForBundle(t, changes, func(b DomainBundle) bool {
		_, ok := b.Definitions["badges"]
		return ok
	})
	assert.Equal(t, []string{"badge_catalog"}, bundle.Definitions["badges"].Static)
	assert.Equal(t, path, bundle.Source)
}

func TestWatchDomainsReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("badges:\n  static: [badge_catalog]\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Domains.File = path
	cfg.InlineDomains = map[string]DomainConfig{
		"camps": {Static: []string{"camp_roster"}},
	}

	changes := make(chan DomainBundle, 8)
	watcher, err := NewLoader("").WatchDomains(context.Background(), cfg,
		func(b DomainBundle) { changes <- b }, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	waitForBundle(t, changes, func(b DomainBundle) bool {
		_, ok := b.Definitions["badges"]
		return ok
	})

	require.NoError(t, os.WriteFile(path, []byte("badges:\n  static: [badge_catalog_v2]\n"), 0o600))

	bundle := waitForBundle(t, changes, func(b DomainBundle) bool {
		def, ok := b.Definitions["badges"]
		return ok && len(def.Static) == 1 && def.Static[0] == "badge_catalog_v2"
	})
	// Inline definitions stay merged underneath the reloaded file.
	assert.Equal(t, []string{"camp_roster"}, bundle.Definitions["camps"].Static)
}

func TestWatchDomainsRequiresFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"

	_, err := NewLoader("").WatchDomains(context.Background(), cfg, func(DomainBundle) {}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no domains file")
}

func TestWatchDomainsRequiresCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Domains.File = filepath.Join(t.TempDir(), "domains.yaml")

	_, err := NewLoader("").WatchDomains(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("badges:\n  static: [badge_catalog]\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Domains.File = path

	watcher, err := NewLoader("").WatchDomains(context.Background(), cfg, func(DomainBundle) {}, nil)
	require.NoError(t, err)

	watcher.Stop()
	watcher.Stop()
}
