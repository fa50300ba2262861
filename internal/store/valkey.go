package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	cachePrefix  = "cache:"
	outboxPrefix = "outbox:"
	outboxOrder  = "outbox"
)

// ValkeyTLSConfig controls transport security for the shared-cache backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries connection settings for the shared-cache backend.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

// valkeyStore keeps records in a Valkey instance shared by several check-in
// stations. Expiry is logical (checked on read) rather than PX-based so
// GetStale can still serve values past their TTL.
type valkeyStore struct {
	client valkey.Client
	now    func() time.Time
}

// NewValkey connects to the configured Valkey instance and verifies it with a
// ping before handing the store to callers.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *valkeyStore) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	now := s.now()
	rec := Record{
		Key:       key,
		Value:     value,
		Kind:      KindCache,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: valkey marshal %s: %w", key, err)
	}
	cmd := s.client.B().Set().Key(cachePrefix + key).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey set %s: %w", key, err)
	}
	return nil
}

func (s *valkeyStore) load(ctx context.Context, key string) (Record, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(cachePrefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("store: valkey get %s: %w", key, err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Record{}, false, fmt.Errorf("store: valkey get bytes %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, fmt.Errorf("store: valkey unmarshal %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !rec.ExpiresAt.After(s.now()) {
		// Expired records stay in place so GetStale can serve them while
		// offline; they are removed on overwrite, delete, or eviction.
		return nil, false, nil
	}
	return rec.Value, true, nil
}

func (s *valkeyStore) GetStale(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Value, true, nil
}

func (s *valkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(cachePrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey del %s: %w", key, err)
	}
	return nil
}

func (s *valkeyStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(cachePrefix+"*").Count(256).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("store: valkey scan: %w", err)
		}
		for _, element := range entry.Elements {
			keys = append(keys, strings.TrimPrefix(element, cachePrefix))
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *valkeyStore) EnqueueMutation(ctx context.Context, m Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: valkey marshal mutation %s: %w", m.ID, err)
	}

	exists, err := s.client.Do(ctx, s.client.B().Exists().Key(outboxPrefix+m.ID).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("store: valkey exists %s: %w", m.ID, err)
	}
	cmd := s.client.B().Set().Key(outboxPrefix + m.ID).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey set mutation %s: %w", m.ID, err)
	}
	if exists == 0 {
		if err := s.client.Do(ctx, s.client.B().Rpush().Key(outboxOrder).Element(m.ID).Build()).Error(); err != nil {
			return fmt.Errorf("store: valkey order mutation %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *valkeyStore) ListMutations(ctx context.Context) ([]Mutation, error) {
	ids, err := s.client.Do(ctx, s.client.B().Lrange().Key(outboxOrder).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("store: valkey list mutations: %w", err)
	}

	var out []Mutation
	for _, id := range ids {
		resp := s.client.Do(ctx, s.client.B().Get().Key(outboxPrefix+id).Build())
		if err := resp.Error(); err != nil {
			if errors.Is(err, valkey.Nil) {
				continue
			}
			return nil, fmt.Errorf("store: valkey get mutation %s: %w", id, err)
		}
		payload, err := resp.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("store: valkey mutation bytes %s: %w", id, err)
		}
		var m Mutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("store: valkey unmarshal mutation %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *valkeyStore) DeleteMutation(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(outboxPrefix+id).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey del mutation %s: %w", id, err)
	}
	if err := s.client.Do(ctx, s.client.B().Lrem().Key(outboxOrder).Count(0).Element(id).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey unorder mutation %s: %w", id, err)
	}
	return nil
}

func (s *valkeyStore) ClearMutations(ctx context.Context) error {
	ids, err := s.client.Do(ctx, s.client.B().Lrange().Key(outboxOrder).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("store: valkey clear mutations: %w", err)
	}
	for _, id := range ids {
		if err := s.client.Do(ctx, s.client.B().Del().Key(outboxPrefix+id).Build()).Error(); err != nil {
			return fmt.Errorf("store: valkey clear mutation %s: %w", id, err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(outboxOrder).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey clear order: %w", err)
	}
	return nil
}

func (s *valkeyStore) Wipe(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey wipe: %w", err)
	}
	return nil
}

func (s *valkeyStore) Backend() string { return "valkey" }

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
