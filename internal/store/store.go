package store

import (
	"context"
	"encoding/json"
	"time"
)

// Kind partitions the physical store: read-cache entries and queued-mutation
// entries share one store but never one namespace.
type Kind string

const (
	// KindCache marks TTL-bounded read-cache records.
	KindCache Kind = "cache"
	// KindOffline marks durable outbox records.
	KindOffline Kind = "offline"
)

// Record is one durable cache entry.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Kind      Kind            `json:"kind"`
	WrittenAt time.Time       `json:"writtenAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Mutation is one durable record of a write that could not be confirmed
// against the server.
type Mutation struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Subject    string          `json:"subject"`
	Scope      string          `json:"scope,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	Reason     string          `json:"reason,omitempty"`
}

// Store is durable, namespaced key/value storage with optional expiry, shared
// by the read cache and the outbox. Implementations report failures to the
// caller and never retry internally; callers treat read failures as misses.
type Store interface {
	// Put writes a cache record, overwriting any prior record with the same key.
	Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	// Get returns the live value for key. Expired records read as misses but
	// stay in place for GetStale; they are reclaimed on overwrite, delete, or
	// eviction.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// GetStale returns the value for key regardless of expiry and never
	// deletes. Offline-fallback path only.
	GetStale(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Delete removes a cache record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys enumerates all cache-kind keys for invalidation sweeps.
	Keys(ctx context.Context) ([]string, error)

	// EnqueueMutation persists one outbox record.
	EnqueueMutation(ctx context.Context, m Mutation) error
	// ListMutations returns all outbox records in enqueue order.
	ListMutations(ctx context.Context) ([]Mutation, error)
	// DeleteMutation removes one outbox record. Idempotent.
	DeleteMutation(ctx context.Context, id string) error
	// ClearMutations removes every outbox record.
	ClearMutations(ctx context.Context) error

	// Wipe destroys the entire physical store. Used on logout so no cached
	// data survives an account switch.
	Wipe(ctx context.Context) error
	// Backend names the implementation for logs and metric labels.
	Backend() string
	Close(ctx context.Context) error
}

func cloneValue(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

func cloneMutation(in Mutation) Mutation {
	out := in
	out.Payload = cloneValue(in.Payload)
	return out
}
