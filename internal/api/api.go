package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Response is the envelope every backend action resolves to. Success=false
// means the server understood the request and refused it; transport problems
// surface as errors instead.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Requester is the narrow network contract the cache and outbox layers
// consume. Implementations must return ErrUnavailable-wrapped errors for
// transport failures so callers can distinguish "queue it" from "reject it".
type Requester interface {
	// Do performs one backend action with the given payload.
	Do(ctx context.Context, action string, payload any) (Response, error)
	// SyncMarkers fetches each subject's authoritative last-synced marker,
	// used during drain to detect queued intents superseded by newer state.
	SyncMarkers(ctx context.Context, subjects []string) (map[string]time.Time, error)
}

// ErrUnavailable marks transport-level failures: the request never got a
// server verdict, so the write may be queued and retried.
var ErrUnavailable = errors.New("api: backend unavailable")

// RejectionError carries a server-side refusal. It is never retried or
// queued; the caller rolls back any optimistic state and surfaces Message.
type RejectionError struct {
	Action  string
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: action %s rejected", e.Action)
	}
	return fmt.Sprintf("api: action %s rejected: %s", e.Action, e.Message)
}

// IsUnavailable reports whether err represents a connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejection reports whether err is a server-side refusal.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
