// Package outbox guarantees that writes attempted while disconnected are not
// lost, are retried when connectivity returns, and are reconciled safely
// against server state that may have moved in the interim.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scoutbase/trailsync/internal/api"
	"github.com/scoutbase/trailsync/internal/metrics"
	"github.com/scoutbase/trailsync/internal/store"
)

// Summary reports what one drain did, for user-facing feedback.
type Summary struct {
	Confirmed      int `json:"confirmed"`
	StaleDiscarded int `json:"staleDiscarded"`
	Failed         int `json:"failed"`
	ScopeMismatch  int `json:"scopeMismatch"`
}

// ConfirmFunc is invoked after a queued mutation replays successfully so the
// consumer can fold the server's result into local state.
type ConfirmFunc func(ctx context.Context, m store.Mutation, resp api.Response)

// Options tunes queue behavior. Scope supplies the active organization id;
// Now is the clock, injectable for deterministic tests.
type Options struct {
	MaxRetries int
	Scope      func() string
	Now        func() time.Time
	OnConfirm  ConfirmFunc
}

// Queue is the durable outbox over the store's offline partition.
type Queue struct {
	store      store.Store
	client     api.Requester
	logger     *slog.Logger
	recorder   *metrics.Recorder
	maxRetries int
	scope      func() string
	now        func() time.Time
	onConfirm  ConfirmFunc
}

// New builds a queue. The queue never touches the network during Enqueue;
// all replay happens in Drain.
func New(st store.Store, client api.Requester, logger *slog.Logger, recorder *metrics.Recorder, opts Options) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:      st,
		client:     client,
		logger:     logger.With(slog.String("component", "outbox")),
		recorder:   recorder,
		maxRetries: opts.MaxRetries,
		scope:      opts.Scope,
		now:        opts.Now,
		onConfirm:  opts.OnConfirm,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.scope == nil {
		q.scope = func() string { return "" }
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	return q
}

// Enqueue records a write that could not be confirmed. A pending mutation for
// the same (action, subject) pair is superseded rather than stacked: the
// newest intent for a target is the only one worth replaying.
func (q *Queue) Enqueue(ctx context.Context, action, subject string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal %s payload: %w", action, err)
	}

	existing, err := q.store.ListMutations(ctx)
	if err != nil {
		return "", fmt.Errorf("outbox: list mutations: %w", err)
	}
	for _, m := range existing {
		if m.Action == action && m.Subject == subject {
			if err := q.store.DeleteMutation(ctx, m.ID); err != nil {
				return "", fmt.Errorf("outbox: supersede mutation %s: %w", m.ID, err)
			}
			q.logger.Debug("queued mutation superseded",
				slog.String("action", action), slog.String("subject", subject), slog.String("old_id", m.ID))
		}
	}

	m := store.Mutation{
		ID:        uuid.NewString(),
		Action:    action,
		Subject:   subject,
		Scope:     q.scope(),
		Payload:   body,
		CreatedAt: q.now(),
	}
	if err := q.store.EnqueueMutation(ctx, m); err != nil {
		return "", fmt.Errorf("outbox: enqueue %s: %w", action, err)
	}
	q.publishPending(ctx)
	q.logger.Info("mutation queued",
		slog.String("action", action), slog.String("subject", subject), slog.String("id", m.ID))
	return m.ID, nil
}

// SetOnConfirm installs the confirm callback after construction. The queue
// is built before its consumers, so the consumer wires itself in once it
// exists. Call before the first Drain.
func (q *Queue) SetOnConfirm(fn ConfirmFunc) {
	q.onConfirm = fn
}

// Pending returns the queued mutations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]store.Mutation, error) {
	return q.store.ListMutations(ctx)
}

// PendingCount feeds the "N changes pending" indicator.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	muts, err := q.store.ListMutations(ctx)
	if err != nil {
		return 0, err
	}
	return len(muts), nil
}

// Discard drops one queued mutation by id, the explicit user action for
// abandoning a change that will never sync.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return err
	}
	q.publishPending(ctx)
	return nil
}

// Drain replays queued mutations in enqueue order. It first refreshes each
// subject's authoritative last-synced marker; failure there is the only error
// Drain returns. Per mutation: a scope mismatch retains it unreplayed, a
// marker newer than its createdAt discards it as stale, and a replay failure
// returns it to pending with an incremented retry count. Individual failures
// never reject the drain as a whole.
func (q *Queue) Drain(ctx context.Context) (Summary, error) {
	start := q.now()

	muts, err := q.store.ListMutations(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("outbox: drain list: %w", err)
	}
	if len(muts) == 0 {
		return Summary{}, nil
	}

	subjects := make([]string, 0, len(muts))
	seen := make(map[string]struct{}, len(muts))
	for _, m := range muts {
		if _, ok := seen[m.Subject]; ok {
			continue
		}
		seen[m.Subject] = struct{}{}
		subjects = append(subjects, m.Subject)
	}

	markers, err := q.client.SyncMarkers(ctx, subjects)
	if err != nil {
		return Summary{}, fmt.Errorf("outbox: drain refresh markers: %w", err)
	}

	var summary Summary
	activeScope := q.scope()
	for _, m := range muts {
		switch {
		case m.Scope != "" && activeScope != "" && m.Scope != activeScope:
			summary.ScopeMismatch++
			q.recorder.ObserveDrainOutcome(metrics.DrainScopeMismatch)
			q.flag(ctx, m, fmt.Sprintf("organization scope %s does not match active scope %s", m.Scope, activeScope))

		case markerNewer(markers, m):
			// A more recent confirmed state supersedes the older queued intent.
			if err := q.store.DeleteMutation(ctx, m.ID); err != nil {
				q.logger.Warn("stale mutation removal failed", slog.String("id", m.ID), slog.Any("error", err))
			}
			summary.StaleDiscarded++
			q.recorder.ObserveDrainOutcome(metrics.DrainStale)
			q.logger.Info("stale mutation discarded",
				slog.String("action", m.Action), slog.String("subject", m.Subject), slog.String("id", m.ID))

		case m.RetryCount >= q.maxRetries:
			summary.Failed++
			q.recorder.ObserveDrainOutcome(metrics.DrainFailed)
			q.logger.Warn("mutation exceeded retry budget, awaiting user action",
				slog.String("id", m.ID), slog.Int("retries", m.RetryCount))

		default:
			if q.replay(ctx, m) {
				summary.Confirmed++
				q.recorder.ObserveDrainOutcome(metrics.DrainConfirmed)
			} else {
				summary.Failed++
				q.recorder.ObserveDrainOutcome(metrics.DrainFailed)
			}
		}
	}

	q.publishPending(ctx)
	q.recorder.ObserveDrain(q.now().Sub(start))
	q.logger.Info("drain complete",
		slog.Int("confirmed", summary.Confirmed),
		slog.Int("stale_discarded", summary.StaleDiscarded),
		slog.Int("failed", summary.Failed),
		slog.Int("scope_mismatch", summary.ScopeMismatch))
	return summary, nil
}

// replay attempts one mutation. A timeout counts as failure, not ambiguous
// success: actions keyed by (action, subject) make a duplicate apply safe.
func (q *Queue) replay(ctx context.Context, m store.Mutation) bool {
	resp, err := q.client.Do(ctx, m.Action, json.RawMessage(m.Payload))
	if err != nil {
		q.fail(ctx, m, err.Error())
		return false
	}
	if !resp.Success {
		q.fail(ctx, m, fmt.Sprintf("rejected: %s", resp.Message))
		return false
	}

	if err := q.store.DeleteMutation(ctx, m.ID); err != nil {
		q.logger.Warn("confirmed mutation removal failed", slog.String("id", m.ID), slog.Any("error", err))
	}
	if q.onConfirm != nil {
		q.onConfirm(ctx, m, resp)
	}
	q.logger.Info("mutation confirmed",
		slog.String("action", m.Action), slog.String("subject", m.Subject), slog.String("id", m.ID))
	return true
}

func (q *Queue) fail(ctx context.Context, m store.Mutation, reason string) {
	m.RetryCount++
	m.Reason = reason
	if err := q.store.EnqueueMutation(ctx, m); err != nil {
		q.logger.Warn("failed mutation update lost", slog.String("id", m.ID), slog.Any("error", err))
	}
	q.logger.Warn("mutation replay failed",
		slog.String("action", m.Action), slog.String("subject", m.Subject),
		slog.Int("retries", m.RetryCount), slog.String("reason", reason))
}

func (q *Queue) flag(ctx context.Context, m store.Mutation, reason string) {
	if m.Reason == reason {
		return
	}
	m.Reason = reason
	if err := q.store.EnqueueMutation(ctx, m); err != nil {
		q.logger.Warn("scope flag update lost", slog.String("id", m.ID), slog.Any("error", err))
	}
}

func (q *Queue) publishPending(ctx context.Context) {
	count, err := q.PendingCount(ctx)
	if err != nil {
		return
	}
	q.recorder.SetPending(count)
}

func markerNewer(markers map[string]time.Time, m store.Mutation) bool {
	marker, ok := markers[m.Subject]
	return ok && marker.After(m.CreatedAt)
}
