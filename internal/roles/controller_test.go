package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutbase/trailsync/internal/api"
	"github.com/scoutbase/trailsync/internal/invalidate"
	"github.com/scoutbase/trailsync/internal/metrics"
	"github.com/scoutbase/trailsync/internal/outbox"
	"github.com/scoutbase/trailsync/internal/store"
)

type scriptedClient struct {
	err     error
	reject  string
	markers map[string]time.Time
	calls   int
}

func (s *scriptedClient) Do(context.Context, string, any) (api.Response, error) {
	s.calls++
	if s.err != nil {
		return api.Response{}, s.err
	}
	if s.reject != "" {
		return api.Response{Success: false, Message: s.reject}, nil
	}
	return api.Response{Success: true}, nil
}

func (s *scriptedClient) SyncMarkers(context.Context, []string) (map[string]time.Time, error) {
	if s.markers == nil {
		return map[string]time.Time{}, nil
	}
	return s.markers, nil
}

func testCatalog() map[string]Role {
	return map[string]Role{
		"scoutmaster": {ID: "scoutmaster", Name: "Scoutmaster", Admin: true,
			Capabilities: []string{"manage-roster", "manage-finance"}},
		"treasurer": {ID: "treasurer", Name: "Treasurer",
			Capabilities: []string{"manage-finance"}, ConflictsWith: []string{"auditor"}},
		"auditor": {ID: "auditor", Name: "Auditor",
			Capabilities: []string{"view-finance"}, ConflictsWith: []string{"treasurer"}},
		"den-leader": {ID: "den-leader", Name: "Den Leader",
			Capabilities: []string{"manage-roster"}},
	}
}

type controllerFixture struct {
	controller *Controller
	view       *View
	client     *scriptedClient
	queue      *outbox.Queue
	store      store.Store
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	st := store.NewMemory()
	client := &scriptedClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewRecorder(nil)
	inv := invalidate.New(st, invalidate.NewRegistry(nil), logger, recorder)
	queue := outbox.New(st, client, logger, recorder, outbox.Options{})
	view := NewView()
	controller := NewController(view, testCatalog(), client, queue, inv, logger)
	queue.SetOnConfirm(controller.HandleConfirm)
	return &controllerFixture{controller: controller, view: view, client: client, queue: queue, store: st}
}

func TestUpdateRolesConfirmed(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"den-leader"}})
	require.NoError(t, f.store.Put(ctx, "user_roles_u-42", json.RawMessage(`["den-leader"]`), time.Hour))
	require.NoError(t, f.store.Put(ctx, "district_roles", json.RawMessage(`[]`), time.Hour))

	status, err := f.controller.UpdateRoles(ctx, UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"treasurer", "den-leader"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status)

	got, ok := f.view.Get("org-1", "u-42")
	require.True(t, ok)
	assert.Equal(t, []string{"den-leader", "treasurer"}, got.RoleIDs)
	assert.False(t, got.PendingSync)

	// Confirmed writes evict the role caches.
	_, ok, _ = f.store.Get(ctx, "user_roles_u-42")
	assert.False(t, ok)
	_, ok, _ = f.store.Get(ctx, "district_roles")
	assert.False(t, ok)
}

func TestUpdateRolesRejectionRollsBack(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	before := Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"den-leader"}}
	f.view.Load(before)
	f.client.reject = "insufficient permissions"

	_, err := f.controller.UpdateRoles(ctx, UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"treasurer"},
	})
	require.Error(t, err)
	var rejection *api.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "insufficient permissions", rejection.Message)

	// The view is byte-for-byte the captured snapshot again.
	got, ok := f.view.Get("org-1", "u-42")
	require.True(t, ok)
	assert.Equal(t, before.RoleIDs, got.RoleIDs)
	assert.False(t, got.PendingSync)

	// A policy rejection never lands in the outbox.
	count, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateRolesQueuedWhenUnavailable(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"den-leader"}})
	f.client.err = fmt.Errorf("%w: dial tcp", api.ErrUnavailable)

	status, err := f.controller.UpdateRoles(ctx, UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"treasurer"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	// Optimistic state stays visible with the pending marker on.
	got, ok := f.view.Get("org-1", "u-42")
	require.True(t, ok)
	assert.Equal(t, []string{"treasurer"}, got.RoleIDs)
	assert.True(t, got.PendingSync)

	muts, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, ActionUpdateRoles, muts[0].Action)
	assert.Equal(t, "org-1/u-42", muts[0].Subject)
	assert.JSONEq(t, `{"orgId":"org-1","userId":"u-42","roleIds":["treasurer"]}`, string(muts[0].Payload))
}

func TestQueuedUpdateConfirmsOnDrain(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"den-leader"}})
	f.client.err = fmt.Errorf("%w: dial tcp", api.ErrUnavailable)

	status, err := f.controller.UpdateRoles(ctx, UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"treasurer"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	f.client.err = nil
	summary, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.Summary{Confirmed: 1}, summary)

	got, ok := f.view.Get("org-1", "u-42")
	require.True(t, ok)
	assert.False(t, got.PendingSync)
	assert.Equal(t, []string{"treasurer"}, got.RoleIDs)
}

func TestUpdateRolesValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      UpdateRequest
		wantCode string
	}{
		{
			name: "unknown role",
			req: UpdateRequest{
				Actor: Actor{Admin: true}, OrgID: "org-1", UserID: "u-42",
				RoleIDs: []string{"quartermaster"},
			},
			wantCode: "unknown-role",
		},
		{
			name: "duplicate role",
			req: UpdateRequest{
				Actor: Actor{Admin: true}, OrgID: "org-1", UserID: "u-42",
				RoleIDs: []string{"treasurer", "treasurer"},
			},
			wantCode: "duplicate-role",
		},
		{
			name: "conflicting roles",
			req: UpdateRequest{
				Actor: Actor{Admin: true}, OrgID: "org-1", UserID: "u-42",
				RoleIDs: []string{"treasurer", "auditor"},
			},
			wantCode: "role-conflict",
		},
		{
			name: "actor lacks granted capability",
			req: UpdateRequest{
				Actor: Actor{UserID: "u-1", Capabilities: []string{"manage-roster"}},
				OrgID: "org-1", UserID: "u-42",
				RoleIDs: []string{"treasurer"},
			},
			wantCode: "permission-gap",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42"})

			_, err := f.controller.UpdateRoles(context.Background(), tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantCode, verr.Code)

			// Validation failures never reach the network or mutate the view.
			assert.Zero(t, f.client.calls)
			got, _ := f.view.Get("org-1", "u-42")
			assert.Empty(t, got.RoleIDs)
		})
	}
}

func TestUpdateRolesPermissionGapSkipsHeldCapabilities(t *testing.T) {
	f := newControllerFixture(t)
	// The target already holds manage-finance through treasurer, so keeping it
	// is not a new grant even though the actor lacks the capability.
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"treasurer"}})

	status, err := f.controller.UpdateRoles(context.Background(), UpdateRequest{
		Actor:   Actor{UserID: "u-1", Capabilities: []string{"manage-roster"}},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"treasurer", "den-leader"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)
}

func TestUpdateRolesLastAdminSafeguard(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"scoutmaster"}})

	req := UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"den-leader"},
	}
	_, err := f.controller.UpdateRoles(ctx, req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "last-admin", verr.Code)

	// Explicit confirmation lets the change through.
	req.ConfirmHighRisk = true
	status, err := f.controller.UpdateRoles(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)
}

func TestUpdateRolesLastAdminNotTriggeredWithSecondAdmin(t *testing.T) {
	f := newControllerFixture(t)
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"scoutmaster"}})
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-7", RoleIDs: []string{"scoutmaster"}})

	status, err := f.controller.UpdateRoles(context.Background(), UpdateRequest{
		Actor:   Actor{UserID: "u-1", Admin: true},
		OrgID:   "org-1",
		UserID:  "u-42",
		RoleIDs: []string{"den-leader"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)
}

func TestHandleConfirmIgnoresOtherActions(t *testing.T) {
	f := newControllerFixture(t)
	f.view.Load(Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"treasurer"}, PendingSync: true})

	f.controller.HandleConfirm(context.Background(), store.Mutation{
		ID: "m-1", Action: "update-budget-item", Payload: json.RawMessage(`{}`),
	}, api.Response{Success: true})

	got, _ := f.view.Get("org-1", "u-42")
	assert.True(t, got.PendingSync)
}

func TestCommandRollbackRestoresSnapshot(t *testing.T) {
	view := NewView()
	before := Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"den-leader"}}
	view.Load(before)

	cmd := NewCommand(before, Assignment{OrgID: "org-1", UserID: "u-42", RoleIDs: []string{"treasurer"}})
	cmd.Apply(view)
	got, _ := view.Get("org-1", "u-42")
	require.Equal(t, []string{"treasurer"}, got.RoleIDs)

	cmd.Rollback(view)
	got, _ = view.Get("org-1", "u-42")
	assert.Equal(t, before.RoleIDs, got.RoleIDs)
	assert.Equal(t, cmd.Previous().RoleIDs, got.RoleIDs)
}

func TestSubjectKey(t *testing.T) {
	assert.Equal(t, "org-1/u-42", Subject("org-1", "u-42"))
}
