package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/scoutbase/trailsync/internal/api"
	"github.com/scoutbase/trailsync/internal/invalidate"
	"github.com/scoutbase/trailsync/internal/outbox"
	"github.com/scoutbase/trailsync/internal/store"
)

// ActionUpdateRoles is the backend action the controller writes through.
const ActionUpdateRoles = "update-user-roles"

// Actor identifies who is making the change and what they may grant.
type Actor struct {
	UserID       string
	Capabilities []string
	Admin        bool
}

// UpdateRequest is one intended role-assignment change.
type UpdateRequest struct {
	Actor   Actor
	OrgID   string
	UserID  string
	RoleIDs []string
	// ConfirmHighRisk acknowledges removing the last administrative role
	// from the organization. Without it that change is refused outright.
	ConfirmHighRisk bool
}

// Status reports how an update settled.
type Status string

const (
	// StatusConfirmed means the server acknowledged the write.
	StatusConfirmed Status = "confirmed"
	// StatusQueued means the write is applied locally and awaiting replay.
	StatusQueued Status = "queued"
)

type updatePayload struct {
	OrgID   string   `json:"orgId"`
	UserID  string   `json:"userId"`
	RoleIDs []string `json:"roleIds"`
}

// Controller runs the optimistic-update protocol for role assignments.
type Controller struct {
	view        *View
	catalog     map[string]Role
	client      api.Requester
	queue       *outbox.Queue
	invalidator *invalidate.Invalidator
	logger      *slog.Logger
}

// NewController wires the role-assignment flow. The catalog maps role id to
// definition and is treated as read-only.
func NewController(view *View, catalog map[string]Role, client api.Requester, queue *outbox.Queue, inv *invalidate.Invalidator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		view:        view,
		catalog:     catalog,
		client:      client,
		queue:       queue,
		invalidator: inv,
		logger:      logger.With(slog.String("component", "roles")),
	}
}

// View exposes the rendered state for feature modules and tests.
func (c *Controller) View() *View {
	return c.view
}

// HandleConfirm is the outbox confirm callback: when a queued role update
// replays successfully, the pending marker comes off and the role caches are
// evicted just as they would be after an online write.
func (c *Controller) HandleConfirm(ctx context.Context, m store.Mutation, _ api.Response) {
	if m.Action != ActionUpdateRoles {
		return
	}
	var payload updatePayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		c.logger.Warn("confirmed mutation payload unreadable", slog.String("id", m.ID), slog.Any("error", err))
		return
	}
	c.view.setPending(payload.OrgID, payload.UserID, false)
	if err := c.invalidator.Evict(ctx, "roles", map[string]string{"org": payload.OrgID, "user": payload.UserID}); err != nil {
		c.logger.Warn("post-replay eviction failed", slog.Any("error", err))
	}
}

// UpdateRoles validates, applies optimistically, then attempts the write.
// A hard rejection rolls the view back to the captured snapshot and is
// returned to the caller; a connectivity failure keeps the optimistic state,
// queues the mutation, and reports StatusQueued.
func (c *Controller) UpdateRoles(ctx context.Context, req UpdateRequest) (Status, error) {
	previous, ok := c.view.Get(req.OrgID, req.UserID)
	if !ok {
		previous = Assignment{UserID: req.UserID, OrgID: req.OrgID}
	}

	// Validation runs before the apply so a known-invalid change never
	// flickers into the UI.
	if err := c.validate(req, previous); err != nil {
		return "", err
	}

	next := Assignment{
		UserID:  req.UserID,
		OrgID:   req.OrgID,
		RoleIDs: sortedCopy(req.RoleIDs),
	}
	cmd := NewCommand(previous, next)
	cmd.Apply(c.view)

	payload := updatePayload{OrgID: req.OrgID, UserID: req.UserID, RoleIDs: next.RoleIDs}
	resp, err := c.client.Do(ctx, ActionUpdateRoles, payload)
	switch {
	case err != nil:
		// Connectivity failure: the optimistic state stays, the intent is
		// queued, and the record shows a pending-sync marker.
		if _, qErr := c.queue.Enqueue(ctx, ActionUpdateRoles, Subject(req.OrgID, req.UserID), payload); qErr != nil {
			cmd.Rollback(c.view)
			return "", fmt.Errorf("roles: queue update: %w", qErr)
		}
		c.view.setPending(req.OrgID, req.UserID, true)
		c.logger.Info("role update queued offline",
			slog.String("org", req.OrgID), slog.String("user", req.UserID))
		return StatusQueued, nil

	case !resp.Success:
		// Retrying a rejected-by-policy write is never correct.
		cmd.Rollback(c.view)
		return "", &api.RejectionError{Action: ActionUpdateRoles, Message: resp.Message}

	default:
		if err := c.invalidator.Evict(ctx, "roles", map[string]string{"org": req.OrgID, "user": req.UserID}); err != nil {
			c.logger.Warn("post-update eviction failed", slog.Any("error", err))
		}
		c.logger.Info("role update confirmed",
			slog.String("org", req.OrgID), slog.String("user", req.UserID))
		return StatusConfirmed, nil
	}
}

// validate enforces role-conflict detection, the permission gap rule (the
// actor cannot grant a capability they themselves lack), and the last-admin
// safeguard.
func (c *Controller) validate(req UpdateRequest, previous Assignment) error {
	selected := make(map[string]struct{}, len(req.RoleIDs))
	for _, id := range req.RoleIDs {
		role, ok := c.catalog[id]
		if !ok {
			return &ValidationError{Code: "unknown-role", Message: fmt.Sprintf("role %s is not in the catalog", id)}
		}
		if _, dup := selected[id]; dup {
			return &ValidationError{Code: "duplicate-role", Message: fmt.Sprintf("role %s selected twice", id)}
		}
		selected[id] = struct{}{}
		for _, conflict := range role.ConflictsWith {
			if containsID(req.RoleIDs, conflict) {
				return &ValidationError{
					Code:    "role-conflict",
					Message: fmt.Sprintf("roles %s and %s cannot be held together", id, conflict),
				}
			}
		}
	}

	if !req.Actor.Admin {
		actorCaps := make(map[string]struct{}, len(req.Actor.Capabilities))
		for _, cap := range req.Actor.Capabilities {
			actorCaps[cap] = struct{}{}
		}
		currentCaps := capabilitiesOf(previous.RoleIDs, c.catalog)
		for cap := range capabilitiesOf(req.RoleIDs, c.catalog) {
			if _, held := currentCaps[cap]; held {
				continue
			}
			if _, ok := actorCaps[cap]; !ok {
				return &ValidationError{
					Code:    "permission-gap",
					Message: fmt.Sprintf("granting %q requires holding it yourself", cap),
				}
			}
		}
	}

	wasAdmin := hasAdminRole(previous.RoleIDs, c.catalog)
	staysAdmin := hasAdminRole(req.RoleIDs, c.catalog)
	if wasAdmin && !staysAdmin && c.view.AdminCount(req.OrgID, c.catalog) <= 1 {
		if !req.ConfirmHighRisk {
			return &ValidationError{
				Code:    "last-admin",
				Message: "removing the organization's last administrative role requires explicit confirmation",
			}
		}
	}

	return nil
}

func containsID(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
