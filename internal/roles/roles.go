// Package roles implements the district role-assignment flow: optimistic
// apply with a captured rollback snapshot, pre-apply validation, and offline
// queueing when the write cannot be confirmed.
package roles

import (
	"fmt"
	"sort"
	"sync"
)

// Role is one assignable district role.
type Role struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Admin         bool     `json:"admin,omitempty"`
	ConflictsWith []string `json:"conflictsWith,omitempty"`
}

// Assignment is one member's current role set within an organization.
type Assignment struct {
	UserID      string   `json:"userId"`
	OrgID       string   `json:"orgId"`
	RoleIDs     []string `json:"roleIds"`
	PendingSync bool     `json:"pendingSync,omitempty"`
}

func cloneAssignment(in Assignment) Assignment {
	out := in
	out.RoleIDs = append([]string(nil), in.RoleIDs...)
	return out
}

// Subject derives the outbox subject key for an assignment target.
func Subject(orgID, userID string) string {
	return orgID + "/" + userID
}

// View is the in-memory assignment state the UI renders from. Callers
// serialize writes per subject by awaiting the controller; the view itself
// only guards against torn reads.
type View struct {
	mu          sync.RWMutex
	assignments map[string]Assignment
}

// NewView builds an empty view.
func NewView() *View {
	return &View{assignments: make(map[string]Assignment)}
}

// Load replaces a member's assignment from fetched server state.
func (v *View) Load(a Assignment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assignments[Subject(a.OrgID, a.UserID)] = cloneAssignment(a)
}

// Get returns a member's assignment.
func (v *View) Get(orgID, userID string) (Assignment, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.assignments[Subject(orgID, userID)]
	if !ok {
		return Assignment{}, false
	}
	return cloneAssignment(a), true
}

// AdminCount reports how many members of the organization hold at least one
// administrative role, per the supplied catalog.
func (v *View) AdminCount(orgID string, catalog map[string]Role) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	count := 0
	for _, a := range v.assignments {
		if a.OrgID != orgID {
			continue
		}
		for _, id := range a.RoleIDs {
			if catalog[id].Admin {
				count++
				break
			}
		}
	}
	return count
}

func (v *View) set(a Assignment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assignments[Subject(a.OrgID, a.UserID)] = cloneAssignment(a)
}

// setPending flips the pending-sync marker on a member's assignment.
func (v *View) setPending(orgID, userID string, pending bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := Subject(orgID, userID)
	a, ok := v.assignments[key]
	if !ok {
		return
	}
	a.PendingSync = pending
	v.assignments[key] = a
}

// Command captures one intended assignment change together with the snapshot
// needed to undo it, so apply and rollback are testable without any
// rendering layer.
type Command struct {
	previous Assignment
	next     Assignment
}

// NewCommand snapshots previous state and records the intended change.
func NewCommand(previous, next Assignment) *Command {
	return &Command{
		previous: cloneAssignment(previous),
		next:     cloneAssignment(next),
	}
}

// Apply writes the intended change into the view.
func (c *Command) Apply(v *View) {
	v.set(c.next)
}

// Rollback restores the snapshot captured before the optimistic apply.
func (c *Command) Rollback(v *View) {
	v.set(c.previous)
}

// Previous exposes the captured snapshot for assertions and error surfaces.
func (c *Command) Previous() Assignment {
	return cloneAssignment(c.previous)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func capabilitiesOf(roleIDs []string, catalog map[string]Role) map[string]struct{} {
	caps := make(map[string]struct{})
	for _, id := range roleIDs {
		for _, cap := range catalog[id].Capabilities {
			caps[cap] = struct{}{}
		}
	}
	return caps
}

func hasAdminRole(roleIDs []string, catalog map[string]Role) bool {
	for _, id := range roleIDs {
		if catalog[id].Admin {
			return true
		}
	}
	return false
}

// ValidationError rejects an update before any optimistic apply happens.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("roles: %s: %s", e.Code, e.Message)
}
