package roles

import "time"

// EventType identifies the kind of role mutation an event tracks.
type EventType string

const (
	EventOrgRoleAssigned     EventType = "org_role_assigned"
	EventOrgRoleUpdated      EventType = "org_role_updated"
	EventOrgRoleRemoved      EventType = "org_role_removed"
	EventProjectRoleAssigned EventType = "project_role_assigned"
	EventProjectRoleUpdated  EventType = "project_role_updated"
	EventProjectRoleRemoved  EventType = "project_role_removed"
)

// PropagationStatus is the aggregate fan-out state of an event.
type PropagationStatus string

const (
	PropagationInProgress PropagationStatus = "in_progress"
	PropagationCompleted  PropagationStatus = "completed"
	PropagationFailed     PropagationStatus = "failed"
)

// Scope identifies where a role applies. Exactly one of OrgID or ProjectID is
// set for the events this service produces.
type Scope struct {
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// RoleAssignmentEvent is the trackable record of one role mutation, from the
// persisted change through full session fan-out.
type RoleAssignmentEvent struct {
	ID                string            `json:"id"`
	Type              EventType         `json:"type"`
	UserID            string            `json:"user_id"`
	OrgID             string            `json:"org_id,omitempty"`
	ProjectID         string            `json:"project_id,omitempty"`
	Role              string            `json:"role,omitempty"`
	PreviousRole      string            `json:"previous_role,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	PropagationStatus PropagationStatus `json:"propagation_status"`

	// CacheError carries a cache-invalidation failure for observability.
	// A stale cache is a correctness risk even though it does not fail the
	// event itself.
	CacheError string `json:"cache_error,omitempty"`
}

// Scope returns the scope descriptor for the event.
func (e RoleAssignmentEvent) Scope() Scope {
	return Scope{OrgID: e.OrgID, ProjectID: e.ProjectID}
}

// Terminal reports whether fan-out for the event has finished.
func (e RoleAssignmentEvent) Terminal() bool {
	return e.PropagationStatus != PropagationInProgress
}
