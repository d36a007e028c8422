package roles

import "context"

// Store describes persistence operations required by the propagation service.
// Implementations must wrap connectivity and constraint failures with
// ErrDataAccess so callers can tell them apart from domain errors.
type Store interface {
	// PersistOrgRole upserts the user's role inside an organization.
	PersistOrgRole(ctx context.Context, userID, orgID, role string) error
	// FetchCurrentOrgRole returns the user's current org role, or "" when no
	// role is assigned.
	FetchCurrentOrgRole(ctx context.Context, userID, orgID string) (string, error)
	// DeleteOrgRole removes the user's org role. Deleting an absent role is
	// not an error.
	DeleteOrgRole(ctx context.Context, userID, orgID string) error

	PersistProjectRole(ctx context.Context, userID, projectID, role string) error
	FetchCurrentProjectRole(ctx context.Context, userID, projectID string) (string, error)
	DeleteProjectRole(ctx context.Context, userID, projectID string) error
}
