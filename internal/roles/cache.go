package roles

import "context"

// Invalidator clears cached authorization data after a role mutation. Called
// synchronously as part of handling each mutation, before fan-out completes;
// cache correctness never depends on the task queue.
type Invalidator interface {
	InvalidateRoleChange(ctx context.Context, userID string, scope Scope) error
	InvalidatePermissionChange(ctx context.Context, userID string, scope Scope) error
}
