package session

import "context"

// Manager is the collaborator that applies a role change to one live session.
// Implementations push the refreshed authorization view to the session's
// transport (WebSocket, polling channel, server-side state); failures may be
// transient and are retried by the task queue.
type Manager interface {
	ReloadSessionAuthorization(ctx context.Context, sessionID string) error
}

// ManagerFunc adapts a function to the Manager interface.
type ManagerFunc func(ctx context.Context, sessionID string) error

func (f ManagerFunc) ReloadSessionAuthorization(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}
