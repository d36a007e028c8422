package roles

import "errors"

var (
	ErrInvalidInput = errors.New("roles: invalid input")
	ErrNotFound     = errors.New("roles: not found")

	// ErrDataAccess wraps persist/fetch/delete failures against the role
	// store. Surfaced synchronously to the caller of the triggering mutation.
	ErrDataAccess = errors.New("roles: data access failed")

	// ErrCacheInvalidation marks a failed invalidation call. The mutation is
	// already persisted at that point, so it is logged rather than returned.
	ErrCacheInvalidation = errors.New("roles: cache invalidation failed")

	// ErrSessionUpdate marks a failed per-session reload inside a fan-out
	// task. Retried up to the attempt budget before the task fails.
	ErrSessionUpdate = errors.New("roles: session update failed")

	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("roles: service closed")
)
