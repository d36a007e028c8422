// Package roles implements role-assignment propagation: every role mutation
// is persisted, invalidates cached authorization data and fans out to each of
// the affected user's live sessions through an asynchronous task queue, with
// independent tracking of concurrent propagation events.
package roles

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/audit"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/ids"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/obs"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/queue"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/session"
)

const (
	defaultEventTTL        = 5 * time.Minute
	defaultJanitorInterval = 30 * time.Second
)

// Service is the single entry point coordinating mutation bookkeeping, cache
// invalidation and session fan-out. Mutations return as soon as the change is
// persisted and fan-out is dispatched; they never wait for task completion.
type Service struct {
	store      Store
	cache      Invalidator
	registry   *session.Registry
	queue      *queue.Queue
	now        func() time.Time
	eventTTL   time.Duration
	sweepEvery time.Duration

	// queueOpts collects queue options supplied through ServiceOption
	// wrappers before the queue is built.
	queueOpts []queue.Option

	mu     sync.Mutex
	events map[string]*trackedEvent
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// trackedEvent aggregates per-task outcomes for one propagation event.
type trackedEvent struct {
	event     RoleAssignmentEvent
	remaining int
	failed    bool
	doneAt    time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithEventTTL sets how long terminal events stay queryable before the
// janitor drops them from tracking.
func WithEventTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.eventTTL = ttl
		}
		return nil
	}
}

// WithWorkers bounds fan-out concurrency.
func WithWorkers(n int) ServiceOption {
	return queueOption(queue.WithWorkers(n))
}

// WithMaxAttempts sets the per-task attempt budget.
func WithMaxAttempts(n int) ServiceOption {
	return queueOption(queue.WithMaxAttempts(n))
}

// WithBackoff sets the base retry delay for failed session updates.
func WithBackoff(d time.Duration) ServiceOption {
	return queueOption(queue.WithBackoff(d))
}

// WithTaskTimeout sets the propagation latency budget per task.
func WithTaskTimeout(d time.Duration) ServiceOption {
	return queueOption(queue.WithTaskTimeout(d))
}

// WithRateLimit paces session reload calls.
func WithRateLimit(perSecond, burst int) ServiceOption {
	return queueOption(queue.WithRateLimit(perSecond, burst))
}

func queueOption(opt queue.Option) ServiceOption {
	return func(s *Service) error {
		s.queueOpts = append(s.queueOpts, opt)
		return nil
	}
}

// NewService constructs the propagation service. It owns the session registry
// and the task queue it creates; Close releases both. The store, invalidator
// and session manager are injected collaborators.
func NewService(store Store, inv Invalidator, mgr session.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: cache invalidator is required", ErrInvalidInput)
	}
	if mgr == nil {
		return nil, fmt.Errorf("%w: session manager is required", ErrInvalidInput)
	}
	s := &Service{
		store:       store,
		cache:       inv,
		registry:    session.NewRegistry(),
		now:         time.Now,
		eventTTL:    defaultEventTTL,
		events:      make(map[string]*trackedEvent),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	// The sweep must run at least twice per TTL or short TTLs would not be
	// honored on time.
	s.sweepEvery = defaultJanitorInterval
	if half := s.eventTTL / 2; half < s.sweepEvery {
		s.sweepEvery = half
	}
	if s.sweepEvery < time.Millisecond {
		s.sweepEvery = time.Millisecond
	}
	s.queue = queue.New(mgr, append(s.queueOpts, queue.WithCompletionHook(s.onTaskDone))...)
	go s.janitor()
	return s, nil
}

// AssignOrgRole persists the role and starts propagation.
func (s *Service) AssignOrgRole(ctx context.Context, userID, orgID, role string) (RoleAssignmentEvent, error) {
	userID, orgID, role = strings.TrimSpace(userID), strings.TrimSpace(orgID), strings.TrimSpace(role)
	if userID == "" || orgID == "" || role == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id, org_id and role are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.PersistOrgRole(ctx, userID, orgID, role); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventOrgRoleAssigned, userID, Scope{OrgID: orgID}, role, ""), nil
}

// UpdateOrgRole captures the previous role, persists the new one and starts
// propagation. The read-then-write through the store is what gives two
// sequential mutations for the same user and scope their causal order.
func (s *Service) UpdateOrgRole(ctx context.Context, userID, orgID, role string) (RoleAssignmentEvent, error) {
	userID, orgID, role = strings.TrimSpace(userID), strings.TrimSpace(orgID), strings.TrimSpace(role)
	if userID == "" || orgID == "" || role == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id, org_id and role are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	prev, err := s.store.FetchCurrentOrgRole(ctx, userID, orgID)
	if err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.PersistOrgRole(ctx, userID, orgID, role); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventOrgRoleUpdated, userID, Scope{OrgID: orgID}, role, prev), nil
}

// RemoveOrgRole deletes the role, capturing the previous value first.
func (s *Service) RemoveOrgRole(ctx context.Context, userID, orgID string) (RoleAssignmentEvent, error) {
	userID, orgID = strings.TrimSpace(userID), strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id and org_id are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	prev, err := s.store.FetchCurrentOrgRole(ctx, userID, orgID)
	if err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.DeleteOrgRole(ctx, userID, orgID); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventOrgRoleRemoved, userID, Scope{OrgID: orgID}, "", prev), nil
}

// AssignProjectRole mirrors AssignOrgRole at project scope.
func (s *Service) AssignProjectRole(ctx context.Context, userID, projectID, role string) (RoleAssignmentEvent, error) {
	userID, projectID, role = strings.TrimSpace(userID), strings.TrimSpace(projectID), strings.TrimSpace(role)
	if userID == "" || projectID == "" || role == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id, project_id and role are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.PersistProjectRole(ctx, userID, projectID, role); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventProjectRoleAssigned, userID, Scope{ProjectID: projectID}, role, ""), nil
}

// UpdateProjectRole mirrors UpdateOrgRole at project scope.
func (s *Service) UpdateProjectRole(ctx context.Context, userID, projectID, role string) (RoleAssignmentEvent, error) {
	userID, projectID, role = strings.TrimSpace(userID), strings.TrimSpace(projectID), strings.TrimSpace(role)
	if userID == "" || projectID == "" || role == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id, project_id and role are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	prev, err := s.store.FetchCurrentProjectRole(ctx, userID, projectID)
	if err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.PersistProjectRole(ctx, userID, projectID, role); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventProjectRoleUpdated, userID, Scope{ProjectID: projectID}, role, prev), nil
}

// RemoveProjectRole mirrors RemoveOrgRole at project scope.
func (s *Service) RemoveProjectRole(ctx context.Context, userID, projectID string) (RoleAssignmentEvent, error) {
	userID, projectID = strings.TrimSpace(userID), strings.TrimSpace(projectID)
	if userID == "" || projectID == "" {
		return RoleAssignmentEvent{}, fmt.Errorf("%w: user_id and project_id are required", ErrInvalidInput)
	}
	if err := s.checkOpen(); err != nil {
		return RoleAssignmentEvent{}, err
	}
	prev, err := s.store.FetchCurrentProjectRole(ctx, userID, projectID)
	if err != nil {
		return RoleAssignmentEvent{}, err
	}
	if err := s.store.DeleteProjectRole(ctx, userID, projectID); err != nil {
		return RoleAssignmentEvent{}, err
	}
	return s.propagate(ctx, EventProjectRoleRemoved, userID, Scope{ProjectID: projectID}, "", prev), nil
}

// RegisterUserSession adds a session to the fan-out targets for a user.
func (s *Service) RegisterUserSession(userID, sessionID string) {
	s.registry.Register(userID, sessionID)
}

// UnregisterUserSession removes a session from the fan-out targets.
func (s *Service) UnregisterUserSession(userID, sessionID string) {
	s.registry.Unregister(userID, sessionID)
}

// UserSessions returns a snapshot of the user's active sessions.
func (s *Service) UserSessions(userID string) []string {
	return s.registry.Sessions(userID)
}

// EventStatus returns the tracked state of an event, or nil when the event is
// unknown or has expired from tracking.
func (s *Service) EventStatus(eventID string) *RoleAssignmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.events[eventID]
	if !ok {
		return nil
	}
	ev := te.event
	return &ev
}

// QueueStatus returns a point-in-time snapshot of task counts.
func (s *Service) QueueStatus() queue.Snapshot {
	return s.queue.Status()
}

// Close stops background processing. In-flight tasks finish; pending tasks
// are abandoned. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.janitorStop)
		s.queue.Close()
		<-s.janitorDone
	})
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// propagate builds and tracks the event, invalidates caches and enqueues one
// task per registered session. The persisted mutation already stands at this
// point, so failures here degrade the event rather than surface to the caller.
func (s *Service) propagate(ctx context.Context, typ EventType, userID string, scope Scope, role, prevRole string) RoleAssignmentEvent {
	event := RoleAssignmentEvent{
		ID:                ids.New(),
		Type:              typ,
		UserID:            userID,
		OrgID:             scope.OrgID,
		ProjectID:         scope.ProjectID,
		Role:              role,
		PreviousRole:      prevRole,
		Timestamp:         s.now().UTC(),
		PropagationStatus: PropagationInProgress,
	}

	if err := s.cache.InvalidateRoleChange(ctx, userID, event.Scope()); err != nil {
		event.CacheError = err.Error()
		obs.CacheInvalidationFailures.Inc()
		obs.LogEvent(map[string]any{
			"level":    "warn",
			"msg":      "cache invalidation failed",
			"event_id": event.ID,
			"user_id":  userID,
			"error":    err.Error(),
		})
	}

	sessions := s.registry.Sessions(userID)
	if len(sessions) == 0 {
		event.PropagationStatus = PropagationCompleted
	}

	s.mu.Lock()
	te := &trackedEvent{event: event, remaining: len(sessions)}
	if len(sessions) == 0 {
		te.doneAt = s.now()
	}
	s.events[event.ID] = te
	s.mu.Unlock()

	if len(sessions) == 0 {
		obs.EventsTotal.WithLabelValues(string(typ), string(PropagationCompleted)).Inc()
	}
	for _, sid := range sessions {
		ok := s.queue.Enqueue(queue.Task{
			SessionID:  sid,
			UserID:     userID,
			EventID:    event.ID,
			EnqueuedAt: s.now(),
		})
		if !ok {
			s.onTaskDone(queue.Task{EventID: event.ID, SessionID: sid, Status: queue.StatusFailed})
		}
	}

	_ = audit.LogEvent(ctx, auditEventName(typ), map[string]any{
		"event_id":      event.ID,
		"user_id":       userID,
		"org_id":        scope.OrgID,
		"project_id":    scope.ProjectID,
		"role":          role,
		"previous_role": prevRole,
		"sessions":      len(sessions),
	})

	return event
}

// onTaskDone is the queue completion hook aggregating task outcomes into the
// owning event's status.
func (s *Service) onTaskDone(t queue.Task) {
	s.mu.Lock()
	te, ok := s.events[t.EventID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if t.Status == queue.StatusFailed {
		te.failed = true
	}
	te.remaining--
	var terminal PropagationStatus
	if te.remaining <= 0 && te.event.PropagationStatus == PropagationInProgress {
		if te.failed {
			te.event.PropagationStatus = PropagationFailed
		} else {
			te.event.PropagationStatus = PropagationCompleted
		}
		te.doneAt = s.now()
		terminal = te.event.PropagationStatus
	}
	typ := te.event.Type
	s.mu.Unlock()

	if terminal != "" {
		obs.EventsTotal.WithLabelValues(string(typ), string(terminal)).Inc()
	}
}

// janitor drops terminal events from tracking once their TTL elapses.
func (s *Service) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.eventTTL)
			s.mu.Lock()
			for id, te := range s.events {
				if te.event.Terminal() && !te.doneAt.IsZero() && te.doneAt.Before(cutoff) {
					delete(s.events, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func auditEventName(typ EventType) string {
	switch typ {
	case EventOrgRoleAssigned, EventProjectRoleAssigned:
		return "role.assigned"
	case EventOrgRoleUpdated, EventProjectRoleUpdated:
		return "role.updated"
	default:
		return "role.removed"
	}
}
