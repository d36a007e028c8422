package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/audit"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

type orgRoleRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

type projectRoleRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
}

type sessionRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// handleOrgRoles dispatches org-scoped role mutations. The mutation returns
// as soon as the change is persisted; the response carries the propagation
// event so callers can poll its status.
func (a *API) handleOrgRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodPatch, http.MethodDelete)
		return
	}
	var req orgRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		event roles.RoleAssignmentEvent
		err   error
	)
	switch r.Method {
	case http.MethodPut:
		event, err = a.svc.AssignOrgRole(r.Context(), req.UserID, req.OrgID, req.Role)
	case http.MethodPatch:
		event, err = a.svc.UpdateOrgRole(r.Context(), req.UserID, req.OrgID, req.Role)
	default:
		event, err = a.svc.RemoveOrgRole(r.Context(), req.UserID, req.OrgID)
	}
	if err != nil {
		handleRoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

// handleProjectRoles mirrors handleOrgRoles at project scope.
func (a *API) handleProjectRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodPatch, http.MethodDelete)
		return
	}
	var req projectRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		event roles.RoleAssignmentEvent
		err   error
	)
	switch r.Method {
	case http.MethodPut:
		event, err = a.svc.AssignProjectRole(r.Context(), req.UserID, req.ProjectID, req.Role)
	case http.MethodPatch:
		event, err = a.svc.UpdateProjectRole(r.Context(), req.UserID, req.ProjectID, req.Role)
	default:
		event, err = a.svc.RemoveProjectRole(r.Context(), req.UserID, req.ProjectID)
	}
	if err != nil {
		handleRoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

// handleSessions registers and unregisters fan-out targets.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodDelete:
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and session_id are required")
		return
	}
	if r.Method == http.MethodPost {
		a.svc.RegisterUserSession(req.UserID, req.SessionID)
		_ = audit.LogEvent(r.Context(), "session.registered", map[string]any{
			"user_id":    req.UserID,
			"session_id": req.SessionID,
		})
	} else {
		a.svc.UnregisterUserSession(req.UserID, req.SessionID)
		_ = audit.LogEvent(r.Context(), "session.unregistered", map[string]any{
			"user_id":    req.UserID,
			"session_id": req.SessionID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleRoleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, roles.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, roles.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, roles.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, roles.ErrDataAccess):
		writeError(w, r, http.StatusBadGateway, "role store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
