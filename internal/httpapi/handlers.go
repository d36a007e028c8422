// Package httpapi exposes the read-only status surface of the propagation
// service: health probes, metrics and event/queue status queries.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/obs"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

// ReadyProbe pings the role store so /readyz reflects database reachability.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	svc        *roles.Service
	version    string
}

func New(rp ReadyProbe, svc *roles.Service, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		svc:        svc,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/org-roles", a.handleOrgRoles)
	a.mux.HandleFunc("/v1/project-roles", a.handleProjectRoles)
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)

	a.mux.HandleFunc("/v1/propagation/events/", a.EventStatus)
	a.mux.HandleFunc("/v1/propagation/queue", a.QueueStatus)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(Actor(Logging(a.mux))))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rolesyncd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "rolesyncd",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// EventStatus reports the tracked state of one propagation event. Terminal
// events expire from tracking after a TTL, after which this returns 404.
func (a *API) EventStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/propagation/events/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	event := a.svc.EventStatus(id)
	if event == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "event not found or expired",
		})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// QueueStatus reports point-in-time task counts across the whole queue.
func (a *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.QueueStatus())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
