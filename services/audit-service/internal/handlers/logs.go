package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/ingest"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/storage"
)

type LogHandler struct {
	svc    *ingest.Service
	logger *slog.Logger
}

func NewLogHandler(svc *ingest.Service, logger *slog.Logger) *LogHandler {
	return &LogHandler{svc: svc, logger: logger}
}

// Register mounts the routes. POST /log is reached by services on the internal
// network only; the gateway does not route it.
func (h *LogHandler) Register(mux *http.ServeMux, verifier *auth.Verifier) {
	mux.HandleFunc("POST /log", h.Ingest)
	mux.Handle("GET /logs", httpx.Chain(http.HandlerFunc(h.List), auth.Require(verifier), auth.RequireRole(auth.RoleAdmin)))
}

func (h *LogHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var evt audit.Event
	if err := httpx.DecodeJSON(r, &evt); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rec, err := h.svc.Record(r.Context(), evt)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "store audit event failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"status": "logged", "id": rec.ID})
}

func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		Service: q.Get("service"),
		Event:   q.Get("event"),
		Level:   q.Get("level"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.WriteError(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	events, err := h.svc.List(r.Context(), f)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "list audit events failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
