package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/downloader"
	"github.com/technosupport/protect-downloader/internal/history"
	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/nvr/protect"
)

type StreamStatus interface {
	Connected() bool
	LastUpdateID() string
}

type CameraSource interface {
	Targets() []protect.Camera
	PendingMotion() (smart, basic int)
}

type QueueStatus interface {
	Status() downloader.QueueStatus
}

type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Deps are the components the status API reads from. History may be nil.
type Deps struct {
	Stream  StreamStatus
	Cameras CameraSource
	Queue   QueueStatus
	History HistorySource
	Logger  logrus.FieldLogger
}

type Handler struct {
	deps    Deps
	log     logrus.FieldLogger
	started time.Time
}

// NewRouter builds the read-only status API.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{deps: deps, log: logging.Component(deps.Logger, "api"), started: time.Now()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cameras", h.Cameras)
		r.Get("/queue", h.Queue)
		r.Get("/downloads", h.Downloads)
	})
	return r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	connected := h.deps.Stream.Connected()
	status := http.StatusOK
	state := "ok"
	if !connected {
		status = http.StatusServiceUnavailable
		state = "disconnected"
	}
	respondJSON(w, status, map[string]any{
		"status":         state,
		"connected":      connected,
		"last_update_id": h.deps.Stream.LastUpdateID(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// GET /api/cameras
func (h *Handler) Cameras(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.deps.Cameras.Targets())
}

// GET /api/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Queue.Status()
	smart, basic := h.deps.Cameras.PendingMotion()
	respondJSON(w, http.StatusOK, map[string]any{
		"depth":             len(st.Pending),
		"pending":           st.Pending,
		"in_flight":         st.InFlight,
		"scheduled_retries": st.ScheduledRetries,
		"open_motion": map[string]int{
			"smart": smart,
			"basic": basic,
		},
	})
}

// GET /api/downloads?limit=
func (h *Handler) Downloads(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		respondError(w, http.StatusNotFound, "download history is disabled")
		return
	}

	limit := history.DefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	entries, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list download history")
		respondError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}
