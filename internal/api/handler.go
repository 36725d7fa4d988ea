package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/sentio/internal/alert"
	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/gateway"
	"github.com/nidhogg/sentio/internal/heartbeat"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the runtime components exposed over HTTP. Heartbeat, Alerts
// and Registry may be nil.
type Deps struct {
	Bus          *eventbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Store
	Optimizer    *delivery.Optimizer
	Gateway      *gateway.Server
	Heartbeat    *heartbeat.Scheduler
	Alerts       *alert.Dispatcher
	Registry     *prometheus.Registry
	CORSOrigins  []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Deps
	started time.Time
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, started: time.Now(), logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/ws", h.Gateway.ServeHTTP)
	if h.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/state", h.getState)
		r.Get("/performance", h.performance)
		r.Get("/events", h.listEvents)
		r.Get("/alerts", h.listAlerts)
		r.Post("/message", h.Gateway.HandleMessage)
		r.Post("/code", h.generateCode)

		r.Get("/modules", h.listModules)
		r.Put("/modules/{name}", h.setModuleActive)

		r.Post("/memory", h.storeMemory)
		r.Post("/memory/search", h.searchMemory)
		r.Get("/memory/stats", h.memoryStats)
		r.Post("/memory/consolidate", h.consolidate)
		r.Get("/memory/{id}", h.getMemory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.Orchestrator.State()
	body := map[string]interface{}{
		"status":        "ok",
		"uptime":        time.Since(h.started).Round(time.Second).String(),
		"clients":       h.Gateway.Clients(),
		"modules":       len(h.Orchestrator.Modules()),
		"memories":      h.Memory.Len(),
		"state_version": st.Version,
		"entropy":       orchestrator.Entropy(st),
		"bus":           h.Bus.Stats(),
	}
	if h.Heartbeat != nil {
		body["heartbeat"] = h.Heartbeat.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.State())
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Optimizer.Snapshot())
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	name := eventbus.Name(r.URL.Query().Get("name"))
	if name != "" && !eventbus.Known(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event name"})
		return
	}
	events := h.Bus.History(name, queryInt(r, "limit", 50))
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.Alerts == nil {
		writeJSON(w, http.StatusOK, []alert.Record{})
		return
	}
	writeJSON(w, http.StatusOK, h.Alerts.History(queryInt(r, "limit", 20)))
}

func (h *Handler) generateCode(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "description is required"})
		return
	}
	res, err := h.Orchestrator.GenerateCode(r.Context(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orchestrator.ErrNoGenerator) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Modules())
}

func (h *Handler) setModuleActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "active is required"})
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Orchestrator.SetActive(name, *req.Active); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "active": *req.Active})
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var in memory.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.Memory.Store(r.Context(), in)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrEmpty) || errors.Is(err, memory.ErrInvalidKind) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	var q memory.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	items, err := h.Memory.Retrieve(r.Context(), q)
	if err != nil {
		h.logger.Warn("memory search failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if items == nil {
		items = []memory.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Memory.Stats())
}

func (h *Handler) consolidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Memory.Consolidate(r.Context()))
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	it, err := h.Memory.Access(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
