package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"ultrasonic-sim/internal/config"
	"ultrasonic-sim/internal/logging"
	"ultrasonic-sim/internal/models"
	"ultrasonic-sim/internal/ratelimit"
	"ultrasonic-sim/internal/store"
	"ultrasonic-sim/internal/telemetry"
	"ultrasonic-sim/internal/validation"
	"ultrasonic-sim/internal/worker"
)

const maxBodyBytes = 1 << 20

// Service is the simulation lifecycle used by the handlers.
type Service interface {
	Submit(ctx context.Context, p models.SimulationParams) (models.Simulation, error)
	Run(ctx context.Context, id int64) (models.Simulation, error)
	Delete(ctx context.Context, id int64) error
	CountRunning(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]models.Simulation, error)
	Get(ctx context.Context, id int64) (models.Simulation, error)
	ListByPorosity(ctx context.Context, porosity float64) ([]models.Simulation, error)
	ListByDistance(ctx context.Context, substr string) ([]models.Simulation, error)
	Artifact(ctx context.Context, id int64) (models.Artifact, error)
}

// Server wires HTTP handlers for the simulation API.
type Server struct {
	cfg     config.Config
	svc     Service
	events  http.Handler
	limiter *ratelimit.TokenBucket
	log     logrus.FieldLogger
}

// New constructs the API server. events serves the WebSocket channel and
// limiter may be nil to disable rate limiting.
func New(cfg config.Config, svc Service, events http.Handler, limiter *ratelimit.TokenBucket, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		events:  events,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>API is Working c:<h1>"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	if s.events != nil {
		r.Handle("/ws", s.events)
	}

	limited := func(next http.HandlerFunc) http.Handler {
		if s.limiter == nil {
			return next
		}
		return ratelimit.Middleware(s.limiter, s.log)(next)
	}

	r.Get("/simulations", s.handleList)
	r.Method(http.MethodPost, "/simulations", limited(s.handleCreate))
	r.Delete("/simulations/{id}", s.handleDelete)
	r.Method(http.MethodPut, "/simulations/{id}/run", limited(s.handleRun))

	r.Get("/Load_data/{id}", s.handleGet)
	r.Get("/Load_data_test/{id}", s.handleGet)
	r.Get("/Load_data/porosity/{v}", s.handleByPorosity)
	r.Get("/Load_data/distance/{v}", s.handleByDistance)
	r.Get("/Load_data/download/{v}", s.handleDownload)
	r.Get("/Active_Simulations", s.handleActive)
	return r
}

type simulationResponse struct {
	Status     string            `json:"status"`
	Simulation models.Simulation `json:"simulation"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	params, err := validation.Decode(body)
	if err != nil {
		var kindErr *validation.KindError
		if errors.As(err, &kindErr) || errors.Is(err, validation.ErrMalformedBody) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, "could not decode simulation", err)
		return
	}

	sim, err := s.svc.Submit(r.Context(), params)
	if err != nil {
		s.internalError(w, r, "could not create simulation", err)
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{Status: "success", Simulation: sim})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sims, err := s.svc.List(r.Context())
	if err != nil {
		s.internalError(w, r, "could not list simulations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sims))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sim, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (s *Server) handleByPorosity(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "v")
	porosity, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(porosity) || math.IsInf(porosity, 0) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("porosity must be a finite number, got %q", raw))
		return
	}
	sims, err := s.svc.ListByPorosity(r.Context(), porosity)
	if err != nil {
		s.internalError(w, r, "could not filter simulations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sims))
}

func (s *Server) handleByDistance(w http.ResponseWriter, r *http.Request) {
	sims, err := s.svc.ListByDistance(r.Context(), chi.URLParam(r, "v"))
	if err != nil {
		s.internalError(w, r, "could not filter simulations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sims))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "v")
	if !ok {
		return
	}
	art, err := s.svc.Artifact(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Content)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

// handleRun starts a run from the stored parameters. A request body, if
// any, is ignored.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sim, err := s.svc.Run(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{Status: "success", Simulation: sim})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.CountRunning(r.Context())
	if err != nil {
		s.internalError(w, r, "could not count running simulations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// storeError maps lifecycle sentinels to status codes and falls back to 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNoArtifact):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, worker.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.internalError(w, r, "request failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": w.Header().Get("X-Request-ID"),
	}).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Message: msg, Details: err.Error()})
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid simulation id %q", raw))
		return 0, false
	}
	return id, true
}

func nonNil(sims []models.Simulation) []models.Simulation {
	if sims == nil {
		return []models.Simulation{}
	}
	return sims
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
