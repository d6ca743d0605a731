// Package gateway exposes plan executions over HTTP and streams plan events
// over WebSocket for browser and CLI clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/plangraph/internal/audit"
	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/coordinator"
	"github.com/basket/plangraph/internal/otel"
	"github.com/basket/plangraph/internal/persistence"
	"github.com/basket/plangraph/internal/plan"
	"github.com/basket/plangraph/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultListLimit = 50
	maxRequestBytes  = 1 << 20
)

type Config struct {
	Store    *persistence.Store
	Executor *coordinator.Executor
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer

	AuthToken string

	// AllowOrigins is the Origin allowlist for CORS and WebSocket
	// handshakes. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	auth   *AuthMiddleware
	logger *slog.Logger
	tracer trace.Tracer

	// ctx outlives requests; resumed executions run under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	resuming map[string]bool
}

func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		auth:     NewAuthMiddleware(cfg.AuthToken),
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		resuming: map[string]bool{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	return s
}

// Handler returns the gateway's routes wrapped in CORS, size limit, auth and
// tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/layers", s.handleLayers)
	mux.HandleFunc("POST /api/executions/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.traced(h)
}

// Close cancels resumed executions started by retry requests and waits for
// them to record their final state.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(r.Context()) == nil
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"subscribers":        subscribers,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.cfg.Store.ListExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []persistence.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, p, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": rec, "plan": p})
}

type stepView struct {
	ID     string      `json:"id"`
	Tool   string      `json:"tool"`
	Status plan.Status `json:"status"`
	Icon   string      `json:"icon"`
	Reason string      `json:"reason,omitempty"`
}

type layerView struct {
	Depth int        `json:"depth"`
	Steps []stepView `json:"steps"`
}

type danglingView struct {
	StepID       string `json:"step_id"`
	DependencyID string `json:"dependency_id"`
}

type layersResponse struct {
	ExecutionID string         `json:"execution_id"`
	PlanID      string         `json:"plan_id"`
	Layers      []layerView    `json:"layers"`
	Edges       []plan.Edge    `json:"edges"`
	Dangling    []danglingView `json:"dangling"`
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	rec, p, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	layering, err := plan.ComputeLayers(p.Steps)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := layersResponse{
		ExecutionID: rec.ID,
		PlanID:      p.ID,
		Layers:      make([]layerView, 0, len(layering.Layers)),
		Edges:       layering.Edges(),
		Dangling:    make([]danglingView, 0, len(layering.Dangling)),
	}
	if resp.Edges == nil {
		resp.Edges = []plan.Edge{}
	}
	for _, layer := range layering.Layers {
		lv := layerView{Depth: layer.Depth, Steps: make([]stepView, 0, len(layer.Steps))}
		for _, st := range layer.Steps {
			lv.Steps = append(lv.Steps, stepView{
				ID:     st.ID,
				Tool:   st.Tool,
				Status: st.Status,
				Icon:   st.Status.Icon(),
				Reason: st.Reason,
			})
		}
		resp.Layers = append(resp.Layers, lv)
	}
	for _, d := range layering.Dangling {
		resp.Dangling = append(resp.Dangling, danglingView{StepID: d.StepID, DependencyID: d.DependencyID})
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryRequest struct {
	StepID string `json:"step_id"`
}

type retryResponse struct {
	ExecutionID string   `json:"execution_id"`
	StepID      string   `json:"step_id"`
	Reset       []string `json:"reset"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "retry not available: executor not configured")
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.StepID = strings.TrimSpace(req.StepID)
	if req.StepID == "" {
		writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}

	execID := r.PathValue("id")
	ev := audit.Event{
		Action:      "retry",
		Outcome:     audit.Rejected,
		ExecutionID: execID,
		StepID:      req.StepID,
		Subject:     r.RemoteAddr,
		TraceID:     shared.TraceID(r.Context()),
	}
	if err := s.claim(execID); err != nil {
		ev.Detail = err.Error()
		audit.Record(ev)
		if errors.Is(err, errClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusConflict, "execution "+execID+" is running")
		return
	}
	started := false
	defer func() {
		if !started {
			s.release(execID)
		}
	}()

	_, p, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	reset, err := s.cfg.Executor.PrepareRetry(r.Context(), execID, p, req.StepID)
	if err != nil {
		var nf *plan.StepNotFoundError
		ev.Detail = err.Error()
		audit.Record(ev)
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "step_id": nf.StepID})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ev.Outcome = audit.Accepted
	ev.Detail = "reset " + strings.Join(reset, ",")
	audit.Record(ev)

	started = true
	go func() {
		defer s.release(execID)
		res, err := s.cfg.Executor.Resume(s.ctx, execID, p)
		if err != nil {
			s.logger.Warn("resumed execution ended with error", "execution_id", execID, "error", err)
			return
		}
		s.logger.Info("resumed execution finished", "execution_id", execID, "status", string(res.Status))
	}()

	writeJSON(w, http.StatusAccepted, retryResponse{ExecutionID: execID, StepID: req.StepID, Reset: reset})
}

var (
	errClosed  = errors.New("gateway is shutting down")
	errRunning = errors.New("execution is running")
)

// claim marks execID as being resumed by this server and counts it towards
// Close. It fails after Close, while the executor is still running the
// execution, or while another retry already claimed it. Every successful
// claim must be paired with release.
func (s *Server) claim(execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return errClosed
	}
	if s.resuming[execID] || s.cfg.Executor.Active(execID) {
		return errRunning
	}
	s.resuming[execID] = true
	s.wg.Add(1)
	return nil
}

func (s *Server) release(execID string) {
	s.mu.Lock()
	delete(s.resuming, execID)
	s.mu.Unlock()
	s.wg.Done()
}

// loadExecution loads the record and plan named by the {id} path value,
// writing a 404 or 500 and returning false when it cannot.
func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request) (*persistence.ExecutionRecord, *plan.Plan, bool) {
	execID := r.PathValue("id")
	rec, err := s.cfg.Store.GetExecution(r.Context(), execID)
	if err == nil {
		var p *plan.Plan
		if p, err = s.cfg.Store.LoadPlan(r.Context(), execID); err == nil {
			return rec, p, true
		}
	}
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution "+execID+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return nil, nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
