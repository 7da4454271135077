package profileauthz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/oarkflow/date"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EvaluateRequest is the JSON body of POST /evaluate.
type EvaluateRequest struct {
	UserID     string         `json:"user_id"`
	Resource   string         `json:"resource"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Permission Permission     `json:"permission"`
	SessionID  string         `json:"session_id,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluateResponse carries the decision and, for structural failures, the error text.
type EvaluateResponse struct {
	Decision AccessDecision `json:"decision"`
	Error    string         `json:"error,omitempty"`
}

// AdminOptions configures the admin HTTP server.
type AdminOptions struct {
	// Gatherer backs GET /metrics; the route is not mounted when nil.
	Gatherer prometheus.Gatherer
	// EvaluateLimit caps POST /evaluate per client IP per minute; 0 disables the limit.
	EvaluateLimit int
}

// AdminServer exposes evaluation, policy management, audit and anomaly endpoints.
type AdminServer struct {
	engine  *Engine
	builder *ContextBuilder
	router  chi.Router
}

func NewAdminServer(engine *Engine, identity IdentityProvider, opts AdminOptions) *AdminServer {
	s := &AdminServer{
		engine:  engine,
		builder: NewContextBuilder(identity, engine.clock),
		router:  chi.NewRouter(),
	}
	evaluate := http.Handler(http.HandlerFunc(s.handleEvaluate))
	if opts.EvaluateLimit > 0 {
		evaluate = httprate.LimitByIP(opts.EvaluateLimit, time.Minute)(evaluate)
	}
	s.router.Method(http.MethodPost, "/evaluate", evaluate)
	s.router.Route("/policies", func(r chi.Router) {
		r.Get("/", s.handleListPolicies)
		r.Get("/{id}", s.handleGetPolicy)
		r.Put("/{id}", s.handlePutPolicy)
		r.Delete("/{id}", s.handleDeletePolicy)
		r.Get("/{id}/history", s.handlePolicyHistory)
	})
	s.router.Get("/audit", s.handleAudit)
	s.router.Post("/audit/flush", s.handleFlush)
	s.router.Get("/anomalies", s.handleAnomalies)
	s.router.Get("/stats", s.handleStats)
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ac, err := s.builder.Build(r.Context(), Request{
		UserID:     req.UserID,
		Resource:   req.Resource,
		OwnerID:    req.OwnerID,
		Permission: req.Permission,
		SessionID:  req.SessionID,
		DeviceID:   req.DeviceID,
		IP:         req.IP,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	d, err := s.engine.Evaluate(ac)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, EvaluateResponse{Decision: d, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, EvaluateResponse{Decision: d})
}

func (s *AdminServer) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListPolicies())
}

func (s *AdminServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPolicy(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *AdminServer) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.ID != id {
		writeError(w, http.StatusBadRequest, &ValidationError{Object: "policy", ID: p.ID, Field: "id", Reason: "body id does not match path"})
		return
	}
	_, getErr := s.engine.GetPolicy(id)
	if err := s.engine.UpsertPolicy(&p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	stored, err := s.engine.GetPolicy(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if getErr != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *AdminServer) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemovePolicy(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.PolicyHistory(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.engine.QueryAuditLog(filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseAuditFilter reads user, permission, outcome, from, to and limit query parameters.
func parseAuditFilter(r *http.Request) (AuditFilter, error) {
	q := r.URL.Query()
	filter := AuditFilter{
		UserID:     q.Get("user"),
		Permission: Permission(q.Get("permission")),
	}
	if v := q.Get("outcome"); v != "" {
		o, err := ParseOutcome(v)
		if err != nil {
			return filter, err
		}
		filter.Outcome = &o
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := date.Parse(v)
			if err != nil {
				return filter, &ValidationError{Object: "audit filter", Field: name, Reason: err.Error()}
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, &ValidationError{Object: "audit filter", Field: "limit", Reason: "not a number"}
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *AdminServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.FlushAudit(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"shipped": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipped": n})
}

func (s *AdminServer) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var users []string
	if u := r.URL.Query().Get("user"); u != "" {
		users = append(users, u)
	}
	devs := s.engine.DetectAnomalies(users...)
	if devs == nil {
		devs = []PatternDeviation{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
