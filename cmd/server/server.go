package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/auth"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/internal/metrics"
	"github.com/liamcoop/dealflow/multitenantengine"
	"github.com/liamcoop/dealflow/notify"
	"github.com/liamcoop/dealflow/rules"
	"github.com/liamcoop/dealflow/scheduler"
	"github.com/liamcoop/dealflow/workflow"
)

const (
	// PermissionManageRules is required to author business rules
	PermissionManageRules = "business_rule:manage"

	// PermissionManageSchema is required to change the tenant's custom fields
	PermissionManageSchema = "tenant:admin"

	defaultPageSize     = 50
	maxPageSize         = 200
	requestTimeout      = 60 * time.Second
	notificationsListed = 50
)

// NotificationReader lists a user's pending notifications within a tenant
type NotificationReader interface {
	Pending(ctx context.Context, tenantID, userID string, limit int) ([]notify.Notification, error)
}

// Server is the REST API over the tenant engines
type Server struct {
	manager       *multitenantengine.Manager
	authenticator *auth.Authenticator
	notifications NotificationReader
	ping          func(context.Context) error
	router        *chi.Mux
}

// NewServer creates the API. ping reports backing store health; nil always succeeds.
func NewServer(manager *multitenantengine.Manager, authenticator *auth.Authenticator, notifications NotificationReader, ping func(context.Context) error) *Server {
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	s := &Server{
		manager:       manager,
		authenticator: authenticator,
		notifications: notifications,
		ping:          ping,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticator.Middleware)

		r.Route("/business-rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.With(s.require(PermissionManageRules)).Post("/", s.handleCreateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Group(func(r chi.Router) {
					r.Use(s.require(PermissionManageRules))
					r.Put("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Post("/activate", s.handleActivateRule)
					r.Post("/deactivate", s.handleDeactivateRule)
					r.Post("/test", s.handleTestRule)
					r.Post("/run", s.handleRunRule)
				})
			})
		})

		r.Route("/deals/{dealId}", func(r chi.Router) {
			r.Post("/wfm-progress", s.handleDealProgress)
			r.Get("/probability", s.handleDealProbability)
		})

		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{workflowId}/steps", s.handleWorkflowSteps)

		r.Post("/events", s.handleEvent)
		r.Get("/entities/{entityId}/activities", s.handleActivities)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/tasks", s.handleTasks)

		r.Get("/schema", s.handleGetSchema)
		r.With(s.require(PermissionManageSchema)).Put("/schema", s.handleUpdateSchema)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and counts it by route and status
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx()
		}
		logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// require rejects actors without permission
func (s *Server) require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := auth.ActorFrom(r.Context())
			if !actor.Has(permission) {
				respondError(w, http.StatusForbidden, "FORBIDDEN", "missing permission "+permission, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tenant resolves the authenticated actor's tenant
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (*multitenantengine.Tenant, auth.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing actor", nil)
		return nil, actor, false
	}
	t, err := s.manager.Tenant(actor.TenantID)
	if err != nil {
		respondErr(w, err)
		return nil, actor, false
	}
	return t, actor, true
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
		Errors:        logger.TotalErrors.Load(),
		Warnings:      logger.TotalWarnings.Load(),
	}
	if err := s.ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	list, total, err := t.Engine.ListRules(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}

	conn := RuleConnection{Nodes: make([]RuleResponse, 0, len(list)), TotalCount: total}
	for _, rule := range list {
		conn.Nodes = append(conn.Nodes, newRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, conn)
}

func parseListFilter(r *http.Request) (rules.ListFilter, error) {
	q := r.URL.Query()
	filter := rules.ListFilter{
		TriggerType: rules.TriggerType(strings.ToUpper(q.Get("triggerType"))),
		Status:      rules.Status(strings.ToUpper(q.Get("status"))),
		Limit:       defaultPageSize,
	}
	if v := q.Get("entityType"); v != "" {
		t, err := entity.ParseType(v)
		if err != nil {
			return filter, err
		}
		filter.EntityType = t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	t, actor, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var in rules.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}

	rule, err := t.Engine.AddRule(r.Context(), in, actor.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, newRuleResponse(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	rule, err := t.Engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var in rules.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}

	rule, err := t.Engine.UpdateRule(r.Context(), chi.URLParam(r, "ruleId"), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleResponse(rule))
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleStatus(w, r, (*rules.Engine).Activate)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleStatus(w, r, (*rules.Engine).Deactivate)
}

func (s *Server) setRuleStatus(w http.ResponseWriter, r *http.Request, set func(*rules.Engine, context.Context, string) (*rules.BusinessRule, error)) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	rule, err := set(t.Engine, r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if err := t.Engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DeleteResponse{Success: true, Message: "Business rule deleted"})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}

	snapshot, err := t.Stores.Entities.Get(r.Context(), req.EntityID)
	if err != nil {
		respondErr(w, err)
		return
	}
	result, err := t.Engine.Test(r.Context(), chi.URLParam(r, "ruleId"), snapshot)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleResultResponse(result))
}

// handleRunRule fires a SCHEDULED rule now, whether or not the cron loop runs
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	runner := t.Scheduler
	if runner == nil {
		runner = scheduler.New(t.Engine, t.Stores.Entities, 0)
	}
	res, err := runner.RunRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{
		RuleID:    res.RuleID,
		Evaluated: res.Evaluated,
		Matched:   res.Matched,
		Failed:    res.Failed,
	})
}

// deal loads the deal named in the URL; other entity types are not found
func (s *Server) deal(w http.ResponseWriter, r *http.Request, t *multitenantengine.Tenant) (entity.Snapshot, bool) {
	id := chi.URLParam(r, "dealId")
	d, err := t.Stores.Entities.Get(r.Context(), id)
	if err == nil && d.Type != entity.TypeDeal {
		err = entity.ErrNotFound
	}
	if err != nil {
		respondErr(w, err)
		return entity.Snapshot{}, false
	}
	return d, true
}

func (s *Server) handleDealProgress(w http.ResponseWriter, r *http.Request) {
	t, actor, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.TargetStepID) == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "targetStepId is required", nil)
		return
	}

	d, ok := s.deal(w, r, t)
	if !ok {
		return
	}

	result, err := t.Coordinator.MoveEntityToStep(r.Context(), d.ID, req.TargetStepID, actor.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ProgressResponse{
		Deal:           newEntityResponse(result.Entity),
		Moved:          result.Moved,
		TargetIsFinal:  result.TargetIsFinal,
		Probability:    result.Probability,
		RuleEvaluation: newSummaryResponse(result.Summary),
	})
}

func (s *Server) handleDealProbability(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	d, ok := s.deal(w, r, t)
	if !ok {
		return
	}

	resolver := workflow.NewProbabilityResolver(workflow.NewStepGraph(t.Stores.Workflows))
	res, err := resolver.Resolve(r.Context(), d)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var entityType entity.Type
	if v := r.URL.Query().Get("entityType"); v != "" {
		parsed, err := entity.ParseType(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		entityType = parsed
	}

	list, err := t.Stores.Workflows.Workflows(r.Context(), entityType)
	if err != nil {
		respondErr(w, err)
		return
	}
	if list == nil {
		list = []workflow.Workflow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	steps, err := workflow.NewStepGraph(t.Stores.Workflows).OrderedSteps(r.Context(), chi.URLParam(r, "workflowId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleEvent dispatches a lifecycle event raised by the CRM after it wrote an entity
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	t, actor, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}

	trigger := rules.TriggerType(strings.ToUpper(strings.TrimSpace(req.TriggerType)))
	lifecycle := strings.ToUpper(strings.TrimSpace(req.Lifecycle))
	switch trigger {
	case rules.TriggerCreate:
		if lifecycle == "" {
			lifecycle = rules.EventCreated
		}
	case rules.TriggerFieldChange:
		if lifecycle == "" {
			lifecycle = rules.EventUpdated
		}
	default:
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "triggerType must be CREATE or FIELD_CHANGE", nil)
		return
	}

	snapshot, err := t.Stores.Entities.Get(r.Context(), req.EntityID)
	if err != nil {
		respondErr(w, err)
		return
	}

	summary := t.Engine.Dispatch(r.Context(), rules.Event{
		EntityType:    snapshot.Type,
		TriggerType:   trigger,
		Lifecycle:     lifecycle,
		ChangedFields: req.ChangedFields,
		Snapshot:      snapshot,
		ActorUserID:   actor.UserID,
	})
	respondJSON(w, http.StatusOK, newSummaryResponse(summary))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	t, actor, ok := s.tenant(w, r)
	if !ok {
		return
	}
	pending, err := s.notifications.Pending(r.Context(), t.ID, actor.UserID, notificationsListed)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"notifications": pending})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	t, actor, ok := s.tenant(w, r)
	if !ok {
		return
	}
	open, err := t.Stores.Tasks.OpenTasks(r.Context(), actor.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if open == nil {
		open = []rules.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": open})
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	list, err := t.Stores.Tasks.Activities(r.Context(), chi.URLParam(r, "entityId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if list == nil {
		list = []rules.Activity{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"activities": list})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}
	builtin := make(map[entity.Type][]string, len(entity.Types))
	for _, et := range entity.Types {
		builtin[et] = t.Registry.Fields(et)
	}
	respondJSON(w, http.StatusOK, SchemaResponse{Definition: t.Schema(), BuiltinFields: builtin})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var req SchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err)
		return
	}

	invalid, err := s.manager.UpdateTenantSchema(r.Context(), t.ID, req.Definition)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "failed to update schema", err)
		return
	}

	resp := SchemaResponse{Definition: t.Schema()}
	if len(invalid) > 0 {
		resp.InvalidRules = make(map[string]string, len(invalid))
		for id, err := range invalid {
			resp.InvalidRules[id] = err.Error()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondErr maps engine errors to a status and error code
func respondErr(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	var terr *workflow.TransitionError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "invalid business rule",
			Code:    "VALIDATION_FAILED",
			Details: verr.Problems,
		})
	case errors.As(err, &terr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   terr.Error(),
			Code:    "INVALID_TRANSITION",
			Details: []string{terr.Reason},
		})
	case errors.Is(err, workflow.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "FORBIDDEN", "permission denied", err)
	case errors.Is(err, entity.ErrConcurrentModification):
		respondError(w, http.StatusConflict, "CONFLICT", "entity was modified concurrently", err)
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, entity.ErrNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrStepNotFound),
		errors.Is(err, multitenantengine.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "not found", err)
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	response := ErrorResponse{Error: message, Code: code}
	if err != nil {
		response.Details = []string{err.Error()}
	}
	respondJSON(w, status, response)
}
