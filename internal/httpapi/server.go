package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	JWTSecret       string
	Authorizer      Authorizer
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StreamOrigins   []string
	StreamBuffer    int
	Logger          logrus.FieldLogger
}

type Server struct {
	engine      *relaysync.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         logrus.FieldLogger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServerWithConfig(engine *relaysync.Engine, cfg ServerConfig) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = ScopeAuthorizer{}
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.engine.Metrics().Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Health(r.Context()))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, parts[2], correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[1] == "instances" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "sync_trigger"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "retry" && r.Method == http.MethodPost:
		requiredScope = ScopeEventsRetry
		route = "retry_batch"
	case len(parts) == 4 && parts[1] == "events" && parts[3] == "retry" && r.Method == http.MethodPost:
		requiredScope = ScopeEventsRetry
		route = "retry_event"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = ScopeEventsRead
		route = "stats"
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeEventsRead
		route = "event"
	case len(parts) == 4 && parts[1] == "mappings" && parts[3] == "sync-status" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "mapping_sync_status"
	case len(parts) == 2 && parts[1] == "sync-status" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "sync_statuses"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = ScopeEventsRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := parseBearer(bearerToken(r), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.cfg.Authorizer.Authorize(requiredScope, AuthContext{Subject: claims.Subject, Scopes: claims.Scopes, Route: route}) {
		s.log.WithFields(logrus.Fields{"subject": claims.Subject, "route": route, "scope": requiredScope}).Debug("authorization denied")
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+requiredScope, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "sync_trigger":
		s.handleSyncTrigger(w, r, parts[2], correlationID)
	case "retry_batch":
		s.handleRetryBatch(w, r, correlationID)
	case "retry_event":
		s.handleRetryEvent(w, r, parts[2])
	case "stats":
		writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
	case "event":
		s.handleGetEvent(w, r, parts[2], correlationID)
	case "mapping_sync_status":
		s.handleMappingSyncStatus(w, r, parts[2], correlationID)
	case "sync_statuses":
		s.handleSyncStatuses(w, r, correlationID)
	case "stream":
		s.handleStream(w, r)
	}
}

type webhookResponse struct {
	Status      string                `json:"status"`
	ID          string                `json:"id"`
	Duplicate   bool                  `json:"duplicate"`
	Disposition relaysync.Disposition `json:"disposition,omitempty"`
	MatchID     string                `json:"matchId,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, instanceID, correlationID string) {
	instance, ok := s.engine.Instance(instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown instance", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !VerifySignature(body, providedSignature(r.Header), instance.WebhookSecret) {
		s.log.WithField("instance_id", instance.ID).Warn("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature", correlationID)
		return
	}
	kind := eventKind(r.Header, body)
	if kind == relaysync.KindUnknown {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown event kind", correlationID)
		return
	}

	result, err := s.engine.Ingest(r.Context(), instance.ID, kind, body)
	switch {
	case err == nil:
	case errors.Is(err, relaysync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "shutting down", correlationID)
		return
	case errors.Is(err, relaysync.ErrInvalidInput), errors.Is(err, relaysync.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	default:
		s.log.WithFields(logrus.Fields{"instance_id": instance.ID, "kind": kind.String()}).Errorf("ingest: %v", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "failed to persist event", correlationID)
		return
	}

	resp := webhookResponse{
		Status:      "accepted",
		ID:          result.EventID,
		Duplicate:   result.Duplicate,
		Disposition: result.Disposition,
		MatchID:     result.MatchID,
	}
	if result.Duplicate {
		resp.Status = "duplicate"
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// eventKind reads the hook header, falling back to the body's object_kind.
func eventKind(h http.Header, body []byte) relaysync.EventKind {
	for _, name := range []string{"X-Relay-Event", "X-Gitlab-Event"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return relaysync.ParseEventKind(v)
		}
	}
	var probe struct {
		ObjectKind string `json:"object_kind"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return relaysync.KindUnknown
	}
	return relaysync.ParseEventKind(probe.ObjectKind)
}

type syncTriggerRequest struct {
	Mode      string    `json:"mode"`
	ProjectID string    `json:"projectId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, instanceID, correlationID string) {
	var req syncTriggerRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, relaysync.SyncTriggerResult{Message: "invalid json body"})
			return
		}
	}
	result, err := s.engine.TriggerSync(r.Context(), relaysync.SyncRequest{
		InstanceID: instanceID,
		ProjectID:  req.ProjectID,
		Mode:       relaysync.SyncMode(req.Mode),
		From:       req.From,
		To:         req.To,
	})
	if result.Mappings == nil {
		result.Mappings = []relaysync.MappingTrigger{}
	}
	writeJSON(w, statusFor(err, http.StatusAccepted), result)
}

type retryBatchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req retryBatchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, relaysync.BatchRetryResult{Message: "ids required", Results: []relaysync.RetryResult{}})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RetryEvents(r.Context(), req.IDs))
}

func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request, eventID string) {
	result, err := s.engine.RetryEvent(r.Context(), eventID)
	writeJSON(w, statusFor(err, http.StatusOK), result)
}

type eventResponse struct {
	relaysync.Event
	Status relaysync.EventStatus `json:"status"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request, eventID, correlationID string) {
	ev, err := s.engine.GetEvent(r.Context(), eventID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: ev, Status: ev.Status(s.engine.MaxRetries())})
}

func (s *Server) handleMappingSyncStatus(w http.ResponseWriter, r *http.Request, mappingID, correlationID string) {
	status, err := s.engine.SyncStatus(r.Context(), mappingID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncStatuses(w http.ResponseWriter, r *http.Request, correlationID string) {
	instanceID := strings.TrimSpace(r.URL.Query().Get("instanceId"))
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing instanceId query parameter", correlationID)
		return
	}
	if _, ok := s.engine.Instance(instanceID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown instance", correlationID)
		return
	}
	statuses, err := s.engine.SyncStatuses(r.Context(), instanceID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instanceId": instanceID, "statuses": statuses})
}

// statusFor maps engine errors onto the HTTP status of a {success, message} response.
func statusFor(err error, ok int) int {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, relaysync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relaysync.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, relaysync.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, relaysync.ErrClosed), errors.Is(err, relaysync.ErrNotImplemented):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	status := statusFor(err, http.StatusInternalServerError)
	code := "internal_error"
	switch status {
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusBadRequest:
		code = "bad_request"
	case http.StatusServiceUnavailable:
		code = "unavailable"
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
