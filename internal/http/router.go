// Package httpx exposes the console's HTTP surface: command endpoints, replay
// queries for late joiners, and the websocket/SSE broadcast streams.
package httpx

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/naming"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/events"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/lifecycle"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/logtail"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/store"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitCommand   = 30
	rateLimitRead      = 120
	rateLimitStream    = 30

	sseHeartbeatInterval = 25 * time.Second
)

// Router wires HTTP endpoints to the engine's services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	lifecycle *lifecycle.Service
	pipeline  *events.Pipeline
	tails     *logtail.Coordinator
	names     store.NameStore
	settings  store.SettingsStore
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	staticDir string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. staticDir may be empty when
// no bundled UI should be served.
func NewRouter(logger *slog.Logger, lifecycleSvc *lifecycle.Service, pipeline *events.Pipeline, tails *logtail.Coordinator, names store.NameStore, settings store.SettingsStore, hub *ws.Hub, limiter RateLimiter, staticDir string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: lifecycleSvc,
		pipeline:  pipeline,
		tails:     tails,
		names:     names,
		settings:  settings,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		staticDir: strings.TrimSpace(staticDir),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/sandbox", r.audit("/api/sandbox", r.withRateLimit("/api/sandbox", rateLimitRead, rateWindowDefault, r.handleSandbox)))
	r.mux.HandleFunc("/api/sandbox/start", r.audit("/api/sandbox/start", r.withRateLimit("/api/sandbox/start", rateLimitCommand, rateWindowDefault, r.handleStart)))
	r.mux.HandleFunc("/api/sandbox/stop", r.audit("/api/sandbox/stop", r.withRateLimit("/api/sandbox/stop", rateLimitCommand, rateWindowDefault, r.handleStop)))
	r.mux.HandleFunc("/api/events", r.audit("/api/events", r.withRateLimit("/api/events", rateLimitRead, rateWindowDefault, r.handleEvents)))
	r.mux.HandleFunc("/api/resources", r.audit("/api/resources", r.withRateLimit("/api/resources", rateLimitRead, rateWindowDefault, r.handleResources)))
	r.mux.HandleFunc("/api/logging", r.audit("/api/logging", r.withRateLimit("/api/logging", rateLimitCommand, rateWindowDefault, r.handleLogging)))
	r.mux.HandleFunc("/api/logs/", r.audit("/api/logs", r.withRateLimit("/api/logs", rateLimitRead, rateWindowDefault, r.handleLogHistory)))
	r.mux.HandleFunc("/api/names", r.audit("/api/names", r.withRateLimit("/api/names", rateLimitCommand, rateWindowDefault, r.handleNames)))
	r.mux.HandleFunc("/api/settings/log-size", r.audit("/api/settings/log-size", r.withRateLimit("/api/settings/log-size", rateLimitCommand, rateWindowDefault, r.handleLogSize)))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.withRateLimit("/ws", rateLimitStream, rateWindowRealtime, r.handleWebsocket)))
	r.mux.HandleFunc("/sse", r.audit("/sse", r.withRateLimit("/sse", rateLimitStream, rateWindowRealtime, r.handleSSE)))
	if r.staticDir != "" {
		r.mux.Handle("/", http.FileServer(http.Dir(r.staticDir)))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSandbox reports the sandbox on GET and deletes it on DELETE.
func (r *Router) handleSandbox(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"identifier": r.lifecycle.Identifier(),
			"state":      r.lifecycle.State(req.Context()),
		})
	case http.MethodDelete:
		if err := r.lifecycle.Delete(req.Context()); err != nil {
			r.writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Once bool     `json:"once"`
		Args []string `json:"args"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	opts := lifecycle.StartOptions{Once: payload.Once, Args: payload.Args}
	if err := r.lifecycle.Start(req.Context(), opts); err != nil {
		r.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.lifecycle.Stop(req.Context()); err != nil {
		r.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// handleEvents serves the event history for late joiners and clears it on
// DELETE.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		history, err := r.pipeline.History(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load event history")
			return
		}
		if history == nil {
			history = []domain.DeploymentEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": history})
	case http.MethodDelete:
		if err := r.pipeline.ClearHistory(req.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clear event history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleResources(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	overrides, err := r.names.FriendlyNames(req.Context())
	if err != nil {
		r.logger.Warn("failed to load name overrides", "error", err)
		overrides = map[string]string{}
	}
	resources := r.pipeline.LatestResources()
	type resourceView struct {
		domain.ResourceStatus
		DisplayName string `json:"displayName"`
	}
	views := make([]resourceView, 0, len(resources))
	for _, rs := range resources {
		display, ok := overrides[rs.ResourceName]
		if !ok {
			display = naming.CreateFriendlyName(rs.ResourceName, "")
		}
		views = append(views, resourceView{ResourceStatus: rs, DisplayName: display})
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": views})
}

// handleLogging lists active tails on GET and toggles one on POST.
func (r *Router) handleLogging(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"active": r.tails.ActiveResources()})
	case http.MethodPost:
		var payload struct {
			ResourceID   string `json:"resourceId"`
			ResourceType string `json:"resourceType"`
			Enable       bool   `json:"enable"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.ResourceID == "" {
			writeError(w, http.StatusBadRequest, "resourceId is required")
			return
		}
		if payload.Enable {
			status, err := r.tails.StartLogging(req.Context(), payload.ResourceID, payload.ResourceType)
			if err != nil {
				if errors.Is(err, logtail.ErrUnsupportedResourceType) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": status})
			return
		}
		history, err := r.tails.StopLogging(req.Context(), payload.ResourceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if history == nil {
			history = []domain.LogEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": domain.LogStreamStopped, "history": history})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	resourceID := strings.TrimPrefix(req.URL.Path, "/api/logs/")
	if resourceID == "" || strings.Contains(resourceID, "/") {
		writeError(w, http.StatusBadRequest, "resource identifier required")
		return
	}
	history, err := r.tails.History(req.Context(), resourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load log history")
		return
	}
	if history == nil {
		history = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resourceId": resourceID, "logs": history})
}

// handleNames sets or removes friendly-name overrides.
func (r *Router) handleNames(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut && req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ResourceID string `json:"resourceId"`
		Name       string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "resourceId is required")
		return
	}
	switch req.Method {
	case http.MethodPut:
		if strings.TrimSpace(payload.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := r.names.SetFriendlyName(req.Context(), payload.ResourceID, payload.Name); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save name")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	case http.MethodDelete:
		if err := r.names.RemoveFriendlyName(req.Context(), payload.ResourceID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to remove name")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

func (r *Router) handleLogSize(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		MaxSizeMB int `json:"maxSizeMB"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.MaxSizeMB <= 0 {
		writeError(w, http.StatusBadRequest, "maxSizeMB must be positive")
		return
	}
	if err := r.settings.SetMaxLogSizeMB(req.Context(), payload.MaxSizeMB); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save setting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"maxSizeMB": payload.MaxSizeMB})
}

// handleWebsocket subscribes the connection to the console stream plus any
// requested per-resource log streams. History is served by the query
// endpoints; the stream only carries new activity.
func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)

	topics := []string{ws.ConsoleTopic}
	for _, resourceID := range splitList(req.URL.Query().Get("logs")) {
		topics = append(topics, ws.LogTopic(resourceID))
	}
	for _, topic := range topics {
		r.hub.Register(topic, client)
	}

	go func() {
		defer func() {
			for _, topic := range topics {
				r.hub.Unregister(topic, client)
			}
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	topics := []string{ws.ConsoleTopic}
	for _, resourceID := range splitList(req.URL.Query().Get("logs")) {
		topics = append(topics, ws.LogTopic(resourceID))
	}
	for _, topic := range topics {
		r.hub.Register(topic, client)
	}
	defer func() {
		for _, topic := range topics {
			r.hub.Unregister(topic, client)
		}
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// audit logs each request and records its metrics.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.logger.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
		)
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the audit wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
