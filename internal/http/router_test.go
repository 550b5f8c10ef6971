package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/events"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/lifecycle"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/logtail"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/store/file"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
	"github.com/megha-narayanan/amplify-backend-sub000/pkg/logger"
)

type fakeResolver struct {
	exists bool
	err    error
}

func (f *fakeResolver) StackExists(context.Context, string) (bool, error) {
	return f.exists, f.err
}

type fakeDeployer struct {
	running  bool
	startErr error
}

func (f *fakeDeployer) Start(context.Context, lifecycle.StartOptions) error { return f.startErr }

func (f *fakeDeployer) Stop(context.Context) error { return nil }

func (f *fakeDeployer) Delete(context.Context) error { return nil }

func (f *fakeDeployer) Running() bool { return f.running }

type fakeFetcher struct{}

func (f *fakeFetcher) FetchLogEntriesSince(context.Context, string, string) ([]domain.LogEntry, string, error) {
	return nil, "next", nil
}

type routerFixture struct {
	router   *Router
	store    *file.Store
	pipeline *events.Pipeline
}

func newTestRouter(t *testing.T, resolver *fakeResolver, deployer *fakeDeployer) *routerFixture {
	t.Helper()
	st, err := file.New(t.TempDir(), "router-test")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	log := logger.Discard()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	pipeline := events.New(st, st, hub, log, 100)
	lifecycleSvc := lifecycle.New("router-test", "amplify-router-test-sandbox", resolver, deployer, hub, log)
	tails := logtail.New(&fakeFetcher{}, nil, st, st, st, hub, log, 10*time.Millisecond)
	t.Cleanup(tails.Close)

	r := NewRouter(log, lifecycleSvc, pipeline, tails, st, st, hub, NewMemoryRateLimiter(), "")
	t.Cleanup(r.Close)
	return &routerFixture{router: r, store: st, pipeline: pipeline}
}

func doJSON(t *testing.T, r *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSandboxStateEndpoint(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodGet, "/api/sandbox", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Identifier string `json:"identifier"`
		State      string `json:"state"`
	}
	decodeBody(t, rec, &body)
	if body.Identifier != "router-test" {
		t.Fatalf("unexpected identifier %q", body.Identifier)
	}
	if body.State != string(domain.StateStopped) {
		t.Fatalf("expected stopped, got %q", body.State)
	}
}

func TestStartRejectedWhileRunning(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{running: true})

	// Resolve state first so the machine knows it is running.
	doJSON(t, fx.router, http.MethodGet, "/api/sandbox", nil)

	rec := doJSON(t, fx.router, http.MethodPost, "/api/sandbox/start", map[string]any{"once": true})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartAccepted(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: false}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodPost, "/api/sandbox/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsReplayAndClear(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})
	ctx := context.Background()

	fx.pipeline.Ingest(ctx, "amplify-router-test | CREATE_IN_PROGRESS")
	fx.pipeline.Ingest(ctx, "amplify-router-test | CREATE_IN_PROGRESS")
	fx.pipeline.Ingest(ctx, "10:00:00 AM | CREATE_COMPLETE | AWS::Lambda::Function | handler")

	rec := doJSON(t, fx.router, http.MethodGet, "/api/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Events []domain.DeploymentEvent `json:"events"`
	}
	decodeBody(t, rec, &body)
	if len(body.Events) != 2 {
		t.Fatalf("expected 2 events after dedup, got %d", len(body.Events))
	}

	rec = doJSON(t, fx.router, http.MethodDelete, "/api/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on clear, got %d", rec.Code)
	}
	rec = doJSON(t, fx.router, http.MethodGet, "/api/events", nil)
	body.Events = nil
	decodeBody(t, rec, &body)
	if len(body.Events) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(body.Events))
	}
}

func TestResourcesIncludeFriendlyNames(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})
	ctx := context.Background()

	fx.pipeline.Ingest(ctx, "10:00:00 AM | CREATE_COMPLETE | AWS::Lambda::Function | amplifyOrderHandler")
	fx.pipeline.Ingest(ctx, "10:00:01 AM | CREATE_COMPLETE | AWS::DynamoDB::Table | amplifyDataTable")

	rec := doJSON(t, fx.router, http.MethodPut, "/api/names", map[string]string{
		"resourceId": "amplifyDataTable",
		"name":       "Orders Table",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 saving name, got %d", rec.Code)
	}

	rec = doJSON(t, fx.router, http.MethodGet, "/api/resources", nil)
	var body struct {
		Resources []struct {
			ResourceName string `json:"resourceName"`
			DisplayName  string `json:"displayName"`
			Status       string `json:"status"`
		} `json:"resources"`
	}
	decodeBody(t, rec, &body)
	if len(body.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(body.Resources))
	}
	byName := map[string]string{}
	for _, res := range body.Resources {
		byName[res.ResourceName] = res.DisplayName
	}
	if byName["amplifyDataTable"] != "Orders Table" {
		t.Fatalf("expected override, got %q", byName["amplifyDataTable"])
	}
	if byName["amplifyOrderHandler"] != "Order Handler" {
		t.Fatalf("expected computed name, got %q", byName["amplifyOrderHandler"])
	}
}

func TestLoggingToggle(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodPost, "/api/logging", map[string]any{
		"resourceId":   "my-fn",
		"resourceType": "AWS::Lambda::Function",
		"enable":       true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 enabling, got %d: %s", rec.Code, rec.Body.String())
	}
	var status struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &status)
	if status.Status != domain.LogStreamActive {
		t.Fatalf("expected active, got %q", status.Status)
	}

	rec = doJSON(t, fx.router, http.MethodGet, "/api/logging", nil)
	var active struct {
		Active []string `json:"active"`
	}
	decodeBody(t, rec, &active)
	if len(active.Active) != 1 || active.Active[0] != "my-fn" {
		t.Fatalf("unexpected active set %v", active.Active)
	}

	rec = doJSON(t, fx.router, http.MethodPost, "/api/logging", map[string]any{
		"resourceId": "my-fn",
		"enable":     false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 disabling, got %d", rec.Code)
	}
	var stopped struct {
		Status  string            `json:"status"`
		History []domain.LogEntry `json:"history"`
	}
	decodeBody(t, rec, &stopped)
	if stopped.Status != domain.LogStreamStopped {
		t.Fatalf("expected stopped, got %q", stopped.Status)
	}
	if stopped.History == nil {
		t.Fatal("expected history array, got null")
	}
}

func TestLoggingRejectsUnsupportedType(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodPost, "/api/logging", map[string]any{
		"resourceId":   "some-bucket",
		"resourceType": "AWS::S3::Bucket",
		"enable":       true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLogHistoryForUnknownResourceIsEmpty(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodGet, "/api/logs/never-tailed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Logs []domain.LogEntry `json:"logs"`
	}
	decodeBody(t, rec, &body)
	if body.Logs == nil || len(body.Logs) != 0 {
		t.Fatalf("expected empty array, got %v", body.Logs)
	}
}

func TestLogSizeSettingPersists(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodPut, "/api/settings/log-size", map[string]int{"maxSizeMB": 25})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := fx.store.MaxLogSizeMB(context.Background())
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	if got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}

	rec = doJSON(t, fx.router, http.MethodPut, "/api/settings/log-size", map[string]int{"maxSizeMB": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive size, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodPatch, "/api/events", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = doJSON(t, fx.router, http.MethodGet, "/api/names", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET names, got %d", rec.Code)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{running: true})

	var lastCode int
	for i := 0; i < rateLimitCommand+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/sandbox/stop", strings.NewReader("{}"))
		req.RemoteAddr = "10.1.2.3:4444"
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", rateLimitCommand+1, lastCode)
	}
}

func TestRateLimitHeadersPresent(t *testing.T) {
	fx := newTestRouter(t, &fakeResolver{exists: true}, &fakeDeployer{})

	rec := doJSON(t, fx.router, http.MethodGet, "/api/events", nil)
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("expected X-RateLimit-Limit header")
	}
	remaining := rec.Header().Get("X-RateLimit-Remaining")
	if remaining == "" {
		t.Fatal("expected X-RateLimit-Remaining header")
	}
	if remaining == fmt.Sprint(rateLimitRead) {
		t.Fatalf("remaining should be below the limit, got %s", remaining)
	}
}
