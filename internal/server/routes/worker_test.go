package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/logging"
	"github.com/finemagazi/shellcache/internal/server"
	"github.com/finemagazi/shellcache/internal/worker"
)

var manifest = []string{"/", "/index.html"}

func newControlApp(t *testing.T, skipWaiting bool) (*fiber.App, *worker.Manager) {
	t.Helper()
	storage, err := cache.NewStorage("fs", t.TempDir())
	if err != nil {
		t.Fatalf("storage init error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	network := worker.FetcherFunc(func(ctx context.Context, req worker.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.Key())}, nil
	})
	origin, _ := url.Parse("https://finemagazi.example")
	manager, err := worker.NewManager(storage, network, logging.Discard(), worker.Options{
		Origin:      origin,
		SkipWaiting: skipWaiting,
	})
	if err != nil {
		t.Fatalf("manager init error: %v", err)
	}
	t.Cleanup(manager.Wait)

	app := fiber.New()
	RegisterWorkerRoutes(app, WorkerRouteOptions{
		Manager: manager,
		Storage: storage,
		Logger:  logging.Discard(),
	})
	return app, manager
}

func TestSkipWaitingMessageActivatesWaitingGeneration(t *testing.T) {
	app, manager := newControlApp(t, false)
	if _, err := manager.Register(context.Background(), "v1", manifest); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if _, err := manager.Register(context.Background(), "v2", manifest); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/-/sw/message", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if manager.ActiveVersion() != "v2" {
		t.Fatalf("expected v2 active, got %s", manager.ActiveVersion())
	}
}

func TestUnknownMessageIsRejected(t *testing.T) {
	app, _ := newControlApp(t, true)

	for body, code := range map[string]string{
		`{"type":"CLEAR"}`: "unknown_message",
		`not-json`:         "invalid_message",
	} {
		req := httptest.NewRequest(http.MethodPost, "/-/sw/message", strings.NewReader(body))
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.StatusCode)
		}
		data, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(data), code) {
			t.Fatalf("expected %s in %s", code, string(data))
		}
	}
}

func TestControllerReportsReloadOnce(t *testing.T) {
	app, manager := newControlApp(t, true)
	manager.Clients().Touch("page-1", "")
	if _, err := manager.Register(context.Background(), "v1", manifest); err != nil {
		t.Fatalf("register: %v", err)
	}

	poll := func() controllerPayload {
		req := httptest.NewRequest(http.MethodGet, "/-/sw/controller", nil)
		req.AddCookie(&http.Cookie{Name: server.ClientCookieName, Value: "page-1"})
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var payload controllerPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		return payload
	}

	first := poll()
	if first.Controller != "v1" || !first.Reload {
		t.Fatalf("expected reload on first poll, got %+v", first)
	}
	if second := poll(); second.Reload {
		t.Fatalf("reload should be reported once, got %+v", second)
	}
}

func TestControllerUnknownClient(t *testing.T) {
	app, _ := newControlApp(t, true)
	req := httptest.NewRequest(http.MethodGet, "/-/sw/controller", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 without cookie, got %d", resp.StatusCode)
	}
}

func TestStatusListsGenerationsAndCaches(t *testing.T) {
	app, manager := newControlApp(t, true)
	if _, err := manager.Register(context.Background(), "v1", manifest); err != nil {
		t.Fatalf("register: %v", err)
	}
	manager.Clients().Touch("page-1", "v1")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/sw/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Active  *worker.GenerationInfo `json:"active"`
		Caches  []string               `json:"caches"`
		Clients []worker.Client        `json:"client_list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Active == nil || payload.Active.Version != "v1" {
		t.Fatalf("expected v1 active, got %+v", payload.Active)
	}
	if len(payload.Caches) != 1 || payload.Caches[0] != "precache-v1" {
		t.Fatalf("unexpected caches %v", payload.Caches)
	}
	if len(payload.Clients) != 1 || payload.Clients[0].Controller != "v1" {
		t.Fatalf("expected one client controlled by v1, got %+v", payload.Clients)
	}
}
