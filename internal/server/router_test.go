package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tvboard/tvboard-edge/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://board.local/videos/a.mp4", nil)
	req.Host = "board.local"
	req.Header.Set("Host", "board.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Tvboard-Host"))
	}

	if app.storage.routeName != "board" {
		t.Fatalf("expected board route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/videos/a.mp4", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
}

func TestRouterDiagnosticsBypassHostLookup(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("diagnostics should not require a mapped host, got %d", resp.StatusCode)
	}
	if app.storage.lastRoute != nil {
		t.Fatalf("proxy must not see diagnostics requests")
	}
}

func TestRouterRendersPanicAsJSON(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://board.local/-/panic", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"internal_error"`)) {
		t.Fatalf("expected internal_error body, got %s", body)
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: port,
		},
		Origins: []config.OriginConfig{
			{
				Name:     "board",
				Role:     config.RoleSelf,
				URL:      "http://board.local",
				Upstream: "http://127.0.0.1:8080",
			},
		},
	}

	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if _, ok := registry.Lookup("board.local"); !ok {
		t.Fatalf("registry lookup failed for board")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})
	app.Get("/-/panic", func(c fiber.Ctx) error {
		panic("boom")
	})

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *OriginRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *OriginRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
