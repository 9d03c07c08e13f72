package server

import (
	"net/url"
	"testing"

	"github.com/tvboard/tvboard-edge/internal/config"
)

func testRegistryConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5080},
		Origins: []config.OriginConfig{
			{
				Name:     "board",
				Role:     config.RoleSelf,
				URL:      "http://board.local",
				Upstream: "http://127.0.0.1:8080/app",
			},
			{
				Name:  "jsdelivr",
				Role:  config.RoleCDN,
				URL:   "https://cdn.jsdelivr.net",
				Proxy: "http://proxy.internal:3128",
			},
		},
	}
}

func TestOriginRegistryLookupByHost(t *testing.T) {
	cfg := testRegistryConfig()
	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("board.local")
	if !ok {
		t.Fatalf("expected board route")
	}
	if route.Config.Name != "board" {
		t.Errorf("wrong origin returned: %s", route.Config.Name)
	}
	if route.Origin() != "http://board.local" {
		t.Errorf("unexpected public origin %s", route.Origin())
	}
	if route.UpstreamURL.String() != "http://127.0.0.1:8080/app" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	cdn, ok := registry.Lookup("CDN.JSDELIVR.NET.")
	if !ok {
		t.Fatalf("lookup should be case-insensitive and ignore trailing dot")
	}
	if cdn.UpstreamURL.String() != "https://cdn.jsdelivr.net" {
		t.Fatalf("upstream should default to the public URL, got %s", cdn.UpstreamURL)
	}

	self, ok := registry.Self()
	if !ok || self.Config.Name != "board" {
		t.Fatalf("expected board as self origin")
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestOriginRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewOriginRegistry(testRegistryConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("board.local:5080"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
}

func TestOriginRegistryRejectsDuplicateHosts(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.Origins = append(cfg.Origins, config.OriginConfig{
		Name: "board-tls",
		Role: config.RoleCDN,
		URL:  "https://board.local",
	})
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate host error")
	}
}

func TestOriginRegistryResolve(t *testing.T) {
	registry, err := NewOriginRegistry(testRegistryConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	public, _ := url.Parse("http://board.local/videos/loop.mp4?v=3")
	target, proxy, ok := registry.Resolve(public)
	if !ok {
		t.Fatalf("expected self origin to resolve")
	}
	if target.String() != "http://127.0.0.1:8080/app/videos/loop.mp4?v=3" {
		t.Fatalf("unexpected upstream target %s", target)
	}
	if proxy != nil {
		t.Fatalf("self origin has no proxy")
	}

	public, _ = url.Parse("https://cdn.jsdelivr.net/npm/bootstrap.css")
	_, proxy, ok = registry.Resolve(public)
	if !ok || proxy == nil || proxy.Host != "proxy.internal:3128" {
		t.Fatalf("cdn origin should resolve with its proxy, got %v", proxy)
	}

	public, _ = url.Parse("https://api.openweathermap.org/data")
	if _, _, ok := registry.Resolve(public); ok {
		t.Fatalf("unregistered origin must not resolve")
	}
}
