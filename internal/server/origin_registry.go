package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tvboard/tvboard-edge/internal/config"
	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// OriginRoute 将 Origin 配置与解析后的公开地址、回源地址、代理地址聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// PublicURL 是页面可见的 origin；worker 以它作为请求 URL 与缓存 key 的前缀。
	PublicURL *url.URL
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// Origin 返回 scheme://host 形式的公开 origin。
func (r *OriginRoute) Origin() string {
	return fetch.OriginOf(r.PublicURL)
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
// 它同时实现 fetch.Resolver，把公开 URL 改写为回源 URL。
type OriginRegistry struct {
	routes   map[string]*OriginRoute
	byOrigin map[string]*OriginRoute
	ordered  []*OriginRoute
	self     *OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes:   make(map[string]*OriginRoute, len(cfg.Origins)),
		byOrigin: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		route, err := buildOriginRoute(cfg, origin)
		if err != nil {
			return nil, err
		}

		host := normalizeDomain(route.PublicURL.Host)
		if host == "" {
			return nil, fmt.Errorf("invalid url for origin %s", origin.Name)
		}
		if _, exists := registry.routes[host]; exists {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", host)
		}

		registry.routes[host] = route
		registry.byOrigin[route.Origin()] = route
		registry.ordered = append(registry.ordered, route)
		if origin.Role == config.RoleSelf && registry.self == nil {
			registry.self = route
		}
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Self 返回 Role=self 的看板 origin。
func (r *OriginRegistry) Self() (*OriginRoute, bool) {
	if r == nil || r.self == nil {
		return nil, false
	}
	return r.self, true
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Resolve 把公开 URL 改写到对应 Origin 的 Upstream，保留 path 与 query。
// 未注册的 origin 返回 ok=false，由调用方直接访问原地址。
func (r *OriginRegistry) Resolve(public *url.URL) (*url.URL, *url.URL, bool) {
	if r == nil || public == nil {
		return nil, nil, false
	}
	route, ok := r.byOrigin[fetch.OriginOf(public)]
	if !ok {
		return nil, nil, false
	}

	target := *route.UpstreamURL
	prefix := strings.TrimSuffix(route.UpstreamURL.Path, "/")
	target.Path = prefix + public.Path
	target.RawPath = ""
	if public.RawPath != "" {
		target.RawPath = strings.TrimSuffix(route.UpstreamURL.EscapedPath(), "/") + public.RawPath
	}
	target.RawQuery = public.RawQuery
	target.Fragment = ""
	return &target, route.ProxyURL, true
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig) (*OriginRoute, error) {
	publicURL, err := url.Parse(origin.URL)
	if err != nil || publicURL.Host == "" {
		return nil, fmt.Errorf("invalid url for origin %s", origin.Name)
	}

	upstreamURL, err := url.Parse(origin.EffectiveUpstream())
	if err != nil || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream for origin %s", origin.Name)
	}

	var proxyURL *url.URL
	if origin.Proxy != "" {
		proxyURL, err = url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
	}

	return &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		PublicURL:   publicURL,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
