package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrCORS 表示跨域响应缺少允许当前 origin 的 Access-Control-Allow-Origin，
// 对应浏览器中 fetch() 抛出的 TypeError。
var ErrCORS = errors.New("cors request rejected")

// ErrUnsupportedScheme 表示 edge 无法直接抓取的协议（例如 file:）。
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Fetcher 抽象网络访问，worker 通过它回源，测试可注入桩实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Resolver 把页面可见的公开 URL 映射为实际上游地址与可选代理。
type Resolver interface {
	Resolve(public *url.URL) (target *url.URL, proxy *url.URL, ok bool)
}

// Client 使用共享 http.Client 回源，并按请求 mode 模拟浏览器的 CORS 结果：
// cors 模式下跨域且未授权的响应返回 ErrCORS，no-cors 模式下返回 opaque 响应。
type Client struct {
	http     *http.Client
	resolver Resolver
	origin   string
}

// NewClient 构造回源客户端，origin 为 worker 自身的 origin（scheme://host）。
func NewClient(httpClient *http.Client, resolver Resolver, origin string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:     httpClient,
		resolver: resolver,
		origin:   strings.ToLower(strings.TrimSuffix(origin, "/")),
	}
}

// Fetch 执行一次网络请求。
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch request is nil")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.URL.Scheme)
	}

	target := req.URL
	var proxyURL *url.URL
	if c.resolver != nil {
		if resolved, proxy, ok := c.resolver.Resolve(req.URL); ok {
			target = resolved
			proxyURL = proxy
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host

	crossOrigin := req.Origin() != c.origin
	switch {
	case req.Mode == ModeNoCORS:
		// 与 credentials: 'omit' 对齐，不向上游泄露页面凭证。
		httpReq.Header.Del("Cookie")
		httpReq.Header.Del("Authorization")
	case crossOrigin && req.Mode != ModeNavigate:
		httpReq.Header.Set("Origin", c.origin)
	}

	resp, err := c.do(httpReq, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.String(), err)
	}

	finalHost := target.Host
	if resp.Request != nil && resp.Request.URL != nil {
		finalHost = resp.Request.URL.Host
	}
	tainted := crossOrigin || !strings.EqualFold(finalHost, target.Host)

	result := &Response{
		Status:        resp.StatusCode,
		Header:        http.Header{},
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Type:          TypeBasic,
		URL:           req.URL.String(),
	}

	if tainted && req.Mode != ModeNavigate {
		switch {
		case req.Mode == ModeNoCORS:
			result.Status = 0
			result.Type = TypeOpaque
			return result, nil
		case req.Mode != ModeSameOrigin && allowsOrigin(resp.Header, c.origin):
			result.Type = TypeCORS
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrCORS, req.URL.String())
		}
	}

	CopyHeaders(result.Header, resp.Header)
	return result, nil
}

func (c *Client) do(req *http.Request, proxyURL *url.URL) (*http.Response, error) {
	if proxyURL == nil {
		return c.http.Do(req)
	}
	transport := &http.Transport{}
	if base, ok := c.http.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *c.http
	client.Transport = transport
	return client.Do(req)
}

func allowsOrigin(header http.Header, origin string) bool {
	allowed := strings.TrimSpace(header.Get("Access-Control-Allow-Origin"))
	if allowed == "*" {
		return true
	}
	return allowed != "" && strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
}
