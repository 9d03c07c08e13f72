// Package fetch 定义 worker 与网络之间交换的请求/响应模型，并提供带 CORS 语义的上游客户端。
// 浏览器中的 Request/Response 概念（destination、mode、opaque 响应）在这里以普通 Go 结构体表达，
// 代理层负责把 Fiber 请求翻译成 Request，worker 只与本包类型打交道。
package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Destination 对应浏览器 Request.destination（由 Sec-Fetch-Dest 推导）。
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationVideo    Destination = "video"
)

// Mode 对应浏览器 Request.mode。
type Mode string

const (
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
)

// Request 是 worker 视角下的一次拦截请求。URL 始终是页面看到的公开地址，
// 真正的上游地址由 Client 通过 Resolver 改写。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Destination Destination
	Mode        Mode
	// ClientID 标识发起请求的页面（tvboard_client cookie），为空表示未知页面。
	ClientID string
}

// NewRequest 解析 rawURL 并构造一个默认 GET/cors 请求。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if parsed.Scheme == "" || (parsed.Host == "" && parsed.Scheme != "file") {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeCORS,
	}, nil
}

// Clone 返回深拷贝，修改副本的 Header/Mode 不会影响原请求。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	return &cloned
}

// IsNavigation 判断请求是否为文档导航。
func (r *Request) IsNavigation() bool {
	return r.Destination == DestinationDocument || r.Mode == ModeNavigate
}

// Origin 返回 scheme://host[:port]，file 协议返回 "null"。
func (r *Request) Origin() string {
	return OriginOf(r.URL)
}

// OriginOf 计算 URL 的 origin 字符串。
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.Scheme == "file" {
		return "null"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
