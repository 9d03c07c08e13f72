package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tvboard/tvboard-edge/internal/fetch"
	"github.com/tvboard/tvboard-edge/internal/logging"
	"github.com/tvboard/tvboard-edge/internal/server"
	"github.com/tvboard/tvboard-edge/internal/worker"
)

// ClientCookie 标识一个看板页面实例，worker 据此判断页面是否已被接管。
const ClientCookie = "tvboard_client"

const clientCookieMaxAge = 365 * 24 * 60 * 60

// FetchHandler 是 worker 的拦截入口，测试可注入桩实现。
type FetchHandler interface {
	HandleFetch(ctx context.Context, req *fetch.Request) (*worker.Result, error)
}

// Handler 把 Fiber 请求翻译成 fetch.Request 交给 worker，再把 worker 的响应写回客户端。
// 命中、回源、离线兜底都由 worker 决定，这里只负责协议转换、页面标识和日志。
type Handler struct {
	worker FetchHandler
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the shared worker.
func NewHandler(w FetchHandler, logger *logrus.Logger) *Handler {
	return &Handler{
		worker: w,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。worker 最终回源失败时返回 502 upstream_failed；
// handler 内部 panic 会被转换为 500 proxy_panic。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	defer func() {
		if r := recover(); r != nil {
			h.logResult(route, c, requestID, nil, 0, started, fmt.Errorf("panic: %v", r))
			err = h.writeError(c, fiber.StatusInternalServerError, "proxy_panic")
		}
	}()

	req, err := buildRequest(c, route)
	if err != nil {
		h.logResult(route, c, requestID, nil, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	req.ClientID = h.clientID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.worker.HandleFetch(ctx, req)
	if err != nil {
		h.logResult(route, c, requestID, nil, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeResult(c, route, result, requestID, started)
}

func (h *Handler) writeResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	result *worker.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	if resp == nil {
		h.logResult(route, c, requestID, result, 0, started, errors.New("worker returned no response"))
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	// opaque 响应对页面而言状态为 0，edge 仍能读到正文，按 200 透传。
	status := resp.Status
	if status == 0 {
		status = fiber.StatusOK
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Tvboard-Cache", result.CacheStatus())
	c.Set("X-Tvboard-Route", string(result.Route))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(status)
	h.logResult(route, c, requestID, result, status, started, nil)

	if resp.Body == nil || resp.Body == http.NoBody || c.Method() == http.MethodHead {
		resp.Close()
		return nil
	}

	size := -1
	if resp.ContentLength > 0 {
		size = int(resp.ContentLength)
	}
	// fasthttp 写完后负责关闭 Body（缓存文件或上游连接）。
	return c.SendStream(resp.Body, size)
}

// clientID 读取或签发 tvboard_client cookie。
func (h *Handler) clientID(c fiber.Ctx) string {
	if id := c.Cookies(ClientCookie); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   clientCookieMaxAge,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	c fiber.Ctx,
	requestID string,
	result *worker.Result,
	status int,
	started time.Time,
	err error,
) {
	routeName := ""
	cacheHit := false
	if result != nil {
		routeName = string(result.Route)
		cacheHit = result.CacheHit
	}
	fields := logging.RequestFields(
		route.Config.Name,
		route.PublicURL.Host,
		route.Config.Role,
		routeName,
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["path"] = requestPath(c)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 以 route 的公开 origin 重建页面看到的 URL，并从 Sec-Fetch-* 推导 destination/mode。
func buildRequest(c fiber.Ctx, route *server.OriginRoute) (*fetch.Request, error) {
	uri := c.Request().URI()
	rawURL := route.Origin() + originalPath(c)
	if query := uri.QueryString(); len(query) > 0 {
		rawURL += "?" + string(query)
	}

	req, err := fetch.NewRequest(c.Method(), rawURL)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del("Host")
	req.Destination, req.Mode = requestMetadata(req.Header)
	return req, nil
}

// requestMetadata 优先使用 Sec-Fetch-Dest/Mode；旧版电视浏览器不发送这些头时，
// 接受 text/html 的请求按导航处理。
func requestMetadata(header http.Header) (fetch.Destination, fetch.Mode) {
	dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest")))
	mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))

	destination := fetch.DestinationEmpty
	if dest != "" && dest != "empty" {
		destination = fetch.Destination(dest)
	}

	switch fetch.Mode(mode) {
	case fetch.ModeNavigate, fetch.ModeNoCORS, fetch.ModeSameOrigin, fetch.ModeCORS:
		return destination, fetch.Mode(mode)
	}

	if dest == "" && strings.Contains(header.Get("Accept"), "text/html") {
		return fetch.DestinationDocument, fetch.ModeNavigate
	}
	return destination, fetch.ModeCORS
}

func originalPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().PathOriginal())
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return requestPath(c)
	}
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if _, err := url.ParseRequestURI(raw); err != nil {
		return requestPath(c)
	}
	return raw
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
